package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Upsample raises the sample rate of f from fromRate to toRate by an integer
// ratio using linear interpolation. The last input sample is held, so the
// output has exactly ratio times as many samples as the input.
func Upsample(f Frame, fromRate, toRate int) (Frame, error) {
	ratio, err := checkRates("upsample", f, fromRate, toRate)
	if err != nil {
		return Frame{}, err
	}
	if toRate < fromRate {
		return Frame{}, &FormatError{Op: "upsample", Format: f.Format, Length: len(f.Data),
			Reason: fmt.Sprintf("target rate %d is below source rate %d", toRate, fromRate)}
	}

	ch := f.Format.Channels
	in := decodeSamples(f.Data)
	n := len(in) / ch
	out := make([]int16, len(in)*ratio)

	for c := 0; c < ch; c++ {
		for i := 0; i < n; i++ {
			cur := int(in[i*ch+c])
			next := cur
			if i+1 < n {
				next = int(in[(i+1)*ch+c])
			}
			for k := 0; k < ratio; k++ {
				v := divRound(cur*(ratio-k)+next*k, ratio)
				out[(i*ratio+k)*ch+c] = clamp16(v)
			}
		}
	}

	return Frame{
		Data:   encodeSamples(out),
		Format: Format{SampleRate: toRate, Channels: ch, Encoding: f.Format.Encoding},
		Seq:    f.Seq,
	}, nil
}

// Downsample lowers the sample rate of f from fromRate to toRate by an integer
// ratio. Each output sample is a triangular-weighted average of the input
// samples around its position (weights ratio-|k|), which is the transpose of
// the linear interpolation in Upsample, followed by decimation. Input
// positions past either end are clamped to the edge sample.
func Downsample(f Frame, fromRate, toRate int) (Frame, error) {
	ratio, err := checkRates("downsample", f, fromRate, toRate)
	if err != nil {
		return Frame{}, err
	}
	if toRate > fromRate {
		return Frame{}, &FormatError{Op: "downsample", Format: f.Format, Length: len(f.Data),
			Reason: fmt.Sprintf("target rate %d is above source rate %d", toRate, fromRate)}
	}

	ch := f.Format.Channels
	in := decodeSamples(f.Data)
	n := len(in) / ch
	outN := (n + ratio - 1) / ratio
	out := make([]int16, outN*ch)
	norm := ratio * ratio

	for c := 0; c < ch; c++ {
		for j := 0; j < outN; j++ {
			center := j * ratio
			acc := 0
			for k := -(ratio - 1); k <= ratio-1; k++ {
				idx := center + k
				if idx < 0 {
					idx = 0
				} else if idx >= n {
					idx = n - 1
				}
				w := ratio - abs(k)
				acc += w * int(in[idx*ch+c])
			}
			out[j*ch+c] = clamp16(divRound(acc, norm))
		}
	}

	return Frame{
		Data:   encodeSamples(out),
		Format: Format{SampleRate: toRate, Channels: ch, Encoding: f.Format.Encoding},
		Seq:    f.Seq,
	}, nil
}

// Convert returns f in the target format, changing channel count and sample
// rate as needed. Channels are mixed down before resampling and duplicated
// after it.
func Convert(f Frame, target Format) (Frame, error) {
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	if err := target.Validate(); err != nil {
		return Frame{}, err
	}
	if f.Format.Encoding != target.Encoding {
		return Frame{}, &FormatError{Op: "convert", Format: f.Format, Length: len(f.Data),
			Reason: fmt.Sprintf("cannot convert encoding %q to %q", f.Format.Encoding, target.Encoding)}
	}
	if f.Format == target {
		return f, nil
	}

	out := f
	if out.Format.Channels == 2 && target.Channels == 1 {
		out = mixDown(out)
	}

	var err error
	switch {
	case out.Format.SampleRate < target.SampleRate:
		out, err = Upsample(out, out.Format.SampleRate, target.SampleRate)
	case out.Format.SampleRate > target.SampleRate:
		out, err = Downsample(out, out.Format.SampleRate, target.SampleRate)
	}
	if err != nil {
		return Frame{}, err
	}

	if out.Format.Channels == 1 && target.Channels == 2 {
		out = mixUp(out)
	}
	return out, nil
}

// checkRates validates the frame against fromRate and returns the integer
// ratio between the two rates.
func checkRates(op string, f Frame, fromRate, toRate int) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	if fromRate <= 0 || toRate <= 0 {
		return 0, &FormatError{Op: op, Format: f.Format, Length: len(f.Data), Reason: "sample rates must be positive"}
	}
	if f.Format.SampleRate != fromRate {
		return 0, &FormatError{Op: op, Format: f.Format, Length: len(f.Data),
			Reason: fmt.Sprintf("frame rate %d does not match source rate %d", f.Format.SampleRate, fromRate)}
	}
	hi, lo := toRate, fromRate
	if hi < lo {
		hi, lo = lo, hi
	}
	if hi%lo != 0 {
		return 0, &FormatError{Op: op, Format: f.Format, Length: len(f.Data),
			Reason: fmt.Sprintf("rate ratio %d:%d is not an integer", hi, lo)}
	}
	return hi / lo, nil
}

func mixDown(f Frame) Frame {
	in := decodeSamples(f.Data)
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = clamp16(divRound(int(in[2*i])+int(in[2*i+1]), 2))
	}
	return Frame{
		Data:   encodeSamples(out),
		Format: Format{SampleRate: f.Format.SampleRate, Channels: 1, Encoding: f.Format.Encoding},
		Seq:    f.Seq,
	}
}

func mixUp(f Frame) Frame {
	in := decodeSamples(f.Data)
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		out[2*i+1] = s
	}
	return Frame{
		Data:   encodeSamples(out),
		Format: Format{SampleRate: f.Format.SampleRate, Channels: 2, Encoding: f.Format.Encoding},
		Seq:    f.Seq,
	}
}

// Int16s decodes little-endian L16 bytes into samples.
func Int16s(data []byte) []int16 {
	return decodeSamples(data)
}

// Bytes encodes samples as little-endian L16.
func Bytes(samples []int16) []byte {
	return encodeSamples(samples)
}

func decodeSamples(data []byte) []int16 {
	out := make([]int16, len(data)/sampleWidth)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*sampleWidth:]))
	}
	return out
}

func encodeSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*sampleWidth)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*sampleWidth:], uint16(s))
	}
	return out
}

// divRound divides by a positive d, rounding half away from zero.
func divRound(n, d int) int {
	if n >= 0 {
		return (n + d/2) / d
	}
	return -((-n + d/2) / d)
}

func clamp16(v int) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
