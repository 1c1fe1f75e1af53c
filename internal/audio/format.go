// Package audio holds the frame type exchanged between the telephony socket and
// the media room, and the stateless codec that converts frames between the
// 16 kHz telephony rate and the 48 kHz room rate.
package audio

import (
	"fmt"
	"time"
)

// Encoding names the sample encoding of a frame.
type Encoding string

const (
	// EncodingL16 is signed 16-bit little-endian linear PCM.
	EncodingL16 Encoding = "audio/x-l16"
)

// sampleWidth is the byte width of one L16 sample.
const sampleWidth = 2

// Format describes the layout of the bytes in a Frame.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

var (
	// TelephonyFormat is the provider media stream format: 16 kHz mono L16.
	TelephonyFormat = Format{SampleRate: 16000, Channels: 1, Encoding: EncodingL16}
	// RoomFormat is the format room tracks are produced and consumed in: 48 kHz mono L16.
	RoomFormat = Format{SampleRate: 48000, Channels: 1, Encoding: EncodingL16}
)

// Validate reports whether the format is one the codec can process.
func (f Format) Validate() error {
	if f.Encoding != EncodingL16 {
		return &FormatError{Op: "validate", Format: f, Reason: fmt.Sprintf("unsupported encoding %q", f.Encoding)}
	}
	if f.SampleRate <= 0 {
		return &FormatError{Op: "validate", Format: f, Reason: "sample rate must be positive"}
	}
	if f.Channels != 1 && f.Channels != 2 {
		return &FormatError{Op: "validate", Format: f, Reason: fmt.Sprintf("unsupported channel count %d", f.Channels)}
	}
	return nil
}

// FrameBytes returns the byte length of one sample across all channels.
func (f Format) FrameBytes() int {
	return sampleWidth * f.Channels
}

// BytesInDuration returns the number of bytes covering d.
func (f Format) BytesInDuration(d time.Duration) int {
	return int(time.Duration(f.SampleRate)*d/time.Second) * f.FrameBytes()
}

// Duration returns the play time of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / f.FrameBytes()
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%s; rate=%d; channels=%d", f.Encoding, f.SampleRate, f.Channels)
}

// Frame is one chunk of PCM audio. Frames are treated as immutable once
// created: stages that change the audio produce a new Frame.
type Frame struct {
	Data   []byte
	Format Format
	// Seq is assigned at ingress and increases by one per frame in each
	// direction of a session.
	Seq uint64
}

// Samples returns the number of samples per channel.
func (f Frame) Samples() int {
	if f.Format.Channels <= 0 {
		return 0
	}
	return len(f.Data) / f.Format.FrameBytes()
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	return f.Format.Duration(len(f.Data))
}

// Validate checks the descriptor and that the payload holds whole samples.
func (f Frame) Validate() error {
	if err := f.Format.Validate(); err != nil {
		return err
	}
	if len(f.Data)%f.Format.FrameBytes() != 0 {
		return &FormatError{
			Op:     "validate",
			Format: f.Format,
			Length: len(f.Data),
			Reason: fmt.Sprintf("length is not a multiple of %d bytes", f.Format.FrameBytes()),
		}
	}
	return nil
}

// FormatError reports a frame whose bytes do not match its descriptor or a
// conversion the codec cannot perform.
type FormatError struct {
	Op     string
	Format Format
	Length int
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("audio %s: %s (%s, %d bytes)", e.Op, e.Reason, e.Format, e.Length)
}
