package livekit

import (
	"fmt"
	"sync"
	"time"

	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3/pkg/media"
	"layeh.com/gopus"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/ClareAI/astra-telephony-bridge/internal/config"
)

const (
	// opusFrameSamples is 20ms at 48kHz mono.
	opusFrameSamples = config.RoomSampleRate / 1000 * int(config.DefaultFrameDuration/time.Millisecond)
	maxOpusPacket    = 4000
)

// sampleWriter is the part of *lksdk.LocalSampleTrack the writer uses.
type sampleWriter interface {
	WriteSample(sample media.Sample, opts *lksdk.SampleWriteOptions) error
}

// reframer accumulates PCM of arbitrary length and hands out fixed-size frames.
type reframer struct {
	size    int
	pending []int16
}

func newReframer(size int) *reframer {
	return &reframer{size: size, pending: make([]int16, 0, 2*size)}
}

// push appends pcm and returns every complete frame now available. The
// returned slices are copies.
func (r *reframer) push(pcm []int16) [][]int16 {
	r.pending = append(r.pending, pcm...)
	var frames [][]int16
	for len(r.pending) >= r.size {
		frame := make([]int16, r.size)
		copy(frame, r.pending[:r.size])
		frames = append(frames, frame)
		r.pending = r.pending[r.size:]
	}
	// Compact so the backing array does not grow without bound.
	if len(r.pending) > 0 && cap(r.pending) > 4*r.size {
		r.pending = append(make([]int16, 0, 2*r.size), r.pending...)
	}
	return frames
}

func (r *reframer) buffered() int {
	return len(r.pending)
}

// OpusWriter implements bridge.TrackPublisher on top of a LiveKit sample
// track: 48kHz PCM frames are re-framed to 20ms and Opus encoded.
type OpusWriter struct {
	track   sampleWriter
	name    string
	encoder *gopus.Encoder

	mu         sync.Mutex
	frames     *reframer
	frameCount int64
}

// NewOpusWriter creates a writer for a published track.
func NewOpusWriter(track sampleWriter, name string) (*OpusWriter, error) {
	encoder, err := gopus.NewEncoder(config.RoomSampleRate, config.DefaultChannelsMono, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	encoder.SetBitrate(config.DefaultOpusBitrate)

	return &OpusWriter{
		track:   track,
		name:    name,
		encoder: encoder,
		frames:  newReframer(opusFrameSamples),
	}, nil
}

// WriteFrame buffers f and writes every complete 20ms Opus packet to the
// track. A frame that is not 48kHz mono L16 is rejected with a FormatError.
func (w *OpusWriter) WriteFrame(f audio.Frame) error {
	if f.Format != audio.RoomFormat {
		return &audio.FormatError{Op: "publish", Format: f.Format, Length: len(f.Data),
			Reason: fmt.Sprintf("track %s accepts only %s", w.name, audio.RoomFormat)}
	}
	if err := f.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, pcm := range w.frames.push(audio.Int16s(f.Data)) {
		packet, err := w.encoder.Encode(pcm, opusFrameSamples, maxOpusPacket)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}
		// Duration must match the Opus frame size or the receiver drifts.
		sample := media.Sample{Data: packet, Duration: config.DefaultFrameDuration}
		if err := w.track.WriteSample(sample, nil); err != nil {
			return err
		}
		w.frameCount++
	}
	return nil
}

// FrameCount returns the number of Opus packets written.
func (w *OpusWriter) FrameCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frameCount
}
