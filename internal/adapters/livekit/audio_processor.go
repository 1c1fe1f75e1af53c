package livekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"layeh.com/gopus"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/ClareAI/astra-telephony-bridge/internal/config"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
)

// maxDecodeSamples covers the longest Opus frame (60ms at 48kHz).
const maxDecodeSamples = 3 * opusFrameSamples

// rtpReader is the part of *webrtc.TrackRemote the decoder uses.
type rtpReader interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	SetReadDeadline(deadline time.Time) error
}

// lossTracker counts RTP packets missing from a sequence-number stream.
type lossTracker struct {
	started bool
	last    uint16
	lost    uint64
}

// observe records seq and returns how many packets were skipped before it.
// Late or duplicate packets report zero.
func (l *lossTracker) observe(seq uint16) int {
	if !l.started {
		l.started = true
		l.last = seq
		return 0
	}
	diff := seq - l.last
	if diff == 0 || diff > 1<<15 {
		return 0
	}
	l.last = seq
	gap := int(diff) - 1
	l.lost += uint64(gap)
	return gap
}

// AudioProcessor decodes one subscribed Opus track into 48kHz PCM frames. It
// implements bridge.RemoteTrack.
type AudioProcessor struct {
	track   rtpReader
	owner   string
	decoder *gopus.Decoder

	loss    lossTracker
	dtx     atomic.Uint64
	decoded atomic.Uint64
	lossLog rate.Sometimes
}

// NewAudioProcessor creates a decoder for a subscribed track.
func NewAudioProcessor(track rtpReader, owner string) (*AudioProcessor, error) {
	decoder, err := gopus.NewDecoder(config.RoomSampleRate, config.DefaultChannelsMono)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &AudioProcessor{
		track:   track,
		owner:   owner,
		decoder: decoder,
		lossLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}, nil
}

// ID returns the track id.
func (p *AudioProcessor) ID() string {
	return p.track.ID()
}

// ReadFrame reads RTP packets until one decodes to audio. It returns io.EOF
// when the track ends. Cancelling ctx unblocks a pending read.
func (p *AudioProcessor) ReadFrame(ctx context.Context) (audio.Frame, error) {
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = p.track.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		packet, _, err := p.track.ReadRTP()
		if err != nil {
			if ctx.Err() != nil {
				return audio.Frame{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return audio.Frame{}, io.EOF
			}
			return audio.Frame{}, err
		}

		if gap := p.loss.observe(packet.SequenceNumber); gap > 0 {
			p.lossLog.Do(func() {
				logger.Base().Warn("RTP packets lost on subscribed track",
					zap.String("track_id", p.track.ID()), zap.String("participant", p.owner),
					zap.Int("gap", gap), zap.Uint64("lost_total", p.loss.lost))
			})
		}

		payload := packet.Payload
		if len(payload) == 0 {
			continue
		}

		var pcm []int16
		if len(payload) < 3 {
			// DTX comfort-noise packet: emit one frame of silence.
			p.dtx.Add(1)
			pcm = make([]int16, opusFrameSamples)
		} else {
			pcm, err = p.decoder.Decode(payload, maxDecodeSamples, false)
			if err != nil {
				logger.Base().Debug("Opus decode failed",
					zap.String("track_id", p.track.ID()), zap.Uint16("sequence_number", packet.SequenceNumber),
					zap.Int("size_bytes", len(payload)), zap.Error(err))
				continue
			}
			if len(pcm) == 0 {
				continue
			}
		}

		p.decoded.Add(1)
		return audio.Frame{Data: audio.Bytes(pcm), Format: audio.RoomFormat}, nil
	}
}

// Lost returns the number of RTP packets missing so far. It must not be
// called concurrently with ReadFrame.
func (p *AudioProcessor) Lost() uint64 {
	return p.loss.lost
}

// Decoded returns the number of frames produced.
func (p *AudioProcessor) Decoded() uint64 {
	return p.decoded.Load()
}
