package bridge

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/ClareAI/astra-telephony-bridge/internal/core/event"
	"github.com/ClareAI/astra-telephony-bridge/internal/telephony"
)

// readSocket is the session's lifecycle task: media goes to the inbound
// queue, control events drive the session.
func (c *Controller) readSocket(sess *Session) {
	for {
		ev, err := sess.sock.ReadEvent()
		if err != nil {
			if errors.Is(err, telephony.ErrMalformed) {
				sess.formatLog.Do(func() { sess.log.Warn("Skipping malformed envelope", zap.Error(err)) })
				continue
			}
			if sess.ctx.Err() != nil || telephony.IsNormalClose(err) {
				sess.Close("socket closed", nil)
			} else {
				sess.Close("socket read failed", &SocketError{Op: "read", Err: err})
			}
			return
		}

		switch ev.Kind {
		case telephony.EventMedia:
			if len(ev.Audio) == 0 {
				continue
			}
			sess.stats.inReceived.Add(1)
			frame := audio.Frame{Data: ev.Audio, Format: audio.TelephonyFormat, Seq: sess.inSeq.Add(1)}
			if sess.inQ.Push(frame) {
				c.metrics.frameDropped(DirectionInbound)
				sess.inDropLog.Do(func() {
					sess.log.Warn("Inbound queue full, dropping oldest frame",
						zap.Int("capacity", sess.inQ.Cap()), zap.Uint64("dropped_total", sess.inQ.Dropped()))
				})
			}
		case telephony.EventStop:
			sess.Close("stop event", nil)
			return
		case telephony.EventDTMF:
			sess.log.Info("DTMF received", zap.String("digit", ev.Digit))
			c.publish(event.NewSessionEvent(event.CallDTMF, sess.ID, sess.CallID).
				WithRoom(sess.RoomName).
				WithData(event.DTMFData{Digit: ev.Digit}))
		case telephony.EventStart:
			sess.log.Warn("Ignoring repeated start event")
		default:
			sess.log.Debug("Ignoring event", zap.String("event", ev.Name))
		}
	}
}

// runInbound converts queued telephony frames to the room rate and writes them
// to the published track.
func (c *Controller) runInbound(sess *Session, pub TrackPublisher) {
	failures := 0
	for {
		f, err := sess.inQ.Pop(sess.ctx)
		if err != nil {
			return
		}

		out, err := audio.Convert(f, audio.RoomFormat)
		if err != nil {
			sess.stats.inFormatErrors.Add(1)
			c.metrics.formatError(DirectionInbound)
			sess.formatLog.Do(func() { sess.log.Warn("Dropping inbound frame", zap.Uint64("seq", f.Seq), zap.Error(err)) })
			continue
		}

		if err := c.writeWithRetry(sess, pub, out); err != nil {
			if sess.ctx.Err() != nil {
				return
			}
			failures++
			sess.stats.publishFailures.Add(1)
			if failures >= c.opts.MaxPublishFailures {
				sess.Close("publish failed", &PublishError{Track: c.opts.TrackName, Err: err})
				return
			}
			continue
		}
		failures = 0
		sess.stats.inForwarded.Add(1)
		c.metrics.frameForwarded(DirectionInbound)
	}
}

func (c *Controller) writeWithRetry(sess *Session, pub TrackPublisher, f audio.Frame) error {
	var err error
	for attempt := 0; attempt < c.opts.PublishRetries; attempt++ {
		if err = pub.WriteFrame(f); err == nil {
			return nil
		}
		if attempt == c.opts.PublishRetries-1 {
			break
		}
		t := time.NewTimer(c.opts.PublishRetryDelay)
		select {
		case <-t.C:
		case <-sess.ctx.Done():
			t.Stop()
			return sess.ctx.Err()
		}
	}
	return err
}

// runOutbound converts queued room frames to the telephony rate and writes
// them to the socket.
func (c *Controller) runOutbound(sess *Session) {
	for {
		f, err := sess.outQ.Pop(sess.ctx)
		if err != nil {
			return
		}

		out, err := audio.Convert(f, audio.TelephonyFormat)
		if err != nil {
			sess.stats.outFormatErrors.Add(1)
			c.metrics.formatError(DirectionOutbound)
			sess.formatLog.Do(func() { sess.log.Warn("Dropping outbound frame", zap.Uint64("seq", f.Seq), zap.Error(err)) })
			continue
		}

		if err := sess.sock.WriteMedia(out); err != nil {
			if sess.ctx.Err() == nil {
				sess.Close("socket write failed", &SocketError{Op: "write", Err: err})
			}
			return
		}
		sess.stats.outForwarded.Add(1)
		c.metrics.frameForwarded(DirectionOutbound)
	}
}

// watchRoom consumes room events. A newly subscribed track replaces the
// current reader; the session ends when the participant whose track is being
// played leaves or the room connection drops.
func (c *Controller) watchRoom(sess *Session, conn RoomConnection) {
	var (
		stopReader context.CancelFunc
		owner      string
	)
	defer func() {
		if stopReader != nil {
			stopReader()
		}
	}()

	events := conn.Events()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				sess.Close("room connection closed", nil)
				return
			}
			switch ev.Kind {
			case TrackSubscribed:
				if ev.Track == nil {
					continue
				}
				if stopReader != nil {
					stopReader()
					sess.log.Info("Replacing subscribed track", zap.String("previous_owner", owner))
				}
				var readerCtx context.Context
				readerCtx, stopReader = context.WithCancel(sess.ctx)
				owner = ev.Identity
				sess.setAgent(owner, ev.Track.ID())
				sess.log.Info("Subscribed to agent track", zap.String("participant", owner), zap.String("track_id", ev.Track.ID()))

				track := ev.Track
				sess.wg.Add(1)
				go func() {
					defer sess.wg.Done()
					c.readTrack(readerCtx, sess, track)
				}()
			case ParticipantLeft:
				if owner != "" && ev.Identity == owner {
					sess.Close("agent left the room", nil)
					return
				}
				sess.log.Debug("Participant left", zap.String("participant", ev.Identity))
			case RoomDisconnected:
				sess.Close("room disconnected", nil)
				return
			}
		}
	}
}

// readTrack pumps decoded frames from one remote track into the outbound
// queue. Isolated read errors are skipped; a run of them ends the session.
func (c *Controller) readTrack(ctx context.Context, sess *Session, track RemoteTrack) {
	failures := 0
	for {
		f, err := track.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				sess.log.Info("Agent track ended", zap.String("track_id", track.ID()))
				return
			}
			failures++
			if failures >= c.opts.MaxReadFailures {
				sess.Close("subscribed track failed", &SubscribeError{TrackID: track.ID(), Err: err})
				return
			}
			sess.formatLog.Do(func() { sess.log.Warn("Track read failed", zap.String("track_id", track.ID()), zap.Error(err)) })
			continue
		}
		failures = 0

		sess.stats.outReceived.Add(1)
		f.Seq = sess.outSeq.Add(1)
		if sess.outQ.Push(f) {
			c.metrics.frameDropped(DirectionOutbound)
			sess.outDropLog.Do(func() {
				sess.log.Warn("Outbound queue full, dropping oldest frame",
					zap.Int("capacity", sess.outQ.Cap()), zap.Uint64("dropped_total", sess.outQ.Dropped()))
			})
		}
	}
}
