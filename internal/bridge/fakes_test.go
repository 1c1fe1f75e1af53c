package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/ClareAI/astra-telephony-bridge/internal/telephony"
)

const waitFor = 2 * time.Second

// fakeSocket is a MediaSocket driven by the test. Sends are unbuffered, so a
// completed send means the session's reader has taken the event.
type fakeSocket struct {
	events   chan telephony.Event
	written  chan audio.Frame
	closed   chan struct{}
	once     sync.Once
	writeErr atomic.Value // error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		events:  make(chan telephony.Event),
		written: make(chan audio.Frame, 1024),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadEvent() (telephony.Event, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.closed:
		return telephony.Event{}, telephony.ErrSocketClosed
	}
}

func (s *fakeSocket) WriteMedia(f audio.Frame) error {
	if err, ok := s.writeErr.Load().(error); ok && err != nil {
		return err
	}
	select {
	case <-s.closed:
		return telephony.ErrSocketClosed
	default:
	}
	s.written <- f
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) send(t *testing.T, ev telephony.Event) {
	t.Helper()
	select {
	case s.events <- ev:
	case <-time.After(waitFor):
		t.Fatalf("socket reader did not take %s event", ev.Kind)
	}
}

func (s *fakeSocket) nextWritten(t *testing.T) audio.Frame {
	t.Helper()
	select {
	case f := <-s.written:
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame written to socket")
		return audio.Frame{}
	}
}

func startEvent(callID string) telephony.Event {
	return telephony.Event{
		Kind:  telephony.EventStart,
		Name:  "start",
		Start: &telephony.StartInfo{CallID: callID, StreamID: "stream-" + callID, Format: audio.TelephonyFormat},
	}
}

// mediaEvent carries 160 samples (320 bytes) all equal to v.
func mediaEvent(v int16) telephony.Event {
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = v
	}
	return telephony.Event{Kind: telephony.EventMedia, Name: "media", Audio: audio.Bytes(pcm)}
}

func stopEvent() telephony.Event {
	return telephony.Event{Kind: telephony.EventStop, Name: "stop"}
}

func markEvent() telephony.Event {
	return telephony.Event{Kind: telephony.EventOther, Name: "mark"}
}

// roomFrame is 480 samples (960 bytes) at 48 kHz, all equal to v.
func roomFrame(v int16) audio.Frame {
	pcm := make([]int16, 480)
	for i := range pcm {
		pcm[i] = v
	}
	return audio.Frame{Data: audio.Bytes(pcm), Format: audio.RoomFormat}
}

type fakePublisher struct {
	frames chan audio.Frame
	fail   atomic.Bool
}

func (p *fakePublisher) WriteFrame(f audio.Frame) error {
	if p.fail.Load() {
		return errors.New("track write refused")
	}
	p.frames <- f
	return nil
}

func (p *fakePublisher) next(t *testing.T) audio.Frame {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(waitFor):
		t.Fatal("no frame published")
		return audio.Frame{}
	}
}

type fakeTrack struct {
	id     string
	frames chan audio.Frame
	ended  chan struct{}
}

func newFakeTrack(id string) *fakeTrack {
	return &fakeTrack{id: id, frames: make(chan audio.Frame, 64), ended: make(chan struct{})}
}

func (tr *fakeTrack) ID() string { return tr.id }

func (tr *fakeTrack) ReadFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-tr.frames:
		return f, nil
	case <-tr.ended:
		return audio.Frame{}, io.EOF
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

type fakeConn struct {
	room       string
	identity   string
	events     chan RoomEvent
	pub        *fakePublisher
	publishErr error
	leaveBlock chan struct{}
	leaves     atomic.Int32
	leaveOnce  sync.Once
}

func (c *fakeConn) Publish(ctx context.Context, trackName string) (TrackPublisher, error) {
	if c.publishErr != nil {
		return nil, c.publishErr
	}
	return c.pub, nil
}

func (c *fakeConn) Events() <-chan RoomEvent { return c.events }

func (c *fakeConn) Leave(ctx context.Context) error {
	c.leaves.Add(1)
	if c.leaveBlock != nil {
		select {
		case <-c.leaveBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *fakeConn) emit(t *testing.T, ev RoomEvent) {
	t.Helper()
	select {
	case c.events <- ev:
	case <-time.After(waitFor):
		t.Fatal("room event not consumed")
	}
}

type fakeGateway struct {
	mu        sync.Mutex
	attempts  int
	failFirst int
	// gate, when set, holds the first successful attempt until closed.
	gate  chan struct{}
	conns chan *fakeConn

	publishErr error
	leaveBlock chan struct{}
}

func newFakeGateway(failFirst int) *fakeGateway {
	return &fakeGateway{failFirst: failFirst, conns: make(chan *fakeConn, 16)}
}

func (g *fakeGateway) Join(ctx context.Context, roomName, identity string) (RoomConnection, error) {
	g.mu.Lock()
	g.attempts++
	n := g.attempts
	gate := g.gate
	g.mu.Unlock()

	if n <= g.failFirst {
		return nil, errors.New("signal connection refused")
	}
	if gate != nil && n == g.failFirst+1 {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	conn := &fakeConn{
		room:       roomName,
		identity:   identity,
		events:     make(chan RoomEvent),
		pub:        &fakePublisher{frames: make(chan audio.Frame, 1024)},
		publishErr: g.publishErr,
		leaveBlock: g.leaveBlock,
	}
	g.conns <- conn
	return conn, nil
}

func (g *fakeGateway) attemptCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

func (g *fakeGateway) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("room was never joined")
		return nil
	}
}
