package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
)

// State is a session lifecycle state.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateActive     State = "ACTIVE"
	StateClosing    State = "CLOSING"
	StateClosed     State = "CLOSED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

const (
	eventActivate = "activate"
	eventClose    = "close"
	eventRelease  = "release"
	eventFail     = "fail"
)

// Stats are per-session frame counters.
type Stats struct {
	InboundReceived      uint64 `json:"inbound_received"`
	InboundForwarded     uint64 `json:"inbound_forwarded"`
	InboundDropped       uint64 `json:"inbound_dropped"`
	InboundFormatErrors  uint64 `json:"inbound_format_errors"`
	OutboundReceived     uint64 `json:"outbound_received"`
	OutboundForwarded    uint64 `json:"outbound_forwarded"`
	OutboundDropped      uint64 `json:"outbound_dropped"`
	OutboundFormatErrors uint64 `json:"outbound_format_errors"`
	PublishFailures      uint64 `json:"publish_failures"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID   string
	CallID      string
	StreamID    string
	RoomName    string
	State       State
	StartedAt   time.Time
	AgentID     string
	AgentTrack  string
	CloseReason string
	Stats       Stats
}

type counters struct {
	inReceived, inForwarded, inFormatErrors    atomic.Uint64
	outReceived, outForwarded, outFormatErrors atomic.Uint64
	publishFailures                            atomic.Uint64
}

// Session is the state of one bridged call. It owns the telephony socket and
// the room connection; both are released exactly once by the controller.
type Session struct {
	ID        string
	CallID    string
	StreamID  string
	RoomName  string
	StartedAt time.Time

	sock MediaSocket
	inQ  *FrameQueue
	outQ *FrameQueue

	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	machine *fsm.FSM

	mu          sync.Mutex
	conn        RoomConnection
	publisher   TrackPublisher
	agentID     string
	agentTrack  string
	closeReason string
	closeErr    error

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	inSeq  atomic.Uint64
	outSeq atomic.Uint64
	stats  counters

	inDropLog  rate.Sometimes
	outDropLog rate.Sometimes
	formatLog  rate.Sometimes
}

func newSession(parent context.Context, id, callID, streamID, roomName string, sock MediaSocket, queueCapacity int,
	onTransition func(s *Session, from, to State)) *Session {
	ctx, cancel := context.WithCancel(parent)
	ctx = logger.WithFields(ctx, zap.String("call_id", callID), zap.String("room_name", roomName), zap.String("session_id", id))

	s := &Session{
		ID:         id,
		CallID:     callID,
		StreamID:   streamID,
		RoomName:   roomName,
		StartedAt:  time.Now(),
		sock:       sock,
		inQ:        NewFrameQueue(queueCapacity),
		outQ:       NewFrameQueue(queueCapacity),
		ctx:        ctx,
		cancel:     cancel,
		log:        logger.For(ctx),
		done:       make(chan struct{}),
		inDropLog:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
		outDropLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		formatLog:  rate.Sometimes{First: 3, Interval: 5 * time.Second},
	}

	s.machine = fsm.NewFSM(
		string(StateConnecting),
		fsm.Events{
			{Name: eventActivate, Src: []string{string(StateConnecting)}, Dst: string(StateActive)},
			{Name: eventClose, Src: []string{string(StateConnecting), string(StateActive)}, Dst: string(StateClosing)},
			{Name: eventRelease, Src: []string{string(StateClosing)}, Dst: string(StateClosed)},
			{Name: eventFail, Src: []string{string(StateConnecting), string(StateActive), string(StateClosing)}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onTransition != nil {
					onTransition(s, State(e.Src), State(e.Dst))
				}
			},
		},
	)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.machine.Current())
}

// Done is closed once the session's resources have been released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Context is cancelled when the session starts closing.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Close moves the session to CLOSING and cancels its tasks. Only the first
// call has any effect.
func (s *Session) Close(reason string, cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.closeReason == "" {
			s.closeReason = reason
			s.closeErr = cause
		}
		s.mu.Unlock()

		if err := s.fire(eventClose); err != nil {
			s.log.Debug("Close requested outside an open state", zap.String("state", string(s.State())))
		}
		if cause != nil {
			s.log.Warn("Closing session", zap.String("reason", reason), zap.Error(cause))
		} else {
			s.log.Info("Closing session", zap.String("reason", reason))
		}
		s.cancel()
	})
}

// fail moves the session to FAILED and cancels its tasks.
func (s *Session) fail(reason string, cause error) {
	// A failed session never passes through CLOSING.
	s.closeOnce.Do(func() {})

	s.mu.Lock()
	if s.closeErr == nil {
		s.closeReason = reason
		s.closeErr = cause
	}
	s.mu.Unlock()

	if err := s.fire(eventFail); err != nil {
		s.log.Debug("Fail requested from terminal state", zap.String("state", string(s.State())))
	}
	s.log.Error("Session failed", zap.String("reason", reason), zap.Error(cause))
	s.cancel()
}

func (s *Session) fire(event string) error {
	if !s.machine.Can(event) {
		return fsm.InvalidEventError{Event: event, State: s.machine.Current()}
	}
	return s.machine.Event(context.Background(), event)
}

func (s *Session) setConnection(conn RoomConnection) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) connection() RoomConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) setPublisher(p TrackPublisher) {
	s.mu.Lock()
	s.publisher = p
	s.mu.Unlock()
}

func (s *Session) setAgent(identity, trackID string) {
	s.mu.Lock()
	s.agentID = identity
	s.agentTrack = trackID
	s.mu.Unlock()
}

// Stats returns the frame counters.
func (s *Session) Stats() Stats {
	return Stats{
		InboundReceived:      s.stats.inReceived.Load(),
		InboundForwarded:     s.stats.inForwarded.Load(),
		InboundDropped:       s.inQ.Dropped(),
		InboundFormatErrors:  s.stats.inFormatErrors.Load(),
		OutboundReceived:     s.stats.outReceived.Load(),
		OutboundForwarded:    s.stats.outForwarded.Load(),
		OutboundDropped:      s.outQ.Dropped(),
		OutboundFormatErrors: s.stats.outFormatErrors.Load(),
		PublishFailures:      s.stats.publishFailures.Load(),
	}
}

// Snapshot returns a copy of the session's externally visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	agentID, agentTrack, reason := s.agentID, s.agentTrack, s.closeReason
	s.mu.Unlock()

	return Snapshot{
		SessionID:   s.ID,
		CallID:      s.CallID,
		StreamID:    s.StreamID,
		RoomName:    s.RoomName,
		State:       s.State(),
		StartedAt:   s.StartedAt,
		AgentID:     agentID,
		AgentTrack:  agentTrack,
		CloseReason: reason,
		Stats:       s.Stats(),
	}
}
