package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/ClareAI/astra-telephony-bridge/internal/config"
	"github.com/ClareAI/astra-telephony-bridge/internal/core/event"
	"github.com/ClareAI/astra-telephony-bridge/internal/telephony"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
)

// Options tune the controller. Zero values fall back to the config defaults.
type Options struct {
	RoomPrefix    string
	Identity      string
	TrackName     string
	QueueCapacity int

	JoinAttempts   int
	JoinBackoff    time.Duration
	MaxJoinBackoff time.Duration

	PublishRetries     int
	PublishRetryDelay  time.Duration
	MaxPublishFailures int
	MaxReadFailures    int

	StartTimeout    time.Duration
	TeardownTimeout time.Duration
}

// OptionsFromConfig maps the process configuration onto controller options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RoomPrefix:      cfg.RoomPrefix,
		Identity:        cfg.BridgeIdentity,
		QueueCapacity:   cfg.QueueCapacity,
		JoinAttempts:    cfg.JoinAttempts,
		JoinBackoff:     cfg.JoinBackoff,
		StartTimeout:    cfg.StartTimeout,
		TeardownTimeout: cfg.TeardownTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.RoomPrefix == "" {
		o.RoomPrefix = config.DefaultRoomPrefix
	}
	if o.Identity == "" {
		o.Identity = config.DefaultBridgeIdentity
	}
	if o.TrackName == "" {
		o.TrackName = config.DefaultPublishedTrack
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = config.DefaultQueueCapacity
	}
	if o.JoinAttempts <= 0 {
		o.JoinAttempts = config.DefaultJoinAttempts
	}
	if o.JoinBackoff <= 0 {
		o.JoinBackoff = config.DefaultJoinBackoff
	}
	if o.MaxJoinBackoff <= 0 {
		o.MaxJoinBackoff = 8 * o.JoinBackoff
	}
	if o.PublishRetries <= 0 {
		o.PublishRetries = 3
	}
	if o.PublishRetryDelay <= 0 {
		o.PublishRetryDelay = 20 * time.Millisecond
	}
	if o.MaxPublishFailures <= 0 {
		o.MaxPublishFailures = 5
	}
	if o.MaxReadFailures <= 0 {
		o.MaxReadFailures = 5
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = config.DefaultStartTimeout
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = config.DefaultTeardownTimeout
	}
	return o
}

// RoomName returns the room a call is bridged into.
func (o Options) RoomName(callID string) string {
	return fmt.Sprintf("%s-%s", o.RoomPrefix, callID)
}

// Controller creates a session for every media socket, runs its pipelines and
// tears it down.
type Controller struct {
	opts     Options
	gateway  RoomGateway
	registry *Registry
	bus      event.EventBus
	metrics  *Metrics

	wg sync.WaitGroup
}

// NewController wires a controller. bus and metrics may be nil.
func NewController(gateway RoomGateway, registry *Registry, opts Options, bus event.EventBus, metrics *Metrics) *Controller {
	return &Controller{
		opts:     opts.withDefaults(),
		gateway:  gateway,
		registry: registry,
		bus:      bus,
		metrics:  metrics,
	}
}

// Registry returns the session table.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Serve runs one call to completion: it waits for the start event, joins the
// room, bridges audio in both directions and releases everything once the
// call ends. sock is always closed when Serve returns. The returned error is
// the cause of an abnormal end, or nil.
func (c *Controller) Serve(ctx context.Context, sock MediaSocket) error {
	c.wg.Add(1)
	defer c.wg.Done()

	start, err := c.awaitStart(ctx, sock)
	if err != nil {
		_ = sock.Close()
		return err
	}
	if start.Format != audio.TelephonyFormat {
		_ = sock.Close()
		logger.Base().Warn("Rejecting media stream with unsupported format",
			zap.String("call_id", start.CallID), zap.String("format", start.Format.String()))
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, start.Format)
	}

	callID := resolveCallID(start)
	sess := newSession(ctx, uuid.NewString(), callID, start.StreamID, c.opts.RoomName(callID), sock,
		c.opts.QueueCapacity, c.onTransition)

	if err := c.registry.Register(sess); err != nil {
		c.metrics.duplicateRejected()
		c.publish(event.NewSessionEvent(event.SessionRejected, sess.ID, callID).WithRoom(sess.RoomName).WithError(err))
		sess.log.Warn("Rejecting duplicate media stream", zap.Error(err))
		sess.cancel()
		_ = sock.Close()
		return err
	}
	c.metrics.sessionAdded()
	c.onTransition(sess, "", StateConnecting)
	sess.log.Info("Session created", zap.String("stream_id", sess.StreamID))

	// Media that arrives while the room is joined is buffered in the inbound queue.
	c.spawn(sess, c.readSocket)

	conn, err := c.join(sess)
	if err != nil {
		if sess.ctx.Err() != nil {
			sess.Close("cancelled while joining", nil)
			c.release(sess)
			return nil
		}
		sess.fail("room join failed", err)
		c.release(sess)
		return err
	}
	sess.setConnection(conn)

	pub, err := conn.Publish(sess.ctx, c.opts.TrackName)
	if err != nil {
		if sess.ctx.Err() != nil {
			sess.Close("cancelled while publishing", nil)
			c.release(sess)
			return nil
		}
		perr := &PublishError{Track: c.opts.TrackName, Err: err}
		sess.fail("track publish failed", perr)
		c.release(sess)
		return perr
	}
	sess.setPublisher(pub)

	c.spawn(sess, func(s *Session) { c.runInbound(s, pub) })
	c.spawn(sess, c.runOutbound)
	c.spawn(sess, func(s *Session) { c.watchRoom(s, conn) })

	if err := sess.fire(eventActivate); err != nil {
		sess.log.Debug("Session closed before activation", zap.String("state", string(sess.State())))
	} else {
		sess.log.Info("Session active")
	}

	<-sess.ctx.Done()
	c.release(sess)
	return sess.Err()
}

// awaitStart reads until the start event. Media before start is discarded.
func (c *Controller) awaitStart(ctx context.Context, sock MediaSocket) (*telephony.StartInfo, error) {
	timer := time.AfterFunc(c.opts.StartTimeout, func() { _ = sock.Close() })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { _ = sock.Close() })
	defer stop()

	for {
		ev, err := sock.ReadEvent()
		if err != nil {
			if errors.Is(err, telephony.ErrMalformed) {
				logger.Base().Debug("Skipping malformed envelope before start", zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrNoStart, err)
		}
		switch ev.Kind {
		case telephony.EventStart:
			return ev.Start, nil
		case telephony.EventStop:
			return nil, fmt.Errorf("%w: stream stopped", ErrNoStart)
		default:
			logger.Base().Debug("Ignoring event before start", zap.String("event", ev.Name))
		}
	}
}

func resolveCallID(start *telephony.StartInfo) string {
	if start.CallID != "" {
		return start.CallID
	}
	if start.StreamID != "" {
		logger.Base().Warn("Start event has no call id, using stream id", zap.String("stream_id", start.StreamID))
		return start.StreamID
	}
	id := "anon-" + uuid.NewString()
	logger.Base().Warn("Start event has no call id or stream id, generated one", zap.String("call_id", id))
	return id
}

// join connects to the call's room, retrying with exponential backoff.
func (c *Controller) join(sess *Session) (RoomConnection, error) {
	backoff := c.opts.JoinBackoff
	var lastErr error

	for attempt := 1; attempt <= c.opts.JoinAttempts; attempt++ {
		conn, err := c.gateway.Join(sess.ctx, sess.RoomName, c.opts.Identity)
		if err == nil {
			c.metrics.joinAttempt(true)
			sess.log.Info("Joined room", zap.Int("attempt", attempt))
			return conn, nil
		}
		c.metrics.joinAttempt(false)
		if sess.ctx.Err() != nil {
			return nil, sess.ctx.Err()
		}
		lastErr = &RoomJoinError{Room: sess.RoomName, Attempt: attempt, Err: err}
		sess.log.Warn("Room join failed", zap.Int("attempt", attempt), zap.Int("max_attempts", c.opts.JoinAttempts), zap.Error(err))

		if attempt == c.opts.JoinAttempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-sess.ctx.Done():
			t.Stop()
			return nil, sess.ctx.Err()
		}
		backoff *= 2
		if backoff > c.opts.MaxJoinBackoff {
			backoff = c.opts.MaxJoinBackoff
		}
	}
	return nil, lastErr
}

func (c *Controller) spawn(sess *Session, fn func(*Session)) {
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				sess.log.Error("Session task panic", zap.Any("panic", r))
				sess.Close("task panic", fmt.Errorf("panic: %v", r))
			}
		}()
		fn(sess)
	}()
}

// release frees everything the session holds. Leave and task shutdown share
// one TeardownTimeout budget; whatever has not finished by then is abandoned.
func (c *Controller) release(sess *Session) {
	sess.Close("session context done", nil)
	deadline := time.Now().Add(c.opts.TeardownTimeout)

	sess.inQ.Close()
	sess.outQ.Close()
	_ = sess.sock.Close()

	if conn := sess.connection(); conn != nil {
		leaveCtx, cancel := context.WithDeadline(context.Background(), deadline)
		left := make(chan error, 1)
		go func() { left <- conn.Leave(leaveCtx) }()
		select {
		case err := <-left:
			if err != nil {
				sess.log.Warn("Leaving room failed", zap.Error(err))
			}
		case <-leaveCtx.Done():
			sess.log.Warn("Leaving room timed out, abandoning", zap.Duration("timeout", c.opts.TeardownTimeout))
		}
		cancel()
	}

	tasksDone := make(chan struct{})
	go func() {
		sess.wg.Wait()
		close(tasksDone)
	}()
	wait := time.NewTimer(time.Until(deadline))
	select {
	case <-tasksDone:
	case <-wait.C:
		sess.log.Warn("Session tasks did not exit in time, abandoning", zap.Duration("timeout", c.opts.TeardownTimeout))
	}
	wait.Stop()

	if sess.State() == StateClosing {
		if err := sess.fire(eventRelease); err != nil {
			sess.log.Warn("Release transition failed", zap.Error(err))
		}
	}

	if c.registry.Remove(sess) {
		c.metrics.sessionRemoved()
	}
	stats := sess.Stats()
	sess.log.Info("Session released",
		zap.String("state", string(sess.State())),
		zap.Uint64("inbound_forwarded", stats.InboundForwarded),
		zap.Uint64("inbound_dropped", stats.InboundDropped),
		zap.Uint64("outbound_forwarded", stats.OutboundForwarded),
		zap.Uint64("outbound_dropped", stats.OutboundDropped),
		zap.Duration("duration", time.Since(sess.StartedAt)))
	close(sess.done)
}

func (c *Controller) onTransition(sess *Session, from, to State) {
	c.metrics.transition(to)
	ev := event.NewSessionEvent(event.SessionStateChanged, sess.ID, sess.CallID).
		WithRoom(sess.RoomName).
		WithTransition(string(from), string(to)).
		WithData(event.SessionData{StreamID: sess.StreamID, StartedAt: sess.StartedAt})
	if to.Terminal() || to == StateClosing {
		sess.mu.Lock()
		ev.WithError(sess.closeErr)
		sess.mu.Unlock()
	}
	c.publish(ev)
}

func (c *Controller) publish(ev *event.SessionEvent) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ev); err != nil {
		logger.Base().Debug("Dropping session event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// Hangup ends the local session for callID.
func (c *Controller) Hangup(callID, reason string) error {
	sess, ok := c.registry.Get(callID)
	if !ok {
		return ErrSessionNotFound
	}
	sess.Close(reason, nil)
	return nil
}

// Shutdown closes every session and waits for all Serve calls to return or
// ctx to expire.
func (c *Controller) Shutdown(ctx context.Context) error {
	for _, sess := range c.registry.Sessions() {
		sess.Close("server shutdown", nil)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
