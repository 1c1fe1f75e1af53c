package telephony

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/gorilla/websocket"
)

const (
	maxMessageSize   = 1 << 20
	closeGracePeriod = time.Second
)

// ErrSocketClosed is returned by Socket methods after Close.
var ErrSocketClosed = errors.New("telephony socket closed")

// Socket wraps one provider media WebSocket. ReadEvent must be called from a
// single goroutine; WriteMedia and Close are safe for concurrent use. Close
// unblocks a pending ReadEvent.
type Socket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

// NewSocket takes ownership of conn.
func NewSocket(conn *websocket.Conn, writeTimeout time.Duration) *Socket {
	conn.SetReadLimit(maxMessageSize)
	return &Socket{
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// ReadEvent blocks until the next envelope the bridge understands arrives.
// Binary messages are skipped. Malformed envelopes are returned as errors
// wrapping ErrMalformed so callers can skip them and keep reading.
func (s *Socket) ReadEvent() (Event, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return Event{}, ErrSocketClosed
			default:
			}
			return Event{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := ParseEvent(data)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ev, nil
	}
}

// WriteMedia sends one 16 kHz frame as a playAudio envelope.
func (s *Socket) WriteMedia(f audio.Frame) error {
	msg, err := EncodePlayAudio(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a normal close frame and closes the connection. Repeated calls
// are no-ops.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = s.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// RemoteAddr reports the peer address for logging.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// ErrMalformed marks an envelope that could not be decoded.
var ErrMalformed = errors.New("malformed envelope")

// IsNormalClose reports whether err is the peer going away cleanly.
func IsNormalClose(err error) bool {
	return errors.Is(err, ErrSocketClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
