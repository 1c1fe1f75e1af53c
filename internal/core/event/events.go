package event

import (
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Session lifecycle
	SessionStateChanged EventType = "session.state_changed"
	SessionRejected     EventType = "session.rejected"

	// Call control received on the media socket
	CallDTMF EventType = "call.dtmf"

	// Internal/system events
	HandlerPanic EventType = "handler.panic"
)

// SessionEvent describes something that happened to one call session.
type SessionEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	CallID    string      `json:"call_id,omitempty"`
	RoomName  string      `json:"room_name,omitempty"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     error       `json:"-"`
}

// NewSessionEvent creates a new session event
func NewSessionEvent(eventType EventType, sessionID, callID string) *SessionEvent {
	return &SessionEvent{
		Type:      eventType,
		SessionID: sessionID,
		CallID:    callID,
		Timestamp: time.Now(),
	}
}

// WithTransition records a state change.
func (e *SessionEvent) WithTransition(from, to string) *SessionEvent {
	e.From = from
	e.To = to
	return e
}

// WithRoom sets the room name.
func (e *SessionEvent) WithRoom(room string) *SessionEvent {
	e.RoomName = room
	return e
}

// WithData adds data to the event
func (e *SessionEvent) WithData(data interface{}) *SessionEvent {
	e.Data = data
	return e
}

// WithError adds an error to the event
func (e *SessionEvent) WithError(err error) *SessionEvent {
	e.Error = err
	return e
}

// IsError returns true if the event carries an error
func (e *SessionEvent) IsError() bool {
	return e.Error != nil
}

// DTMFData is the payload of CallDTMF events.
type DTMFData struct {
	Digit string `json:"digit"`
}

// SessionData is the payload of SessionStateChanged events.
type SessionData struct {
	StreamID  string    `json:"stream_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}
