package bridge

import (
	"errors"
	"fmt"
)

// SocketError is a read or write failure on the telephony socket. It ends the
// session.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string { return fmt.Sprintf("socket %s: %v", e.Op, e.Err) }
func (e *SocketError) Unwrap() error { return e.Err }

// RoomJoinError is a failed attempt to join the call's room.
type RoomJoinError struct {
	Room    string
	Attempt int
	Err     error
}

func (e *RoomJoinError) Error() string {
	return fmt.Sprintf("join room %s (attempt %d): %v", e.Room, e.Attempt, e.Err)
}
func (e *RoomJoinError) Unwrap() error { return e.Err }

// PublishError is a failure to publish the local track or write frames to it.
type PublishError struct {
	Track string
	Err   error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish %s: %v", e.Track, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// SubscribeError is a failure reading a subscribed remote track.
type SubscribeError struct {
	TrackID string
	Err     error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.TrackID, e.Err)
}
func (e *SubscribeError) Unwrap() error { return e.Err }

// DuplicateSessionError rejects a second connection for a call id that
// already has a live session.
type DuplicateSessionError struct {
	CallID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("call %s already has an active session", e.CallID)
}

var (
	// ErrNoStart is returned when the socket closes or times out before a start event.
	ErrNoStart = errors.New("no start event received")
	// ErrUnsupportedFormat is returned when the start event declares a format other than 16 kHz mono L16.
	ErrUnsupportedFormat = errors.New("unsupported media format")
	// ErrSessionNotFound is returned by lookups for unknown call ids.
	ErrSessionNotFound = errors.New("session not found")
)
