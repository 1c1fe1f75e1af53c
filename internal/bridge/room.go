package bridge

import (
	"context"

	"github.com/ClareAI/astra-telephony-bridge/internal/audio"
	"github.com/ClareAI/astra-telephony-bridge/internal/telephony"
)

// RoomGateway joins media rooms on behalf of calls.
type RoomGateway interface {
	Join(ctx context.Context, roomName, identity string) (RoomConnection, error)
}

// RoomConnection is one participant connection to a room.
type RoomConnection interface {
	// Publish creates and publishes a local audio track that accepts
	// RoomFormat frames.
	Publish(ctx context.Context, trackName string) (TrackPublisher, error)
	// Events delivers room callbacks. The channel is closed once the
	// connection has been left.
	Events() <-chan RoomEvent
	// Leave unpublishes local tracks and disconnects. It is safe to call more
	// than once.
	Leave(ctx context.Context) error
}

// TrackPublisher writes frames to a published local track.
type TrackPublisher interface {
	WriteFrame(f audio.Frame) error
}

// RemoteTrack is a subscribed remote audio track.
type RemoteTrack interface {
	ID() string
	// ReadFrame blocks for the next decoded RoomFormat frame. It returns an
	// error once the track ends or the connection is left.
	ReadFrame(ctx context.Context) (audio.Frame, error)
}

// RoomEventKind identifies a RoomEvent.
type RoomEventKind int

const (
	TrackSubscribed RoomEventKind = iota
	ParticipantLeft
	RoomDisconnected
)

func (k RoomEventKind) String() string {
	switch k {
	case TrackSubscribed:
		return "track_subscribed"
	case ParticipantLeft:
		return "participant_left"
	case RoomDisconnected:
		return "room_disconnected"
	default:
		return "unknown"
	}
}

// RoomEvent is a room callback turned into a value.
type RoomEvent struct {
	Kind     RoomEventKind
	Identity string
	Track    RemoteTrack
}

// MediaSocket is the telephony side of a call.
type MediaSocket interface {
	// ReadEvent blocks for the next envelope; Close unblocks it.
	ReadEvent() (telephony.Event, error)
	WriteMedia(f audio.Frame) error
	Close() error
}
