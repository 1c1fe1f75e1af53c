package livekit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/bridge"
	"github.com/ClareAI/astra-telephony-bridge/internal/config"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
)

const (
	roomEventBuffer  = 16
	roomEmptyTimeout = 5 * 60 // seconds
)

// roomService is the part of *lksdk.RoomServiceClient the manager uses.
type roomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
}

type connectFunc func(url, token string, callback *lksdk.RoomCallback) (*lksdk.Room, error)

func connectWithToken(url, token string, callback *lksdk.RoomCallback) (*lksdk.Room, error) {
	return lksdk.ConnectToRoomWithToken(url, token, callback)
}

// RoomManager joins LiveKit rooms on behalf of calls. It implements
// bridge.RoomGateway.
type RoomManager struct {
	config  *LiveKitConfig
	rooms   roomService
	connect connectFunc

	mutex       sync.RWMutex
	connections map[string]*roomConnection // room name -> connection
}

// NewRoomManager creates a new LiveKit room manager
func NewRoomManager(cfg *LiveKitConfig) (*RoomManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid LiveKit config: %w", err)
	}

	rm := &RoomManager{
		config:      cfg,
		rooms:       lksdk.NewRoomServiceClient(cfg.ServerURL, cfg.APIKey, cfg.APISecret),
		connect:     connectWithToken,
		connections: make(map[string]*roomConnection),
	}

	logger.Base().Info("LiveKit RoomManager initialized", zap.String("server_url", cfg.ServerURL))
	return rm, nil
}

// GenerateToken generates a LiveKit access token for a participant
func (rm *RoomManager) GenerateToken(roomName, participantName string) (string, error) {
	at := auth.NewAccessToken(rm.config.APIKey, rm.config.APISecret)

	canPublish := true
	canSubscribe := true

	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         roomName,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}

	ttl := rm.config.TokenTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	at.SetVideoGrant(grant).
		SetIdentity(participantName).
		SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to generate JWT: %w", err)
	}

	return token, nil
}

// Join connects to roomName as identity, creating the room first when
// configured to. Cancelling ctx abandons a pending connect.
func (rm *RoomManager) Join(ctx context.Context, roomName, identity string) (bridge.RoomConnection, error) {
	created := false
	if rm.config.CreateRoom {
		if _, err := rm.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
			Name:         roomName,
			EmptyTimeout: roomEmptyTimeout,
		}); err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		created = true
	}

	token, err := rm.GenerateToken(roomName, identity)
	if err != nil {
		return nil, err
	}

	conn := newRoomConnection(rm, roomName, identity, created)

	type result struct {
		room *lksdk.Room
		err  error
	}
	connected := make(chan result, 1)
	go func() {
		room, err := rm.connect(rm.config.ServerURL, token, conn.callback())
		connected <- result{room: room, err: err}
	}()

	select {
	case res := <-connected:
		if res.err != nil {
			rm.deleteRoom(roomName, created)
			return nil, fmt.Errorf("connect to room: %w", res.err)
		}
		conn.attach(res.room)
	case <-ctx.Done():
		// The SDK connect is not cancellable; disconnect whatever it returns.
		go func() {
			if res := <-connected; res.room != nil {
				res.room.Disconnect()
			}
			rm.deleteRoom(roomName, created)
		}()
		return nil, ctx.Err()
	}

	rm.mutex.Lock()
	rm.connections[roomName] = conn
	rm.mutex.Unlock()

	logger.Base().Info("Bot joined room", zap.String("room_name", roomName), zap.String("identity", identity))
	return conn, nil
}

func (rm *RoomManager) deleteRoom(roomName string, created bool) {
	if !created {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rm.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomName}); err != nil {
		logger.Base().Warn("Failed to delete room", zap.String("room_name", roomName), zap.Error(err))
	}
}

func (rm *RoomManager) forget(conn *roomConnection) {
	rm.mutex.Lock()
	if rm.connections[conn.roomName] == conn {
		delete(rm.connections, conn.roomName)
	}
	rm.mutex.Unlock()
}

// GetRoomCount returns the number of rooms currently joined.
func (rm *RoomManager) GetRoomCount() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	return len(rm.connections)
}

// roomConnection turns SDK callbacks into bridge.RoomEvent values.
type roomConnection struct {
	manager  *RoomManager
	roomName string
	identity string
	created  bool
	joinedAt time.Time

	events  chan bridge.RoomEvent
	leaving chan struct{}

	mu          sync.RWMutex
	room        *lksdk.Room
	published   []string
	left        bool
	leaveOnce   sync.Once
	leaveResult error
}

func newRoomConnection(rm *RoomManager, roomName, identity string, created bool) *roomConnection {
	return &roomConnection{
		manager:  rm,
		roomName: roomName,
		identity: identity,
		created:  created,
		joinedAt: time.Now(),
		events:   make(chan bridge.RoomEvent, roomEventBuffer),
		leaving:  make(chan struct{}),
	}
}

func (c *roomConnection) callback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if track.Kind() != webrtc.RTPCodecTypeAudio {
					return
				}
				logger.Base().Info("Track subscribed",
					zap.String("room_name", c.roomName), zap.String("participant", rp.Identity()), zap.String("track_id", track.ID()))
				processor, err := NewAudioProcessor(track, rp.Identity())
				if err != nil {
					logger.Base().Error("Failed to create track decoder", zap.String("room_name", c.roomName), zap.Error(err))
					return
				}
				c.emit(bridge.RoomEvent{Kind: bridge.TrackSubscribed, Identity: rp.Identity(), Track: processor})
			},
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			logger.Base().Info("Participant disconnected", zap.String("room_name", c.roomName), zap.String("participant", rp.Identity()))
			c.emit(bridge.RoomEvent{Kind: bridge.ParticipantLeft, Identity: rp.Identity()})
		},
		OnDisconnected: func() {
			logger.Base().Info("Bot disconnected from room", zap.String("room_name", c.roomName))
			c.emit(bridge.RoomEvent{Kind: bridge.RoomDisconnected})
		},
	}
}

// emit delivers ev unless the connection is being left.
func (c *roomConnection) emit(ev bridge.RoomEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.left {
		return
	}
	select {
	case c.events <- ev:
	case <-c.leaving:
	}
}

func (c *roomConnection) attach(room *lksdk.Room) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

func (c *roomConnection) Events() <-chan bridge.RoomEvent {
	return c.events
}

// Publish creates an Opus 48kHz mono track and publishes it as trackName.
func (c *roomConnection) Publish(ctx context.Context, trackName string) (bridge.TrackPublisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	room, left := c.room, c.left
	c.mu.RUnlock()
	if left || room == nil {
		return nil, errors.New("room connection is closed")
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   config.RoomSampleRate,
		Channels:    config.DefaultChannelsMono,
		SDPFmtpLine: "minptime=20;useinbandfec=1;usedtx=0",
	})
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{Name: trackName})
	if err != nil {
		return nil, fmt.Errorf("publish track: %w", err)
	}

	c.mu.Lock()
	c.published = append(c.published, pub.SID())
	c.mu.Unlock()

	writer, err := NewOpusWriter(track, trackName)
	if err != nil {
		return nil, err
	}
	logger.Base().Info("Audio track published",
		zap.String("room_name", c.roomName), zap.String("track", trackName), zap.String("track_sid", pub.SID()))
	return writer, nil
}

// Leave unpublishes local tracks, disconnects and deletes the room if this
// connection created it. Later calls return the first call's result.
func (c *roomConnection) Leave(ctx context.Context) error {
	c.leaveOnce.Do(func() {
		close(c.leaving)

		c.mu.Lock()
		c.left = true
		room, published := c.room, c.published
		c.published = nil
		close(c.events)
		c.mu.Unlock()

		var errs []error
		if room != nil {
			for _, sid := range published {
				if err := room.LocalParticipant.UnpublishTrack(sid); err != nil {
					errs = append(errs, fmt.Errorf("unpublish %s: %w", sid, err))
				}
			}
			room.Disconnect()
		}
		if c.created {
			if _, err := c.manager.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: c.roomName}); err != nil {
				errs = append(errs, fmt.Errorf("delete room: %w", err))
			}
		}
		c.manager.forget(c)

		logger.Base().Info("Room left",
			zap.String("room_name", c.roomName), zap.Float64("duration", time.Since(c.joinedAt).Seconds()))
		c.leaveResult = errors.Join(errs...)
	})
	return c.leaveResult
}
