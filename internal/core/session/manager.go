package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/bridge"
	"github.com/ClareAI/astra-telephony-bridge/internal/core/event"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
	"github.com/ClareAI/astra-telephony-bridge/pkg/redis"
)

const (
	CleanupChannel = "telephony:bridge:session:cleanup"
	SessionTTL     = 1 * time.Hour

	storeTimeout = 2 * time.Second
)

// ErrNotFound is returned by Lookup when no instance has published the call.
var ErrNotFound = errors.New("session not found in store")

// SessionInfo is the shared view of a call session, readable from any
// instance.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	CallID    string    `json:"callId"`
	StreamID  string    `json:"streamId,omitempty"`
	RoomName  string    `json:"roomName"`
	State     string    `json:"state"`
	PodID     string    `json:"podId"`
	StartTime time.Time `json:"startTime"`
	UpdatedAt time.Time `json:"updatedAt"`
	Error     string    `json:"error,omitempty"`
}

// CleanupMessage is the payload for cleanup broadcast
type CleanupMessage struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
	Origin string `json:"origin,omitempty"`
}

type Manager struct {
	redisSvc redis.RedisServiceInterface
	podID    string
}

func NewManager(redisSvc redis.RedisServiceInterface, podID string) *Manager {
	return &Manager{
		redisSvc: redisSvc,
		podID:    podID,
	}
}

// PodID returns the instance id recorded with every session.
func (m *Manager) PodID() string {
	return m.podID
}

func (m *Manager) key(callID string) string {
	return m.redisSvc.GenerateKey(redis.CALL_SESSION, callID)
}

// Register stores info under its call id, replacing any previous entry.
func (m *Manager) Register(ctx context.Context, info SessionInfo) error {
	info.PodID = m.podID
	if info.StartTime.IsZero() {
		info.StartTime = time.Now()
	}
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := m.redisSvc.SetValue(ctx, m.key(info.CallID), string(data), SessionTTL); err != nil {
		return err
	}
	logger.Base().Debug("Session stored in Redis",
		zap.String("call_id", info.CallID), zap.String("state", info.State), zap.String("pod_id", m.podID))
	return nil
}

// Unregister removes the call's entry.
func (m *Manager) Unregister(ctx context.Context, callID string) error {
	return m.redisSvc.DelValue(ctx, m.key(callID))
}

// Lookup returns the stored entry for callID, or ErrNotFound.
func (m *Manager) Lookup(ctx context.Context, callID string) (*SessionInfo, error) {
	raw, err := m.redisSvc.GetValue(ctx, m.key(callID))
	if err != nil {
		if errors.Is(err, redis.ErrKeyNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var info SessionInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", callID, err)
	}
	return &info, nil
}

// NotifyCleanup broadcasts a cleanup request to all pods
func (m *Manager) NotifyCleanup(ctx context.Context, callID, reason string) error {
	logger.Base().Info("Broadcasting cleanup request", zap.String("call_id", callID), zap.String("reason", reason))
	return m.redisSvc.Publish(ctx, CleanupChannel, CleanupMessage{CallID: callID, Reason: reason, Origin: m.podID})
}

// SubscribeToCleanup listens for cleanup broadcasts
func (m *Manager) SubscribeToCleanup(ctx context.Context, handler func(msg CleanupMessage)) error {
	return m.redisSvc.Subscribe(ctx, CleanupChannel, func(payload string) {
		var msg CleanupMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logger.Base().Error("Failed to unmarshal cleanup message", zap.Error(err))
			return
		}
		if msg.CallID == "" {
			return
		}
		handler(msg)
	})
}

// Attach mirrors session state changes from bus into the store: live states
// are written, terminal states remove the entry.
func (m *Manager) Attach(bus event.EventBus) error {
	return bus.SubscribeWithTimeout(event.SessionStateChanged, m.handleStateChange, 2*storeTimeout)
}

func (m *Manager) handleStateChange(ev *event.SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch ev.To {
	case string(bridge.StateClosed), string(bridge.StateFailed):
		if err := m.Unregister(ctx, ev.CallID); err != nil {
			logger.Base().Warn("Failed to remove session from Redis", zap.String("call_id", ev.CallID), zap.Error(err))
		}
		return
	}

	info := SessionInfo{
		SessionID: ev.SessionID,
		CallID:    ev.CallID,
		RoomName:  ev.RoomName,
		State:     ev.To,
		UpdatedAt: ev.Timestamp,
	}
	if data, ok := ev.Data.(event.SessionData); ok {
		info.StreamID = data.StreamID
		info.StartTime = data.StartedAt
	}
	if ev.Error != nil {
		info.Error = ev.Error.Error()
	}
	if err := m.Register(ctx, info); err != nil {
		logger.Base().Warn("Failed to store session in Redis", zap.String("call_id", ev.CallID), zap.Error(err))
	}
}
