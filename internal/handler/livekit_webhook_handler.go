package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/bridge"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
)

// HandleLiveKitWebhook processes signed LiveKit webhook events. A bridge room
// finishing on the server side ends its call.
func (hm *HandlerManager) HandleLiveKitWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := webhook.ReceiveWebhookEvent(r, hm.webhookKey)
	if err != nil {
		logger.Base().Warn("Rejected LiveKit webhook", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	roomName := event.GetRoom().GetName()
	logger.Base().Info("LiveKit webhook", zap.String("event", event.GetEvent()), zap.String("room", roomName))

	switch event.GetEvent() {
	case "room_finished":
		hm.handleRoomFinished(roomName)
	case "participant_joined", "participant_left":
		hm.logParticipantEvent(event)
	default:
		logger.Base().Debug("Unhandled LiveKit event", zap.String("event", event.GetEvent()))
	}

	// Always acknowledge so LiveKit does not retry.
	w.WriteHeader(http.StatusOK)
}

// callIDForRoom reverses bridge.Options.RoomName.
func (hm *HandlerManager) callIDForRoom(roomName string) (string, bool) {
	prefix := hm.config.RoomPrefix + "-"
	if !strings.HasPrefix(roomName, prefix) || len(roomName) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(roomName, prefix), true
}

func (hm *HandlerManager) handleRoomFinished(roomName string) {
	callID, ok := hm.callIDForRoom(roomName)
	if !ok {
		return
	}
	err := hm.controller.Hangup(callID, "room finished")
	switch {
	case err == nil:
		logger.Base().Info("Room finished, call ended", zap.String("room", roomName), zap.String("call_id", callID))
	case errors.Is(err, bridge.ErrSessionNotFound):
		logger.Base().Debug("Room finished for a call not held here", zap.String("room", roomName))
	default:
		logger.Base().Warn("Failed to end call for finished room", zap.String("room", roomName), zap.Error(err))
	}
}

func (hm *HandlerManager) logParticipantEvent(event *livekit.WebhookEvent) {
	logger.Base().Info("Room participant event",
		zap.String("event", event.GetEvent()),
		zap.String("room", event.GetRoom().GetName()),
		zap.String("participant", event.GetParticipant().GetIdentity()))
}
