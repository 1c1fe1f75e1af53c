package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/bridge"
	"github.com/ClareAI/astra-telephony-bridge/internal/core/session"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
)

const storeLookupTimeout = 2 * time.Second

// CallMetadata is the API view of a call session.
type CallMetadata struct {
	SessionID   string        `json:"session_id"`
	CallID      string        `json:"call_id"`
	StreamID    string        `json:"stream_id,omitempty"`
	RoomName    string        `json:"room_name"`
	State       string        `json:"state"`
	PodID       string        `json:"pod_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	AgentID     string        `json:"agent_id,omitempty"`
	AgentTrack  string        `json:"agent_track,omitempty"`
	CloseReason string        `json:"close_reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Counters    *bridge.Stats `json:"stats,omitempty"`
	Source      string        `json:"source"`
}

type metadataResponse struct {
	Success  bool        `json:"success"`
	Metadata interface{} `json:"metadata"`
}

type hangupRequest struct {
	Reason string `json:"reason"`
}

func (hm *HandlerManager) localMetadata(snap bridge.Snapshot) (*CallMetadata, error) {
	meta := &CallMetadata{}
	if err := copier.Copy(meta, &snap); err != nil {
		return nil, err
	}
	stats := snap.Stats
	meta.Counters = &stats
	meta.Source = "local"
	if hm.sessions != nil {
		meta.PodID = hm.sessions.PodID()
	} else {
		meta.PodID = hm.config.InstanceID
	}
	return meta, nil
}

func storeMetadata(info *session.SessionInfo) (*CallMetadata, error) {
	meta := &CallMetadata{}
	if err := copier.Copy(meta, info); err != nil {
		return nil, err
	}
	meta.StartedAt = info.StartTime
	meta.Source = "store"
	return meta, nil
}

// HandleGetCallMetadata returns the session snapshot for a call: the local
// registry first, then the shared session store. Unknown calls get an empty
// metadata object.
func (hm *HandlerManager) HandleGetCallMetadata(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]

	if sess, ok := hm.controller.Registry().Get(callID); ok {
		meta, err := hm.localMetadata(sess.Snapshot())
		if err != nil {
			logger.Base().Error("Failed to build call metadata", zap.String("call_id", callID), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, metadataResponse{Success: true, Metadata: meta})
		return
	}

	if hm.sessions != nil {
		ctx, cancel := context.WithTimeout(r.Context(), storeLookupTimeout)
		defer cancel()
		info, err := hm.sessions.Lookup(ctx, callID)
		switch {
		case err == nil:
			meta, err := storeMetadata(info)
			if err != nil {
				logger.Base().Error("Failed to build call metadata", zap.String("call_id", callID), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "internal error"})
				return
			}
			writeJSON(w, http.StatusOK, metadataResponse{Success: true, Metadata: meta})
			return
		case errors.Is(err, session.ErrNotFound):
		default:
			logger.Base().Warn("Session store lookup failed", zap.String("call_id", callID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, metadataResponse{Success: true, Metadata: struct{}{}})
}

// HandleListCalls returns the calls held by this instance.
func (hm *HandlerManager) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	sessions := hm.controller.Registry().Sessions()
	calls := make([]*CallMetadata, 0, len(sessions))
	for _, sess := range sessions {
		meta, err := hm.localMetadata(sess.Snapshot())
		if err != nil {
			logger.Base().Warn("Skipping call in listing", zap.String("call_id", sess.CallID), zap.Error(err))
			continue
		}
		calls = append(calls, meta)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "calls": calls, "count": len(calls)})
}

// HandleHangup ends a call. A call owned by another instance is ended
// through a cleanup broadcast.
func (hm *HandlerManager) HandleHangup(w http.ResponseWriter, r *http.Request) {
	callID := mux.Vars(r)["call_id"]

	var req hangupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid request body"})
		return
	}
	if req.Reason == "" {
		req.Reason = "api hangup"
	}

	err := hm.controller.Hangup(callID, req.Reason)
	if err == nil {
		logger.Base().Info("Call hung up", zap.String("call_id", callID), zap.String("reason", req.Reason))
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "call_id": callID, "scope": "local"})
		return
	}
	if !errors.Is(err, bridge.ErrSessionNotFound) || hm.sessions == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "call not found"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeLookupTimeout)
	defer cancel()
	info, err := hm.sessions.Lookup(ctx, callID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "call not found"})
			return
		}
		logger.Base().Error("Session store lookup failed", zap.String("call_id", callID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"success": false, "error": "session store unavailable"})
		return
	}

	if err := hm.sessions.NotifyCleanup(ctx, callID, req.Reason); err != nil {
		logger.Base().Error("Cleanup broadcast failed", zap.String("call_id", callID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"success": false, "error": "session store unavailable"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"call_id": callID,
		"scope":   "broadcast",
		"pod_id":  info.PodID,
	})
}
