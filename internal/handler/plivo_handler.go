package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/bridge"
	"github.com/ClareAI/astra-telephony-bridge/internal/config"
	"github.com/ClareAI/astra-telephony-bridge/internal/telephony"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
)

// HandleMediaStream upgrades the provider's media stream connection and runs
// the call until it ends.
func (hm *HandlerManager) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := hm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		logger.Base().Warn("Media stream upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	sock := telephony.NewSocket(conn, hm.config.WriteTimeout)
	logger.Base().Info("Media stream connected", zap.String("remote_addr", sock.RemoteAddr()))

	err = hm.controller.Serve(hm.baseCtx, sock)

	var dup *bridge.DuplicateSessionError
	switch {
	case err == nil:
		logger.Base().Info("Media stream finished", zap.String("remote_addr", sock.RemoteAddr()))
	case errors.As(err, &dup):
		logger.Base().Warn("Media stream rejected", zap.String("call_id", dup.CallID))
	case errors.Is(err, bridge.ErrNoStart), errors.Is(err, bridge.ErrUnsupportedFormat):
		logger.Base().Warn("Media stream rejected", zap.String("remote_addr", sock.RemoteAddr()), zap.Error(err))
	default:
		logger.Base().Error("Media stream ended with error", zap.String("remote_addr", sock.RemoteAddr()), zap.Error(err))
	}
}

// HandleAnswer returns the XML that tells the provider to stream the call's
// audio to the media stream endpoint.
func (hm *HandlerManager) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		logger.Base().Warn("Invalid answer webhook form", zap.Error(err))
	}
	callUUID := r.FormValue("CallUUID")

	if hm.config.ServerURL == "" {
		logger.Base().Error("Answer webhook called without a public server URL configured", zap.String("call_uuid", callUUID))
		body, err := telephony.ErrorXML("The service is not configured to take calls.")
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeXML(w, http.StatusOK, body)
		return
	}

	streamURL := telephony.MediaStreamURL(hm.config.ServerURL, config.DefaultMediaStreamPath)
	body, err := telephony.AnswerXML(streamURL)
	if err != nil {
		logger.Base().Error("Failed to build answer XML", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger.Base().Info("Answering call",
		zap.String("call_uuid", callUUID),
		zap.String("from", r.FormValue("From")),
		zap.String("to", r.FormValue("To")),
		zap.String("stream_url", streamURL))
	writeXML(w, http.StatusOK, body)
}

func writeXML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
