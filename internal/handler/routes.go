package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/bridge"
	"github.com/ClareAI/astra-telephony-bridge/internal/config"
	"github.com/ClareAI/astra-telephony-bridge/internal/core/session"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
)

// Dependencies are the services the HTTP surface is built on. Sessions and
// Gatherer may be nil.
type Dependencies struct {
	Config     *config.Config
	Controller *bridge.Controller
	Sessions   *session.Manager
	Gatherer   prometheus.Gatherer
}

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	config     *config.Config
	controller *bridge.Controller
	sessions   *session.Manager
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
	webhookKey auth.KeyProvider

	// baseCtx outlives individual requests; media sessions derive from it.
	baseCtx context.Context
}

// NewHandlerManager creates the handlers. Media sessions started by the
// WebSocket route run under baseCtx.
func NewHandlerManager(baseCtx context.Context, deps Dependencies) *HandlerManager {
	hm := &HandlerManager{
		config:     deps.Config,
		controller: deps.Controller,
		sessions:   deps.Sessions,
		gatherer:   deps.Gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony providers do not send a browser Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: baseCtx,
	}
	if deps.Config.LiveKitAPIKey != "" && deps.Config.LiveKitAPISecret != "" {
		hm.webhookKey = auth.NewSimpleKeyProvider(deps.Config.LiveKitAPIKey, deps.Config.LiveKitAPISecret)
	}
	return hm
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	if hm.config.EnableCORS {
		router.Use(CORSMiddleware)
	}
	router.Use(GlobalLoggingMiddleware)

	router.HandleFunc("/health", hm.HandleHealth).Methods(http.MethodGet)
	if hm.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(hm.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	hm.SetupPlivoRoutes(router)
	hm.SetupAPIRoutes(router)
	if hm.webhookKey != nil {
		router.HandleFunc("/livekit/webhook", hm.HandleLiveKitWebhook).Methods(http.MethodPost)
	}

	logger.Base().Info("all application routes registered")
}

// SetupPlivoRoutes registers the answer webhook and the media stream
// WebSocket.
func (hm *HandlerManager) SetupPlivoRoutes(router *mux.Router) {
	router.HandleFunc(config.DefaultMediaStreamPath, hm.HandleMediaStream).Methods(http.MethodGet)
	router.HandleFunc("/plivo/answer", hm.HandleAnswer).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/answer", hm.HandleAnswer).Methods(http.MethodGet, http.MethodPost)
	logger.Base().Info("plivo routes registered", zap.String("media_stream_path", config.DefaultMediaStreamPath))
}

// SetupAPIRoutes sets up the call API
func (hm *HandlerManager) SetupAPIRoutes(router *mux.Router) {
	apiRouter := router.PathPrefix("/api").Subrouter()

	apiRouter.Use(LoggingMiddleware)
	apiRouter.Use(ValidationMiddleware)
	apiRouter.Use(APIKeyMiddleware(hm.config.APISecret))

	apiRouter.HandleFunc("/get_call_metadata/{call_id}", hm.HandleGetCallMetadata).Methods(http.MethodGet)
	apiRouter.HandleFunc("/calls", hm.HandleListCalls).Methods(http.MethodGet)
	apiRouter.HandleFunc("/calls/{call_id}/hangup", hm.HandleHangup).Methods(http.MethodPost)

	if hm.config.EnableCORS {
		router.PathPrefix("/api/").HandlerFunc(handleCORS).Methods(http.MethodOptions)
	}

	logger.Base().Info("call api routes registered", zap.Bool("api_key_required", hm.config.APISecret != ""))
}

// HandleHealth reports liveness.
func (hm *HandlerManager) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// StartCleanupListener ends local calls named by cleanup broadcasts from
// other instances. It is a no-op without a session store.
func (hm *HandlerManager) StartCleanupListener(ctx context.Context) error {
	if hm.sessions == nil {
		return nil
	}
	return hm.sessions.SubscribeToCleanup(ctx, func(msg session.CleanupMessage) {
		reason := msg.Reason
		if reason == "" {
			reason = "remote hangup"
		}
		err := hm.controller.Hangup(msg.CallID, reason)
		switch {
		case err == nil:
			logger.Base().Info("Ended call on cleanup broadcast",
				zap.String("call_id", msg.CallID), zap.String("origin", msg.Origin))
		case errors.Is(err, bridge.ErrSessionNotFound):
			logger.Base().Debug("Cleanup broadcast for a call not owned here", zap.String("call_id", msg.CallID))
		default:
			logger.Base().Warn("Cleanup broadcast failed", zap.String("call_id", msg.CallID), zap.Error(err))
		}
	})
}

// handleCORS handles CORS preflight requests for API routes
func handleCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Base().Warn("Failed to encode response", zap.Error(err))
	}
}
