package livekit

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/config"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
)

// LiveKitConfig holds LiveKit server configuration
type LiveKitConfig struct {
	ServerURL  string        // LiveKit server WebSocket URL
	APIKey     string        // LiveKit API key
	APISecret  string        // LiveKit API secret
	CreateRoom bool          // Create the room through RoomService before joining, delete it on leave
	TokenTTL   time.Duration // Validity of the bridge participant's access token
	Enabled    bool          // Whether LiveKit integration is enabled
}

// NewLiveKitConfig creates a new LiveKit configuration with validation
func NewLiveKitConfig(serverURL, apiKey, apiSecret string, createRoom bool) (*LiveKitConfig, error) {
	cfg := &LiveKitConfig{
		ServerURL:  serverURL,
		APIKey:     apiKey,
		APISecret:  apiSecret,
		CreateRoom: createRoom,
		TokenTTL:   2 * time.Hour,
		Enabled:    true,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Base().Info("LiveKit configuration initialized",
		zap.String("server_url", serverURL), zap.Bool("create_room", createRoom))
	return cfg, nil
}

// FromConfig builds the LiveKit configuration from the process configuration.
func FromConfig(cfg *config.Config) (*LiveKitConfig, error) {
	return NewLiveKitConfig(cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.CreateRoom)
}

// Validate validates the LiveKit configuration
func (c *LiveKitConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("LiveKit server URL is required")
	}
	if c.APIKey == "" {
		return errors.New("LiveKit API key is required")
	}
	if c.APISecret == "" {
		return errors.New("LiveKit API secret is required")
	}
	return nil
}

// IsEnabled returns whether LiveKit is enabled
func (c *LiveKitConfig) IsEnabled() bool {
	return c.Enabled && c.ServerURL != "" && c.APIKey != "" && c.APISecret != ""
}
