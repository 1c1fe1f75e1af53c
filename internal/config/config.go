package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the bridge configuration
type Config struct {
	// Server
	Port       string
	ServerURL  string // public base URL the provider can reach, used in answer XML
	LogEnv     string
	InstanceID string
	EnableCORS bool
	APISecret  string // HS256 secret for /api, empty disables the check

	// LiveKit
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	RoomPrefix       string
	BridgeIdentity   string
	CreateRoom       bool

	// Session tuning
	QueueCapacity   int
	JoinAttempts    int
	JoinBackoff     time.Duration
	TeardownTimeout time.Duration
	StartTimeout    time.Duration
	WriteTimeout    time.Duration

	// Redis, optional
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
}

// LoadConfigFromEnv loads configuration from environment variables.
// .env is loaded in main.go for local development using godotenv.Load().
func LoadConfigFromEnv() *Config {
	return &Config{
		Port:       getEnv("BRIDGE_PORT", "8000"),
		ServerURL:  strings.TrimRight(getEnv("BRIDGE_SERVER_URL", ""), "/"),
		LogEnv:     getEnv("LOG_ENV", "development"),
		InstanceID: getDynamicInstanceID(),
		EnableCORS: getEnvAsBool("BRIDGE_ENABLE_CORS", true),
		APISecret:  getEnv("BRIDGE_API_SECRET", ""),

		LiveKitURL:       getEnv("LIVEKIT_URL", ""),
		LiveKitAPIKey:    getEnv("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret: getEnv("LIVEKIT_API_SECRET", ""),
		RoomPrefix:       getEnv("LIVEKIT_ROOM_PREFIX", DefaultRoomPrefix),
		BridgeIdentity:   getEnv("LIVEKIT_BRIDGE_IDENTITY", DefaultBridgeIdentity),
		CreateRoom:       getEnvAsBool("LIVEKIT_CREATE_ROOM", true),

		QueueCapacity:   getEnvAsInt("BRIDGE_QUEUE_CAPACITY", DefaultQueueCapacity),
		JoinAttempts:    getEnvAsInt("BRIDGE_JOIN_ATTEMPTS", DefaultJoinAttempts),
		JoinBackoff:     getEnvAsDuration("BRIDGE_JOIN_BACKOFF", DefaultJoinBackoff),
		TeardownTimeout: getEnvAsDuration("BRIDGE_TEARDOWN_TIMEOUT", DefaultTeardownTimeout),
		StartTimeout:    getEnvAsDuration("BRIDGE_START_TIMEOUT", DefaultStartTimeout),
		WriteTimeout:    getEnvAsDuration("BRIDGE_WRITE_TIMEOUT", DefaultWriteTimeout),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
	}
}

// Validate checks values the bridge cannot run without.
func (c *Config) Validate() error {
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("BRIDGE_QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.JoinAttempts <= 0 {
		return fmt.Errorf("BRIDGE_JOIN_ATTEMPTS must be positive, got %d", c.JoinAttempts)
	}
	if c.TeardownTimeout <= 0 {
		return fmt.Errorf("BRIDGE_TEARDOWN_TIMEOUT must be positive, got %s", c.TeardownTimeout)
	}
	if strings.TrimSpace(c.RoomPrefix) == "" {
		return fmt.Errorf("LIVEKIT_ROOM_PREFIX must not be empty")
	}
	return nil
}

// RedisEnabled reports whether a shared session store is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// getDynamicInstanceID returns the hostname (the pod name on Kubernetes), or a random id.
func getDynamicInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "bridge-" + uuid.NewString()[:8]
}
