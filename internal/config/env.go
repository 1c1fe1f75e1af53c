package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// Audio Constants
	TelephonySampleRate   = 16000
	RoomSampleRate        = 48000
	DefaultChannelsMono   = 1
	DefaultChannelsStereo = 2
	DefaultFrameDuration  = 20 * time.Millisecond
	DefaultOpusBitrate    = 32000

	// Identifier Constants
	DefaultRoomPrefix      = "bridge"
	DefaultBridgeIdentity  = "plivo-bridge"
	DefaultPublishedTrack  = "phone_audio"
	DefaultMediaStreamPath = "/plivo/media-stream"

	// Session Constants
	DefaultQueueCapacity   = 50
	DefaultJoinAttempts    = 3
	DefaultJoinBackoff     = 250 * time.Millisecond
	DefaultTeardownTimeout = 3 * time.Second
	DefaultStartTimeout    = 10 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
)

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("250ms") or a bare number of milliseconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
