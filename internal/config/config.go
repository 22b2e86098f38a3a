// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/support-router/internal/store"
)

const defaultJWTSecret = "development-secret-change-in-production"

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Conversation store
	StoreDriver store.Driver
	RedisURL    string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// Collaborator bounds
	StoreTimeout     time.Duration
	AuthTimeout      time.Duration
	StoreReadRetries int

	// WebSocket
	AllowedOrigins    []string
	WSSendBuffer      int
	WSPingInterval    time.Duration
	WSMaxMessageBytes int64

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),

		// Store
		StoreDriver: store.Driver(strings.ToLower(getEnv("STORE_DRIVER", string(store.DriverMemory)))),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", defaultJWTSecret),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 720*time.Hour),

		// Collaborators
		StoreTimeout:     getDurationEnv("STORE_TIMEOUT", 5*time.Second),
		AuthTimeout:      getDurationEnv("AUTH_TIMEOUT", 3*time.Second),
		StoreReadRetries: getIntEnv("STORE_READ_RETRIES", 3),

		// WebSocket
		AllowedOrigins:    getListEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:3001"}),
		WSSendBuffer:      getIntEnv("WS_SEND_BUFFER", 256),
		WSPingInterval:    getDurationEnv("WS_PING_INTERVAL", 30*time.Second),
		WSMaxMessageBytes: int64(getIntEnv("WS_MAX_MESSAGE_BYTES", 64*1024)),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case store.DriverMemory, store.DriverRedis, store.DriverNATS:
	default:
		return fmt.Errorf("%w: %q", store.ErrInvalidDriver, c.StoreDriver)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if c.StoreTimeout <= 0 || c.AuthTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT and AUTH_TIMEOUT must be positive")
	}
	if c.StoreReadRetries < 0 {
		return fmt.Errorf("STORE_READ_RETRIES must not be negative")
	}
	if c.WSSendBuffer <= 0 || c.WSMaxMessageBytes <= 0 || c.WSPingInterval <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER, WS_MAX_MESSAGE_BYTES and WS_PING_INTERVAL must be positive")
	}
	return nil
}

// UsesDefaultSecret reports whether JWT_SECRET was left at its development value.
func (c *Config) UsesDefaultSecret() bool {
	return c.JWTSecret == defaultJWTSecret
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
