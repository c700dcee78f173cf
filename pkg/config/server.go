package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds settings for the remote API process
type ServerConfig struct {
	// API Server
	Host     string
	Port     int
	LogLevel string
	LogFile  string

	// Rate limiting, requests per second across all clients (0 disables)
	RateLimit float64
	RateBurst int

	// Sessions
	DefaultTimeout      time.Duration // Per-keyword timeout when a request sets none
	EventBufferSize     int           // Per-subscriber channel size
	ReplayBufferSize    int           // Events retained per session for replay (0 disables)
	TerminatedRetention time.Duration // How long terminated ids answer SessionTerminated

	// Execution log store
	Store     string // memory or redis
	RedisAddr string
	RedisDB   int

	// Diagnostic screenshots of failed keywords are written here when set
	ArtifactsDir string

	ShutdownTimeout time.Duration
}

const (
	DefaultAPIHost             = "0.0.0.0"
	DefaultAPIPort             = 8000
	DefaultKeywordTimeout      = 60 * time.Second
	DefaultEventBufferSize     = 256
	DefaultReplayBufferSize    = 0
	DefaultTerminatedRetention = 5 * time.Minute
	DefaultShutdownTimeout     = 10 * time.Second
	DefaultRedisAddr           = "localhost:6379"
	DefaultRateBurst           = 50

	StoreMemory = "memory"
	StoreRedis  = "redis"

	MaxTCPPort      = 65535
	MaxEventBuffer  = 1 << 16
	MaxReplayBuffer = 1 << 16
	envPrefix       = "OPTICS_"
)

var (
	ErrInvalidAPIPort      = errors.New("invalid API port")
	ErrInvalidTimeout      = errors.New("default timeout must be positive")
	ErrInvalidEventBuffer  = errors.New("event buffer size must be positive")
	ErrInvalidReplayBuffer = errors.New("replay buffer size must not be negative")
	ErrInvalidStore        = errors.New("invalid store backend")
	ErrInvalidRateLimit    = errors.New("rate limit must not be negative")
	ErrInvalidRetention    = errors.New("terminated retention must not be negative")
)

// NewDefaultConfig creates a server configuration with sensible defaults
func NewDefaultConfig() *ServerConfig {
	return &ServerConfig{
		Host:                DefaultAPIHost,
		Port:                DefaultAPIPort,
		LogLevel:            "info",
		RateBurst:           DefaultRateBurst,
		DefaultTimeout:      DefaultKeywordTimeout,
		EventBufferSize:     DefaultEventBufferSize,
		ReplayBufferSize:    DefaultReplayBufferSize,
		TerminatedRetention: DefaultTerminatedRetention,
		Store:               StoreMemory,
		RedisAddr:           DefaultRedisAddr,
		ShutdownTimeout:     DefaultShutdownTimeout,
	}
}

// LoadFromEnv populates configuration values from OPTICS_* environment
// variables. Returns an error if any env var cannot be parsed
func (c *ServerConfig) LoadFromEnv() error {
	if v := os.Getenv(envPrefix + "HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv(envPrefix + "STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv(envPrefix + "REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv(envPrefix + "ARTIFACTS_DIR"); v != "" {
		c.ArtifactsDir = v
	}

	if err := loadEnvInt("PORT", &c.Port, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt("REDIS_DB", &c.RedisDB, 0, 15); err != nil {
		return err
	}
	if err := loadEnvInt("EVENT_BUFFER", &c.EventBufferSize, 0, MaxEventBuffer); err != nil {
		return err
	}
	if err := loadEnvInt("REPLAY_BUFFER", &c.ReplayBufferSize, 0, MaxReplayBuffer); err != nil {
		return err
	}
	if err := loadEnvInt("RATE_BURST", &c.RateBurst, 0, 1_000_000); err != nil {
		return err
	}
	if err := loadEnvFloat("RATE_LIMIT", &c.RateLimit); err != nil {
		return err
	}
	if err := loadEnvDuration("DEFAULT_TIMEOUT", &c.DefaultTimeout); err != nil {
		return err
	}
	if err := loadEnvDuration("TERMINATED_RETENTION", &c.TerminatedRetention); err != nil {
		return err
	}
	if err := loadEnvDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// Validate checks that all configuration values are valid
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.Port)
	}
	if c.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.EventBufferSize <= 0 {
		return ErrInvalidEventBuffer
	}
	if c.ReplayBufferSize < 0 {
		return ErrInvalidReplayBuffer
	}
	if c.RateLimit < 0 {
		return ErrInvalidRateLimit
	}
	if c.TerminatedRetention < 0 {
		return ErrInvalidRetention
	}
	if c.Store != StoreMemory && c.Store != StoreRedis {
		return fmt.Errorf("%w: %s", ErrInvalidStore, c.Store)
	}
	return nil
}

// Addr returns host:port for the listener
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func loadEnvInt(name string, target *int, minVal, maxVal int) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	if n < minVal || n > maxVal {
		return fmt.Errorf("invalid %s%s: %d out of range [%d, %d]", envPrefix, name, n, minVal, maxVal)
	}
	*target = n
	return nil
}

func loadEnvFloat(name string, target *float64) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*target = f
	return nil
}

func loadEnvDuration(name string, target *time.Duration) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
	}
	*target = d
	return nil
}
