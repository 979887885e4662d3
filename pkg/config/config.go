package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jennie369/crypto-pattern-scanner-sub017/pkg/constants"
)

// Config holds all configuration for the call core
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Call     CallConfig
	ICE      ICEConfig
	Log      LogConfig
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// CallConfig holds the tunable parameters of the call lifecycle. All values
// have working defaults; tests override them with short durations.
type CallConfig struct {
	RingTimeout           time.Duration
	OfferGraceDelay       time.Duration
	ReadyRetryInterval    time.Duration
	ReadyRetryMax         int
	InstanceStaleAfter    time.Duration
	ReconnectThreshold    time.Duration
	QualitySampleInterval time.Duration
}

// ICEConfig holds ICE server configuration for the media transport
type ICEConfig struct {
	ServerURLs   []string
	TURNUsername string
	TURNPassword string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 26257),
			User:     getEnv("DB_USER", "root"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "gemral"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(getEnvAsInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		Call: CallConfig{
			RingTimeout:           getEnvAsDuration("CALL_RING_TIMEOUT", constants.DefaultRingTimeout),
			OfferGraceDelay:       getEnvAsDuration("CALL_OFFER_GRACE_DELAY", constants.DefaultOfferGraceDelay),
			ReadyRetryInterval:    getEnvAsDuration("CALL_READY_RETRY_INTERVAL", constants.DefaultReadyRetryInterval),
			ReadyRetryMax:         getEnvAsInt("CALL_READY_RETRY_MAX", constants.DefaultReadyRetryMax),
			InstanceStaleAfter:    getEnvAsDuration("CALL_INSTANCE_STALE_AFTER", constants.DefaultInstanceStaleAfter),
			ReconnectThreshold:    getEnvAsDuration("CALL_RECONNECT_THRESHOLD", constants.DefaultReconnectThreshold),
			QualitySampleInterval: getEnvAsDuration("CALL_QUALITY_SAMPLE_INTERVAL", constants.DefaultQualitySampleInterval),
		},
		ICE: ICEConfig{
			ServerURLs:   getEnvAsSlice("ICE_SERVER_URLS", []string{"stun:stun.l.google.com:19302"}),
			TURNUsername: getEnv("TURN_USERNAME", ""),
			TURNPassword: getEnv("TURN_PASSWORD", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be positive")
	}
	if c.Call.ReadyRetryMax <= 0 {
		return fmt.Errorf("CALL_READY_RETRY_MAX must be positive")
	}
	if c.Call.ReadyRetryInterval <= 0 {
		return fmt.Errorf("CALL_READY_RETRY_INTERVAL must be positive")
	}
	if len(c.ICE.ServerURLs) == 0 {
		return fmt.Errorf("ICE_SERVER_URLS must not be empty")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	// Simple comma-separated string parsing
	var result []string
	for i := 0; i < len(valueStr); {
		j := i
		for j < len(valueStr) && valueStr[j] != ',' {
			j++
		}
		if i < j {
			result = append(result, valueStr[i:j])
		}
		i = j + 1
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
