// Package config loads AccessCase configuration from the environment,
// with optional .env support for local development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the sync core.
type Config struct {
	// Storage
	DataDir          string
	StorageQuota     int64   // bytes; local budget used for quota percentage
	CleanupThreshold float64 // percentage at which stale Error items are purged
	HardCeiling      float64 // percentage at which the emergency event fires
	CompressMinBytes int     // values at or above this size are snappy-compressed

	// Sync
	AutoSyncInterval time.Duration
	OpTimeout        time.Duration // per-item bound for transport calls
	HistorySize      int           // sync history ring capacity
	ProbeInterval    time.Duration // bandwidth probe cadence

	// Bandwidth tier thresholds, bytes/sec
	HighBandwidth int64
	LowBandwidth  int64

	// Server
	ServerAPIURL string
	APIToken     string

	// Bridge
	ServerWSURL         string
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxRetries int

	// Blob storage (photo payloads)
	BlobBucket    string
	BlobRegion    string
	BlobEndpoint  string
	BlobAccessKey string
	BlobSecretKey string
	BlobPathStyle bool

	// Logging
	LogLevel string
}

// Load reads configuration from the environment. A .env file is applied
// first outside production.
func Load() *Config {
	if os.Getenv("ENV") != "production" {
		_ = godotenv.Load() // optional .env for local
	}

	return &Config{
		DataDir:          getEnv("ACCESSCASE_DATA_DIR", defaultDataDir()),
		StorageQuota:     getInt64("ACCESSCASE_STORAGE_QUOTA", 256<<20),
		CleanupThreshold: getFloat("ACCESSCASE_CLEANUP_THRESHOLD", 80),
		HardCeiling:      getFloat("ACCESSCASE_HARD_CEILING", 95),
		CompressMinBytes: int(getInt64("ACCESSCASE_COMPRESS_MIN_BYTES", 4096)),

		AutoSyncInterval: getDuration("ACCESSCASE_SYNC_INTERVAL", 5*time.Minute),
		OpTimeout:        getDuration("ACCESSCASE_OP_TIMEOUT", 30*time.Second),
		HistorySize:      int(getInt64("ACCESSCASE_HISTORY_SIZE", 50)),
		ProbeInterval:    getDuration("ACCESSCASE_PROBE_INTERVAL", time.Minute),

		HighBandwidth: getInt64("ACCESSCASE_HIGH_BANDWIDTH", 2<<20),
		LowBandwidth:  getInt64("ACCESSCASE_LOW_BANDWIDTH", 128<<10),

		ServerAPIURL: getEnv("ACCESSCASE_API_URL", "http://localhost:8090/api"),
		APIToken:     os.Getenv("ACCESSCASE_API_TOKEN"),

		ServerWSURL:         getEnv("ACCESSCASE_WS_URL", "ws://localhost:8090/ws"),
		ReconnectBase:       getDuration("ACCESSCASE_RECONNECT_BASE", time.Second),
		ReconnectMax:        getDuration("ACCESSCASE_RECONNECT_MAX", time.Minute),
		ReconnectMaxRetries: int(getInt64("ACCESSCASE_RECONNECT_RETRIES", 20)),

		BlobBucket:    os.Getenv("ACCESSCASE_BLOB_BUCKET"),
		BlobRegion:    getEnv("ACCESSCASE_BLOB_REGION", "us-east-1"),
		BlobEndpoint:  os.Getenv("ACCESSCASE_BLOB_ENDPOINT"),
		BlobAccessKey: os.Getenv("ACCESSCASE_BLOB_ACCESS_KEY"),
		BlobSecretKey: os.Getenv("ACCESSCASE_BLOB_SECRET_KEY"),
		BlobPathStyle: getBool("ACCESSCASE_BLOB_PATH_STYLE", false),

		LogLevel: getEnv("ACCESSCASE_LOG_LEVEL", "info"),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".accesscase"
	}
	return home + "/.accesscase"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
