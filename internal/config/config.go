package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	MiB = 1024 * 1024

	// MinPartSize is the smallest part most S3-compatible providers accept for
	// every part of a multipart upload except the last one.
	MinPartSize = 5 * MiB
)

type Config struct {
	Env       string
	HttpPort  string
	DBPath    string // used when DBDriver=sqlite
	DBDriver  string // sqlite|postgres
	DBDsn     string // used when DBDriver=postgres (e.g., DATABASE_URL)

	MasterKey      string // base64, 32 bytes once decoded
	AdminAPIKey    string
	CapabilityTTL  time.Duration
	PresignTTL     time.Duration
	DownloadURLTTL time.Duration
	StorageTimeout time.Duration

	UsageRefreshInterval    time.Duration // 0 disables the scheduler
	UsageRefreshConcurrency int

	MultipartThreshold int64
	ChunkSize          int64

	RateLimit float64 // requests per second per client, 0 disables
	RateBurst int

	parseErr error // malformed numeric or duration variables, reported by Validate
}

func Load() *Config {
	var env envReader
	getDuration, getInt, getFloat := env.duration, env.integer, env.float
	cfg := &Config{
		Env:      getEnv("APP_ENV", "dev"),
		HttpPort: getEnv("HTTP_PORT", "8080"),
		DBPath:   getEnv("DB_PATH", "data/hermes.db"),
		DBDriver: getEnv("DB_DRIVER", "sqlite"),
		DBDsn:    getEnv("DATABASE_URL", getEnv("DB_DSN", "")),

		MasterKey:      getEnv("HERMES_MASTER_KEY", ""),
		AdminAPIKey:    getEnv("HERMES_ADMIN_API_KEY", ""),
		CapabilityTTL:  getDuration("CAPABILITY_TTL", 5*time.Minute),
		PresignTTL:     getDuration("PRESIGN_TTL", 15*time.Minute),
		DownloadURLTTL: getDuration("DOWNLOAD_URL_TTL", 24*time.Hour),
		StorageTimeout: getDuration("STORAGE_TIMEOUT", 30*time.Second),

		UsageRefreshInterval:    getDuration("USAGE_REFRESH_INTERVAL", 0),
		UsageRefreshConcurrency: getInt("USAGE_REFRESH_CONCURRENCY", 4),

		MultipartThreshold: int64(getInt("MULTIPART_THRESHOLD", 50*MiB)),
		ChunkSize:          int64(getInt("MULTIPART_CHUNK_SIZE", MinPartSize)),

		RateLimit: getFloat("BROKER_RATE_LIMIT", 0),
		RateBurst: getInt("BROKER_RATE_BURST", 20),
	}
	cfg.parseErr = errors.Join(env.errs...)
	return cfg
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	errs := []error{c.parseErr}
	if _, err := c.MasterKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.AdminAPIKey == "" {
		errs = append(errs, errors.New("HERMES_ADMIN_API_KEY is required"))
	}
	if c.CapabilityTTL <= 0 {
		errs = append(errs, errors.New("CAPABILITY_TTL must be positive"))
	}
	if c.PresignTTL <= 0 {
		errs = append(errs, errors.New("PRESIGN_TTL must be positive"))
	}
	if c.ChunkSize < MinPartSize {
		errs = append(errs, fmt.Errorf("MULTIPART_CHUNK_SIZE must be at least %d bytes", MinPartSize))
	}
	if c.MultipartThreshold < c.ChunkSize {
		errs = append(errs, errors.New("MULTIPART_THRESHOLD must not be smaller than MULTIPART_CHUNK_SIZE"))
	}
	if c.UsageRefreshConcurrency <= 0 {
		errs = append(errs, errors.New("USAGE_REFRESH_CONCURRENCY must be positive"))
	}
	return errors.Join(errs...)
}

// MasterKeyBytes decodes HERMES_MASTER_KEY and checks it is a 256-bit key.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, errors.New("HERMES_MASTER_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("HERMES_MASTER_KEY must be base64 encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("HERMES_MASTER_KEY must be 32 bytes (AES-256), got %d", len(key))
	}
	return key, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" { return v }
	return def
}

// envReader parses typed variables, keeping the default and recording an
// error when a value is set but malformed.
type envReader struct{ errs []error }

func (r *envReader) fail(key, v string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (r *envReader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" { return def }
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *envReader) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" { return def }
	i, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return i
}

func (r *envReader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" { return def }
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return f
}
