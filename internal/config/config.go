// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCHealthPort string
	FrontendURL    string
	DBPath         string
	UpstreamURL    string
	// UpstreamTimeout bounds a single request to the assistant backend.
	UpstreamTimeout time.Duration
	Poll            PollConfig
	ChatRateLimit   int
	ChatRateWindow  time.Duration
	MaxUploadSize   int64
	// CacheRetention is how long finished messages stay in the local cache.
	// Zero disables pruning.
	CacheRetention time.Duration
	Transcript     TranscriptConfig
}

// PollConfig controls job polling.
type PollConfig struct {
	Interval          time.Duration
	MaxInterval       time.Duration
	MaxWait           time.Duration
	MaxConsecutiveErr int
	// BackoffMultiplier grows the delay between non-terminal polls. 1 keeps it fixed.
	BackoffMultiplier float64
}

// TranscriptConfig controls JSON transcript logging of completed jobs.
type TranscriptConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		GRPCHealthPort:  getEnv("GRPC_HEALTH_PORT", "50051"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DBPath:          getEnv("DB_PATH", "./data/gateway.db"),
		UpstreamURL:     strings.TrimRight(getEnv("UPSTREAM_URL", "http://localhost:5010"), "/"),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		Poll: PollConfig{
			Interval:          getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
			MaxInterval:       getEnvDuration("POLL_MAX_INTERVAL", 5*time.Second),
			MaxWait:           getEnvDuration("POLL_MAX_WAIT", 10*time.Minute),
			MaxConsecutiveErr: getEnvInt("POLL_MAX_ERRORS", 5),
			BackoffMultiplier: getEnvFloat("POLL_BACKOFF", 1),
		},
		ChatRateLimit:  getEnvInt("CHAT_RATE_LIMIT", 10),
		ChatRateWindow: getEnvDuration("CHAT_RATE_WINDOW", time.Minute),
		MaxUploadSize:  int64(getEnvInt("MAX_UPLOAD_SIZE", 50<<20)),
		CacheRetention: getEnvDuration("CACHE_RETENTION", 30*24*time.Hour),
		Transcript: TranscriptConfig{
			Enabled:       getEnvBool("TRANSCRIPT_ENABLED", true),
			Dir:           getEnv("TRANSCRIPT_DIR", "./data/logs/transcripts"),
			GlobalEnabled: getEnvBool("TRANSCRIPT_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("TRANSCRIPT_GLOBAL_PATH", "./data/logs/transcripts/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("UPSTREAM_URL cannot be empty")
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("UPSTREAM_URL must be an absolute http(s) URL: %q", c.UpstreamURL)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be > 0")
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0")
	}
	if c.Poll.MaxInterval < c.Poll.Interval {
		return fmt.Errorf("POLL_MAX_INTERVAL must be >= POLL_INTERVAL")
	}
	if c.Poll.MaxWait < c.Poll.Interval {
		return fmt.Errorf("POLL_MAX_WAIT must be >= POLL_INTERVAL")
	}
	if c.Poll.MaxConsecutiveErr <= 0 {
		return fmt.Errorf("POLL_MAX_ERRORS must be > 0")
	}
	if c.Poll.BackoffMultiplier < 1 {
		return fmt.Errorf("POLL_BACKOFF must be >= 1")
	}
	if c.ChatRateLimit <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT must be > 0")
	}
	if c.ChatRateWindow <= 0 {
		return fmt.Errorf("CHAT_RATE_WINDOW must be > 0")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be > 0")
	}
	if c.CacheRetention < 0 {
		return fmt.Errorf("CACHE_RETENTION cannot be negative")
	}
	if c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.Transcript.GlobalPath == "" {
		return fmt.Errorf("TRANSCRIPT_GLOBAL_PATH cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins derived from FrontendURL.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"http://localhost:3000", "http://localhost:5173"}
	}
	origins := []string{}
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("750ms", "2m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
