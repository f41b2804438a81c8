package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// defaultFilterExtensions is the allow-list applied when FILTER_EXTENSIONS
// is not set. Video containers only.
const defaultFilterExtensions = "mkv,mp4,avi,mpg,mpeg,webm,flv,wmv,mov,m4v,3gp,ogv"

// Config holds the full runtime configuration. It is built once at startup
// from the environment and never mutated afterwards.
type Config struct {
	RSSURLs       []string
	MongoURL      string
	MongoDatabase string

	DownloadPath string
	LogFile      string

	FilterExtensions []string

	// Seedbox pipeline tuning.
	DownloadTimeout          time.Duration // deadline on a single in-flight download
	DownloadRetries          int
	DownloadAddVerifyTimeout time.Duration
	DownloadCheckTimeout     time.Duration // wall-time bound on one check_downloads pass
	DownloadStartTimeout     time.Duration // wall-time bound on one start_downloads pass

	// TTLs applied to terminal download records.
	ErrorRecordExpiry   time.Duration
	TimeoutRecordExpiry time.Duration

	HeartbeatInterval time.Duration
	ReaperInterval    time.Duration

	// PollBackoff is the pause after an inconclusive poll before the
	// account is released back to the pool. Not environment-driven; tests
	// shorten it.
	PollBackoff time.Duration

	SeedboxBaseURL   string
	UploadWebhookURL string
	Hook             string
}

// Load builds a Config from the environment. MONGO_URL is the only hard
// requirement; everything else has a default.
func Load() (*Config, error) {
	mongoURL := os.Getenv("MONGO_URL")
	if mongoURL == "" {
		return nil, fmt.Errorf("MONGO_URL is required")
	}

	downloadPath := envString("DOWNLOAD_PATH", "downloads")
	absPath, err := filepath.Abs(downloadPath)
	if err != nil {
		return nil, fmt.Errorf("resolve DOWNLOAD_PATH: %w", err)
	}

	cfg := &Config{
		RSSURLs:       splitList(os.Getenv("RSS_URL"), "|"),
		MongoURL:      mongoURL,
		MongoDatabase: os.Getenv("MONGO_DATABASE"),

		DownloadPath: absPath,
		LogFile:      envString("LOG_FILE", "rssbox.log"),

		FilterExtensions: normalizeExtensions(envString("FILTER_EXTENSIONS", defaultFilterExtensions)),

		DownloadTimeout:          envSeconds("DOWNLOAD_TIMEOUT", 2*time.Hour+30*time.Minute),
		DownloadRetries:          envInt("DOWNLOAD_RETRIES", 5),
		DownloadAddVerifyTimeout: envSeconds("DOWNLOAD_ADD_VERIFY_TIMEOUT", 15*time.Second),
		DownloadCheckTimeout:     envSeconds("DOWNLOAD_CHECK_TIMEOUT", 8*time.Minute),
		DownloadStartTimeout:     envSeconds("DOWNLOAD_START_TIMEOUT", 2*time.Minute),

		ErrorRecordExpiry:   envSeconds("DOWNLOAD_ERROR_RECORD_EXPIRY", 7*24*time.Hour),
		TimeoutRecordExpiry: envSeconds("DOWNLOAD_TIMEOUT_RECORD_EXPIRY", 7*24*time.Hour),

		HeartbeatInterval: envSeconds("HEARTBEAT_INTERVAL", 30*time.Second),
		ReaperInterval:    envSeconds("REAPER_INTERVAL", 40*time.Second),

		PollBackoff: 5 * time.Second,

		SeedboxBaseURL:   envString("SONICBIT_BASE_URL", "https://sonicbit.net/api/v1"),
		UploadWebhookURL: os.Getenv("UPLOAD_WEBHOOK_URL"),
		Hook:             envString("HOOK", "default"),
	}

	return cfg, nil
}

// AllowsExtension reports whether ext (with or without a leading dot) is on
// the upload allow-list.
func (c *Config) AllowsExtension(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	for _, allowed := range c.FilterExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envSeconds reads an integer number of seconds, matching the original
// deployment convention for all duration variables.
func envSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func splitList(raw, sep string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeExtensions(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "."))
		if ext == "" {
			continue
		}
		if _, dup := seen[ext]; dup {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	return out
}
