package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultGatewayURL is the websocket endpoint bot services dial.
	DefaultGatewayURL = "wss://gateway.example.gg/?v=7&encoding=json"
	// DefaultConnectInterval drives the reconnect ticker for each service.
	DefaultConnectInterval = 3 * time.Second

	// DefaultAPIBase is the REST endpoint command handlers post through.
	DefaultAPIBase = "https://api.example.gg/api/v7"
	// DefaultPriceURL serves the BTC/USD quote for $price.
	DefaultPriceURL = "https://quotes.example.com/v2/ticker/btcusd/"
	// DefaultSearchURL is the text search endpoint for $search; the query is
	// appended URL-encoded.
	DefaultSearchURL = "https://lookup.example.com/search?q="

	// DefaultFlushInterval controls how often the completed archive is considered for flushing.
	DefaultFlushInterval = time.Minute
	// DefaultFlushThreshold is the completed-event count that triggers a shard append.
	DefaultFlushThreshold = 10

	// DefaultShardMaxAgeDays controls when day shards become eligible for compaction.
	DefaultShardMaxAgeDays = 7
	// DefaultShardCompress toggles zstd compaction of aged day shards.
	DefaultShardCompress = true

	// DefaultLogLevel controls verbosity for botd logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "botd.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the bot runner.
type Config struct {
	GatewayURL      string
	APIBase         string
	PriceURL        string
	SearchURL       string
	DataDir         string
	RosterPath      string
	Workers         int
	ConnectInterval time.Duration
	FlushInterval   time.Duration
	FlushThreshold  int
	ShardMaxAgeDays int
	ShardCompress   bool
	Logging         LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the runner configuration from environment variables, applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		GatewayURL:      getString("BOTD_GATEWAY_URL", DefaultGatewayURL),
		APIBase:         getString("BOTD_API_BASE", DefaultAPIBase),
		PriceURL:        getString("BOTD_PRICE_URL", DefaultPriceURL),
		SearchURL:       getString("BOTD_SEARCH_URL", DefaultSearchURL),
		DataDir:         strings.TrimSpace(getString("BOTD_DATA_DIR", defaultDataDir())),
		RosterPath:      strings.TrimSpace(os.Getenv("BOTD_ROSTER_PATH")),
		ConnectInterval: DefaultConnectInterval,
		FlushInterval:   DefaultFlushInterval,
		FlushThreshold:  DefaultFlushThreshold,
		ShardMaxAgeDays: DefaultShardMaxAgeDays,
		ShardCompress:   DefaultShardCompress,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("BOTD_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("BOTD_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}
	if cfg.RosterPath == "" {
		cfg.RosterPath = filepath.Join(cfg.DataDir, "bots.json")
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("BOTD_WORKERS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BOTD_WORKERS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Workers = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BOTD_CONNECT_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("BOTD_CONNECT_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.ConnectInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BOTD_FLUSH_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("BOTD_FLUSH_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.FlushInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BOTD_FLUSH_THRESHOLD")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BOTD_FLUSH_THRESHOLD must be a positive integer, got %q", raw))
		} else {
			cfg.FlushThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BOTD_SHARD_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BOTD_SHARD_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.ShardMaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BOTD_SHARD_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("BOTD_SHARD_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.ShardCompress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BOTD_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BOTD_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BOTD_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BOTD_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BOTD_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BOTD_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BOTD_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("BOTD_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "botd-data"
	}
	return filepath.Join(home, ".local", "share", "botd")
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
