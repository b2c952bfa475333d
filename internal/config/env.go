// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Paths
	DataDir        string
	CatalogPath    string
	PoolConfigPath string

	// Network
	ListenAddress string
	Port          int
	NetworkProxy  string

	// Crawl
	FetchTimeout     time.Duration
	FeedTimeout      time.Duration
	MaxConcurrent    int
	AntiDetection    bool
	GlobalDelayMin   time.Duration
	GlobalDelayMax   time.Duration
	DomainDelayMin   time.Duration
	DomainDelayMax   time.Duration
	FetchWindow      time.Duration
	IngestSchedule   string
	ExtractCacheSize int
	ExtractCacheTTL  time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. A dotenv file in the working directory is merged first, without
// overriding variables already set on the process.
func LoadEnvConfig() (*EnvConfig, error) {
	// Missing .env is the normal case; only report real read failures.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &EnvConfig{}
	var errs []string

	// --- Paths ---
	cfg.DataDir = envStr("DRIFTLINE_DATA_DIR", "data")
	cfg.CatalogPath = envStr("SQLITE_URL", "data/catalog.db")
	cfg.PoolConfigPath = envStr("DRIFTLINE_POOL_CONFIG", "config/llm_pools.yaml")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("DRIFTLINE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("DRIFTLINE_PORT", 8080, &errs)
	cfg.NetworkProxy = strings.TrimSpace(envStr("NETWORK_PROXY", ""))

	// --- Crawl ---
	cfg.FetchTimeout = envDuration("DRIFTLINE_FETCH_TIMEOUT", 30*time.Second, &errs)
	cfg.FeedTimeout = envDuration("DRIFTLINE_FEED_TIMEOUT", 10*time.Second, &errs)
	cfg.MaxConcurrent = envInt("DRIFTLINE_MAX_CONCURRENT", 5, &errs)
	cfg.AntiDetection = envBool("DRIFTLINE_ANTI_DETECTION", true, &errs)
	cfg.GlobalDelayMin = envDuration("DRIFTLINE_GLOBAL_DELAY_MIN", 1*time.Second, &errs)
	cfg.GlobalDelayMax = envDuration("DRIFTLINE_GLOBAL_DELAY_MAX", 3*time.Second, &errs)
	cfg.DomainDelayMin = envDuration("DRIFTLINE_DOMAIN_DELAY_MIN", 3*time.Second, &errs)
	cfg.DomainDelayMax = envDuration("DRIFTLINE_DOMAIN_DELAY_MAX", 8*time.Second, &errs)
	cfg.FetchWindow = envDuration("DRIFTLINE_FETCH_WINDOW", 7*24*time.Hour, &errs)
	cfg.IngestSchedule = envStr("DRIFTLINE_INGEST_SCHEDULE", "@every 2h")
	cfg.ExtractCacheSize = envInt("DRIFTLINE_EXTRACT_CACHE_SIZE", 1024, &errs)
	cfg.ExtractCacheTTL = envDuration("DRIFTLINE_EXTRACT_CACHE_TTL", 30*time.Minute, &errs)

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "DRIFTLINE_LISTEN_ADDRESS must not be empty")
	}
	validatePort("DRIFTLINE_PORT", cfg.Port, &errs)
	validatePositive("DRIFTLINE_MAX_CONCURRENT", cfg.MaxConcurrent, &errs)
	validatePositive("DRIFTLINE_EXTRACT_CACHE_SIZE", cfg.ExtractCacheSize, &errs)
	if cfg.FetchTimeout <= 0 {
		errs = append(errs, "DRIFTLINE_FETCH_TIMEOUT must be positive")
	}
	if cfg.FeedTimeout <= 0 {
		errs = append(errs, "DRIFTLINE_FEED_TIMEOUT must be positive")
	}
	if cfg.FetchWindow <= 0 {
		errs = append(errs, "DRIFTLINE_FETCH_WINDOW must be positive")
	}
	if cfg.GlobalDelayMin < 0 || cfg.GlobalDelayMax < cfg.GlobalDelayMin {
		errs = append(errs, "DRIFTLINE_GLOBAL_DELAY_MIN/MAX must satisfy 0 <= min <= max")
	}
	if cfg.DomainDelayMin < 0 || cfg.DomainDelayMax < cfg.DomainDelayMin {
		errs = append(errs, "DRIFTLINE_DOMAIN_DELAY_MIN/MAX must satisfy 0 <= min <= max")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
