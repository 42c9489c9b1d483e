package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duplicate policies applied by the merge phase
const (
	DuplicatePolicyDedup = "dedup"
	DuplicatePolicyWarn  = "warn"
	DuplicatePolicyFail  = "fail"
)

// Config represents the application configuration
type Config struct {
	// Target site
	BaseURL   string
	StartPath string

	// Request cadence
	RequestDelay   time.Duration
	RequestTimeout time.Duration
	MaxPages       int

	// Enrichment
	BlockSize     int
	EnrichWorkers int

	// Output files
	OutputDir       string
	RawFile         string
	MergedFile      string
	DuplicatePolicy string
	ReuseRaw        bool

	// Memcache configuration (rate-limit block)
	MemcacheAddr   string
	RateLimitBlock time.Duration

	// Redis configuration
	RedisAddr            string
	RedisDB              int
	RedisStream          string
	RedisStreamCount     int
	RedisStreamMaxLength int

	// PostgreSQL configuration
	PostgresDSN string

	// Environment
	Environment string
}

// LoadConfig loads the configuration from environment variables with defaults
func LoadConfig() *Config {
	return &Config{
		BaseURL:              strings.TrimRight(getEnv("BASE_URL", "https://www.autocasion.com"), "/"),
		StartPath:            getEnv("START_PATH", "/coches-ocasion"),
		RequestDelay:         time.Duration(getEnvInt("REQUEST_DELAY_MS", 200)) * time.Millisecond,
		RequestTimeout:       time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxPages:             getEnvInt("MAX_PAGES", 5000),
		BlockSize:            getEnvInt("BLOCK_SIZE", 1000),
		EnrichWorkers:        getEnvInt("ENRICH_WORKERS", 1),
		OutputDir:            getEnv("OUTPUT_DIR", "."),
		RawFile:              getEnv("RAW_FILE", "datos.json"),
		MergedFile:           getEnv("MERGED_FILE", "anuncios_unificados.csv"),
		DuplicatePolicy:      strings.ToLower(getEnv("MERGE_DUPLICATE_POLICY", DuplicatePolicyDedup)),
		ReuseRaw:             getEnvBool("REUSE_RAW", false),
		MemcacheAddr:         getEnv("MEMCACHE_ADDR", ""),
		RateLimitBlock:       time.Duration(getEnvInt("RATE_LIMIT_BLOCK_SECONDS", 500)) * time.Second,
		RedisAddr:            getEnv("REDIS_ADDR", ""),
		RedisDB:              getEnvInt("REDIS_DB", 0),
		RedisStream:          getEnv("REDIS_STREAM", "listings"),
		RedisStreamCount:     getEnvInt("REDIS_STREAM_COUNT", 1),
		RedisStreamMaxLength: getEnvInt("REDIS_STREAM_MAX_LENGTH", 10000),
		PostgresDSN:          getEnv("POSTGRES_DSN", ""),
		Environment:          getEnv("SCRAPER_ENVIRONMENT", "development"),
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("BASE_URL must not be empty")
	}
	if !strings.HasPrefix(c.StartPath, "/") {
		return fmt.Errorf("START_PATH must start with '/', got %q", c.StartPath)
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("REQUEST_DELAY_MS must not be negative")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("MAX_PAGES must be positive, got %d", c.MaxPages)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("BLOCK_SIZE must be positive, got %d", c.BlockSize)
	}
	if c.EnrichWorkers <= 0 {
		return fmt.Errorf("ENRICH_WORKERS must be positive, got %d", c.EnrichWorkers)
	}
	switch c.DuplicatePolicy {
	case DuplicatePolicyDedup, DuplicatePolicyWarn, DuplicatePolicyFail:
	default:
		return fmt.Errorf("unknown MERGE_DUPLICATE_POLICY %q", c.DuplicatePolicy)
	}
	if c.RedisAddr != "" && c.RedisStreamCount <= 0 {
		return fmt.Errorf("REDIS_STREAM_COUNT must be positive, got %d", c.RedisStreamCount)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return b
}
