package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Engine    EngineConfig
	Browser   BrowserConfig
	Proxy     ProxyConfig
	Cache     CacheConfig
	Selectors SelectorConfig
	Output    OutputConfig
	Events    EventsConfig
	Status    StatusConfig
	Logging   LoggingConfig
}

// EngineConfig holds credentials for the page-understanding capability used
// for model-driven extraction and selector observation.
type EngineConfig struct {
	Endpoint        string
	APIKey          string
	ExtractTimeout  time.Duration
	ObserveTimeout  time.Duration
	DOMSettleMillis int
}

type BrowserConfig struct {
	Headless        bool
	NavigateTimeout time.Duration
	LocatorTimeout  time.Duration
	UserAgent       string
	ViewportWidth   int
	ViewportHeight  int
	Locale          string
	TimezoneID      string
	BlockImages     *bool
	BlockStyles     bool
	BlockScripts    bool
}

type ProxyConfig struct {
	Server   string
	Username string
	Password string
}

type CacheConfig struct {
	ResultFreshness   time.Duration
	SnapshotFreshness time.Duration
	ResultCacheSize   int
}

type SelectorConfig struct {
	StorePath   string
	MaxPerField int
}

type OutputConfig struct {
	Dir            string
	RotateAt       int
	LedgerDir      string
	BaselineDBPath string

	// Exclude lists URL path fragments dropped during input normalization.
	Exclude []string
}

type EventsConfig struct {
	RedisAddr string
	Stream    string
}

type StatusConfig struct {
	Addr string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			Endpoint:        getEnvOrDefault("ENGINE_ENDPOINT", ""),
			APIKey:          getEnvOrDefault("ENGINE_API_KEY", ""),
			ExtractTimeout:  getDurationOrDefault("ENGINE_EXTRACT_TIMEOUT", 60*time.Second),
			ObserveTimeout:  getDurationOrDefault("ENGINE_OBSERVE_TIMEOUT", 15*time.Second),
			DOMSettleMillis: getIntOrDefault("ENGINE_DOM_SETTLE_MS", 3000),
		},
		Browser: BrowserConfig{
			Headless:        getBoolOrDefault("BROWSER_HEADLESS", true),
			NavigateTimeout: getDurationOrDefault("BROWSER_NAVIGATE_TIMEOUT", 45*time.Second),
			LocatorTimeout:  getDurationOrDefault("BROWSER_LOCATOR_TIMEOUT", 5*time.Second),
			UserAgent:       getEnvOrDefault("BROWSER_USER_AGENT", defaultUserAgent),
			ViewportWidth:   getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight:  getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			Locale:          getEnvOrDefault("BROWSER_LOCALE", "en-GB"),
			TimezoneID:      getEnvOrDefault("BROWSER_TIMEZONE", "Europe/London"),
			BlockImages:     getBoolPtr("BROWSER_BLOCK_IMAGES"),
			BlockStyles:     getBoolOrDefault("BROWSER_BLOCK_STYLES", false),
			BlockScripts:    getBoolOrDefault("BROWSER_BLOCK_SCRIPTS", false),
		},
		Proxy: ProxyConfig{
			Server:   getEnvOrDefault("PROXY_SERVER", ""),
			Username: getEnvOrDefault("PROXY_USERNAME", ""),
			Password: getEnvOrDefault("PROXY_PASSWORD", ""),
		},
		Cache: CacheConfig{
			ResultFreshness:   getDurationOrDefault("CACHE_RESULT_FRESHNESS", 24*time.Hour),
			SnapshotFreshness: getDurationOrDefault("CACHE_SNAPSHOT_FRESHNESS", 24*time.Hour),
			ResultCacheSize:   getIntOrDefault("CACHE_RESULT_SIZE", 4096),
		},
		Selectors: SelectorConfig{
			StorePath:   getEnvOrDefault("SELECTOR_STORE_PATH", "data/selectors.json"),
			MaxPerField: getIntOrDefault("SELECTOR_MAX_PER_FIELD", 6),
		},
		Output: OutputConfig{
			Dir:            getEnvOrDefault("OUTPUT_DIR", "data/output"),
			RotateAt:       getIntOrDefault("OUTPUT_ROTATE_AT", 10000),
			LedgerDir:      getEnvOrDefault("LEDGER_DIR", "data/ledgers"),
			BaselineDBPath: getEnvOrDefault("BASELINE_DB_PATH", "data/baseline.db"),
			Exclude:        getStringSliceOrDefault("EXCLUDE_PATTERNS", nil),
		},
		Events: EventsConfig{
			RedisAddr: getEnvOrDefault("REDIS_ADDR", ""),
			Stream:    getEnvOrDefault("REDIS_STREAM", "stream:product_extracted"),
		},
		Status: StatusConfig{
			Addr: getEnvOrDefault("STATUS_ADDR", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Engine.Endpoint == "" {
		return fmt.Errorf("ENGINE_ENDPOINT is required")
	}
	if c.Engine.APIKey == "" {
		return fmt.Errorf("ENGINE_API_KEY is required")
	}
	if c.Selectors.MaxPerField < 1 {
		return fmt.Errorf("SELECTOR_MAX_PER_FIELD must be at least 1")
	}
	if c.Output.RotateAt < 1 {
		return fmt.Errorf("OUTPUT_ROTATE_AT must be at least 1")
	}
	return nil
}

// BlockImagesEffective resolves the image-blocking policy: explicit env value
// wins, otherwise images are blocked whenever a proxy is active to keep
// bandwidth cost down.
func (c *Config) BlockImagesEffective(proxyActive bool) bool {
	if c.Browser.BlockImages != nil {
		return *c.Browser.BlockImages
	}
	return proxyActive
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getBoolPtr(key string) *bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return &b
		}
	}
	return nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
