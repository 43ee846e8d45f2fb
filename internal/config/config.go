package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the chapoco daemon.
type Config struct {
	// Capture sweep
	CaptureDir    string `validate:"required"`
	ArchiveDir    string `validate:"required"`
	JournalDir    string `validate:"required"`
	WarmStart     bool
	DryRun        bool
	SettleSeconds int `validate:"min=0"`

	// mitmdump conversion
	ConverterBinary      string `validate:"required"`
	ConverterInitialMS   int    `validate:"min=1"`
	ConverterIdleMS      int    `validate:"min=1"`
	ConverterKillAfterMS int    `validate:"min=1"`

	// Upstream API
	APIBaseURL    string `validate:"required,url"`
	OriginPattern string `validate:"required"`
	TokenHeader   string `validate:"required"`

	// Schedules
	RefreshIntervalSeconds int `validate:"min=1"`
	LiveIntervalSeconds    int `validate:"min=1"`
	AuthIntervalSeconds    int `validate:"min=1"`

	// Notifications
	ViewURLTemplate   string
	PushoverEnabled   bool
	PushoverAppToken  string `validate:"required_if=PushoverEnabled true"`
	PushoverUserToken string `validate:"required_if=PushoverEnabled true"`
	NTFYEndpoint      string `validate:"omitempty,url"`

	// Status API
	BindAddr         string   `validate:"required,hostname_port"`
	PortCandidates   []string `validate:"dive,hostname_port"`
	PortAutoFallback bool

	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string

	// Optional browser feed
	CDPURL       string `validate:"omitempty,url"`
	CDPTabFilter string

	// Local browser for the feed
	BrowserLaunch     bool
	BrowserBinary     string
	BrowserDebugAddr  string `validate:"omitempty,hostname_port"`
	BrowserProfileDir string
	BrowserStartURL   string `validate:"omitempty,url"`
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CaptureDir:    getEnvOrDefault("CHAPOCO_CAPTURE_DIR", "./flows"),
		ArchiveDir:    getEnvOrDefault("CHAPOCO_ARCHIVE_DIR", "./archive"),
		JournalDir:    getEnvOrDefault("CHAPOCO_JOURNAL_DIR", "./data"),
		WarmStart:     getEnvBoolOrDefault("CHAPOCO_WARM_START", true),
		DryRun:        getEnvBoolOrDefault("CHAPOCO_DRY_RUN", false),
		SettleSeconds: getEnvIntOrDefault("CHAPOCO_CAPTURE_SETTLE_SECONDS", 0),

		ConverterBinary:      getEnvOrDefault("CHAPOCO_CONVERTER_BINARY", "mitmdump"),
		ConverterInitialMS:   getEnvIntOrDefault("CHAPOCO_CONVERTER_INITIAL_WAIT_MS", 2500),
		ConverterIdleMS:      getEnvIntOrDefault("CHAPOCO_CONVERTER_IDLE_MS", 150),
		ConverterKillAfterMS: getEnvIntOrDefault("CHAPOCO_CONVERTER_KILL_AFTER_MS", 10000),

		APIBaseURL:    getEnvOrDefault("CHAPOCO_API_BASE_URL", "https://api.pococha.com"),
		OriginPattern: getEnvOrDefault("CHAPOCO_API_ORIGIN_PATTERN", `^https?://api\.pococha\.com`),
		TokenHeader:   getEnvOrDefault("CHAPOCO_TOKEN_HEADER", "x-pokota-token"),

		RefreshIntervalSeconds: getEnvIntOrDefault("CHAPOCO_REFRESH_INTERVAL_SECONDS", 60),
		LiveIntervalSeconds:    getEnvIntOrDefault("CHAPOCO_LIVE_INTERVAL_SECONDS", 60),
		AuthIntervalSeconds:    getEnvIntOrDefault("CHAPOCO_AUTH_INTERVAL_SECONDS", 60),

		ViewURLTemplate:   os.Getenv("CHAPOCO_VIEW_URL_TEMPLATE"),
		PushoverEnabled:   getEnvBoolOrDefault("CHAPOCO_PUSHOVER_ENABLED", false),
		PushoverAppToken:  os.Getenv("CHAPOCO_PUSHOVER_APP_TOKEN"),
		PushoverUserToken: os.Getenv("CHAPOCO_PUSHOVER_USER_TOKEN"),
		NTFYEndpoint:      os.Getenv("CHAPOCO_NTFY_ENDPOINT"),

		BindAddr:         getEnvOrDefault("CHAPOCO_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("CHAPOCO_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback: getEnvBoolOrDefault("CHAPOCO_PORT_AUTO_FALLBACK", true),

		LogLevel: strings.ToLower(getEnvOrDefault("CHAPOCO_LOG_LEVEL", "info")),
		LogFile:  getEnvOrDefault("CHAPOCO_LOG_FILE", "logs/chapoco.log"),

		CDPURL:       os.Getenv("CHAPOCO_CDP_URL"),
		CDPTabFilter: getEnvOrDefault("CHAPOCO_CDP_TAB_FILTER", "pococha.com"),

		BrowserLaunch:     getEnvBoolOrDefault("CHAPOCO_BROWSER_LAUNCH", false),
		BrowserBinary:     os.Getenv("CHAPOCO_BROWSER_BINARY"),
		BrowserDebugAddr:  getEnvOrDefault("CHAPOCO_BROWSER_DEBUG_ADDR", "127.0.0.1:9222"),
		BrowserProfileDir: getEnvOrDefault("CHAPOCO_BROWSER_PROFILE_DIR", "./browser-profile"),
		BrowserStartURL:   getEnvOrDefault("CHAPOCO_BROWSER_START_URL", "https://pococha.com"),
	}
	// a launched browser is what the feed attaches to
	if cfg.BrowserLaunch && cfg.CDPURL == "" {
		cfg.CDPURL = "http://" + cfg.BrowserDebugAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and that the origin pattern compiles.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := regexp.Compile(c.OriginPattern); err != nil {
		return fmt.Errorf("invalid config: CHAPOCO_API_ORIGIN_PATTERN: %w", err)
	}
	return nil
}

// Origin returns the compiled API origin pattern.
func (c *Config) Origin() *regexp.Regexp {
	return regexp.MustCompile(c.OriginPattern)
}

func (c *Config) ConverterInitialWait() time.Duration {
	return time.Duration(c.ConverterInitialMS) * time.Millisecond
}

func (c *Config) ConverterIdleWait() time.Duration {
	return time.Duration(c.ConverterIdleMS) * time.Millisecond
}

func (c *Config) ConverterKillAfter() time.Duration {
	return time.Duration(c.ConverterKillAfterMS) * time.Millisecond
}

func (c *Config) Settle() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

func (c *Config) LiveInterval() time.Duration {
	return time.Duration(c.LiveIntervalSeconds) * time.Second
}

func (c *Config) AuthInterval() time.Duration {
	return time.Duration(c.AuthIntervalSeconds) * time.Second
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
