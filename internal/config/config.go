package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// secretService is the keychain service under which secrets are stored.
const secretService = "prospector"

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Scheduler SchedulerConfig
	Engine    EngineConfig
	Detection DetectionConfig
	Scrape    ScrapeConfig
	Browser   BrowserConfig
	LLM       LLMConfig
	Quota     QuotaConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type EngineConfig struct {
	ItemDelay         time.Duration
	MaxConcurrentJobs int
}

type DetectionConfig struct {
	MinConfidence   string
	SectionWindow   int
	StrategyTimeout time.Duration
}

type ScrapeConfig struct {
	BaseURL string
	APIKey  string
	WaitMS  int
	Timeout time.Duration
	RPS     float64
}

type BrowserConfig struct {
	Enabled  bool
	ExecPath string
	Timeout  time.Duration
	FillForm bool
}

type LLMConfig struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// QuotaConfig holds per-service call budgets. Zero blocks the service.
type QuotaConfig struct {
	ScrapeHourly  int
	ScrapeDaily   int
	BrowserHourly int
	LLMHourly     int
	LLMDaily      int
}

func defaults() Config {
	return Config{
		Server:    ServerConfig{Port: 4100},
		Storage:   StorageConfig{DataDir: defaultDataDir()},
		Log:       LogConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{Enabled: true, Interval: 60 * time.Second},
		Engine:    EngineConfig{ItemDelay: time.Second, MaxConcurrentJobs: 4},
		Detection: DetectionConfig{
			MinConfidence:   "low",
			SectionWindow:   40,
			StrategyTimeout: 90 * time.Second,
		},
		Scrape: ScrapeConfig{
			BaseURL: "https://app.scrapingbee.com/api/v1",
			WaitMS:  3000,
			Timeout: 30 * time.Second,
			RPS:     2,
		},
		Browser: BrowserConfig{
			Enabled:  true,
			Timeout:  45 * time.Second,
			FillForm: true,
		},
		LLM: LLMConfig{
			Provider: "openrouter",
			Model:    "openai/gpt-4o-mini",
			Timeout:  30 * time.Second,
		},
		Quota: QuotaConfig{
			ScrapeHourly:  200,
			ScrapeDaily:   2000,
			BrowserHourly: 60,
			LLMHourly:     100,
			LLMDaily:      1000,
		},
	}
}

// Load reads configuration from config.yaml, an optional .env file,
// environment variables, and the platform secret store.
//
// config.yaml lives in $XDG_CONFIG_HOME/prospector (macOS: Application
// Support/prospector). Secrets come from the macOS Keychain, or from
// secrets.yaml in the data dir elsewhere.
//
// Environment variables (PROSPECTOR_*) override backend values on all
// platforms. The .env file (PROSPECTOR_ENV_FILE, default ./.env) never
// overrides variables already set in the environment.
func Load() (Config, error) {
	if err := loadDotEnv(os.Getenv("PROSPECTOR_ENV_FILE")); err != nil {
		return Config{}, err
	}
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("loading env file %s: %w", path, err)
}

// Keychain abstracts secret storage for testing.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets absent from the environment come from the platform store.
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q (want debug, info, warn or error)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q (want text or json)", c.Log.Format)
	}
	switch c.LLM.Provider {
	case "openrouter", "openai", "ollama":
	default:
		return fmt.Errorf("invalid llm.provider %q (want openrouter, openai or ollama)", c.LLM.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Engine.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("engine.max_concurrent_jobs must be positive")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	q := c.Quota
	if q.ScrapeHourly < 0 || q.ScrapeDaily < 0 || q.BrowserHourly < 0 || q.LLMHourly < 0 || q.LLMDaily < 0 {
		return fmt.Errorf("quota limits must not be negative")
	}
	return nil
}

// keychainReader stores secrets in the platform keychain.
type keychainReader struct{}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return keychainReader{}
}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainReader) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
