package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // keychain account of a secret
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PROSPECTOR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PROSPECTOR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "PROSPECTOR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "PROSPECTOR_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "scheduler.enabled", typ: kBool, env: "PROSPECTOR_SCHEDULER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scheduler.Enabled },
	},
	{
		key: "scheduler.interval", typ: kDuration, env: "PROSPECTOR_SCHEDULER_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scheduler.Interval },
	},
	{
		key: "engine.item_delay", typ: kDuration, env: "PROSPECTOR_ENGINE_ITEM_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Engine.ItemDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.ItemDelay },
	},
	{
		key: "engine.max_concurrent_jobs", typ: kInt, env: "PROSPECTOR_ENGINE_MAX_CONCURRENT_JOBS",
		apply:   func(cfg *Config, v any) { cfg.Engine.MaxConcurrentJobs = v.(int) },
		extract: func(cfg Config) any { return cfg.Engine.MaxConcurrentJobs },
	},
	{
		key: "detection.min_confidence", typ: kString, env: "PROSPECTOR_DETECTION_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Detection.MinConfidence = v.(string) },
		extract: func(cfg Config) any { return cfg.Detection.MinConfidence },
	},
	{
		key: "detection.section_window", typ: kInt, env: "PROSPECTOR_DETECTION_SECTION_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Detection.SectionWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Detection.SectionWindow },
	},
	{
		key: "detection.strategy_timeout", typ: kDuration, env: "PROSPECTOR_DETECTION_STRATEGY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Detection.StrategyTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Detection.StrategyTimeout },
	},
	{
		key: "scrape.base_url", typ: kString, env: "PROSPECTOR_SCRAPE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Scrape.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Scrape.BaseURL },
	},
	{
		key: "scrape.api_key", typ: kString, env: "PROSPECTOR_SCRAPE_API_KEY",
		secret: true, account: "scrape_api_key",
		apply:   func(cfg *Config, v any) { cfg.Scrape.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Scrape.APIKey },
	},
	{
		key: "scrape.wait_ms", typ: kInt, env: "PROSPECTOR_SCRAPE_WAIT_MS",
		apply:   func(cfg *Config, v any) { cfg.Scrape.WaitMS = v.(int) },
		extract: func(cfg Config) any { return cfg.Scrape.WaitMS },
	},
	{
		key: "scrape.timeout", typ: kDuration, env: "PROSPECTOR_SCRAPE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Scrape.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scrape.Timeout },
	},
	{
		key: "scrape.rps", typ: kFloat, env: "PROSPECTOR_SCRAPE_RPS",
		apply:   func(cfg *Config, v any) { cfg.Scrape.RPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Scrape.RPS },
	},
	{
		key: "browser.enabled", typ: kBool, env: "PROSPECTOR_BROWSER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Browser.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Browser.Enabled },
	},
	{
		key: "browser.exec_path", typ: kString, env: "PROSPECTOR_BROWSER_EXEC_PATH",
		apply:   func(cfg *Config, v any) { cfg.Browser.ExecPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.ExecPath },
	},
	{
		key: "browser.timeout", typ: kDuration, env: "PROSPECTOR_BROWSER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Browser.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Browser.Timeout },
	},
	{
		key: "browser.fill_form", typ: kBool, env: "PROSPECTOR_BROWSER_FILL_FORM",
		apply:   func(cfg *Config, v any) { cfg.Browser.FillForm = v.(bool) },
		extract: func(cfg Config) any { return cfg.Browser.FillForm },
	},
	{
		key: "llm.provider", typ: kString, env: "PROSPECTOR_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "PROSPECTOR_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "PROSPECTOR_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.api_key", typ: kString, env: "PROSPECTOR_LLM_API_KEY",
		secret: true, account: "llm_api_key",
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "PROSPECTOR_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "quota.scrape.hourly", typ: kInt, env: "PROSPECTOR_QUOTA_SCRAPE_HOURLY",
		apply:   func(cfg *Config, v any) { cfg.Quota.ScrapeHourly = v.(int) },
		extract: func(cfg Config) any { return cfg.Quota.ScrapeHourly },
	},
	{
		key: "quota.scrape.daily", typ: kInt, env: "PROSPECTOR_QUOTA_SCRAPE_DAILY",
		apply:   func(cfg *Config, v any) { cfg.Quota.ScrapeDaily = v.(int) },
		extract: func(cfg Config) any { return cfg.Quota.ScrapeDaily },
	},
	{
		key: "quota.browser.hourly", typ: kInt, env: "PROSPECTOR_QUOTA_BROWSER_HOURLY",
		apply:   func(cfg *Config, v any) { cfg.Quota.BrowserHourly = v.(int) },
		extract: func(cfg Config) any { return cfg.Quota.BrowserHourly },
	},
	{
		key: "quota.llm.hourly", typ: kInt, env: "PROSPECTOR_QUOTA_LLM_HOURLY",
		apply:   func(cfg *Config, v any) { cfg.Quota.LLMHourly = v.(int) },
		extract: func(cfg Config) any { return cfg.Quota.LLMHourly },
	},
	{
		key: "quota.llm.daily", typ: kInt, env: "PROSPECTOR_QUOTA_LLM_DAILY",
		apply:   func(cfg *Config, v any) { cfg.Quota.LLMDaily = v.(int) },
		extract: func(cfg Config) any { return cfg.Quota.LLMDaily },
	},
}

// parseValue converts a raw string to the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
