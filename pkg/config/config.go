package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Memory    MemoryConfig    `json:"memory"`
	Cleanup   CleanupConfig   `json:"cleanup"`
	Context   ContextConfig   `json:"context"`
	Providers ProvidersConfig `json:"providers"`
	mu        sync.RWMutex
}

// MemoryConfig controls the tiered store location and protection rules.
type MemoryConfig struct {
	DataDir              string `json:"data_dir" env:"CROWDMEM_MEMORY_DATA_DIR"`
	ProtectionWindowDays int    `json:"protection_window_days" env:"CROWDMEM_MEMORY_PROTECTION_WINDOW_DAYS"`
	MinRetentionScore    int    `json:"min_retention_score" env:"CROWDMEM_MEMORY_MIN_RETENTION_SCORE"`
}

// CleanupConfig controls the scheduler's time and size triggers.
type CleanupConfig struct {
	CronExpr             string  `json:"cron_expr" env:"CROWDMEM_CLEANUP_CRON_EXPR"`
	SoftTrimAfterDays    int     `json:"soft_trim_after_days" env:"CROWDMEM_CLEANUP_SOFT_TRIM_AFTER_DAYS"`
	WeeklyAfterDays      int     `json:"weekly_after_days" env:"CROWDMEM_CLEANUP_WEEKLY_AFTER_DAYS"`
	MonthlyAfterDays     int     `json:"monthly_after_days" env:"CROWDMEM_CLEANUP_MONTHLY_AFTER_DAYS"`
	CompressAfterDays    int     `json:"compress_after_days" env:"CROWDMEM_CLEANUP_COMPRESS_AFTER_DAYS"`
	YearlyAfterDays      int     `json:"yearly_after_days" env:"CROWDMEM_CLEANUP_YEARLY_AFTER_DAYS"`
	DailyTierCeilingMB   float64 `json:"daily_tier_ceiling_mb" env:"CROWDMEM_CLEANUP_DAILY_TIER_CEILING_MB"`
	TotalCeilingMB       float64 `json:"total_ceiling_mb" env:"CROWDMEM_CLEANUP_TOTAL_CEILING_MB"`
	Workers              int     `json:"workers" env:"CROWDMEM_CLEANUP_WORKERS"`
	OracleCallsPerSecond float64 `json:"oracle_calls_per_second" env:"CROWDMEM_CLEANUP_ORACLE_CALLS_PER_SECOND"`
}

// ContextConfig controls context-load budgets and timeouts.
type ContextConfig struct {
	ModelContextTokens int     `json:"model_context_tokens" env:"CROWDMEM_CONTEXT_MODEL_CONTEXT_TOKENS"`
	MemoryFraction     float64 `json:"memory_fraction" env:"CROWDMEM_CONTEXT_MEMORY_FRACTION"`
	RecentDailyBuckets int     `json:"recent_daily_buckets" env:"CROWDMEM_CONTEXT_RECENT_DAILY_BUCKETS"`
	RankTimeoutSeconds int     `json:"rank_timeout_seconds" env:"CROWDMEM_CONTEXT_RANK_TIMEOUT_SECONDS"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig  `json:"openrouter"`
	Anthropic  AnthropicConfig `json:"anthropic"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"CROWDMEM_PROVIDERS_OPENROUTER_API_KEY"`
	APIBase string `json:"api_base" env:"CROWDMEM_PROVIDERS_OPENROUTER_API_BASE"`
	Model   string `json:"model" env:"CROWDMEM_PROVIDERS_OPENROUTER_MODEL"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" env:"CROWDMEM_PROVIDERS_ANTHROPIC_API_KEY"`
	Model  string `json:"model" env:"CROWDMEM_PROVIDERS_ANTHROPIC_MODEL"`
}

func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			DataDir:              "~/.crowdmem/data",
			ProtectionWindowDays: 7,
			MinRetentionScore:    2,
		},
		Cleanup: CleanupConfig{
			CronExpr:             "0 4 * * *",
			SoftTrimAfterDays:    1,
			WeeklyAfterDays:      7,
			MonthlyAfterDays:     30,
			CompressAfterDays:    90,
			YearlyAfterDays:      365,
			DailyTierCeilingMB:   20,
			TotalCeilingMB:       100,
			Workers:              4,
			OracleCallsPerSecond: 2,
		},
		Context: ContextConfig{
			ModelContextTokens: 128000,
			MemoryFraction:     0.5,
			RecentDailyBuckets: 3,
			RankTimeoutSeconds: 5,
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{
				Model: "openai/gpt-5.2",
			},
			Anthropic: AnthropicConfig{},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DataDirPath returns the user-data directory with ~ expanded.
func (c *Config) DataDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Memory.DataDir)
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers.OpenRouter.APIKey
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.OpenRouter.APIBase != "" {
		return c.Providers.OpenRouter.APIBase
	}
	return "https://openrouter.ai/api/v1"
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}

// DefaultConfigPath returns the config file location, honoring CROWDMEM_CONFIG.
func DefaultConfigPath() string {
	if p := os.Getenv("CROWDMEM_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".crowdmem", "config.json")
}
