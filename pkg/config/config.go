package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Presence  PresenceConfig  `json:"presence"`
	Proactive ProactiveConfig `json:"proactive"`
	Impulse   ImpulseConfig   `json:"impulse"`
	Decay     DecayConfig     `json:"decay"`
	Journal   JournalConfig   `json:"journal"`
	mu        sync.RWMutex
}

type AgentConfig struct {
	Name         string  `json:"name" env:"PRESENCED_AGENT_NAME"`
	Provider     string  `json:"provider" env:"PRESENCED_AGENT_PROVIDER"`
	Model        string  `json:"model" env:"PRESENCED_AGENT_MODEL"`
	MaxTokens    int     `json:"max_tokens" env:"PRESENCED_AGENT_MAX_TOKENS"`
	Temperature  float64 `json:"temperature" env:"PRESENCED_AGENT_TEMPERATURE"`
	LLMTimeoutS  int     `json:"llm_timeout_seconds" env:"PRESENCED_AGENT_LLM_TIMEOUT_SECONDS"`
	SaveTimeoutS int     `json:"save_timeout_seconds" env:"PRESENCED_AGENT_SAVE_TIMEOUT_SECONDS"`
}

type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"PRESENCED_PROVIDERS_OPENROUTER_"`
	OpenAI     ProviderConfig `json:"openai" envPrefix:"PRESENCED_PROVIDERS_OPENAI_"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"API_KEY"`
	APIBase string `json:"api_base" env:"API_BASE"`
	Proxy   string `json:"proxy,omitempty" env:"PROXY"`
}

type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
}

type DiscordConfig struct {
	Token     string              `json:"token" env:"PRESENCED_CHANNELS_DISCORD_TOKEN"`
	ChannelID string              `json:"channel_id" env:"PRESENCED_CHANNELS_DISCORD_CHANNEL_ID"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"PRESENCED_CHANNELS_DISCORD_ALLOW_FROM"`
}

type SchedulerConfig struct {
	// Timezone for civil-day quota resets.
	Timezone string `json:"timezone" env:"PRESENCED_SCHEDULER_TIMEZONE"`
	DataDir  string `json:"data_dir" env:"PRESENCED_SCHEDULER_DATA_DIR"`
}

type PresenceConfig struct {
	MinIntervalMinutes int `json:"min_interval_minutes" env:"PRESENCED_PRESENCE_MIN_INTERVAL_MINUTES"`
	MaxIntervalMinutes int `json:"max_interval_minutes" env:"PRESENCED_PRESENCE_MAX_INTERVAL_MINUTES"`
	HistorySize        int `json:"history_size" env:"PRESENCED_PRESENCE_HISTORY_SIZE"`
}

type ProactiveConfig struct {
	DailyCap              int     `json:"daily_cap" env:"PRESENCED_PROACTIVE_DAILY_CAP"`
	MinCooldownHours      float64 `json:"min_cooldown_hours" env:"PRESENCED_PROACTIVE_MIN_COOLDOWN_HOURS"`
	CheckIntervalMinHours float64 `json:"check_interval_min_hours" env:"PRESENCED_PROACTIVE_CHECK_INTERVAL_MIN_HOURS"`
	CheckIntervalMaxHours float64 `json:"check_interval_max_hours" env:"PRESENCED_PROACTIVE_CHECK_INTERVAL_MAX_HOURS"`
}

type ImpulseConfig struct {
	BaseDailyCap int `json:"base_daily_cap" env:"PRESENCED_IMPULSE_BASE_DAILY_CAP"`
	MaxDailyCap  int `json:"max_daily_cap" env:"PRESENCED_IMPULSE_MAX_DAILY_CAP"`
}

// IntervalProfile is a (min,max) minutes window for one activity tier.
type IntervalProfile struct {
	MinMinutes int `json:"min_minutes"`
	MaxMinutes int `json:"max_minutes"`
}

type DecayConfig struct {
	AnalysisIntervalSeconds int             `json:"analysis_interval_seconds" env:"PRESENCED_DECAY_ANALYSIS_INTERVAL_SECONDS"`
	ActiveProfile           IntervalProfile `json:"active_profile"`
	ModerateProfile         IntervalProfile `json:"moderate_profile"`
	QuietProfile            IntervalProfile `json:"quiet_profile"`
}

type JournalConfig struct {
	Path            string `json:"path" env:"PRESENCED_JOURNAL_PATH"`
	RetentionDays   int    `json:"retention_days" env:"PRESENCED_JOURNAL_RETENTION_DAYS"`
	MaintenanceCron string `json:"maintenance_cron" env:"PRESENCED_JOURNAL_MAINTENANCE_CRON"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:         "presenced",
			Provider:     "openrouter",
			Model:        "openai/gpt-5.2",
			MaxTokens:    2048,
			Temperature:  0.8,
			LLMTimeoutS:  60,
			SaveTimeoutS: 30,
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{},
			OpenAI:     ProviderConfig{},
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Token:     "",
				ChannelID: "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Scheduler: SchedulerConfig{
			Timezone: "Europe/London",
			DataDir:  "~/.presenced/state",
		},
		Presence: PresenceConfig{
			MinIntervalMinutes: 2,
			MaxIntervalMinutes: 10,
			HistorySize:        10,
		},
		Proactive: ProactiveConfig{
			DailyCap:              3,
			MinCooldownHours:      2,
			CheckIntervalMinHours: 1,
			CheckIntervalMaxHours: 4,
		},
		Impulse: ImpulseConfig{
			BaseDailyCap: 3,
			MaxDailyCap:  5,
		},
		Decay: DecayConfig{
			AnalysisIntervalSeconds: 3600,
			ActiveProfile:           IntervalProfile{MinMinutes: 15, MaxMinutes: 30},
			ModerateProfile:         IntervalProfile{MinMinutes: 25, MaxMinutes: 50},
			QuietProfile:            IntervalProfile{MinMinutes: 45, MaxMinutes: 90},
		},
		Journal: JournalConfig{
			Path:            "~/.presenced/journal.db",
			RetentionDays:   90,
			MaintenanceCron: "0 4 * * *",
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

// Location resolves the configured civil-day timezone, falling back to
// UTC when the name does not load.
func (c *Config) Location() *time.Location {
	c.mu.RLock()
	name := c.Scheduler.Timezone
	c.mu.RUnlock()

	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) DataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Scheduler.DataDir)
}

func (c *Config) JournalPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Journal.Path)
}

func (c *Config) LLMTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.LLMTimeoutS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Agent.LLMTimeoutS) * time.Second
}

func (c *Config) SaveTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.SaveTimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Agent.SaveTimeoutS) * time.Second
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.Provider == "openai" {
		return c.Providers.OpenAI.APIKey
	}
	return c.Providers.OpenRouter.APIKey
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.Provider == "openai" {
		if c.Providers.OpenAI.APIBase != "" {
			return c.Providers.OpenAI.APIBase
		}
		return "https://api.openai.com/v1"
	}
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
