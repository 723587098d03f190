package main

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RepoPath string `yaml:"repo_path"`
	Branch   string `yaml:"branch"`
	DBPath   string `yaml:"db_path"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	EnrichModel     string `yaml:"enrich_model"`
	JudgeModel      string `yaml:"judge_model"`

	EnrichWindow    int `yaml:"enrich_window"`     // concurrent oracle calls per window
	TokenBudget     int `yaml:"token_budget"`      // per-request prompt budget, estimated chars/4
	DiffMaxChars    int `yaml:"diff_max_chars"`    // hard cap on the raw diff fetched from git
	EvalSampleSize  int `yaml:"eval_sample_size"`
	BatchMaxItems   int `yaml:"batch_max_items"`   // chunk bound: item count
	BatchMaxBytes   int `yaml:"batch_max_bytes"`   // chunk bound: estimated serialized size
	CouplingFileCap int `yaml:"coupling_file_cap"` // commits touching more files are skipped

	WatchSchedule string `yaml:"watch_schedule"` // 5-field cron expression

	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.RepoPath, "REPO_PATH")
	envOverride(&cfg.Branch, "BRANCH")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.EnrichModel, "ENRICH_MODEL")
	envOverride(&cfg.JudgeModel, "JUDGE_MODEL")
	envOverrideInt(&cfg.EnrichWindow, "ENRICH_WINDOW")
	envOverrideInt(&cfg.TokenBudget, "TOKEN_BUDGET")
	envOverrideInt(&cfg.DiffMaxChars, "DIFF_MAX_CHARS")
	envOverrideInt(&cfg.EvalSampleSize, "EVAL_SAMPLE_SIZE")
	envOverrideInt(&cfg.BatchMaxItems, "BATCH_MAX_ITEMS")
	envOverrideInt(&cfg.BatchMaxBytes, "BATCH_MAX_BYTES")
	envOverrideInt(&cfg.CouplingFileCap, "COUPLING_FILE_CAP")
	envOverride(&cfg.WatchSchedule, "WATCH_SCHEDULE")
	envOverride(&cfg.SlackToken, "SLACK_TOKEN")
	envOverride(&cfg.SlackChannel, "SLACK_CHANNEL")

	cfg.applyDefaults()

	if cfg.EnrichWindow < 1 {
		log.Fatalf("invalid enrich_window '%d': must be >= 1", cfg.EnrichWindow)
	}
	if cfg.TokenBudget < 500 {
		log.Fatalf("invalid token_budget '%d': must be >= 500", cfg.TokenBudget)
	}
	if cfg.BatchMaxItems < 1 {
		log.Fatalf("invalid batch_max_items '%d': must be >= 1", cfg.BatchMaxItems)
	}
	if cfg.WatchSchedule != "" {
		if err := validateCronSchedule(cfg.WatchSchedule); err != nil {
			log.Fatalf("invalid watch_schedule '%s': %v", cfg.WatchSchedule, err)
		}
	}

	return cfg
}

func (c *Config) applyDefaults() {
	if c.RepoPath == "" {
		c.RepoPath = "."
	}
	if c.Branch == "" {
		c.Branch = "HEAD"
	}
	if c.DBPath == "" {
		c.DBPath = "./commitscope.db"
	}
	if c.EnrichModel == "" {
		c.EnrichModel = defaultEnrichModel
	}
	if c.JudgeModel == "" {
		c.JudgeModel = defaultJudgeModel
	}
	if c.EnrichWindow == 0 {
		c.EnrichWindow = 8
	}
	if c.TokenBudget == 0 {
		c.TokenBudget = 20000
	}
	if c.DiffMaxChars == 0 {
		c.DiffMaxChars = 200000
	}
	if c.EvalSampleSize == 0 {
		c.EvalSampleSize = 20
	}
	if c.BatchMaxItems == 0 {
		c.BatchMaxItems = 1000
	}
	if c.BatchMaxBytes == 0 {
		c.BatchMaxBytes = 12 << 20
	}
	if c.CouplingFileCap == 0 {
		c.CouplingFileCap = 200
	}
}

// SlackConfigured reports whether run summaries should be posted.
func (c Config) SlackConfigured() bool {
	return c.SlackToken != "" && c.SlackChannel != ""
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
