package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/orca/internal/llm"
	"github.com/rendis/orca/internal/scheduler"
	"github.com/rendis/orca/pkg/schema"
)

// Config holds all orca configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	DBPath            string          `yaml:"db_path" json:"db_path"`
	LogLevel          string          `yaml:"log_level" json:"log_level"`
	MaxConcurrentRuns int             `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
	LLM               llm.Config      `yaml:"llm" json:"llm"`
	SQL               SQLConfig       `yaml:"sql" json:"sql"`
	Retrieval         RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Schedules         []scheduler.Job `yaml:"schedules" json:"schedules"`
}

// SQLConfig configures the SQL data source and its agent.
type SQLConfig struct {
	Name             string   `yaml:"name" json:"name"`
	DSN              string   `yaml:"dsn" json:"dsn"`
	MaxAttempts      int      `yaml:"max_attempts" json:"max_attempts"`
	AllowWrites      bool     `yaml:"allow_writes" json:"allow_writes"`
	ApprovalRequired bool     `yaml:"approval_required" json:"approval_required"`
	RawRowLimit      int      `yaml:"raw_row_limit" json:"raw_row_limit"`
	SchemaContext    string   `yaml:"schema_context" json:"schema_context"`
	Validators       []string `yaml:"validators" json:"validators"`
}

// RetrievalConfig configures the document retriever.
type RetrievalConfig struct {
	Name          string `yaml:"name" json:"name"`
	TopK          int    `yaml:"top_k" json:"top_k"`
	DocumentsPath string `yaml:"documents_path" json:"documents_path"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(orcaDir(), "orca.db"),
		LogLevel:          "info",
		MaxConcurrentRuns: 4,
		LLM: llm.Config{
			Provider:   "openai",
			Model:      "gpt-4o-mini",
			Timeout:    60 * time.Second,
			MaxRetries: 2,
		},
		SQL: SQLConfig{
			Name:             "db",
			MaxAttempts:      3,
			ApprovalRequired: true,
			RawRowLimit:      200,
		},
		Retrieval: RetrievalConfig{
			Name: "docs",
			TopK: 5,
		},
	}
}

func orcaDir() string {
	if v := os.Getenv("ORCA_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orca"
	}
	return filepath.Join(home, ".orca")
}

// settingsPath returns the first existing settings file, preferring YAML.
// JSON settings parse too, since YAML is a superset.
func settingsPath() string {
	yamlPath := filepath.Join(orcaDir(), "settings.yaml")
	for _, p := range []string{yamlPath, filepath.Join(orcaDir(), "settings.json")} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return yamlPath
}

// loadConfig layers defaults, the settings file and ORCA_* env vars. An
// explicit path must exist; the default settings file may be missing.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"ORCA_DB_PATH":              &cfg.DBPath,
		"ORCA_LOG_LEVEL":            &cfg.LogLevel,
		"ORCA_LLM_PROVIDER":         &cfg.LLM.Provider,
		"ORCA_LLM_BASE_URL":         &cfg.LLM.BaseURL,
		"ORCA_LLM_API_KEY":          &cfg.LLM.APIKey,
		"ORCA_LLM_MODEL":            &cfg.LLM.Model,
		"ORCA_LLM_AZURE_DEPLOYMENT": &cfg.LLM.AzureDeployment,
		"ORCA_LLM_API_VERSION":      &cfg.LLM.APIVersion,
		"ORCA_SQL_DSN":              &cfg.SQL.DSN,
		"ORCA_SQL_SCHEMA_CONTEXT":   &cfg.SQL.SchemaContext,
		"ORCA_DOCUMENTS_PATH":       &cfg.Retrieval.DocumentsPath,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"ORCA_MAX_CONCURRENT_RUNS": &cfg.MaxConcurrentRuns,
		"ORCA_SQL_MAX_ATTEMPTS":    &cfg.SQL.MaxAttempts,
		"ORCA_SQL_RAW_ROW_LIMIT":   &cfg.SQL.RawRowLimit,
		"ORCA_RETRIEVAL_TOP_K":     &cfg.Retrieval.TopK,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"ORCA_SQL_ALLOW_WRITES":      &cfg.SQL.AllowWrites,
		"ORCA_SQL_APPROVAL_REQUIRED": &cfg.SQL.ApprovalRequired,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	if v := os.Getenv("ORCA_LLM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ORCA_LLM_TIMEOUT: %w", err)
		}
		cfg.LLM.Timeout = d
	}
	return nil
}

// Validate reports every problem in cfg at once.
func (c Config) Validate() error {
	res := &schema.Report{}

	if c.DBPath == "" {
		res.Failf("db_path", "required", "must be set")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		res.Failf("log_level", "invalid", "unknown level %q", c.LogLevel)
	}
	if c.MaxConcurrentRuns < 1 {
		res.Failf("max_concurrent_runs", "range", "must be at least 1")
	}

	switch c.LLM.Provider {
	case "openai", "azure":
	default:
		res.Failf("llm.provider", "invalid", "unknown provider %q (want openai or azure)", c.LLM.Provider)
	}
	if c.LLM.Provider == "azure" && c.LLM.APIKey != "" && c.LLM.BaseURL == "" {
		res.Failf("llm.base_url", "required", "azure needs a base url")
	}
	if c.SQL.DSN != "" && c.LLM.APIKey == "" {
		res.Warnf("llm.api_key", "missing", "sql.dsn is set but SQL goals will fail without a key")
	}

	if c.SQL.MaxAttempts < 1 {
		res.Failf("sql.max_attempts", "range", "must be at least 1")
	}
	if c.SQL.RawRowLimit < 0 {
		res.Failf("sql.raw_row_limit", "range", "cannot be negative")
	}
	if c.SQL.Name == "" {
		res.Failf("sql.name", "required", "must be set")
	}
	if c.Retrieval.TopK < 1 {
		res.Failf("retrieval.top_k", "range", "must be at least 1")
	}
	if c.Retrieval.Name == "" {
		res.Failf("retrieval.name", "required", "must be set")
	} else if c.Retrieval.Name == c.SQL.Name {
		res.Failf("retrieval.name", "conflict", "must differ from sql.name")
	}

	seen := map[string]bool{}
	for i, j := range c.Schedules {
		res.Absorb(fmt.Sprintf("schedules[%d]", i), validateJob(j, seen))
	}

	return res.Err()
}

func validateJob(j scheduler.Job, seen map[string]bool) *schema.Report {
	res := &schema.Report{}
	if j.Name == "" {
		res.Failf("name", "required", "must be set")
	} else if seen[j.Name] {
		res.Failf("name", "duplicate", "schedule %q defined twice", j.Name)
	}
	seen[j.Name] = true
	if j.Cron == "" {
		res.Failf("cron", "required", "must be set")
	}
	if strings.TrimSpace(j.Goal) == "" {
		res.Failf("goal", "required", "must be set")
	}
	return res
}
