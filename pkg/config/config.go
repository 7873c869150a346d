package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the canonical data pipeline service.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (database password, SMTP password) must only come from environment
// variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"24895"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Pipeline configuration
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Mail notification configuration (optional)
	Mail MailConfig `yaml:"mail"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"rda"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"rda"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// PipelineConfig holds settings for the reconciliation pipeline itself.
type PipelineConfig struct {
	// Schema is the database schema the pipeline operates in.
	Schema string `yaml:"schema" env:"PIPELINE_SCHEMA" env-default:"public"`

	// SourceTable is the raw institution table (read-only to the pipeline).
	SourceTable string `yaml:"source_table" env:"PIPELINE_SOURCE_TABLE" env-default:"institution"`

	// MappingTable stores the (original, normalized) institution name pairs.
	MappingTable string `yaml:"mapping_table" env:"PIPELINE_MAPPING_TABLE" env-default:"institution_mapping"`

	// DedupTable is the derived table rebuilt on every full run.
	DedupTable string `yaml:"dedup_table" env:"PIPELINE_DEDUP_TABLE" env-default:"deduplicated_institutions_kb"`

	// CountryTable is the optional companion table used to back-fill uuid_country.
	CountryTable string `yaml:"country_table" env:"PIPELINE_COUNTRY_TABLE" env-default:"institution_country"`

	// MappingCSVPath is where the mapping CSV is read from. Relative paths are
	// resolved against the working directory.
	MappingCSVPath string `yaml:"mapping_csv_path" env:"PIPELINE_MAPPING_CSV" env-default:"resources/data/mapping/institution_mapping.csv"`

	// LockFilePath is the advisory lock file guarding isolated pipeline runs.
	LockFilePath string `yaml:"lock_file_path" env:"PIPELINE_LOCK_FILE" env-default:"/tmp/canonical-pipeline.lock"`

	// RunnerBinary is the standalone pipeline binary launched for isolated runs.
	RunnerBinary string `yaml:"runner_binary" env:"PIPELINE_RUNNER_BINARY" env-default:"run-pipeline"`
}

// MailConfig holds SMTP settings for failure notifications.
// Notifications are disabled when Host is empty.
type MailConfig struct {
	Host     string   `yaml:"host" env:"MAIL_HOST" env-default:""`
	Port     int      `yaml:"port" env:"MAIL_PORT" env-default:"587"`
	UseTLS   bool     `yaml:"use_tls" env:"MAIL_USE_TLS" env-default:"true"`
	UseAuth  bool     `yaml:"use_auth" env:"MAIL_USE_AUTH" env-default:"false"`
	Username string   `yaml:"username" env:"MAIL_USR" env-default:""`
	Password string   `yaml:"-" env:"MAIL_PASS"` // Secret - not in YAML
	From     string   `yaml:"from" env:"MAIL_FROM" env-default:"no-reply@example.com"`
	To       []string `yaml:"to" env:"MAIL_TO" env-separator:","`
	Retries  int      `yaml:"retries" env:"MAIL_SEND_RETRIES" env-default:"3"`
}

// Enabled reports whether mail notification is configured.
func (c *MailConfig) Enabled() bool {
	return c.Host != "" && len(c.To) > 0
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// If config.yaml does not exist, configuration comes from environment variables
// and defaults alone.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.Schema == "" {
		return fmt.Errorf("pipeline schema must not be empty")
	}
	if c.Pipeline.DedupTable == "" || c.Pipeline.SourceTable == "" || c.Pipeline.MappingTable == "" {
		return fmt.Errorf("pipeline table names must not be empty")
	}
	if !filepath.IsAbs(c.Pipeline.LockFilePath) {
		return fmt.Errorf("lock_file_path must be absolute, got %q", c.Pipeline.LockFilePath)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
