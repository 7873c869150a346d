package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("test-version")
	require.NoError(t, err)

	assert.Equal(t, "test-version", cfg.Version)
	assert.Equal(t, "24895", cfg.Port)
	assert.Equal(t, "public", cfg.Pipeline.Schema)
	assert.Equal(t, "institution", cfg.Pipeline.SourceTable)
	assert.Equal(t, "institution_mapping", cfg.Pipeline.MappingTable)
	assert.Equal(t, "deduplicated_institutions_kb", cfg.Pipeline.DedupTable)
	assert.Equal(t, "/tmp/canonical-pipeline.lock", cfg.Pipeline.LockFilePath)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_SCHEMA", "staging")
	t.Setenv("PGHOST", "db.internal")
	t.Setenv("PGPASSWORD", "secret")

	cfg, err := Load("dev")
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Pipeline.Schema)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Contains(t, cfg.Database.ConnectionString(), "password=secret")
}

func TestLoadRejectsRelativeLockPath(t *testing.T) {
	t.Setenv("PIPELINE_LOCK_FILE", "relative/pipeline.lock")

	_, err := Load("dev")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_file_path")
}

func TestMailEnabled(t *testing.T) {
	var mail MailConfig
	assert.False(t, mail.Enabled())

	mail.Host = "smtp.example.com"
	assert.False(t, mail.Enabled(), "recipients required")

	mail.To = []string{"ops@example.com"}
	assert.True(t, mail.Enabled())
}
