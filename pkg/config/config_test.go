package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/pkg/compression"
	"github.com/tributary-data/tributary/pkg/plan"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tributary.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
source:
  type: postgres
  dsn: postgres://localhost/src
  schema: app
stage:
  type: s3
  s3:
    bucket: staging-bucket
    prefix: tributary
    region: us-east-1
  timeout: 10m
sink:
  type: postgres
  dsn: postgres://localhost/dst
  batch_size: 250
state:
  dir: /var/lib/tributary
  compression: lz4
sync:
  workers: 8
  checkpoint_rows: 1000
  stage_attempts: 5
  deadline: 2h
  detect_deletes: true
tables:
  app.audit_log:
    exclude: true
  app.orders:
    strategy: full
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Source.Type)
	assert.Equal(t, "app", cfg.Source.Schema)
	assert.Equal(t, "staging-bucket", cfg.Stage.S3.Bucket)
	assert.Equal(t, 10*time.Minute, cfg.Stage.Timeout.Std())
	assert.Equal(t, 250, cfg.Sink.BatchSize)
	assert.Equal(t, compression.LZ4, cfg.State.Compression)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, 2*time.Hour, cfg.Sync.Deadline.Std())

	assert.True(t, cfg.Tables["app.audit_log"].Exclude)
	assert.Equal(t, plan.StrategyFull, cfg.Tables["app.orders"].Strategy)
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("TEST_SOURCE_DSN", "postgres://env-host/db")

	path := writeConfig(t, `
source:
  type: postgres
  dsn: ${TEST_SOURCE_DSN}
stage:
  type: memory
sink:
  type: capture
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env-host/db", cfg.Source.DSN)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  type: postgres
  dsn: postgres://localhost/src
stage:
  type: memory
sink:
  type: capture
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, int64(50000), cfg.Sync.CheckpointRows)
	assert.Equal(t, compression.Zstd, cfg.State.Compression)
	assert.Equal(t, "public", cfg.Source.Schema)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name  string
		fixup func(*Config)
	}{
		{"missing source dsn", func(c *Config) { c.Source.DSN = "" }},
		{"unknown source", func(c *Config) { c.Source.Type = "oracle" }},
		{"s3 without bucket", func(c *Config) { c.Stage.Type = "s3"; c.Stage.S3.Bucket = "" }},
		{"unknown sink", func(c *Config) { c.Sink.Type = "kafka" }},
		{"no state dir", func(c *Config) { c.State.Dir = "" }},
		{"zero workers", func(c *Config) { c.Sync.Workers = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Source.DSN = "postgres://localhost/src"
			cfg.Stage.Type = "memory"
			cfg.Sink.Type = "capture"
			tc.fixup(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
