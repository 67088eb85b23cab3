// Package config loads the engine configuration from YAML with
// ${VAR} environment substitution, and validates it before a run
// starts.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/compression"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/objectstore"
	"github.com/tributary-data/tributary/pkg/plan"
)

// Duration wraps time.Duration so YAML can carry "10m" style values
type Duration time.Duration

// UnmarshalYAML parses a Go duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full engine configuration
type Config struct {
	Source Source `yaml:"source"`
	Stage  Stage  `yaml:"stage"`
	Sink   Sink   `yaml:"sink"`
	State  State  `yaml:"state"`
	Sync   Sync   `yaml:"sync"`

	// Tables holds per-table planning overrides keyed by table name
	Tables map[string]plan.TableOverride `yaml:"tables"`
}

// Source selects and configures the replication source
type Source struct {
	// Type is "postgres" or "snowflake"
	Type string `yaml:"type"`

	// DSN is the postgres connection string
	DSN string `yaml:"dsn"`
	// Schema scopes catalog discovery, "public" by default for postgres
	Schema string `yaml:"schema"`

	Snowflake catalog.SnowflakeConfig `yaml:"snowflake"`

	// StorageIntegration names the Snowflake storage integration used
	// for server-side unloads
	StorageIntegration string `yaml:"storage_integration"`
}

// Stage configures the staging object store
type Stage struct {
	// Type is "s3" or "memory"
	Type string `yaml:"type"`

	S3 objectstore.S3Config `yaml:"s3"`

	// MaxFileRows rotates client-side staged files (postgres source)
	MaxFileRows int64 `yaml:"max_file_rows"`
	// Timeout bounds one staging attempt
	Timeout Duration `yaml:"timeout"`
}

// Sink configures the replication destination
type Sink struct {
	// Type is "postgres" or "capture" (dry runs)
	Type string `yaml:"type"`

	DSN string `yaml:"dsn"`
	// BatchSize flushes the sink after this many buffered statements
	BatchSize int `yaml:"batch_size"`
}

// State configures the sync state store
type State struct {
	// Dir is the root directory for per-table state files
	Dir string `yaml:"dir"`
	// Compression names the checksum index codec: zstd (default),
	// gzip, snappy, lz4 or none
	Compression compression.Algorithm `yaml:"compression"`
}

// Sync tunes the run itself
type Sync struct {
	// Workers bounds concurrently syncing tables
	Workers int `yaml:"workers"`
	// CheckpointRows commits a provisional checkpoint after this many
	// streamed rows
	CheckpointRows int64 `yaml:"checkpoint_rows"`
	// StageAttempts bounds staging retries per table
	StageAttempts int `yaml:"stage_attempts"`
	// Deadline stops dispatching new tables once elapsed
	Deadline Duration `yaml:"deadline"`
	// DetectDeletes enables deletion inference on full passes
	DetectDeletes bool `yaml:"detect_deletes"`
	// ForceFull makes every table run a full pass this run
	ForceFull bool `yaml:"force_full"`
}

// Load reads and validates a config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}

	content := substituteEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with all tunables at their defaults
func Default() *Config {
	return &Config{
		Source: Source{Type: "postgres", Schema: "public"},
		Stage:  Stage{Type: "s3"},
		Sink:   Sink{Type: "postgres"},
		State:  State{Dir: ".tributary/state", Compression: compression.Zstd},
		Sync: Sync{
			Workers:        4,
			CheckpointRows: 50000,
			StageAttempts:  3,
			DetectDeletes:  true,
		},
	}
}

// Validate checks the config for structural problems
func (c *Config) Validate() error {
	switch c.Source.Type {
	case "postgres":
		if c.Source.DSN == "" {
			return errors.New(errors.ErrorTypeConfig, "source.dsn is required for a postgres source")
		}
	case "snowflake":
		if c.Source.Snowflake.Account == "" {
			return errors.New(errors.ErrorTypeConfig, "source.snowflake.account is required for a snowflake source")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown source type %q", c.Source.Type)
	}

	switch c.Stage.Type {
	case "s3":
		if c.Stage.S3.Bucket == "" {
			return errors.New(errors.ErrorTypeConfig, "stage.s3.bucket is required for an s3 stage")
		}
	case "memory":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown stage type %q", c.Stage.Type)
	}

	switch c.Sink.Type {
	case "postgres":
		if c.Sink.DSN == "" {
			return errors.New(errors.ErrorTypeConfig, "sink.dsn is required for a postgres sink")
		}
	case "capture":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown sink type %q", c.Sink.Type)
	}

	if c.State.Dir == "" {
		return errors.New(errors.ErrorTypeConfig, "state.dir is required")
	}
	if c.Sync.Workers < 1 {
		return errors.New(errors.ErrorTypeConfig, "sync.workers must be at least 1")
	}
	return nil
}

// PlanOptions translates the config into planner options
func (c *Config) PlanOptions() plan.Options {
	return plan.Options{
		DetectDeletes: c.Sync.DetectDeletes,
		ForceFull:     c.Sync.ForceFull,
		Overrides:     c.Tables,
	}
}

// substituteEnvVars replaces ${VAR} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name := content[start+2 : end]
		content = content[:start] + os.Getenv(name) + content[end+1:]
	}
	return content
}
