package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/procjournal/internal/breakpoint"
	"github.com/ChuLiYu/procjournal/internal/controller"
	"github.com/ChuLiYu/procjournal/internal/logging"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Journal struct {
		Backend    string `yaml:"backend"` // file | sqlite
		Dir        string `yaml:"dir"`
		SQLitePath string `yaml:"sqlite_path"`
		Snapshots  string `yaml:"snapshots"` // empty disables snapshots
	} `yaml:"journal"`

	Dispatch struct {
		Workers       int           `yaml:"workers"`
		EffectTimeout time.Duration `yaml:"effect_timeout"`
		PendingPolicy string        `yaml:"pending_policy"` // retry-idempotent | manual
		PolicyFile    string        `yaml:"policy_file"`    // "" none, "default" built-in, else a rego file
		Shell         string        `yaml:"shell"`
		NodeBinary    string        `yaml:"node_binary"`
		AgentEndpoint string        `yaml:"agent_endpoint"`
		WorkDir       string        `yaml:"work_dir"`
		InheritEnv    bool          `yaml:"inherit_env"`
	} `yaml:"dispatch"`

	Breakpoint struct {
		Mode         string        `yaml:"mode"` // inline | deferred
		PollInterval time.Duration `yaml:"poll_interval"`
		MaxWait      time.Duration `yaml:"max_wait"`
	} `yaml:"breakpoint"`

	Approval struct {
		Backend    string `yaml:"backend"` // memory | sqlite | http | grpc
		SQLitePath string `yaml:"sqlite_path"`
		URL        string `yaml:"url"`
		GRPCAddr   string `yaml:"grpc_addr"`
	} `yaml:"approval"`

	Server struct {
		HTTPPort       int           `yaml:"http_port"`
		GRPCPort       int           `yaml:"grpc_port"`
		ResumeInterval time.Duration `yaml:"resume_interval"` // 0 disables the background runner
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Journal.Backend = "file"
	cfg.Journal.Dir = "data/runs"
	cfg.Journal.SQLitePath = "data/procjournal.db"
	cfg.Journal.Snapshots = "data/snapshots"

	cfg.Dispatch.Workers = 4
	cfg.Dispatch.EffectTimeout = 5 * time.Minute
	cfg.Dispatch.PendingPolicy = string(controller.PolicyRetryIdempotent)
	cfg.Dispatch.Shell = "sh"
	cfg.Dispatch.NodeBinary = "node"

	cfg.Breakpoint.Mode = string(breakpoint.ModeDeferred)
	cfg.Breakpoint.PollInterval = time.Second
	cfg.Breakpoint.MaxWait = 5 * time.Second

	cfg.Approval.Backend = "sqlite"
	cfg.Approval.SQLitePath = "data/approvals.db"
	cfg.Approval.URL = "http://localhost:8080"
	cfg.Approval.GRPCAddr = "localhost:9091"

	cfg.Server.HTTPPort = 8080
	cfg.Server.GRPCPort = 9091
	cfg.Server.ResumeInterval = 2 * time.Second

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// LoadConfig reads path over the defaults. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown backends and modes.
func (c *Config) Validate() error {
	switch c.Journal.Backend {
	case "file":
		if c.Journal.Dir == "" {
			return fmt.Errorf("config: journal.dir is required for the file backend")
		}
	case "sqlite":
		if c.Journal.SQLitePath == "" {
			return fmt.Errorf("config: journal.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown journal backend %q", c.Journal.Backend)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("config: dispatch.workers must be positive")
	}
	if _, err := controller.ParsePendingPolicy(c.Dispatch.PendingPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := breakpoint.ParseMode(c.Breakpoint.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Approval.Backend {
	case "memory":
	case "sqlite":
		if c.Approval.SQLitePath == "" {
			return fmt.Errorf("config: approval.sqlite_path is required for the sqlite backend")
		}
	case "http":
		if c.Approval.URL == "" {
			return fmt.Errorf("config: approval.url is required for the http backend")
		}
	case "grpc":
		if c.Approval.GRPCAddr == "" {
			return fmt.Errorf("config: approval.grpc_addr is required for the grpc backend")
		}
	default:
		return fmt.Errorf("config: unknown approval backend %q", c.Approval.Backend)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// setupLogging installs the default slog handler. verbose forces debug.
func setupLogging(c *Config, verbose bool, w io.Writer) error {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	if verbose {
		level = slog.LevelDebug
	}
	logging.Setup(w, level, c.Log.Format)
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", s)
}
