package core

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/reviver"
	ConfigFileName = "config.hcl"
	EventsDBName   = "events.db"
)

// Configuration is the parsed proxy configuration. Loaded once at start;
// restart policy and timeouts are re-applied live on config change, the child
// command only takes effect on the next restart.
type Configuration struct {
	ConfigPath string // directory holding config.hcl and the events database

	Child    ChildConfig
	Restart  RestartConfig
	Timeouts TimeoutConfig
	Events   EventsConfig
}

// ChildConfig describes the supervised MCP server process.
type ChildConfig struct {
	Command     string
	Args        []string
	Workdir     string
	Environment map[string]string
}

// RestartConfig is the restart policy.
type RestartConfig struct {
	Auto  bool
	Limit int
	Delay time.Duration
}

// TimeoutConfig groups the operation deadlines.
type TimeoutConfig struct {
	Request      time.Duration
	GracefulStop time.Duration
	Handshake    time.Duration
}

// EventsConfig controls lifecycle event persistence.
type EventsConfig struct {
	Database    string
	HistorySize int
}

// HCL decoding structs, kept separate so durations can stay strings in the
// file while the public Configuration carries parsed values.

type hclConfig struct {
	Child    *hclChild    `hcl:"child,block"`
	Restart  *hclRestart  `hcl:"restart,block"`
	Timeouts *hclTimeouts `hcl:"timeouts,block"`
	Events   *hclEvents   `hcl:"events,block"`
}

type hclChild struct {
	Command     string            `hcl:"command"`
	Args        []string          `hcl:"args,optional"`
	Workdir     string            `hcl:"workdir,optional"`
	Environment map[string]string `hcl:"environment,optional"`
}

type hclRestart struct {
	Auto  *bool  `hcl:"auto,optional"`
	Limit int    `hcl:"limit,optional"`
	Delay string `hcl:"delay,optional"`
}

type hclTimeouts struct {
	Request      string `hcl:"request,optional"`
	GracefulStop string `hcl:"graceful_stop,optional"`
	Handshake    string `hcl:"handshake,optional"`
}

type hclEvents struct {
	Database    string `hcl:"database,optional"`
	HistorySize int    `hcl:"history_size,optional"`
}

// DefaultConfiguration returns the configuration used when no file exists.
func DefaultConfiguration(configPath string) *Configuration {
	return &Configuration{
		ConfigPath: configPath,
		Restart: RestartConfig{
			Auto:  true,
			Limit: 5,
			Delay: time.Second,
		},
		Timeouts: TimeoutConfig{
			Request:      30 * time.Second,
			GracefulStop: 5 * time.Second,
			Handshake:    15 * time.Second,
		},
		Events: EventsConfig{
			Database:    filepath.Join(configPath, EventsDBName),
			HistorySize: 200,
		},
	}
}

// ConfigFilePath returns the config file location under the config path.
func ConfigFilePath(configPath string) string {
	return filepath.Join(configPath, ConfigFileName)
}

// LoadConfig reads the HCL config file, falling back to defaults when the
// file does not exist. Durations are validated here so a bad value fails at
// startup rather than mid-restart.
func LoadConfig(configPath string) (*Configuration, error) {
	cfg := DefaultConfiguration(configPath)

	filename := ConfigFilePath(configPath)
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return cfg, nil
	}

	var hclCfg hclConfig
	if err := hclsimple.DecodeFile(filename, nil, &hclCfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	if hclCfg.Child != nil {
		cfg.Child = ChildConfig{
			Command:     hclCfg.Child.Command,
			Args:        hclCfg.Child.Args,
			Workdir:     expandPath(hclCfg.Child.Workdir),
			Environment: hclCfg.Child.Environment,
		}
	}

	if hclCfg.Restart != nil {
		if hclCfg.Restart.Auto != nil {
			cfg.Restart.Auto = *hclCfg.Restart.Auto
		}
		if hclCfg.Restart.Limit > 0 {
			cfg.Restart.Limit = hclCfg.Restart.Limit
		}
		if err := parseDuration(hclCfg.Restart.Delay, &cfg.Restart.Delay); err != nil {
			return nil, fmt.Errorf("restart.delay: %w", err)
		}
	}

	if hclCfg.Timeouts != nil {
		if err := parseDuration(hclCfg.Timeouts.Request, &cfg.Timeouts.Request); err != nil {
			return nil, fmt.Errorf("timeouts.request: %w", err)
		}
		if err := parseDuration(hclCfg.Timeouts.GracefulStop, &cfg.Timeouts.GracefulStop); err != nil {
			return nil, fmt.Errorf("timeouts.graceful_stop: %w", err)
		}
		if err := parseDuration(hclCfg.Timeouts.Handshake, &cfg.Timeouts.Handshake); err != nil {
			return nil, fmt.Errorf("timeouts.handshake: %w", err)
		}
	}

	if hclCfg.Events != nil {
		if hclCfg.Events.Database != "" {
			cfg.Events.Database = expandPath(hclCfg.Events.Database)
		}
		if hclCfg.Events.HistorySize > 0 {
			cfg.Events.HistorySize = hclCfg.Events.HistorySize
		}
	}

	return cfg, nil
}

func parseDuration(s string, out *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*out = d
	return nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
