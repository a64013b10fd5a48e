// Package config handles configuration loading and management for
// Ralph. It supports XDG config paths, project-level overrides, and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a Ralph orchestrator process.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	BranchPrefix string             `mapstructure:"branch_prefix"`
	Runner       RunnerConfig       `mapstructure:"runner"`
	Stagnation   StagnationConfig   `mapstructure:"stagnation"`
	Staleness    StalenessConfig    `mapstructure:"staleness"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Launcher     LauncherConfig     `mapstructure:"launcher"`
}

// RunnerConfig holds scheduler-facing defaults (the persisted
// runnerConfig document itself lives in the state store; this is only
// the process's bootstrap default).
type RunnerConfig struct {
	MaxConcurrency    int `mapstructure:"max_concurrency"`
	MaxLaunchAttempts int `mapstructure:"max_launch_attempts"`
}

// StagnationConfig holds the stagnation detector's tunable thresholds.
type StagnationConfig struct {
	NoProgressThreshold int           `mapstructure:"no_progress_threshold"`
	NoProgressTimeout   time.Duration `mapstructure:"no_progress_timeout"`
	SameErrorThreshold  int           `mapstructure:"same_error_threshold"`
	MaxLoopsPerStory    int           `mapstructure:"max_loops_per_story"`
}

// StalenessConfig holds the per-task-type idle timeouts for the
// stale/interrupt detector.
type StalenessConfig struct {
	Implementing time.Duration `mapstructure:"implementing"`
	Building     time.Duration `mapstructure:"building"`
	Testing      time.Duration `mapstructure:"testing"`
	Verifying    time.Duration `mapstructure:"verifying"`
	Unknown      time.Duration `mapstructure:"unknown"`
}

// ArchiveConfig holds archive-retention overrides.
type ArchiveConfig struct {
	MaxArchivedExecutions int `mapstructure:"max_archived_executions"`
}

// LauncherConfig configures the default subprocess launcher.
type LauncherConfig struct {
	Command string `mapstructure:"command"`
	LogDir  string `mapstructure:"log_dir"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (RALPH_DATA_DIR, RALPH_MAX_ARCHIVE)
// 2. Project config (.ralph.yaml in current directory or parent)
// 3. User config (~/.config/ralph/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("RALPH")
	v.BindEnv("data_dir", "RALPH_DATA_DIR")
	v.BindEnv("archive.max_archived_executions", "RALPH_MAX_ARCHIVE")
	v.BindEnv("runner.max_concurrency", "RALPH_MAX_CONCURRENCY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.DataDir = os.ExpandEnv(cfg.DataDir)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.DataDir = os.ExpandEnv(cfg.DataDir)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")
	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("data_dir", cfg.DataDir)
	v.Set("branch_prefix", cfg.BranchPrefix)
	v.Set("runner.max_concurrency", cfg.Runner.MaxConcurrency)
	v.Set("runner.max_launch_attempts", cfg.Runner.MaxLaunchAttempts)
	v.Set("stagnation.no_progress_threshold", cfg.Stagnation.NoProgressThreshold)
	v.Set("stagnation.no_progress_timeout", cfg.Stagnation.NoProgressTimeout.String())
	v.Set("stagnation.same_error_threshold", cfg.Stagnation.SameErrorThreshold)
	v.Set("stagnation.max_loops_per_story", cfg.Stagnation.MaxLoopsPerStory)
	v.Set("staleness.implementing", cfg.Staleness.Implementing.String())
	v.Set("staleness.building", cfg.Staleness.Building.String())
	v.Set("staleness.testing", cfg.Staleness.Testing.String())
	v.Set("staleness.verifying", cfg.Staleness.Verifying.String())
	v.Set("staleness.unknown", cfg.Staleness.Unknown.String())
	v.Set("archive.max_archived_executions", cfg.Archive.MaxArchivedExecutions)
	v.Set("launcher.command", cfg.Launcher.Command)
	v.Set("launcher.log_dir", cfg.Launcher.LogDir)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if present.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", filepath.Join(getUserConfigDir(), "data"))
	v.SetDefault("branch_prefix", "ralph")

	v.SetDefault("runner.max_concurrency", 3)
	v.SetDefault("runner.max_launch_attempts", 3)

	v.SetDefault("stagnation.no_progress_threshold", 3)
	v.SetDefault("stagnation.no_progress_timeout", "0s")
	v.SetDefault("stagnation.same_error_threshold", 5)
	v.SetDefault("stagnation.max_loops_per_story", 10)

	v.SetDefault("staleness.implementing", "10m")
	v.SetDefault("staleness.building", "15m")
	v.SetDefault("staleness.testing", "20m")
	v.SetDefault("staleness.verifying", "30m")
	v.SetDefault("staleness.unknown", "15m")

	v.SetDefault("archive.max_archived_executions", 50)

	v.SetDefault("launcher.command", "claude")
	v.SetDefault("launcher.log_dir", filepath.Join(getUserConfigDir(), "logs"))
}

// getUserConfigDir returns the XDG config directory for Ralph.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ralph")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "ralph")
	}
	return filepath.Join(home, ".config", "ralph")
}

// findProjectConfig searches for .ralph.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".ralph.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values, equivalent to Load()
// with no user/project config files present.
func Default() *Config {
	return &Config{
		DataDir:      filepath.Join(getUserConfigDir(), "data"),
		BranchPrefix: "ralph",
		Runner:       RunnerConfig{MaxConcurrency: 3, MaxLaunchAttempts: 3},
		Stagnation: StagnationConfig{
			NoProgressThreshold: 3,
			SameErrorThreshold:  5,
			MaxLoopsPerStory:    10,
		},
		Staleness: StalenessConfig{
			Implementing: 10 * time.Minute,
			Building:     15 * time.Minute,
			Testing:      20 * time.Minute,
			Verifying:    30 * time.Minute,
			Unknown:      15 * time.Minute,
		},
		Archive:  ArchiveConfig{MaxArchivedExecutions: 50},
		Launcher: LauncherConfig{Command: "claude", LogDir: filepath.Join(getUserConfigDir(), "logs")},
	}
}

// StalenessTimeouts converts the config block into the shape the
// staleness detector consumes.
func (c *Config) StalenessTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		"implementing": c.Staleness.Implementing,
		"building":     c.Staleness.Building,
		"testing":      c.Staleness.Testing,
		"verifying":    c.Staleness.Verifying,
		"unknown":      c.Staleness.Unknown,
	}
}
