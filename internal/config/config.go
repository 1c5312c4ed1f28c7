package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelden/warden/pkg/types"
	"github.com/spf13/viper"
)

const (
	// DefaultConfigDir is the default directory for warden state
	DefaultConfigDir = ".warden"
	// ConfigFileName is the config file name without extension
	ConfigFileName = "config"
)

// Load reads configuration from the .warden directory
func Load(projectDir string) (*types.Config, error) {
	configDir := filepath.Join(projectDir, DefaultConfigDir)

	// Create config directory if it doesn't exist
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	// Set defaults from types.DefaultConfig()
	defaults := types.DefaultConfig()
	setDefaults(v, defaults)

	// Try to read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create one with defaults
			configPath := filepath.Join(configDir, ConfigFileName+".yaml")
			if err := WriteDefault(configPath); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
			// Re-read the newly created config
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read new config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// WriteDefault writes the default configuration to a file
func WriteDefault(path string) error {
	defaults := types.DefaultConfig()

	v := viper.New()
	setDefaults(v, defaults)

	return v.WriteConfigAs(path)
}

func setDefaults(v *viper.Viper, cfg *types.Config) {
	// Pool defaults
	v.SetDefault("pool.capacity", cfg.Pool.Capacity)
	v.SetDefault("pool.queue_capacity", cfg.Pool.QueueCapacity)
	v.SetDefault("pool.dispatch_interval_secs", cfg.Pool.DispatchIntervalSecs)

	// Health defaults
	v.SetDefault("health.check_interval_secs", cfg.Health.CheckIntervalSecs)
	v.SetDefault("health.liveness_timeout_secs", cfg.Health.LivenessTimeoutSecs)
	v.SetDefault("health.repair_step_timeout_secs", cfg.Health.RepairStepTimeoutSecs)
	v.SetDefault("health.max_repair_attempts", cfg.Health.MaxRepairAttempts)
	v.SetDefault("health.snapshot_interval_secs", cfg.Health.SnapshotIntervalSecs)

	// Task defaults
	v.SetDefault("tasks.default_timeout_secs", cfg.Tasks.DefaultTimeoutSecs)
	v.SetDefault("tasks.max_attempts", cfg.Tasks.MaxAttempts)
	v.SetDefault("tasks.drain_timeout_secs", cfg.Tasks.DrainTimeoutSecs)

	// Worker process defaults
	v.SetDefault("worker.command", cfg.Worker.Command)
	v.SetDefault("worker.args", cfg.Worker.Args)
	v.SetDefault("worker.env", cfg.Worker.Env)

	// Audit and history defaults
	v.SetDefault("audit.enabled", cfg.Audit.Enabled)
	v.SetDefault("audit.path", cfg.Audit.Path)
	v.SetDefault("history.enabled", cfg.History.Enabled)
	v.SetDefault("history.path", cfg.History.Path)

	// Path defaults
	v.SetDefault("paths.inbox", cfg.Paths.Inbox)
	v.SetDefault("paths.logs", cfg.Paths.Logs)
	v.SetDefault("paths.workspaces", cfg.Paths.Workspaces)
}

// EnsureDirectories creates all required directories for warden operation
func EnsureDirectories(projectDir string, cfg *types.Config) error {
	dirs := []string{
		filepath.Join(projectDir, cfg.Paths.Inbox),
		filepath.Join(projectDir, cfg.Paths.Logs),
		filepath.Join(projectDir, cfg.Paths.Workspaces),
	}

	if cfg.Audit.Enabled && cfg.Audit.Path != "" {
		dirs = append(dirs, filepath.Dir(filepath.Join(projectDir, cfg.Audit.Path)))
	}
	if cfg.History.Enabled && cfg.History.Path != "" {
		dirs = append(dirs, filepath.Dir(filepath.Join(projectDir, cfg.History.Path)))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// GetProjectDir finds the project root by looking for .warden or .git
func GetProjectDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	dir := cwd
	for {
		// Check for .warden directory
		wardenDir := filepath.Join(dir, DefaultConfigDir)
		if info, err := os.Stat(wardenDir); err == nil && info.IsDir() {
			return dir, nil
		}

		// Check for .git directory
		gitDir := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
			return dir, nil
		}

		// Move up one directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root, use current working directory
			return cwd, nil
		}
		dir = parent
	}
}
