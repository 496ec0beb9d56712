package bootstrap

import (
	"fmt"
	"os"

	"subnetvalidator/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Pre-flight Checks
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if !cfg.App.DryRun && string(cfg.App.DatabaseURL) == "" {
		return fmt.Errorf("database_url is required when dry_run is false")
	}

	info, err := os.Stat(cfg.App.ReputationPath)
	if err == nil && info.IsDir() {
		return fmt.Errorf("reputation_path %s is a directory, expected a file path", cfg.App.ReputationPath)
	}

	return nil
}
