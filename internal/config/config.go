// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure for the validator
// process.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Jobs        []JobConfig       `yaml:"jobs"`
	System      SystemConfig      `yaml:"system"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains process-level identity and operational settings (§6
// operational surface: wallet identity, network identity, netuid, dry-run).
type AppConfig struct {
	WalletName      string        `yaml:"wallet_name" validate:"required"`
	WalletHotkey    string        `yaml:"wallet_hotkey" validate:"required"`
	NetworkName     string        `yaml:"network_name" validate:"required,oneof=finney test local"`
	Netuid          int           `yaml:"netuid" validate:"required,min=1"`
	DryRun          bool          `yaml:"dry_run"`
	MinerTimeout    time.Duration `yaml:"miner_timeout" validate:"required"`
	DatabaseURL     Secret        `yaml:"database_url"`                        // required unless dry_run; cmd/validator attaches no durable workflow runtime and does not read it
	ReputationPath  string        `yaml:"reputation_path" validate:"required"` // sqlite file backing the Reputation Store
	EventsSourceDSN string        `yaml:"events_source_dsn" validate:"required"`
	ExecutorSinkURL string        `yaml:"executor_sink_url"`
}

// JobConfig is one configured job: a managed vault/pair the scheduler drives
// eval/live rounds against.
type JobConfig struct {
	JobID              string        `yaml:"job_id" validate:"required"`
	PairAddress        string        `yaml:"pair_address" validate:"required"`
	VaultAddress       string        `yaml:"vault_address" validate:"required"`
	ChainID            int64         `yaml:"chain_id" validate:"required"`
	RoundDuration      time.Duration `yaml:"round_duration" validate:"required"`
	CheckpointInterval int64         `yaml:"checkpoint_interval" validate:"required,min=1"`
	MaxIL              float64       `yaml:"max_il" validate:"min=0,max=1"`
	MinTickWidth       int32         `yaml:"min_tick_width" validate:"min=1"`
	MaxRebalances      int           `yaml:"max_rebalances" validate:"min=0"`
	Active             bool          `yaml:"active"`

	// BlockTimeSeconds is the chain's average seconds-per-block, used only
	// to size a round's block window from round_duration.
	BlockTimeSeconds float64 `yaml:"block_time_seconds" validate:"required,min=0"`

	// InitialInventory0/1 seed each round's uncommitted token holdings.
	InitialInventory0 string `yaml:"initial_inventory_0" validate:"required"`
	InitialInventory1 string `yaml:"initial_inventory_1" validate:"required"`

	// FeeTier is the pool's swap fee as a fraction, e.g. 0.003 for 0.3%.
	FeeTier float64 `yaml:"fee_tier" validate:"required,min=0,max=1"`

	// Miners lists the registry this job queries every round. Miner
	// discovery itself is out of scope; this is the static registration
	// surface that substitutes for it.
	Miners []MinerConfig `yaml:"miners" validate:"required,min=1"`

	// LiveTailURL, if set, is a websocket endpoint streaming this job's
	// pair's latest swap price. When present the job's Events Source is
	// wrapped so live (non-backtest) rounds price checkpoints from the
	// warm in-memory tail instead of a round-trip to events_source_dsn.
	LiveTailURL string `yaml:"live_tail_url"`
}

// MinerConfig is one registered miner endpoint for a job.
type MinerConfig struct {
	MinerID  string `yaml:"miner_id" validate:"required"`
	Endpoint string `yaml:"endpoint" validate:"required"`
}

// SystemConfig contains process-wide logging settings.
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
	HealthPort   string `yaml:"health_port"`

	// LiveGateSweepCron is the cron schedule the Live Gate's retry sweep
	// runs on, e.g. "@every 1m".
	LiveGateSweepCron string `yaml:"live_gate_sweep_cron"`
}

// ConcurrencyConfig contains worker pool sizing for the Round Executor's
// per-round miner fan-out and the Events Source's query pool.
type ConcurrencyConfig struct {
	MinerPoolMaxWorkers  int     `yaml:"miner_pool_max_workers" validate:"min=1,max=1000"`
	MinerPoolMaxCapacity int     `yaml:"miner_pool_max_capacity" validate:"min=1,max=10000"`
	EventsPoolMaxWorkers int     `yaml:"events_pool_max_workers" validate:"min=1,max=100"`
	MinerTransportRPS    float64 `yaml:"miner_transport_rps"`
	MinerTransportBurst  int     `yaml:"miner_transport_burst"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateJobs(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.WalletName == "" {
		return ValidationError{Field: "app.wallet_name", Message: "wallet name is required"}
	}
	if c.App.Netuid <= 0 {
		return ValidationError{Field: "app.netuid", Value: c.App.Netuid, Message: "netuid must be positive"}
	}
	if c.App.MinerTimeout <= 0 {
		return ValidationError{Field: "app.miner_timeout", Message: "miner_timeout must be positive"}
	}
	if !c.App.DryRun && string(c.App.DatabaseURL) == "" {
		return ValidationError{Field: "app.database_url", Message: "database_url is required unless dry_run is set"}
	}
	return nil
}

func (c *Config) validateJobs() error {
	if len(c.Jobs) == 0 {
		return ValidationError{Field: "jobs", Message: "at least one job must be configured"}
	}

	seen := make(map[string]bool, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.JobID == "" {
			return ValidationError{Field: "jobs[].job_id", Message: "job_id is required"}
		}
		if seen[j.JobID] {
			return ValidationError{Field: "jobs[].job_id", Value: j.JobID, Message: "duplicate job_id"}
		}
		seen[j.JobID] = true

		if j.RoundDuration <= 0 {
			return ValidationError{Field: fmt.Sprintf("jobs[%s].round_duration", j.JobID), Message: "round_duration must be positive"}
		}
		if j.CheckpointInterval <= 0 {
			return ValidationError{Field: fmt.Sprintf("jobs[%s].checkpoint_interval", j.JobID), Message: "checkpoint_interval must be positive"}
		}
		if j.MinTickWidth < 1 {
			return ValidationError{Field: fmt.Sprintf("jobs[%s].min_tick_width", j.JobID), Message: "min_tick_width must be >= 1"}
		}
		if j.BlockTimeSeconds <= 0 {
			return ValidationError{Field: fmt.Sprintf("jobs[%s].block_time_seconds", j.JobID), Message: "block_time_seconds must be positive"}
		}
		if len(j.Miners) == 0 {
			return ValidationError{Field: fmt.Sprintf("jobs[%s].miners", j.JobID), Message: "at least one miner must be registered"}
		}
		if j.FeeTier <= 0 {
			return ValidationError{Field: fmt.Sprintf("jobs[%s].fee_tier", j.JobID), Message: "fee_tier must be positive"}
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// ActiveJobs returns only the jobs marked active.
func (c *Config) ActiveJobs() []JobConfig {
	active := make([]JobConfig, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Active {
			active = append(active, j)
		}
	}
	return active
}

// String returns a string representation of the configuration with secrets
// redacted.
func (c *Config) String() string {
	configCopy := *c
	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			WalletName:      "validator",
			WalletHotkey:    "default",
			NetworkName:     "test",
			Netuid:          1,
			DryRun:          true,
			MinerTimeout:    60 * time.Second,
			ReputationPath:  "./reputation.db",
			EventsSourceDSN: "./events.db",
		},
		Jobs: []JobConfig{
			{
				JobID:              "job-1",
				PairAddress:        "1111111111111111111111111111111111111111",
				VaultAddress:       "2222222222222222222222222222222222222222",
				ChainID:            1,
				RoundDuration:      15 * time.Minute,
				CheckpointInterval: 150,
				MaxIL:              0.1,
				MinTickWidth:       10,
				MaxRebalances:      4,
				Active:             true,
				BlockTimeSeconds:   12,
				InitialInventory0:  "1000",
				InitialInventory1:  "1000",
				FeeTier:            0.003,
				Miners: []MinerConfig{
					{MinerID: "miner-1", Endpoint: "http://localhost:9001"},
				},
			},
		},
		System: SystemConfig{
			LogLevel:          "INFO",
			CancelOnExit:      true,
			HealthPort:        "8080",
			LiveGateSweepCron: "@every 1m",
		},
		Concurrency: ConcurrencyConfig{
			MinerPoolMaxWorkers:  10,
			MinerPoolMaxCapacity: 100,
			EventsPoolMaxWorkers: 5,
			MinerTransportRPS:    5,
			MinerTransportBurst:  10,
		},
	}
}
