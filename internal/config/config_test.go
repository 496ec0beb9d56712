package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "wallet_name: ${TEST_WALLET_NAME}",
			envVars: map[string]string{
				"TEST_WALLET_NAME": "validator-1",
			},
			expected: "wallet_name: validator-1",
		},
		{
			name:  "expand multiple env vars",
			input: "wallet_name: ${WALLET}\ndatabase_url: ${DB_URL}",
			envVars: map[string]string{
				"WALLET": "cold",
				"DB_URL": "postgres://x",
			},
			expected: "wallet_name: cold\ndatabase_url: postgres://x",
		},
		{
			name:     "missing env var returns empty string",
			input:    "wallet_name: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "wallet_name: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  wallet_name: "validator"
  wallet_hotkey: "default"
  network_name: "test"
  netuid: 7
  dry_run: true
  miner_timeout: 60s
  reputation_path: "./reputation.db"
  events_source_dsn: "${TEST_EVENTS_DSN}"

jobs:
  - job_id: "job-1"
    pair_address: "1111111111111111111111111111111111111111"
    vault_address: "2222222222222222222222222222222222222222"
    chain_id: 1
    round_duration: 15m
    checkpoint_interval: 150
    max_il: 0.1
    min_tick_width: 10
    max_rebalances: 4
    active: true
    block_time_seconds: 12
    initial_inventory_0: "1000"
    initial_inventory_1: "1000"
    fee_tier: 0.003
    miners:
      - miner_id: "miner-1"
        endpoint: "http://localhost:9001"

system:
  log_level: "INFO"
  cancel_on_exit: true
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_EVENTS_DSN", "./events.db")
	defer os.Unsetenv("TEST_EVENTS_DSN")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, "./events.db", cfg.App.EventsSourceDSN)
	assert.Len(t, cfg.Jobs, 1)
	assert.Equal(t, "job-1", cfg.Jobs[0].JobID)
}

func TestValidate_RequiresAtLeastOneJob(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jobs = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs")
}

func TestValidate_RejectsDuplicateJobID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jobs = append(cfg.Jobs, cfg.Jobs[0])

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate job_id")
}

func TestValidate_RequiresDatabaseURLUnlessDryRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.DryRun = false
	cfg.App.DatabaseURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestActiveJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jobs = append(cfg.Jobs, JobConfig{JobID: "job-2", Active: false})

	active := cfg.ActiveJobs()
	require.Len(t, active, 1)
	assert.Equal(t, "job-1", active[0].JobID)
}
