package minerregistry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveMiners_ReturnsRegisteredMiners(t *testing.T) {
	reg := NewStatic([]Entry{
		{JobID: "job-1", MinerID: "miner-a", Endpoint: "http://a"},
		{JobID: "job-1", MinerID: "miner-b", Endpoint: "http://b"},
		{JobID: "job-2", MinerID: "miner-c", Endpoint: "http://c"},
	})

	miners, err := reg.ActiveMiners(context.Background(), "job-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"miner-a", "miner-b"}, miners)
}

func TestActiveMiners_UnknownJob_ReturnsError(t *testing.T) {
	reg := NewStatic(nil)

	_, err := reg.ActiveMiners(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNoMinersRegistered))
}

func TestResolve_ReturnsEndpoint(t *testing.T) {
	reg := NewStatic([]Entry{{JobID: "job-1", MinerID: "miner-a", Endpoint: "http://a"}})

	endpoint, err := reg.Resolve("miner-a")
	require.NoError(t, err)
	assert.Equal(t, "http://a", endpoint)
}

func TestResolve_UnknownMiner_ReturnsError(t *testing.T) {
	reg := NewStatic(nil)

	_, err := reg.Resolve("missing")
	assert.Error(t, err)
}
