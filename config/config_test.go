// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/rollupcounter/blockhash"
	"github.com/ava-labs/rollupcounter/ledger"
)

func TestDefaultIsValid(t *testing.T) {
	require := require.New(t)
	c := Default()
	require.NoError(c.Validate())
	require.Equal("ws://localhost:7800", c.Ledger(ledger.Rollup).WS)
	require.Equal(30*time.Second, c.Base.PollInterval)
	require.Equal(time.Second, c.Rollup.PollInterval)
}

func TestLoad(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(os.WriteFile(path, []byte(`
rollup:
  rpc: https://devnet.example.org
  ws: wss://devnet.example.org
  pollInterval: 500ms
  blockhash:
    ttl: 20s
    margin: 1s
pipeline:
  confirmTimeout: 10s
unreachableThreshold: 5
`), 0o600))

	t.Setenv("ROLLUPCOUNTER_BASE_RPC", "http://base.example.org:8899")
	t.Setenv("ROLLUPCOUNTER_BASE_WS", "ws://base.example.org:8900")
	t.Setenv("ROLLUPCOUNTER_UNREACHABLE_THRESHOLD", "7")

	c, err := Load(path)
	require.NoError(err)
	require.Equal("https://devnet.example.org", c.Rollup.RPC)
	require.Equal(500*time.Millisecond, c.Rollup.PollInterval)
	require.Equal(blockhash.Window{TTL: 20 * time.Second, Margin: time.Second}, c.Rollup.Blockhash)
	require.Equal(10*time.Second, c.Pipeline.ConfirmTimeout)
	// Untouched fields keep their defaults.
	require.Equal(Default().Pipeline.PollInterval, c.Pipeline.PollInterval)

	// Environment wins over the file.
	require.Equal("http://base.example.org:8899", c.Base.RPC)
	require.Equal(7, c.UnreachableThreshold)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "bogus: 1\n"},
		{"bad scheme", "base:\n  rpc: ftp://localhost\n"},
		{"margin exceeds ttl", "rollup:\n  blockhash:\n    ttl: 1s\n    margin: 2s\n"},
		{"bad commitment", "commitment: eventually\n"},
		{"bad program", "program: not-base58-0OIl\n"},
		{"bad threshold", "unreachableThreshold: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestSetEndpoint(t *testing.T) {
	require := require.New(t)
	c := Default()
	require.NoError(c.SetEndpoint(ledger.Rollup, "https://er.example.org:7799", ""))
	require.Equal("wss://er.example.org:7800", c.Rollup.WS)
	require.Equal(Default().Base, c.Base)
	require.NoError(c.Validate())
}
