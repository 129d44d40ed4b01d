// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/spf13/cobra"

	"github.com/ava-labs/rollupcounter/auth"
	"github.com/ava-labs/rollupcounter/cli"
	"github.com/ava-labs/rollupcounter/cli/prompt"
	"github.com/ava-labs/rollupcounter/client"
	"github.com/ava-labs/rollupcounter/config"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/crypto/ed25519"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/utils"
)

const (
	logsFolder    = "logs"
	logMaxSizeMB  = 8
	logMaxFiles   = 5
	logMaxAgeDays = 7
)

var errNoKeypair = errors.New("no keypair: pass --keypair or run `key generate`")

// loadConfig reads the config file and environment, then applies the
// endpoints saved with `endpoint set`.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := getConfigValue(cmd, "config", false)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, id := range ledger.All {
		rpc, _ := getConfigValue(cmd, endpointKey(id.String(), "rpc"), false)
		if rpc == "" {
			continue
		}
		ws, _ := getConfigValue(cmd, endpointKey(id.String(), "ws"), false)
		if err := cfg.SetEndpoint(id, rpc, ws); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// loadSigner reads the configured keypair. Read-only commands get a
// throwaway key since they never sign.
func loadSigner(cmd *cobra.Command, readOnly bool) (auth.Signer, error) {
	path, err := getConfigValue(cmd, keypairKey, false)
	if err != nil {
		return nil, err
	}
	var priv ed25519.PrivateKey
	switch {
	case path != "":
		priv, err = ed25519.LoadKeypair(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load keypair: %w", err)
		}
	case readOnly:
		priv, err = ed25519.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
	default:
		return nil, errNoKeypair
	}

	var signer auth.Signer = auth.NewKeypair(priv)
	confirm, err := cmd.Flags().GetBool("confirm")
	if err != nil {
		return nil, err
	}
	if confirm {
		signer = auth.WithApproval(signer, prompt.Approve)
	}
	return signer, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) (logging.Logger, func(), error) {
	fileLevel, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	displayLevel := fileLevel
	if raw, _ := cmd.Flags().GetString("log-level"); raw != "" {
		displayLevel, err = logging.ToLevel(raw)
		if err != nil {
			return nil, nil, err
		}
	}
	dir, err := utils.InitSubDirectory(settingsDir, logsFolder)
	if err != nil {
		return nil, nil, err
	}
	factory := cli.NewLogFactory(logging.Config{
		RotatingWriterConfig: logging.RotatingWriterConfig{
			MaxSize:   logMaxSizeMB,
			MaxFiles:  logMaxFiles,
			MaxAge:    logMaxAgeDays,
			Directory: dir,
		},
		LogLevel:     fileLevel,
		DisplayLevel: displayLevel,
		LogFormat:    logging.JSON,
	})
	log, err := factory.Make(consts.Name)
	if err != nil {
		factory.Close()
		return nil, nil, err
	}
	return log, factory.Close, nil
}

// openSession builds and starts a session. The returned cleanup must run
// even when the command fails.
func openSession(cmd *cobra.Command, readOnly bool) (*client.Session, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	signer, err := loadSigner(cmd, readOnly)
	if err != nil {
		return nil, nil, err
	}
	log, closeLog, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	s, err := client.New(log, cfg, signer)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	cleanup := func() {
		_ = s.Close()
		closeLog()
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return s, cleanup, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil || timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(cmd.Context(), timeout)
}
