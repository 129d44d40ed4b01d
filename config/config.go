// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/ava-labs/rollupcounter/blockhash"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/crank"
	"github.com/ava-labs/rollupcounter/delegation"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/pipeline"
	"github.com/ava-labs/rollupcounter/trace"
)

// EnvPrefix prefixes every environment override, e.g.
// ROLLUPCOUNTER_ROLLUP_RPC.
const EnvPrefix = "ROLLUPCOUNTER"

var ErrInvalidConfig = errors.New("invalid config")

// Ledger configures one ledger.
type Ledger struct {
	RPC string `yaml:"rpc" split_words:"true"`
	WS  string `yaml:"ws"  split_words:"true"`

	// PollInterval is how often the counter is re-fetched while push
	// updates may be missing.
	PollInterval time.Duration    `yaml:"pollInterval" split_words:"true"`
	Blockhash    blockhash.Window `yaml:"blockhash"    split_words:"true"`
}

func (l Ledger) Endpoint() ledger.Endpoint {
	return ledger.Endpoint{RPC: l.RPC, WS: l.WS}
}

// Config is read from YAML and then from the environment. Environment keys
// are EnvPrefix followed by the field path in upper snake case.
type Config struct {
	Base   Ledger `yaml:"base"   split_words:"true"`
	Rollup Ledger `yaml:"rollup" split_words:"true"`

	// Program is the counter program id (base58).
	Program    string `yaml:"program"    split_words:"true"`
	Commitment string `yaml:"commitment" split_words:"true"`

	ProbeTimeout         time.Duration `yaml:"probeTimeout"         split_words:"true"`
	UnreachableThreshold int           `yaml:"unreachableThreshold" split_words:"true"`

	Pipeline   pipeline.Config   `yaml:"pipeline"   split_words:"true"`
	Delegation delegation.Config `yaml:"delegation" split_words:"true"`
	Crank      crank.Config      `yaml:"crank"      split_words:"true"`
	Trace      trace.Config      `yaml:"trace"      split_words:"true"`

	LogLevel string `yaml:"logLevel" split_words:"true"`
}

func Default() *Config {
	return &Config{
		Base: Ledger{
			RPC:          "http://localhost:8899",
			WS:           "ws://localhost:8900",
			PollInterval: 30 * time.Second,
			Blockhash:    blockhash.Window{TTL: 60 * time.Second, Margin: 5 * time.Second},
		},
		Rollup: Ledger{
			RPC:          "http://localhost:7799",
			WS:           "ws://localhost:7800",
			PollInterval: time.Second,
			Blockhash:    blockhash.Window{TTL: 30 * time.Second, Margin: 2 * time.Second},
		},
		Program:              consts.DefaultCounterProgram,
		Commitment:           consts.CommitmentConfirmed,
		ProbeTimeout:         5 * time.Second,
		UnreachableThreshold: 3,
		Pipeline:             pipeline.DefaultConfig(),
		Delegation:           delegation.Config{SyncTimeout: delegation.DefaultSyncTimeout},
		Crank:                crank.Config{ConfirmEstimate: crank.DefaultConfirmEstimate},
		Trace:                trace.DefaultConfig(),
		LogLevel:             logging.Info.String(),
	}
}

// Load reads [path] over the defaults, when set, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, c); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Ledger(id ledger.ID) Ledger {
	if id == ledger.Rollup {
		return c.Rollup
	}
	return c.Base
}

// SetEndpoint points [id] at [rpc], deriving the websocket URL when [ws]
// is empty.
func (c *Config) SetEndpoint(id ledger.ID, rpc, ws string) error {
	if ws == "" {
		var err error
		ws, err = ledger.DeriveWS(rpc)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	l := c.Ledger(id)
	l.RPC, l.WS = rpc, ws
	if id == ledger.Rollup {
		c.Rollup = l
	} else {
		c.Base = l
	}
	return nil
}

func (c *Config) ProgramID() (codec.Address, error) {
	return codec.ParseAddress(c.Program)
}

func (c *Config) Level() (logging.Level, error) {
	return logging.ToLevel(c.LogLevel)
}

func (c *Config) Validate() error {
	for _, id := range ledger.All {
		l := c.Ledger(id)
		if err := l.Endpoint().Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, id, err)
		}
		if l.PollInterval <= 0 {
			return fmt.Errorf("%w: %s: poll interval must be positive", ErrInvalidConfig, id)
		}
		if err := l.Blockhash.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, id, err)
		}
	}
	if _, err := c.ProgramID(); err != nil {
		return fmt.Errorf("%w: program: %w", ErrInvalidConfig, err)
	}
	switch c.Commitment {
	case consts.CommitmentProcessed, consts.CommitmentConfirmed, consts.CommitmentFinalized:
	default:
		return fmt.Errorf("%w: unknown commitment %q", ErrInvalidConfig, c.Commitment)
	}
	if c.UnreachableThreshold <= 0 {
		return fmt.Errorf("%w: unreachable threshold must be positive", ErrInvalidConfig)
	}
	if c.ProbeTimeout <= 0 || c.Pipeline.ConfirmTimeout <= 0 || c.Pipeline.PollInterval <= 0 || c.Delegation.SyncTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
