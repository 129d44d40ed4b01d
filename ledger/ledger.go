// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrUnknownLedger   = errors.New("unknown ledger")
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// ID names one of the two ledgers the client talks to.
type ID uint8

const (
	// Base is the permanent ledger where the counter lives by default.
	Base ID = iota
	// Rollup is the ephemeral ledger the counter can be delegated to.
	Rollup
)

// All lists every ledger in a stable order.
var All = []ID{Base, Rollup}

func (id ID) String() string {
	switch id {
	case Base:
		return "base"
	case Rollup:
		return "rollup"
	default:
		return fmt.Sprintf("ledger(%d)", uint8(id))
	}
}

func (id ID) Valid() bool {
	return id == Base || id == Rollup
}

// Other returns the opposite ledger.
func (id ID) Other() ID {
	if id == Base {
		return Rollup
	}
	return Base
}

// Parse converts a ledger name ("base" or "rollup") into an ID.
func Parse(s string) (ID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "solana", "l1":
		return Base, nil
	case "rollup", "ephemeral", "er":
		return Rollup, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownLedger, s)
	}
}

func (id ID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLedger, uint8(id))
	}
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Endpoint holds the two transport targets of a ledger: one for
// request/response calls and one for push subscriptions.
type Endpoint struct {
	RPC string `json:"rpc" yaml:"rpc"`
	WS  string `json:"ws"  yaml:"ws"`
}

// Validate checks that both URLs parse with the expected schemes.
func (e Endpoint) Validate() error {
	if err := checkURL(e.RPC, "http", "https"); err != nil {
		return fmt.Errorf("%w: rpc: %w", ErrInvalidEndpoint, err)
	}
	if err := checkURL(e.WS, "ws", "wss"); err != nil {
		return fmt.Errorf("%w: ws: %w", ErrInvalidEndpoint, err)
	}
	return nil
}

// DeriveWS returns the conventional websocket URL for an RPC URL: same host,
// ws scheme and port + 1.
func DeriveWS(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if port := u.Port(); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
			return "", err
		}
		u.Host = fmt.Sprintf("%s:%d", u.Hostname(), p+1)
	}
	return u.String(), nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("unexpected scheme %q in %q", u.Scheme, raw)
}
