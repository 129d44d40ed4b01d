// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ava-labs/rollupcounter/codec"
)

type Context struct {
	Slot uint64 `json:"slot"`
}

type BlockhashValue struct {
	Blockhash            codec.Hash `json:"blockhash"`
	LastValidBlockHeight uint64     `json:"lastValidBlockHeight"`
}

type LatestBlockhashReply struct {
	Context Context        `json:"context"`
	Value   BlockhashValue `json:"value"`
}

// AccountValue is the JSON shape of an account with base64 data.
type AccountValue struct {
	Data       []string      `json:"data"`
	Executable bool          `json:"executable"`
	Lamports   uint64        `json:"lamports"`
	Owner      codec.Address `json:"owner"`
	RentEpoch  uint64        `json:"rentEpoch"`
	Space      uint64        `json:"space"`
}

// Account is a decoded account.
type Account struct {
	Owner      codec.Address
	Lamports   uint64
	Data       []byte
	Executable bool
}

// Decode converts the wire shape into an Account.
func (v *AccountValue) Decode() (*Account, error) {
	if len(v.Data) != 2 || v.Data[1] != EncodingBase64 {
		return nil, fmt.Errorf("%w: unexpected data encoding %v", ErrDecode, v.Data)
	}
	data, err := base64.StdEncoding.DecodeString(v.Data[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &Account{
		Owner:      v.Owner,
		Lamports:   v.Lamports,
		Data:       data,
		Executable: v.Executable,
	}, nil
}

// EncodeAccount is the inverse of Decode.
func EncodeAccount(a *Account) *AccountValue {
	return &AccountValue{
		Data:       []string{base64.StdEncoding.EncodeToString(a.Data), EncodingBase64},
		Executable: a.Executable,
		Lamports:   a.Lamports,
		Owner:      a.Owner,
		Space:      uint64(len(a.Data)),
	}
}

type AccountInfoReply struct {
	Context Context       `json:"context"`
	Value   *AccountValue `json:"value"`
}

type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the ledger recorded an execution error.
func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

type SignatureStatusesReply struct {
	Context Context            `json:"context"`
	Value   []*SignatureStatus `json:"value"`
}

type SendOptions struct {
	SkipPreflight       bool   `json:"skipPreflight"`
	PreflightCommitment string `json:"preflightCommitment,omitempty"`
	MaxRetries          *uint  `json:"maxRetries,omitempty"`
}

type sendConfig struct {
	Encoding string `json:"encoding"`
	SendOptions
}

type commitmentConfig struct {
	Commitment string `json:"commitment,omitempty"`
}

type accountConfig struct {
	Encoding   string `json:"encoding"`
	Commitment string `json:"commitment,omitempty"`
}

type statusConfig struct {
	SearchTransactionHistory bool `json:"searchTransactionHistory"`
}

// AccountNotification is one push update for a subscribed account. Account
// is nil when the account no longer exists. Err is set when the payload
// could not be decoded; callers should fall back to a fetch.
type AccountNotification struct {
	Slot    uint64
	Account *Account
	Err     error
}
