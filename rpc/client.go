// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"fmt"
	"strings"

	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/requester"
)

// Client issues request/response calls to one ledger endpoint.
type Client struct {
	requester  *requester.EndpointRequester
	commitment string
}

type ClientOption func(*Client)

// WithCommitment sets the commitment used for reads (default confirmed).
func WithCommitment(commitment string) ClientOption {
	return func(c *Client) {
		c.commitment = commitment
	}
}

// WithRequesterOptions forwards options to the underlying requester.
func WithRequesterOptions(opts ...requester.Option) ClientOption {
	return func(c *Client) {
		c.requester = requester.New(c.requester.URI(), Name, opts...)
	}
}

func NewClient(uri string, opts ...ClientOption) *Client {
	uri = strings.TrimSuffix(uri, "/")
	c := &Client{
		requester:  requester.New(uri, Name),
		commitment: consts.CommitmentConfirmed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) URI() string {
	return c.requester.URI()
}

func (c *Client) Commitment() string {
	return c.commitment
}

// LatestBlockhash returns the freshest ordering anchor and the slot it was
// observed at.
func (c *Client) LatestBlockhash(ctx context.Context) (*LatestBlockhashReply, error) {
	resp := new(LatestBlockhashReply)
	err := c.requester.SendRequest(
		ctx,
		MethodGetLatestBlockhash,
		[]interface{}{commitmentConfig{Commitment: c.commitment}},
		resp,
	)
	if err != nil {
		return nil, err
	}
	if resp.Value.Blockhash == codec.EmptyHash {
		return nil, fmt.Errorf("%w: empty blockhash", ErrUnexpectedReply)
	}
	return resp, nil
}

// AccountInfo fetches [addr]. A missing account is returned as a nil
// Account with no error.
func (c *Client) AccountInfo(ctx context.Context, addr codec.Address) (*Account, uint64, error) {
	resp := new(AccountInfoReply)
	err := c.requester.SendRequest(
		ctx,
		MethodGetAccountInfo,
		[]interface{}{
			addr.String(),
			accountConfig{Encoding: EncodingBase64, Commitment: c.commitment},
		},
		resp,
	)
	if err != nil {
		return nil, 0, err
	}
	if resp.Value == nil {
		return nil, resp.Context.Slot, nil
	}
	acct, err := resp.Value.Decode()
	if err != nil {
		return nil, resp.Context.Slot, err
	}
	return acct, resp.Context.Slot, nil
}

// SendTransaction submits a signed transaction and returns its id.
func (c *Client) SendTransaction(ctx context.Context, tx *chain.Transaction, opts SendOptions) (chain.Signature, error) {
	encoded, err := tx.Base64()
	if err != nil {
		return chain.EmptySignature, err
	}
	if opts.PreflightCommitment == "" {
		opts.PreflightCommitment = c.commitment
	}
	var sig chain.Signature
	err = c.requester.SendRequest(
		ctx,
		MethodSendTransaction,
		[]interface{}{encoded, sendConfig{Encoding: EncodingBase64, SendOptions: opts}},
		&sig,
	)
	return sig, err
}

// SignatureStatuses returns one entry per signature; unknown signatures are
// nil.
func (c *Client) SignatureStatuses(ctx context.Context, sigs ...chain.Signature) ([]*SignatureStatus, error) {
	strs := make([]string, len(sigs))
	for i, s := range sigs {
		strs[i] = s.String()
	}
	resp := new(SignatureStatusesReply)
	err := c.requester.SendRequest(
		ctx,
		MethodGetSignatureStatuses,
		[]interface{}{strs, statusConfig{SearchTransactionHistory: false}},
		resp,
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Value) != len(sigs) {
		return nil, fmt.Errorf("%w: %d statuses for %d signatures", ErrUnexpectedReply, len(resp.Value), len(sigs))
	}
	return resp.Value, nil
}

// Health returns nil when the node reports itself healthy.
func (c *Client) Health(ctx context.Context) error {
	var status string
	if err := c.requester.SendRequest(ctx, MethodGetHealth, nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("%w: health %q", ErrUnexpectedReply, status)
	}
	return nil
}

func (c *Client) Slot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.requester.SendRequest(
		ctx,
		MethodGetSlot,
		[]interface{}{commitmentConfig{Commitment: c.commitment}},
		&slot,
	)
	return slot, err
}
