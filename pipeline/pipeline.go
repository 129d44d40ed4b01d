// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pipeline turns a program call into a confirmed ledger
// transaction: build, anchor, sign, submit, confirm. Each step fails with a
// distinct txerr kind and nothing is retried implicitly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ava-labs/avalanchego/trace"
	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ava-labs/rollupcounter/auth"
	"github.com/ava-labs/rollupcounter/blockhash"
	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/program"
	"github.com/ava-labs/rollupcounter/requester"
	"github.com/ava-labs/rollupcounter/rpc"
	"github.com/ava-labs/rollupcounter/txerr"

	oteltrace "go.opentelemetry.io/otel/trace"
)

var (
	ErrUnknownLedger = errors.New("no client for ledger")
	ErrAnchorExpired = errors.New("anchor expired")
)

// Client is the slice of the ledger RPC the pipeline needs.
type Client interface {
	SendTransaction(ctx context.Context, tx *chain.Transaction, opts rpc.SendOptions) (chain.Signature, error)
	SignatureStatuses(ctx context.Context, sigs ...chain.Signature) ([]*rpc.SignatureStatus, error)
}

// Anchors hands out ordering anchors. The pipeline only reads it, apart
// from dropping an anchor the ledger no longer recognizes.
type Anchors interface {
	Get(ctx context.Context, id ledger.ID) (*blockhash.Anchor, error)
	Invalidate(id ledger.ID)
}

type Config struct {
	ConfirmTimeout time.Duration `yaml:"confirmTimeout" json:"confirmTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval" json:"pollInterval"`
	Commitment     string        `yaml:"commitment" json:"commitment"`
	SkipPreflight  bool          `yaml:"skipPreflight" json:"skipPreflight"`
}

func DefaultConfig() Config {
	return Config{
		ConfirmTimeout: 30 * time.Second,
		PollInterval:   400 * time.Millisecond,
		Commitment:     consts.CommitmentConfirmed,
	}
}

// Options adjust a single submission.
type Options struct {
	// ConfirmTimeout overrides Config.ConfirmTimeout when positive.
	ConfirmTimeout time.Duration
	// Anchor pins the blockhash instead of reading the cache. Building
	// ignores an expired anchor; SendSigned refuses to submit under one.
	Anchor *blockhash.Anchor
}

// Result describes a confirmed transaction.
type Result struct {
	Ledger    ledger.ID
	Signature chain.Signature
	Slot      uint64
	Latency   time.Duration
}

type Pipeline struct {
	log     logging.Logger
	tracer  trace.Tracer
	clock   clock.Clock
	metrics *metrics
	config  Config

	anchors Anchors
	clients map[ledger.ID]Client
}

func New(
	log logging.Logger,
	tracer trace.Tracer,
	registerer prometheus.Registerer,
	config Config,
	anchors Anchors,
	clients map[ledger.ID]Client,
	opts ...Option,
) (*Pipeline, error) {
	m, err := newMetrics(registerer)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		log:     log,
		tracer:  tracer,
		clock:   clock.New(),
		metrics: m,
		config:  config,
		anchors: anchors,
		clients: clients,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type Option func(*Pipeline)

// WithClock sets the clock anchor expiry is judged against. It should be
// the blockhash cache's clock.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// Submit runs every step for [call] on [id].
func (p *Pipeline) Submit(
	ctx context.Context,
	id ledger.ID,
	call *program.Call,
	signer auth.Signer,
	opts Options,
) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Submit",
		oteltrace.WithAttributes(
			attribute.String("ledger", id.String()),
			attribute.String("call", call.Name),
		),
	)
	defer span.End()

	tx, err := p.Prepare(ctx, id, call, signer.Address(), opts.Anchor)
	if err != nil {
		return nil, p.fail(id, err)
	}
	if err := p.Sign(ctx, tx, signer); err != nil {
		return nil, p.fail(id, err)
	}
	if opts.Anchor != nil && opts.Anchor.Blockhash != tx.Message.RecentBlockhash {
		// Prepare replaced the pinned anchor with a fresh one.
		opts.Anchor = nil
	}
	return p.SendSigned(ctx, id, tx, opts)
}

// Prepare builds an unsigned transaction for [call] paid by [payer].
func (p *Pipeline) Prepare(
	ctx context.Context,
	id ledger.ID,
	call *program.Call,
	payer codec.Address,
	anchor *blockhash.Anchor,
) (*chain.Transaction, error) {
	ixs, err := call.Instructions(payer)
	if err != nil {
		return nil, txerr.New(txerr.Build, call.Name, err)
	}
	return p.PrepareInstructions(ctx, id, payer, anchor, ixs...)
}

// PrepareInstructions attaches an anchor to [ixs] and compiles them.
func (p *Pipeline) PrepareInstructions(
	ctx context.Context,
	id ledger.ID,
	payer codec.Address,
	anchor *blockhash.Anchor,
	ixs ...chain.Instruction,
) (*chain.Transaction, error) {
	if _, ok := p.clients[id]; !ok {
		return nil, txerr.New(txerr.Build, id.String(), ErrUnknownLedger)
	}
	if anchor == nil || anchor.Ledger != id || !p.clock.Now().Before(anchor.Expiry) {
		var err error
		anchor, err = p.anchors.Get(ctx, id)
		if err != nil {
			return nil, txerr.New(txerr.Transport, "fetch blockhash", err)
		}
	}
	msg, err := chain.NewMessage(payer, anchor.Blockhash, ixs...)
	if err != nil {
		return nil, txerr.New(txerr.Build, "compile message", err)
	}
	tx, err := chain.NewTransaction(msg)
	if err != nil {
		return nil, txerr.New(txerr.Build, "encode message", err)
	}
	if _, err := tx.Bytes(); err != nil {
		return nil, txerr.New(txerr.Build, "encode transaction", err)
	}
	return tx, nil
}

// Sign asks [signer] to authorize [tx] and checks what it returned.
func (p *Pipeline) Sign(ctx context.Context, tx *chain.Transaction, signer auth.Signer) error {
	_, span := p.tracer.Start(ctx, "Pipeline.Sign")
	defer span.End()

	if err := signer.Sign(ctx, tx); err != nil {
		return txerr.New(txerr.SignatureDeclined, signer.Address().String(), err)
	}
	if err := auth.Verify(tx, signer.Address()); err != nil {
		return txerr.New(txerr.SignatureDeclined, "signer returned an invalid signature", err)
	}
	return nil
}

// SignBatch is Sign for many transactions with one signer interaction.
func (p *Pipeline) SignBatch(ctx context.Context, txs []*chain.Transaction, signer auth.Signer) error {
	_, span := p.tracer.Start(ctx, "Pipeline.SignBatch",
		oteltrace.WithAttributes(attribute.Int("count", len(txs))),
	)
	defer span.End()

	if err := signer.SignBatch(ctx, txs); err != nil {
		return txerr.New(txerr.SignatureDeclined, signer.Address().String(), err)
	}
	for i, tx := range txs {
		if err := auth.Verify(tx, signer.Address()); err != nil {
			return txerr.New(txerr.SignatureDeclined, fmt.Sprintf("tx %d", i), err)
		}
	}
	return nil
}

// SendSigned submits [tx] and waits, bounded, for its confirmation. Once
// the transaction is handed to the ledger, cancelling [ctx] abandons the
// wait and yields an ambiguous ConfirmationTimeout.
func (p *Pipeline) SendSigned(ctx context.Context, id ledger.ID, tx *chain.Transaction, opts Options) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.SendSigned",
		oteltrace.WithAttributes(attribute.String("ledger", id.String())),
	)
	defer span.End()

	cli, ok := p.clients[id]
	if !ok {
		return nil, p.fail(id, txerr.New(txerr.Build, id.String(), ErrUnknownLedger))
	}
	if a := opts.Anchor; a != nil && !p.clock.Now().Before(a.Expiry) {
		return nil, p.fail(id, txerr.New(
			txerr.Build,
			fmt.Sprintf("blockhash %s on %s", a.Blockhash, id),
			ErrAnchorExpired,
		))
	}
	start := time.Now()
	sig, err := cli.SendTransaction(ctx, tx, rpc.SendOptions{
		SkipPreflight:       p.config.SkipPreflight,
		PreflightCommitment: p.config.Commitment,
	})
	if err != nil {
		if rpcErr, ok := requester.IsRemoteError(err); ok {
			if strings.Contains(rpcErr.Message, "Blockhash not found") {
				p.anchors.Invalidate(id)
			}
			return nil, p.fail(id, txerr.New(txerr.SubmissionRejected, rpcErr.Message, err))
		}
		return nil, p.fail(id, txerr.New(txerr.Transport, "send transaction", err))
	}
	if sig != tx.ID() {
		p.log.Warn("ledger returned unexpected signature",
			zap.Stringer("ledger", id),
			zap.Stringer("expected", tx.ID()),
			zap.Stringer("got", sig),
		)
		sig = tx.ID()
	}
	p.metrics.submitted.WithLabelValues(id.String()).Inc()
	span.SetAttributes(attribute.String("signature", sig.String()))

	timeout := p.config.ConfirmTimeout
	if opts.ConfirmTimeout > 0 {
		timeout = opts.ConfirmTimeout
	}
	status, err := p.awaitConfirmation(ctx, cli, id, sig, timeout)
	if err != nil {
		return nil, p.fail(id, err)
	}
	if status.Failed() {
		return nil, p.fail(id, txerr.New(txerr.ExecutionFailed, string(status.Err), nil))
	}

	latency := time.Since(start)
	p.metrics.confirmed.WithLabelValues(id.String()).Inc()
	p.metrics.confirmLatency.Observe(float64(latency))
	p.log.Info("transaction confirmed",
		zap.Stringer("ledger", id),
		zap.Stringer("signature", sig),
		zap.Uint64("slot", status.Slot),
		zap.Duration("latency", latency),
	)
	return &Result{
		Ledger:    id,
		Signature: sig,
		Slot:      status.Slot,
		Latency:   latency,
	}, nil
}

func (p *Pipeline) awaitConfirmation(
	ctx context.Context,
	cli Client,
	id ledger.ID,
	sig chain.Signature,
	timeout time.Duration,
) (*rpc.SignatureStatus, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		statuses, err := cli.SignatureStatuses(ctx, sig)
		switch {
		case err != nil:
			p.log.Debug("failed to poll signature status",
				zap.Stringer("ledger", id),
				zap.Stringer("signature", sig),
				zap.Error(err),
			)
		case len(statuses) == 1 && statuses[0] != nil && reached(statuses[0], p.config.Commitment):
			return statuses[0], nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return nil, txerr.New(
				txerr.ConfirmationTimeout,
				fmt.Sprintf("%s not confirmed on %s within %s", sig, id, timeout),
				nil,
			)
		case <-ctx.Done():
			return nil, txerr.New(
				txerr.ConfirmationTimeout,
				fmt.Sprintf("abandoned wait for %s on %s", sig, id),
				ctx.Err(),
			)
		}
	}
}

var commitmentLevels = map[string]int{
	consts.CommitmentProcessed: 1,
	consts.CommitmentConfirmed: 2,
	consts.CommitmentFinalized: 3,
}

// reached reports whether [s] is at least as final as [want]. A failed
// transaction is final as soon as it is reported.
func reached(s *rpc.SignatureStatus, want string) bool {
	if s.Failed() {
		return true
	}
	return commitmentLevels[s.ConfirmationStatus] >= commitmentLevels[want]
}

func (p *Pipeline) fail(id ledger.ID, err error) error {
	kind, _ := txerr.KindOf(err)
	p.metrics.failures.WithLabelValues(id.String(), kind.String()).Inc()
	p.log.Warn("transaction failed",
		zap.Stringer("ledger", id),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	return err
}
