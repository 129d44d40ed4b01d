// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crank asks the rollup to run increments on its own schedule, and
// falls back to driving them from the client when that is not available.
package crank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/raulk/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ava-labs/rollupcounter/auth"
	"github.com/ava-labs/rollupcounter/blockhash"
	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/pipeline"
	"github.com/ava-labs/rollupcounter/program"
	"github.com/ava-labs/rollupcounter/txerr"
)

const (
	DefaultConfirmEstimate = time.Second

	// taskSeqBits low bits of a task id count ids minted in the same
	// millisecond.
	taskSeqBits = 12
	taskSeqMask = 1<<taskSeqBits - 1
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidDrive    = errors.New("invalid drive")
)

// Pipeline is the part of the transaction pipeline the crank uses.
type Pipeline interface {
	Submit(ctx context.Context, id ledger.ID, call *program.Call, signer auth.Signer, opts pipeline.Options) (*pipeline.Result, error)
	Prepare(ctx context.Context, id ledger.ID, call *program.Call, payer codec.Address, anchor *blockhash.Anchor) (*chain.Transaction, error)
	SignBatch(ctx context.Context, txs []*chain.Transaction, signer auth.Signer) error
	SendSigned(ctx context.Context, id ledger.ID, tx *chain.Transaction, opts pipeline.Options) (*pipeline.Result, error)
}

// Guard decides whether an increment on a ledger is allowed right now.
type Guard interface {
	CanMutate(id ledger.ID) error
}

// Anchors exposes the cached anchor and how long it stays usable.
type Anchors interface {
	Get(ctx context.Context, id ledger.ID) (*blockhash.Anchor, error)
	Remaining(id ledger.ID) time.Duration
}

type Config struct {
	// ConfirmEstimate is how long one drive submission is expected to take
	// when deciding whether one anchor can serve a whole batch.
	ConfirmEstimate time.Duration `yaml:"confirmEstimate" json:"confirmEstimate"`
}

// Schedule asks the rollup to increment [Iterations] times, every
// [Interval].
type Schedule struct {
	TaskID     uint64
	Interval   time.Duration
	Iterations uint64
}

func (s Schedule) Validate() error {
	switch {
	case s.Iterations == 0:
		return fmt.Errorf("%w: iterations must be positive", ErrInvalidSchedule)
	case s.Interval < time.Millisecond:
		return fmt.Errorf("%w: interval %s below 1ms", ErrInvalidSchedule, s.Interval)
	case s.TaskID == 0:
		return fmt.Errorf("%w: missing task id", ErrInvalidSchedule)
	}
	return nil
}

type Client struct {
	log      logging.Logger
	config   Config
	program  *program.CounterProgram
	pipeline Pipeline
	anchors  Anchors
	guard    Guard
	signer   auth.Signer
	clock    clock.Clock

	seq *atomic.Uint64
}

type Option func(*Client)

func WithClock(c clock.Clock) Option {
	return func(cl *Client) {
		cl.clock = c
	}
}

func New(
	log logging.Logger,
	config Config,
	prog *program.CounterProgram,
	p Pipeline,
	anchors Anchors,
	guard Guard,
	signer auth.Signer,
	opts ...Option,
) *Client {
	if config.ConfirmEstimate <= 0 {
		config.ConfirmEstimate = DefaultConfirmEstimate
	}
	c := &Client{
		log:      log,
		config:   config,
		program:  prog,
		pipeline: p,
		anchors:  anchors,
		guard:    guard,
		signer:   signer,
		clock:    clock.New(),
		seq:      atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewTaskID mints an id from the current time and a
// process-wide sequence, so ids from one client never collide and ids from
// different runs are unlikely to.
func (c *Client) NewTaskID() uint64 {
	ticks := uint64(c.clock.Now().UnixNano() / int64(consts.TaskIDResolution))
	return ticks<<taskSeqBits | (c.seq.Inc() & taskSeqMask)
}

// RequestAutonomousExecution submits one schedule on [id]. Once confirmed
// the schedule is not tracked further. A zero task id is replaced with a
// fresh one; the id used is returned in the schedule.
func (c *Client) RequestAutonomousExecution(ctx context.Context, id ledger.ID, s Schedule) (Schedule, *pipeline.Result, error) {
	if s.TaskID == 0 {
		s.TaskID = c.NewTaskID()
	}
	if err := s.Validate(); err != nil {
		return s, nil, txerr.New(txerr.Build, program.ScheduleIncrementName, err)
	}
	if err := c.guard.CanMutate(id); err != nil {
		return s, nil, err
	}
	call := c.program.ScheduleIncrement(program.ScheduleIncrementArgs{
		TaskID:                  s.TaskID,
		ExecutionIntervalMillis: uint64(s.Interval / time.Millisecond),
		Iterations:              s.Iterations,
	})
	res, err := c.pipeline.Submit(ctx, id, call, c.signer, pipeline.Options{})
	if err != nil {
		return s, nil, err
	}
	c.log.Info("scheduled increments",
		zap.Stringer("ledger", id),
		zap.Uint64("taskID", s.TaskID),
		zap.Duration("interval", s.Interval),
		zap.Uint64("iterations", s.Iterations),
		zap.Stringer("signature", res.Signature),
	)
	return s, res, nil
}

// Attempt is the outcome of one driven increment.
type Attempt struct {
	Index  int
	Result *pipeline.Result
	Err    error
}

// DriveReport lists every attempt of a drive in order.
type DriveReport struct {
	Ledger ledger.ID
	// Batched is set when every attempt shared one anchor and one signing.
	// It is cleared if the anchor ran out before the drive did.
	Batched  bool
	Attempts []Attempt
}

func (r *DriveReport) Succeeded() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Err == nil {
			n++
		}
	}
	return n
}

// Err combines the errors of every failed attempt.
func (r *DriveReport) Err() error {
	var err error
	for _, a := range r.Attempts {
		if a.Err != nil {
			err = multierr.Append(err, fmt.Errorf("attempt %d: %w", a.Index, a.Err))
		}
	}
	return err
}

// DriveRepeatedExecution submits [count] increments on [id], [spacing]
// apart. Each attempt is checked against the guard first. A failed or
// refused attempt is recorded and the drive continues. The returned error is
// only set when the drive could not run at all.
func (c *Client) DriveRepeatedExecution(ctx context.Context, id ledger.ID, count int, spacing time.Duration) (*DriveReport, error) {
	if count <= 0 || spacing < 0 {
		return nil, fmt.Errorf("%w: count=%d spacing=%s", ErrInvalidDrive, count, spacing)
	}
	report := &DriveReport{Ledger: id}
	nonce := c.NewTaskID()

	var (
		txs    []*chain.Transaction
		anchor *blockhash.Anchor
	)
	// Nothing is signed for a drive the guard already refuses.
	if c.guard.CanMutate(id) == nil {
		var err error
		txs, anchor, err = c.prepareBatch(ctx, id, nonce, count, spacing)
		if err != nil {
			// A declined batch is not retried one signature at a time.
			for i := 0; i < count; i++ {
				report.Attempts = append(report.Attempts, Attempt{Index: i, Err: err})
			}
			return report, nil
		}
	}
	report.Batched = txs != nil

	for i := 0; i < count; i++ {
		if i > 0 && !c.sleep(ctx, spacing) {
			for ; i < count; i++ {
				report.Attempts = append(report.Attempts, Attempt{Index: i, Err: ctx.Err()})
			}
			break
		}
		if err := c.guard.CanMutate(id); err != nil {
			report.Attempts = append(report.Attempts, Attempt{Index: i, Err: err})
			c.log.Warn("driven increment refused",
				zap.Stringer("ledger", id),
				zap.Int("attempt", i),
				zap.Error(err),
			)
			continue
		}
		if txs != nil && !c.covers(anchor) {
			c.log.Info("batch anchor ran out, anchoring attempts separately",
				zap.Stringer("ledger", id),
				zap.Int("attempt", i),
				zap.Time("expiry", anchor.Expiry),
			)
			txs, anchor = nil, nil
			report.Batched = false
		}
		var (
			res *pipeline.Result
			err error
		)
		if txs != nil {
			res, err = c.pipeline.SendSigned(ctx, id, txs[i], pipeline.Options{Anchor: anchor})
		} else {
			res, err = c.pipeline.Submit(ctx, id, c.driveCall(nonce, i, count), c.signer, pipeline.Options{})
		}
		report.Attempts = append(report.Attempts, Attempt{Index: i, Result: res, Err: err})
		if err != nil {
			c.log.Warn("driven increment failed",
				zap.Stringer("ledger", id),
				zap.Int("attempt", i),
				zap.Error(err),
			)
		}
	}
	c.log.Info("drive finished",
		zap.Stringer("ledger", id),
		zap.Int("count", count),
		zap.Int("succeeded", report.Succeeded()),
		zap.Bool("batched", report.Batched),
	)
	return report, nil
}

// prepareBatch builds and signs every transaction of a drive against one
// anchor when that anchor outlives the whole drive. It returns no
// transactions when the drive should anchor each attempt separately, and an
// error only when the signer declined the batch.
func (c *Client) prepareBatch(
	ctx context.Context,
	id ledger.ID,
	nonce uint64,
	count int,
	spacing time.Duration,
) ([]*chain.Transaction, *blockhash.Anchor, error) {
	anchor, err := c.anchors.Get(ctx, id)
	if err != nil {
		c.log.Debug("no anchor for batch", zap.Stringer("ledger", id), zap.Error(err))
		return nil, nil, nil
	}
	duration := time.Duration(count-1)*spacing + time.Duration(count)*c.config.ConfirmEstimate
	if c.anchors.Remaining(id) < duration {
		c.log.Debug("anchor does not cover batch",
			zap.Stringer("ledger", id),
			zap.Duration("remaining", c.anchors.Remaining(id)),
			zap.Duration("batch", duration),
		)
		return nil, nil, nil
	}

	txs := make([]*chain.Transaction, count)
	for i := range txs {
		txs[i], err = c.pipeline.Prepare(ctx, id, c.driveCall(nonce, i, count), c.signer.Address(), anchor)
		if err != nil {
			c.log.Debug("failed to prepare batch", zap.Error(err))
			return nil, nil, nil
		}
	}
	if err := c.pipeline.SignBatch(ctx, txs, c.signer); err != nil {
		if errors.Is(err, txerr.ErrSignatureDeclined) {
			return nil, nil, err
		}
		c.log.Debug("failed to sign batch", zap.Error(err))
		return nil, nil, nil
	}
	return txs, anchor, nil
}

// covers reports whether [a] is still valid for one more submission.
func (c *Client) covers(a *blockhash.Anchor) bool {
	return c.clock.Now().Add(c.config.ConfirmEstimate).Before(a.Expiry)
}

// driveCall is an increment made unique within and across drives by a memo,
// since attempts may share an anchor.
func (c *Client) driveCall(nonce uint64, i, count int) *program.Call {
	return c.program.Increment().WithMemo(fmt.Sprintf("%s %d %d/%d", consts.Name, nonce, i+1, count))
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	if d == 0 {
		return ctx.Err() == nil
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
