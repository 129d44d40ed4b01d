// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ava-labs/rollupcounter/client"
	"github.com/ava-labs/rollupcounter/crank"
	"github.com/ava-labs/rollupcounter/delegation"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/pipeline"
	"github.com/ava-labs/rollupcounter/txerr"
	"github.com/ava-labs/rollupcounter/utils"
)

type txResponse struct {
	Ledger    string `json:"ledger"`
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Latency   string `json:"latency"`
	Phase     string `json:"phase"`
	// SyncPending is set when the transaction confirmed but the target
	// ledger had not shown its effect yet.
	SyncPending bool `json:"syncPending,omitempty"`
}

func newTxResponse(res *pipeline.Result, phase delegation.Phase) txResponse {
	return txResponse{
		Ledger:    res.Ledger.String(),
		Signature: res.Signature.String(),
		Slot:      res.Slot,
		Latency:   utils.Millis(res.Latency),
		Phase:     phase.String(),
	}
}

func (r txResponse) String() string {
	s := fmt.Sprintf("%s confirmed on %s at slot %d in %s, phase %s", r.Signature, r.Ledger, r.Slot, r.Latency, r.Phase)
	if r.SyncPending {
		s += " (not yet visible, run status later)"
	}
	return s
}

// runTx opens a session, runs [f] and prints its result.
func runTx(cmd *cobra.Command, f func(context.Context, *client.Session) (*pipeline.Result, error)) error {
	s, cleanup, err := openSession(cmd, false)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	res, err := f(ctx, s)
	if res != nil && (err == nil || errors.Is(err, delegation.ErrSyncPending)) {
		resp := newTxResponse(res, s.Machine.Phase())
		resp.SyncPending = err != nil
		return printValue(cmd, resp)
	}
	if txerr.IsAmbiguous(err) {
		utils.Errf("{{yellow}}the transaction may still land; run status before retrying{{/}}\n")
	}
	return err
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the counter on the base ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTx(cmd, func(ctx context.Context, s *client.Session) (*pipeline.Result, error) {
			return s.Machine.Initialize(ctx)
		})
	},
}

var delegateCmd = &cobra.Command{
	Use:   "delegate",
	Short: "Hand the counter to the rollup",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTx(cmd, func(ctx context.Context, s *client.Session) (*pipeline.Result, error) {
			return s.Machine.Delegate(ctx)
		})
	},
}

var undelegateCmd = &cobra.Command{
	Use:   "undelegate",
	Short: "Commit the counter back to the base ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runTx(cmd, func(ctx context.Context, s *client.Session) (*pipeline.Result, error) {
			return s.Machine.Undelegate(ctx)
		})
	},
}

var incrementCmd = &cobra.Command{
	Use:   "increment",
	Short: "Increment the counter on the ledger that currently owns it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		raw, err := cmd.Flags().GetString("ledger")
		if err != nil {
			return err
		}
		return runTx(cmd, func(ctx context.Context, s *client.Session) (*pipeline.Result, error) {
			id, err := pickLedger(raw, s.Machine.Phase())
			if err != nil {
				return nil, err
			}
			return s.Machine.Increment(ctx, id)
		})
	},
}

// pickLedger parses [raw], defaulting to the ledger [phase] allows
// mutating.
func pickLedger(raw string, phase delegation.Phase) (ledger.ID, error) {
	if raw != "" {
		return ledger.Parse(raw)
	}
	id, ok := phase.Mutable()
	if !ok {
		return 0, fmt.Errorf("%w: %s", delegation.ErrInFlight, phase)
	}
	return id, nil
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Ask the rollup to increment the counter on its own",
	RunE: func(cmd *cobra.Command, _ []string) error {
		interval, err := cmd.Flags().GetDuration("interval")
		if err != nil {
			return err
		}
		iterations, err := cmd.Flags().GetUint64("iterations")
		if err != nil {
			return err
		}
		taskID, err := cmd.Flags().GetUint64("task-id")
		if err != nil {
			return err
		}
		var schedule crank.Schedule
		err = runTx(cmd, func(ctx context.Context, s *client.Session) (*pipeline.Result, error) {
			if err := s.Machine.CanMutate(ledger.Rollup); err != nil {
				return nil, err
			}
			var res *pipeline.Result
			schedule, res, err = s.Crank.RequestAutonomousExecution(ctx, ledger.Rollup, crank.Schedule{
				TaskID:     taskID,
				Interval:   interval,
				Iterations: iterations,
			})
			return res, err
		})
		if err == nil {
			utils.Outf("{{green}}task %d{{/}} every %s, %d times\n", schedule.TaskID, schedule.Interval, schedule.Iterations)
		}
		return err
	},
}

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Submit increments from this client, one after another",
	RunE: func(cmd *cobra.Command, _ []string) error {
		count, err := cmd.Flags().GetInt("count")
		if err != nil {
			return err
		}
		spacing, err := cmd.Flags().GetDuration("spacing")
		if err != nil {
			return err
		}
		raw, err := cmd.Flags().GetString("ledger")
		if err != nil {
			return err
		}

		s, cleanup, err := openSession(cmd, false)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := pickLedger(raw, s.Machine.Phase())
		if err != nil {
			return err
		}
		if err := s.Machine.CanMutate(id); err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		report, err := s.Crank.DriveRepeatedExecution(ctx, id, count, spacing)
		if err != nil {
			return err
		}
		if err := printValue(cmd, newDriveResponse(report)); err != nil {
			return err
		}
		if report.Succeeded() == 0 {
			return report.Err()
		}
		return nil
	},
}

type attemptResponse struct {
	Index     int    `json:"index"`
	Signature string `json:"signature,omitempty"`
	Latency   string `json:"latency,omitempty"`
	Error     string `json:"error,omitempty"`
}

type driveResponse struct {
	Ledger    string            `json:"ledger"`
	Batched   bool              `json:"batched"`
	Succeeded int               `json:"succeeded"`
	Attempts  []attemptResponse `json:"attempts"`
}

func newDriveResponse(r *crank.DriveReport) driveResponse {
	resp := driveResponse{
		Ledger:    r.Ledger.String(),
		Batched:   r.Batched,
		Succeeded: r.Succeeded(),
	}
	for _, a := range r.Attempts {
		ar := attemptResponse{Index: a.Index}
		if a.Err != nil {
			ar.Error = a.Err.Error()
		} else if a.Result != nil {
			ar.Signature = a.Result.Signature.String()
			ar.Latency = utils.Millis(a.Result.Latency)
		}
		resp.Attempts = append(resp.Attempts, ar)
	}
	return resp
}

func (r driveResponse) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d succeeded on %s (batched=%t)\n", r.Succeeded, len(r.Attempts), r.Ledger, r.Batched)
	for _, a := range r.Attempts {
		if a.Error != "" {
			fmt.Fprintf(&b, "  #%d failed: %s\n", a.Index+1, a.Error)
			continue
		}
		fmt.Fprintf(&b, "  #%d %s %s\n", a.Index+1, a.Signature, a.Latency)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func init() {
	incrementCmd.Flags().String("ledger", "", "Ledger to increment on (defaults to the one owning the counter)")

	scheduleCmd.Flags().Duration("interval", time.Second, "Time between increments")
	scheduleCmd.Flags().Uint64("iterations", 10, "Number of increments")
	scheduleCmd.Flags().Uint64("task-id", 0, "Task id (minted when zero)")

	driveCmd.Flags().Int("count", 10, "Number of increments")
	driveCmd.Flags().Duration("spacing", 500*time.Millisecond, "Time between submissions")
	driveCmd.Flags().String("ledger", "", "Ledger to increment on (defaults to the one owning the counter)")
}
