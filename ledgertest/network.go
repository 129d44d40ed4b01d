// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledgertest

import (
	"fmt"
	"sync"

	"github.com/near/borsh-go"

	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/program"
	"github.com/ava-labs/rollupcounter/rpc"
)

const counterLamports = 1_447_680

var (
	initializeDisc = program.InstructionDiscriminator(program.InitializeName)
	incrementDisc  = program.InstructionDiscriminator(program.IncrementName)
	delegateDisc   = program.InstructionDiscriminator(program.DelegateName)
	undelegateDisc = program.InstructionDiscriminator(program.UndelegateName)
	scheduleDisc   = program.InstructionDiscriminator(program.ScheduleIncrementName)
)

// Network couples a base and a rollup ledger and executes the counter
// program against them: delegation moves the counter's ownership between
// the two.
type Network struct {
	Base    *Ledger
	Rollup  *Ledger
	Program *program.CounterProgram

	// Serializes execution so cross-ledger effects apply atomically.
	mu    sync.Mutex
	tasks []program.ScheduleIncrementArgs
}

func NewNetwork(prog *program.CounterProgram) *Network {
	n := &Network{
		Base:    New(),
		Rollup:  New(),
		Program: prog,
	}
	n.Base.SetSendHandler(n.Handler(ledger.Base))
	n.Rollup.SetSendHandler(n.Handler(ledger.Rollup))
	return n
}

func (n *Network) Close() {
	n.Base.Close()
	n.Rollup.Close()
}

func (n *Network) Ledger(id ledger.ID) *Ledger {
	if id == ledger.Rollup {
		return n.Rollup
	}
	return n.Base
}

// Handler executes transactions submitted to [id].
func (n *Network) Handler(id ledger.ID) SendHandler {
	return func(tx *chain.Transaction) Outcome {
		if err := n.Execute(id, tx); err != nil {
			return Outcome{ExecErr: err.Error()}
		}
		return Outcome{}
	}
}

// Tasks returns every schedule the rollup accepted.
func (n *Network) Tasks() []program.ScheduleIncrementArgs {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]program.ScheduleIncrementArgs(nil), n.tasks...)
}

// Count returns the counter value on [id], or false when absent.
func (n *Network) Count(id ledger.ID) (uint64, bool) {
	acct := n.Ledger(id).Account(n.Program.CounterAddress())
	if acct == nil {
		return 0, false
	}
	count, err := program.DecodeCounter(acct.Data)
	return count, err == nil
}

// SetCounter writes the counter account on [id] directly.
func (n *Network) SetCounter(id ledger.ID, owner codec.Address, count uint64) uint64 {
	return n.Ledger(id).SetAccount(n.Program.CounterAddress(), &rpc.Account{
		Owner:    owner,
		Lamports: counterLamports,
		Data:     program.EncodeCounter(count),
	})
}

// Execute applies every counter program instruction in [tx] to the
// ledger [id]. Instructions for other programs are ignored.
func (n *Network) Execute(id ledger.ID, tx *chain.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	msg := tx.Message
	for i, ix := range msg.Instructions {
		prog, err := msg.Program(i)
		if err != nil {
			return err
		}
		if prog != n.Program.ID() || len(ix.Data) < consts.DiscriminatorLen {
			continue
		}
		var disc program.Discriminator
		copy(disc[:], ix.Data)
		if err := n.apply(id, disc, ix.Data[consts.DiscriminatorLen:]); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	return nil
}

func (n *Network) apply(id ledger.ID, disc program.Discriminator, args []byte) error {
	var (
		counter = n.Program.CounterAddress()
		self    = n.Program.ID()
		l       = n.Ledger(id)
		acct    = l.Account(counter)
	)
	switch disc {
	case initializeDisc:
		if id != ledger.Base {
			return fmt.Errorf("initialize on %s", id)
		}
		if acct != nil {
			return fmt.Errorf("account %s already in use", counter)
		}
		n.SetCounter(ledger.Base, self, 0)
		return nil

	case incrementDisc:
		count, err := n.owned(acct)
		if err != nil {
			return err
		}
		n.SetCounter(id, self, count+1)
		return nil

	case delegateDisc:
		if id != ledger.Base {
			return fmt.Errorf("delegate on %s", id)
		}
		count, err := n.owned(acct)
		if err != nil {
			return err
		}
		n.SetCounter(ledger.Base, program.DelegationProgram(), count)
		n.SetCounter(ledger.Rollup, self, count)
		return nil

	case undelegateDisc:
		if id != ledger.Rollup {
			return fmt.Errorf("undelegate on %s", id)
		}
		count, err := n.owned(acct)
		if err != nil {
			return err
		}
		n.Rollup.SetAccount(counter, nil)
		n.SetCounter(ledger.Base, self, count)
		return nil

	case scheduleDisc:
		if id != ledger.Rollup {
			return fmt.Errorf("schedule on %s", id)
		}
		var task program.ScheduleIncrementArgs
		if err := borsh.Deserialize(&task, args); err != nil {
			return fmt.Errorf("invalid schedule args: %w", err)
		}
		if task.Iterations == 0 || task.ExecutionIntervalMillis == 0 {
			return fmt.Errorf("invalid schedule %+v", task)
		}
		for _, t := range n.tasks {
			if t.TaskID == task.TaskID {
				return fmt.Errorf("task %d already scheduled", task.TaskID)
			}
		}
		count, err := n.owned(acct)
		if err != nil {
			return err
		}
		n.tasks = append(n.tasks, task)
		// The crank fires every iteration at once here.
		n.SetCounter(ledger.Rollup, self, count+task.Iterations)
		return nil

	default:
		return fmt.Errorf("unknown instruction %x", disc[:])
	}
}

func (n *Network) owned(acct *rpc.Account) (uint64, error) {
	if acct == nil {
		return 0, fmt.Errorf("account %s not found", n.Program.CounterAddress())
	}
	if acct.Owner != n.Program.ID() {
		return 0, fmt.Errorf("account owned by %s", acct.Owner)
	}
	return program.DecodeCounter(acct.Data)
}
