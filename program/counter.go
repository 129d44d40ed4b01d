// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package program

import (
	"fmt"

	"github.com/near/borsh-go"

	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
)

const (
	InitializeName        = "initialize"
	IncrementName         = "increment"
	DelegateName          = "delegate"
	UndelegateName        = "undelegate"
	ScheduleIncrementName = "schedule_increment"

	CounterAccountName = "Counter"

	// CounterAccountLen is discriminator + u64 count.
	CounterAccountLen = consts.DiscriminatorLen + consts.Uint64Len
)

var (
	systemProgram     = codec.MustParseAddress(consts.SystemProgram)
	memoProgram       = codec.MustParseAddress(consts.MemoProgram)
	delegationProgram = codec.MustParseAddress(consts.DelegationProgram)
	magicProgram      = codec.MustParseAddress(consts.MagicProgram)
	magicContext      = codec.MustParseAddress(consts.MagicContext)

	counterDiscriminator = AccountDiscriminator(CounterAccountName)
)

// DelegationProgram owns a delegated account on the base ledger.
func DelegationProgram() codec.Address { return delegationProgram }

// Counter is the on-chain account layout after the discriminator.
type Counter struct {
	Count uint64
}

// ScheduleIncrementArgs asks the rollup to invoke increment every
// ExecutionIntervalMillis for Iterations times.
type ScheduleIncrementArgs struct {
	TaskID                  uint64
	ExecutionIntervalMillis uint64
	Iterations              uint64
}

// Addresses are the program-derived accounts the counter calls touch.
type Addresses struct {
	Counter            codec.Address
	Buffer             codec.Address
	DelegationRecord   codec.Address
	DelegationMetadata codec.Address
}

// CounterProgram builds calls against one deployment of the counter
// program.
type CounterProgram struct {
	id    codec.Address
	addrs Addresses
}

// New derives every address the calls need. It is meant to be called once
// per session.
func New(id codec.Address) (*CounterProgram, error) {
	counter, _, err := codec.FindProgramAddress([][]byte{[]byte(consts.CounterSeed)}, id)
	if err != nil {
		return nil, fmt.Errorf("deriving counter address: %w", err)
	}
	buffer, _, err := codec.FindProgramAddress([][]byte{[]byte(consts.BufferSeed), counter[:]}, id)
	if err != nil {
		return nil, fmt.Errorf("deriving buffer address: %w", err)
	}
	record, _, err := codec.FindProgramAddress(
		[][]byte{[]byte(consts.DelegationRecordSeed), counter[:]},
		delegationProgram,
	)
	if err != nil {
		return nil, fmt.Errorf("deriving delegation record address: %w", err)
	}
	metadata, _, err := codec.FindProgramAddress(
		[][]byte{[]byte(consts.DelegationMetadataSeed), counter[:]},
		delegationProgram,
	)
	if err != nil {
		return nil, fmt.Errorf("deriving delegation metadata address: %w", err)
	}
	return &CounterProgram{
		id: id,
		addrs: Addresses{
			Counter:            counter,
			Buffer:             buffer,
			DelegationRecord:   record,
			DelegationMetadata: metadata,
		},
	}, nil
}

func (p *CounterProgram) ID() codec.Address { return p.id }

func (p *CounterProgram) Addresses() Addresses { return p.addrs }

// CounterAddress is the resource address tracked on both ledgers.
func (p *CounterProgram) CounterAddress() codec.Address { return p.addrs.Counter }

func (p *CounterProgram) Initialize() *Call {
	c := &Call{
		Name:    InitializeName,
		Program: p.id,
		Roles: []Role{
			{Name: "counter", Writable: true},
			{Name: "user", Signer: true, Writable: true, Payer: true},
			{Name: "system_program"},
		},
	}
	return c.Set("counter", p.addrs.Counter).Set("system_program", systemProgram)
}

func (p *CounterProgram) Increment() *Call {
	c := &Call{
		Name:    IncrementName,
		Program: p.id,
		Roles:   []Role{{Name: "counter", Writable: true}},
	}
	return c.Set("counter", p.addrs.Counter)
}

func (p *CounterProgram) Delegate() *Call {
	c := &Call{
		Name:    DelegateName,
		Program: p.id,
		Roles: []Role{
			{Name: "payer", Signer: true, Writable: true, Payer: true},
			{Name: "buffer_pda", Writable: true},
			{Name: "delegation_record_pda", Writable: true},
			{Name: "delegation_metadata_pda", Writable: true},
			{Name: "pda", Writable: true},
			{Name: "owner_program"},
			{Name: "delegation_program"},
			{Name: "system_program"},
		},
	}
	return c.
		Set("buffer_pda", p.addrs.Buffer).
		Set("delegation_record_pda", p.addrs.DelegationRecord).
		Set("delegation_metadata_pda", p.addrs.DelegationMetadata).
		Set("pda", p.addrs.Counter).
		Set("owner_program", p.id).
		Set("delegation_program", delegationProgram).
		Set("system_program", systemProgram)
}

func (p *CounterProgram) Undelegate() *Call {
	c := &Call{
		Name:    UndelegateName,
		Program: p.id,
		Roles: []Role{
			{Name: "payer", Signer: true, Writable: true, Payer: true},
			{Name: "counter", Writable: true},
			{Name: "magic_program"},
			{Name: "magic_context", Writable: true},
		},
	}
	return c.
		Set("counter", p.addrs.Counter).
		Set("magic_program", magicProgram).
		Set("magic_context", magicContext)
}

func (p *CounterProgram) ScheduleIncrement(args ScheduleIncrementArgs) *Call {
	c := &Call{
		Name:    ScheduleIncrementName,
		Program: p.id,
		Roles: []Role{
			{Name: "magic_program"},
			{Name: "payer", Signer: true, Writable: true, Payer: true},
			{Name: "counter", Writable: true},
			{Name: "program"},
		},
		Args: args,
	}
	return c.
		Set("magic_program", magicProgram).
		Set("counter", p.addrs.Counter).
		Set("program", p.id)
}

// DecodeCounter returns the count stored in a counter account payload.
func DecodeCounter(data []byte) (uint64, error) {
	if len(data) < CounterAccountLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidAccountData, len(data))
	}
	if Discriminator(data[:consts.DiscriminatorLen]) != counterDiscriminator {
		return 0, fmt.Errorf("%w: %w", ErrInvalidAccountData, ErrWrongDiscriminator)
	}
	var c Counter
	if err := borsh.Deserialize(&c, data[consts.DiscriminatorLen:CounterAccountLen]); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidAccountData, err)
	}
	return c.Count, nil
}

// EncodeCounter is the inverse of DecodeCounter.
func EncodeCounter(count uint64) []byte {
	// Serializing a fixed-size struct of a single uint64 cannot fail.
	body, _ := borsh.Serialize(Counter{Count: count})
	return append(counterDiscriminator[:], body...)
}
