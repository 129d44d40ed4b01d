// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package program

import (
	"crypto/sha256"
	"fmt"

	"github.com/near/borsh-go"

	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
)

// Role is a named account slot of an instruction.
type Role struct {
	Name     string
	Signer   bool
	Writable bool
	// Payer roles default to the fee payer when left unset.
	Payer bool
}

// Call is an instruction invocation before it has a fee payer: the
// instruction name, borsh-encoded arguments and the accounts filling each
// role.
type Call struct {
	Name     string
	Program  codec.Address
	Roles    []Role
	Accounts map[string]codec.Address
	Args     interface{}
	// Extra instructions appended after the call (e.g. a memo nonce).
	Extra []chain.Instruction
}

// Set assigns [addr] to role [name] and returns c for chaining.
func (c *Call) Set(name string, addr codec.Address) *Call {
	if c.Accounts == nil {
		c.Accounts = make(map[string]codec.Address, len(c.Roles))
	}
	c.Accounts[name] = addr
	return c
}

// WithMemo appends a memo instruction carrying [text].
func (c *Call) WithMemo(text string) *Call {
	c.Extra = append(c.Extra, Memo(text))
	return c
}

// Clone returns a copy safe to modify independently.
func (c *Call) Clone() *Call {
	cp := *c
	cp.Accounts = make(map[string]codec.Address, len(c.Accounts))
	for k, v := range c.Accounts {
		cp.Accounts[k] = v
	}
	cp.Extra = append([]chain.Instruction(nil), c.Extra...)
	return &cp
}

// Instructions resolves every role and encodes the call data. Payer roles
// that were not set explicitly take [payer].
func (c *Call) Instructions(payer codec.Address) ([]chain.Instruction, error) {
	if c.Program.IsEmpty() {
		return nil, fmt.Errorf("%w: %s has no program", ErrMissingAccount, c.Name)
	}
	metas := make([]chain.AccountMeta, 0, len(c.Roles))
	for _, r := range c.Roles {
		addr, ok := c.Accounts[r.Name]
		if (!ok || addr.IsEmpty()) && r.Payer {
			addr, ok = payer, !payer.IsEmpty()
		}
		if !ok || addr.IsEmpty() {
			return nil, fmt.Errorf("%w: %s.%s", ErrMissingAccount, c.Name, r.Name)
		}
		metas = append(metas, chain.AccountMeta{
			Address:  addr,
			Signer:   r.Signer,
			Writable: r.Writable,
		})
	}
	data, err := c.Data()
	if err != nil {
		return nil, err
	}
	ixs := make([]chain.Instruction, 0, 1+len(c.Extra))
	ixs = append(ixs, chain.Instruction{
		Program:  c.Program,
		Accounts: metas,
		Data:     data,
	})
	return append(ixs, c.Extra...), nil
}

// Data returns discriminator || borsh(args).
func (c *Call) Data() ([]byte, error) {
	disc := InstructionDiscriminator(c.Name)
	if c.Args == nil {
		return disc[:], nil
	}
	args, err := borsh.Serialize(c.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArgs, c.Name, err)
	}
	return append(disc[:], args...), nil
}

type Discriminator [consts.DiscriminatorLen]byte

// InstructionDiscriminator is the first 8 bytes of sha256("global:<name>").
func InstructionDiscriminator(name string) Discriminator {
	return discriminator("global:" + name)
}

// AccountDiscriminator is the first 8 bytes of sha256("account:<Type>").
func AccountDiscriminator(typeName string) Discriminator {
	return discriminator("account:" + typeName)
}

func discriminator(preimage string) Discriminator {
	h := sha256.Sum256([]byte(preimage))
	var d Discriminator
	copy(d[:], h[:consts.DiscriminatorLen])
	return d
}

// Memo builds a memo instruction with no signer accounts.
func Memo(text string) chain.Instruction {
	return chain.Instruction{
		Program: memoProgram,
		Data:    []byte(text),
	}
}
