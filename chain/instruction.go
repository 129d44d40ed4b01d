// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import "github.com/ava-labs/rollupcounter/codec"

// AccountMeta is one account an instruction touches.
type AccountMeta struct {
	Address  codec.Address
	Signer   bool
	Writable bool
}

func Writable(a codec.Address) AccountMeta {
	return AccountMeta{Address: a, Writable: true}
}

func Readonly(a codec.Address) AccountMeta {
	return AccountMeta{Address: a}
}

func WritableSigner(a codec.Address) AccountMeta {
	return AccountMeta{Address: a, Signer: true, Writable: true}
}

// Instruction is a single program invocation before it is compiled into a
// message.
type Instruction struct {
	Program  codec.Address
	Accounts []AccountMeta
	Data     []byte
}

// CompiledInstruction references accounts by their index in
// Message.AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}
