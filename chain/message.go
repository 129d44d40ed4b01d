// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"fmt"

	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
)

type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// Message is the signed portion of a transaction.
type Message struct {
	Header          MessageHeader
	AccountKeys     []codec.Address
	RecentBlockhash codec.Hash
	Instructions    []CompiledInstruction
}

// NewMessage compiles [ixs] into a message paid for by [payer].
//
// Account keys are ordered writable signers, readonly signers, writable
// non-signers, readonly non-signers, with the payer always first. Flags for an
// address that appears more than once are merged.
func NewMessage(payer codec.Address, blockhash codec.Hash, ixs ...Instruction) (*Message, error) {
	if payer.IsEmpty() {
		return nil, ErrMissingFeePayer
	}
	if len(ixs) == 0 {
		return nil, ErrNoInstructions
	}

	var (
		order = []codec.Address{payer}
		metas = map[codec.Address]*AccountMeta{
			payer: {Address: payer, Signer: true, Writable: true},
		}
	)
	add := func(m AccountMeta) {
		if existing, ok := metas[m.Address]; ok {
			existing.Signer = existing.Signer || m.Signer
			existing.Writable = existing.Writable || m.Writable
			return
		}
		cp := m
		metas[m.Address] = &cp
		order = append(order, m.Address)
	}
	for _, ix := range ixs {
		for _, acct := range ix.Accounts {
			add(acct)
		}
		add(Readonly(ix.Program))
	}

	var groups [4][]codec.Address
	for _, addr := range order {
		m := metas[addr]
		switch {
		case m.Signer && m.Writable:
			groups[0] = append(groups[0], addr)
		case m.Signer:
			groups[1] = append(groups[1], addr)
		case m.Writable:
			groups[2] = append(groups[2], addr)
		default:
			groups[3] = append(groups[3], addr)
		}
	}
	keys := make([]codec.Address, 0, len(order))
	for _, g := range groups {
		keys = append(keys, g...)
	}
	if len(keys) > int(consts.MaxUint8) {
		return nil, ErrTooManyAccounts
	}
	index := make(map[codec.Address]uint8, len(keys))
	for i, k := range keys {
		index[k] = uint8(i)
	}

	msg := &Message{
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(len(groups[0]) + len(groups[1])),
			NumReadonlySignedAccounts:   uint8(len(groups[1])),
			NumReadonlyUnsignedAccounts: uint8(len(groups[3])),
		},
		AccountKeys:     keys,
		RecentBlockhash: blockhash,
		Instructions:    make([]CompiledInstruction, len(ixs)),
	}
	for i, ix := range ixs {
		accts := make([]uint8, len(ix.Accounts))
		for j, acct := range ix.Accounts {
			accts[j] = index[acct.Address]
		}
		msg.Instructions[i] = CompiledInstruction{
			ProgramIDIndex: index[ix.Program],
			Accounts:       accts,
			Data:           ix.Data,
		}
	}
	return msg, nil
}

// FeePayer is the first account key.
func (m *Message) FeePayer() codec.Address {
	if len(m.AccountKeys) == 0 {
		return codec.EmptyAddress
	}
	return m.AccountKeys[0]
}

// Signers returns the keys whose signatures the message requires, in
// signature slot order.
func (m *Message) Signers() []codec.Address {
	return m.AccountKeys[:m.Header.NumRequiredSignatures]
}

func (m *Message) IsWritable(i int) bool {
	h := m.Header
	n := len(m.AccountKeys)
	if i < int(h.NumRequiredSignatures) {
		return i < int(h.NumRequiredSignatures-h.NumReadonlySignedAccounts)
	}
	return i < n-int(h.NumReadonlyUnsignedAccounts)
}

// Marshal serializes the message in the legacy wire format.
func (m *Message) Marshal() ([]byte, error) {
	if m.RecentBlockhash == codec.EmptyHash {
		return nil, ErrMissingBlockhash
	}
	b := make([]byte, 0, 256)
	b = append(b,
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySignedAccounts,
		m.Header.NumReadonlyUnsignedAccounts,
	)
	var err error
	if b, err = codec.AppendCompactU16(b, len(m.AccountKeys)); err != nil {
		return nil, err
	}
	for _, k := range m.AccountKeys {
		b = append(b, k[:]...)
	}
	b = append(b, m.RecentBlockhash[:]...)
	if b, err = codec.AppendCompactU16(b, len(m.Instructions)); err != nil {
		return nil, err
	}
	for _, ix := range m.Instructions {
		b = append(b, ix.ProgramIDIndex)
		if b, err = codec.AppendCompactU16(b, len(ix.Accounts)); err != nil {
			return nil, err
		}
		b = append(b, ix.Accounts...)
		if b, err = codec.AppendCompactU16(b, len(ix.Data)); err != nil {
			return nil, err
		}
		b = append(b, ix.Data...)
	}
	return b, nil
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) readByte() (byte, error) {
	if r.off >= len(r.b) {
		return 0, codec.ErrInsufficientLength
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.b) {
		return nil, codec.ErrInsufficientLength
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *reader) length() (int, error) {
	v, n, err := codec.ReadCompactU16(r.b[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += n
	return v, nil
}

// UnmarshalMessage parses a legacy message. Versioned messages (high bit of
// the first byte set) are rejected.
func UnmarshalMessage(b []byte) (*Message, error) {
	r := &reader{b: b}
	msg, err := readMessage(r)
	if err != nil {
		return nil, err
	}
	if r.off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidTransaction, len(b)-r.off)
	}
	return msg, nil
}

func readMessage(r *reader) (*Message, error) {
	hdr, err := r.readBytes(3)
	if err != nil {
		return nil, err
	}
	if hdr[0]&0x80 != 0 {
		return nil, fmt.Errorf("%w: versioned messages are not supported", ErrInvalidTransaction)
	}
	msg := &Message{
		Header: MessageHeader{
			NumRequiredSignatures:       hdr[0],
			NumReadonlySignedAccounts:   hdr[1],
			NumReadonlyUnsignedAccounts: hdr[2],
		},
	}
	n, err := r.length()
	if err != nil {
		return nil, err
	}
	if n < int(msg.Header.NumRequiredSignatures) {
		return nil, fmt.Errorf("%w: fewer keys than signers", ErrInvalidTransaction)
	}
	msg.AccountKeys = make([]codec.Address, n)
	for i := range msg.AccountKeys {
		k, err := r.readBytes(codec.AddressLen)
		if err != nil {
			return nil, err
		}
		copy(msg.AccountKeys[i][:], k)
	}
	bh, err := r.readBytes(consts.HashLen)
	if err != nil {
		return nil, err
	}
	copy(msg.RecentBlockhash[:], bh)

	n, err = r.length()
	if err != nil {
		return nil, err
	}
	msg.Instructions = make([]CompiledInstruction, n)
	for i := range msg.Instructions {
		pid, err := r.readByte()
		if err != nil {
			return nil, err
		}
		na, err := r.length()
		if err != nil {
			return nil, err
		}
		accts, err := r.readBytes(na)
		if err != nil {
			return nil, err
		}
		nd, err := r.length()
		if err != nil {
			return nil, err
		}
		data, err := r.readBytes(nd)
		if err != nil {
			return nil, err
		}
		msg.Instructions[i] = CompiledInstruction{
			ProgramIDIndex: pid,
			Accounts:       append([]uint8(nil), accts...),
			Data:           append([]byte(nil), data...),
		}
	}
	return msg, nil
}

// Program returns the program address invoked by compiled instruction [i].
func (m *Message) Program(i int) (codec.Address, error) {
	if i < 0 || i >= len(m.Instructions) {
		return codec.EmptyAddress, fmt.Errorf("%w: instruction %d out of range", ErrInvalidTransaction, i)
	}
	idx := int(m.Instructions[i].ProgramIDIndex)
	if idx >= len(m.AccountKeys) {
		return codec.EmptyAddress, fmt.Errorf("%w: program index %d out of range", ErrInvalidTransaction, idx)
	}
	return m.AccountKeys[idx], nil
}
