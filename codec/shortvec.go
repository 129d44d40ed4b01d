// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import "github.com/ava-labs/rollupcounter/consts"

// AppendCompactU16 appends [v] using the 1-3 byte little-endian base-128
// encoding ledgers use for array lengths in transactions.
func AppendCompactU16(dst []byte, v int) ([]byte, error) {
	if v < 0 || v > int(consts.MaxUint16) {
		return dst, ErrTooManyItems
	}
	rem := uint16(v)
	for {
		elem := uint8(rem & 0x7f)
		rem >>= 7
		if rem == 0 {
			return append(dst, elem), nil
		}
		dst = append(dst, elem|0x80)
	}
}

// ReadCompactU16 decodes a compact-u16 from the front of [b] and returns
// the value and the number of bytes consumed.
func ReadCompactU16(b []byte) (int, int, error) {
	var v int
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, ErrInsufficientLength
		}
		elem := int(b[i])
		v |= (elem & 0x7f) << (7 * i)
		if elem&0x80 == 0 {
			if v > int(consts.MaxUint16) {
				return 0, 0, ErrTooManyItems
			}
			return v, i + 1, nil
		}
	}
	return 0, 0, ErrTooManyItems
}
