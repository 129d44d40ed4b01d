// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package txerr classifies failures of ledger actions so callers can decide
// whether retrying with a fresh anchor makes sense.
package txerr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	Transport Kind = iota + 1
	Build
	SignatureDeclined
	SubmissionRejected
	ExecutionFailed
	ConfirmationTimeout
	Decode
)

var (
	ErrTransport           = errors.New("transport error")
	ErrBuild               = errors.New("build error")
	ErrSignatureDeclined   = errors.New("signature declined")
	ErrSubmissionRejected  = errors.New("submission rejected")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrDecode              = errors.New("decode error")
)

var sentinels = map[Kind]error{
	Transport:           ErrTransport,
	Build:               ErrBuild,
	SignatureDeclined:   ErrSignatureDeclined,
	SubmissionRejected:  ErrSubmissionRejected,
	ExecutionFailed:     ErrExecutionFailed,
	ConfirmationTimeout: ErrConfirmationTimeout,
	Decode:              ErrDecode,
}

func (k Kind) String() string {
	switch k {
	case Transport:
		return "TransportError"
	case Build:
		return "BuildError"
	case SignatureDeclined:
		return "SignatureDeclined"
	case SubmissionRejected:
		return "SubmissionRejected"
	case ExecutionFailed:
		return "ExecutionFailed"
	case ConfirmationTimeout:
		return "ConfirmationTimeout"
	case Decode:
		return "DecodeError"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error is a classified failure. Cause is the human-readable explanation;
// Err is the underlying error, if any.
type Error struct {
	Kind  Kind
	Cause string
	Err   error
}

func New(kind Kind, cause string, err error) *Error {
	return &Error{Kind: kind, Cause: cause, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Ambiguous() {
		msg += " (ambiguous)"
	}
	if e.Cause != "" {
		msg += ": " + e.Cause
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// Ambiguous reports whether the action may or may not have taken effect.
func (e *Error) Ambiguous() bool {
	return e.Kind == ConfirmationTimeout
}

// Retryable reports whether resubmitting with a fresh anchor is sensible.
// Only transport failures qualify. A rejection is final, and an ambiguous
// outcome may still land.
func (e *Error) Retryable() bool {
	return e.Kind == Transport
}

// KindOf returns the kind of the first *Error in [err]'s chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsAmbiguous reports whether [err] carries an ambiguous outcome.
func IsAmbiguous(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Ambiguous()
}
