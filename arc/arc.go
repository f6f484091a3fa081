// Package arc seals and validates Authenticated Received Chains
// (RFC 8617).
//
// An ARC set is the triple ARC-Authentication-Results, ARC-Message-Signature
// and ARC-Seal sharing an instance number. Each intermediary that modifies
// a message adds a set recording the authentication results it observed.
// Signing and key lookup reuse the dkim package.
package arc

import (
	"errors"
)

// Status is the outcome of chain validation.
type Status string

const (
	StatusNone Status = "none"
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// ChainValidationStatus is the cv= value of an ARC-Seal.
type ChainValidationStatus string

const (
	ChainValidationNone ChainValidationStatus = "none"
	ChainValidationPass ChainValidationStatus = "pass"
	ChainValidationFail ChainValidationStatus = "fail"
)

// MaxInstance is the highest instance number allowed.
const MaxInstance = 50

var (
	// ErrMalformedChain is wrapped by all structural chain errors.
	ErrMalformedChain = errors.New("arc: malformed chain")

	ErrMissingSet      = errors.New("arc: missing ARC set header")
	ErrDuplicateSet    = errors.New("arc: duplicate ARC set header")
	ErrGapInChain      = errors.New("arc: gap in instance numbers")
	ErrInvalidInstance = errors.New("arc: invalid instance number")
	ErrInstanceTooHigh = errors.New("arc: instance number exceeds 50")
	ErrSyntax          = errors.New("arc: syntax error")
	ErrMissingTag      = errors.New("arc: missing required tag")

	ErrChainValidationMismatch = errors.New("arc: cv= does not match chain position")
	ErrSealFailed              = errors.New("arc: seal verification failed")
	ErrMessageSignatureFailed  = errors.New("arc: message signature verification failed")
	ErrBodyHashMismatch        = errors.New("arc: body hash mismatch")
	ErrNoKey                   = errors.New("arc: no key configured")
)

// Result is the outcome of validating the chain of a message.
type Result struct {
	Status Status
	Chain  *Chain

	// FailedInstance is the instance where validation failed, 0 if none.
	FailedInstance int
	Err            error
}

// ChainValidation returns the cv= value a new seal should carry.
func (r Result) ChainValidation() ChainValidationStatus {
	switch r.Status {
	case StatusPass:
		return ChainValidationPass
	case StatusNone:
		return ChainValidationNone
	}
	return ChainValidationFail
}

// Malformed reports whether the chain could not be parsed at all.
func (r Result) Malformed() bool {
	return errors.Is(r.Err, ErrMalformedChain)
}
