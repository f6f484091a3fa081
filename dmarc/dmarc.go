// Package dmarc looks up DMARC policies (RFC 7489) and evaluates identifier
// alignment of SPF and DKIM results against the RFC5322.From domain.
//
// Record parsing is done by go-msgauth; this package adds DNS lookup with
// organizational domain fallback and the alignment rules.
package dmarc

import (
	"errors"

	"github.com/emersion/go-msgauth/dmarc"
)

var (
	ErrNoRecord          = errors.New("dmarc: no DMARC DNS record found")
	ErrMultipleRecords   = errors.New("dmarc: multiple DMARC DNS records found")
	ErrSyntax            = errors.New("dmarc: malformed DMARC DNS record")
	ErrDNS               = errors.New("dmarc: DNS lookup error")
	ErrNoFromHeader      = errors.New("dmarc: no From header in message")
	ErrInvalidFromHeader = errors.New("dmarc: invalid From header")
)

type (
	Record        = dmarc.Record
	Policy        = dmarc.Policy
	AlignmentMode = dmarc.AlignmentMode
)

const (
	PolicyNone       = dmarc.PolicyNone
	PolicyQuarantine = dmarc.PolicyQuarantine
	PolicyReject     = dmarc.PolicyReject

	AlignmentStrict  = dmarc.AlignmentStrict
	AlignmentRelaxed = dmarc.AlignmentRelaxed
)

// Status is the DMARC result as used in Authentication-Results.
type Status string

const (
	StatusNone      Status = "none"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Result is the outcome of DMARC evaluation for one message.
type Result struct {
	// Reject is set when the message failed and the effective policy is
	// not none.
	Reject bool
	Status Status

	AlignedSPFPass  bool
	AlignedDKIMPass bool

	// Domain is where the record was found, possibly the organizational
	// domain of the From domain.
	Domain string
	Record *Record

	RecordAuthentic bool
	Err             error
}

// EffectivePolicy returns the policy that applies to the From domain.
// sp= applies when the record was found at the organizational domain.
func EffectivePolicy(r *Record, subdomain bool) Policy {
	if subdomain && r.SubdomainPolicy != "" {
		return r.SubdomainPolicy
	}
	return r.Policy
}
