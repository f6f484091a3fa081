package auth

import (
	"github.com/emersion/go-msgauth/authres"

	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/dmarc"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/spf"
)

// Outcome is the final decision for a message.
type Outcome int

const (
	Accept Outcome = iota
	Quarantine
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Quarantine:
		return "quarantine"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// DomainPolicy is the DNS-published mail policy of a sender domain. It is
// fetched per pipeline run and not cached.
type DomainPolicy struct {
	Domain string
	MX     []dns.MX
	SPF    string
	DMARC  *dmarc.Record
	TXT    []string
	NS     []string
}

// Verdict is the result of authenticating a sender. It is not modified
// after it is returned.
type Verdict struct {
	Outcome Outcome

	// Reason is human readable and suitable for an SMTP reply.
	Reason string

	// Domain is the envelope sender domain, FromDomain the domain of the
	// From header (empty before DATA).
	Domain     string
	FromDomain string

	SPF   spf.Result
	DKIM  []dkim.Result
	DMARC dmarc.Result
}

// Quarantined reports whether the message should be flagged for
// downstream handling.
func (v Verdict) Quarantined() bool {
	return v.Outcome == Quarantine
}

// Results returns the checks of the verdict as Authentication-Results
// entries.
func (v Verdict) Results() []authres.Result {
	var results []authres.Result
	if v.SPF.Status != "" {
		results = append(results, &authres.SPFResult{
			Value:  authres.ResultValue(v.SPF.Status),
			Reason: errReason(v.SPF.Err),
			From:   v.Domain,
		})
	}
	for _, r := range v.DKIM {
		res := &authres.DKIMResult{
			Value:  authres.ResultValue(r.Status),
			Reason: errReason(r.Err),
		}
		if r.Signature != nil {
			res.Domain = r.Signature.Domain
			res.Identifier = r.Signature.Identity
		}
		results = append(results, res)
	}
	if v.DMARC.Status != "" {
		results = append(results, &authres.DMARCResult{
			Value: authres.ResultValue(v.DMARC.Status),
			From:  v.FromDomain,
		})
	}
	return results
}

// Header renders the verdict as an Authentication-Results field without
// trailing CRLF.
func (v Verdict) Header(authServID string) string {
	return "Authentication-Results: " + authres.Format(authServID, v.Results())
}

func errReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
