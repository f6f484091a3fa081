package dmarc

import (
	"context"
	"math/rand/v2"
	"net/mail"
	"strings"

	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/spf"
)

// VerifyArgs holds the inputs of a DMARC evaluation.
type VerifyArgs struct {
	// FromDomain is the domain of the RFC5322.From address.
	FromDomain string

	SPFResult spf.Status
	// SPFDomain is the domain SPF was evaluated for, normally the MAIL
	// FROM domain.
	SPFDomain string

	DKIMResults []dkim.Result
}

// Verify evaluates the DMARC policy of args.FromDomain.
//
// With applyPercentage set, useResult is false for the share of messages
// excluded by the record's pct= tag.
func Verify(ctx context.Context, resolver dns.Resolver, args VerifyArgs, applyPercentage bool) (useResult bool, result Result) {
	status, domain, record, authentic, err := Lookup(ctx, resolver, args.FromDomain)
	if record == nil {
		return false, Result{Status: status, Domain: domain, RecordAuthentic: authentic, Err: err}
	}

	result = Result{
		Status:          StatusFail,
		Domain:          domain,
		Record:          record,
		RecordAuthentic: authentic,
	}
	pct := 100
	if record.Percent != nil {
		pct = *record.Percent
	}
	useResult = !applyPercentage || pct >= 100 || rand.IntN(100) < pct

	result.Reject = EffectivePolicy(record, domain != args.FromDomain) != PolicyNone

	if args.SPFResult == spf.StatusTemperror {
		result.Status = StatusTemperror
		result.Reject = false
	}
	if args.SPFResult == spf.StatusPass && DomainsAligned(args.FromDomain, args.SPFDomain, record.SPFAlignment) {
		result.AlignedSPFPass = true
	}

	for _, r := range args.DKIMResults {
		if r.Status == dkim.StatusTemperror {
			result.Status = StatusTemperror
			result.Reject = false
			continue
		}
		if r.Status == dkim.StatusPass && r.Signature != nil && DomainsAligned(args.FromDomain, r.Signature.Domain, record.DKIMAlignment) {
			result.AlignedDKIMPass = true
			break
		}
	}

	if result.AlignedSPFPass || result.AlignedDKIMPass {
		result.Status = StatusPass
		result.Reject = false
	}
	return useResult, result
}

// ExtractFromDomain returns the lowercase domain of a From header value.
// With several addresses the first one is used.
func ExtractFromDomain(from string) (string, error) {
	if strings.TrimSpace(from) == "" {
		return "", ErrNoFromHeader
	}
	addrs, err := mail.ParseAddressList(from)
	if err != nil || len(addrs) == 0 {
		return "", ErrInvalidFromHeader
	}
	addr := addrs[0].Address
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return "", ErrInvalidFromHeader
	}
	return strings.ToLower(addr[at+1:]), nil
}
