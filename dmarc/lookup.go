package dmarc

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dmarc"

	"github.com/synqronlabs/kestrel/dns"
)

// Lookup finds the DMARC record for domain. It queries _dmarc.<domain>
// and, when nothing is published there, the organizational domain.
//
// dmarcDomain is the domain the record was found at. Absence is reported
// as StatusNone with ErrNoRecord.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (status Status, dmarcDomain string, record *Record, authentic bool, err error) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	dmarcDomain = domain
	status, record, authentic, err = lookupRecord(ctx, resolver, domain)
	if record != nil || status != StatusNone {
		return status, dmarcDomain, record, authentic, err
	}

	org := OrganizationalDomain(domain)
	if org == domain {
		return status, dmarcDomain, nil, authentic, err
	}
	var orgAuthentic bool
	status, record, orgAuthentic, err = lookupRecord(ctx, resolver, org)
	return status, org, record, authentic && orgAuthentic, err
}

func lookupRecord(ctx context.Context, resolver dns.Resolver, domain string) (Status, *Record, bool, error) {
	name := "_dmarc." + domain + "."
	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return StatusNone, nil, result.Authentic, ErrNoRecord
		}
		return StatusTemperror, nil, result.Authentic, fmt.Errorf("%w: %w", ErrDNS, err)
	}

	var record *Record
	for _, txt := range result.Records {
		if !isDMARC(txt) {
			continue
		}
		r, err := dmarc.Parse(txt)
		if err != nil {
			return StatusPermerror, nil, result.Authentic, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		if record != nil {
			// RFC 7489 section 6.6.3: treat as if no policy is published.
			return StatusNone, nil, result.Authentic, ErrMultipleRecords
		}
		record = r
	}
	if record == nil {
		return StatusNone, nil, result.Authentic, ErrNoRecord
	}
	return StatusNone, record, result.Authentic, nil
}

func isDMARC(txt string) bool {
	v, _, _ := strings.Cut(txt, ";")
	return strings.EqualFold(strings.ReplaceAll(v, " ", ""), "v=DMARC1")
}
