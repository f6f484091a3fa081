package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// OrganizationalDomain returns the domain directly below the public
// suffix, e.g. example.co.uk for mail.example.co.uk. Names without a
// registrable part are returned as is.
func OrganizationalDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if domain == "" {
		return ""
	}
	org, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return org
}

// DomainsAligned reports whether two domains are aligned. Strict requires
// equal names, relaxed equal organizational domains. An unset mode is
// relaxed.
func DomainsAligned(a, b string, mode AlignmentMode) bool {
	a = strings.TrimSuffix(strings.ToLower(a), ".")
	b = strings.TrimSuffix(strings.ToLower(b), ".")
	if a == "" || b == "" {
		return false
	}
	if mode == AlignmentStrict {
		return a == b
	}
	return OrganizationalDomain(a) == OrganizationalDomain(b)
}
