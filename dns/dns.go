// Package dns provides the DNS lookups used by admission control and
// sender authentication: MX, TXT, NS, A/AAAA and PTR queries, plus TCP
// reachability probes for MX hosts.
//
// Three Resolver implementations are provided: DNSResolver (miekg/dns,
// optional DNSSEC), StdResolver (net.Resolver) and MockResolver for tests.
// Client wraps a Resolver with the per-record policies the rest of the
// module relies on.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// Lookup errors. Resolvers return these directly or wrapped.
var (
	ErrDNSNotFound = errors.New("dns: record not found")
	ErrDNSTimeout  = errors.New("dns: query timed out")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSBogus    = errors.New("dns: DNSSEC validation failed")
)

// Result holds the records of a lookup and whether the answer was
// DNSSEC-validated.
type Result[T any] struct {
	Records   []T
	Authentic bool
}

// Resolver is the set of lookups the module needs.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result[string], error)
	LookupIP(ctx context.Context, name string) (Result[net.IP], error)
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)
	LookupNS(ctx context.Context, name string) (Result[string], error)
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

// LookupError is returned by Client for every failed lookup. It records
// which name and record type failed.
type LookupError struct {
	Domain     string
	RecordType string
	Err        error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("dns: %s lookup for %s: %v", e.RecordType, e.Domain, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the name or record does not exist.
func IsNotFound(err error) bool {
	return err != nil && errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is a query timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDNSTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsServFail reports whether err is a SERVFAIL answer.
func IsServFail(err error) bool {
	return err != nil && (errors.Is(err, ErrDNSServFail) || errors.Is(err, ErrDNSBogus))
}

// IsTemporary reports whether retrying the lookup later could succeed.
func IsTemporary(err error) bool {
	return IsTimeout(err) || IsServFail(err) || (err != nil && errors.Is(err, ErrDNSRefused))
}

// NormalizeDomain lower-cases name, converts it to its A-label form and
// strips a trailing dot.
func NormalizeDomain(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return "", fmt.Errorf("dns: empty domain")
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("dns: invalid domain %q: %w", name, err)
	}
	return strings.ToLower(ascii), nil
}

// ensureAbsolute ensures the domain name ends with a dot (FQDN format).
func ensureAbsolute(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}
