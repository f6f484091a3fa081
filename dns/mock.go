package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver for tests. Record maps are keyed by FQDN
// with trailing dot; PTR is keyed by the IP string.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX
	NS   map[string][]string

	// Fail lists lookups that return ErrDNSServFail, formatted as
	// "type name", e.g. "txt example.com.".
	Fail []string

	// Timeout lists lookups that return ErrDNSTimeout, same format as Fail.
	Timeout []string

	// AllAuthentic marks every answer as DNSSEC-validated.
	AllAuthentic bool
}

var _ Resolver = MockResolver{}

// ensureFQDN ensures the name ends with a dot.
func ensureFQDN(name string) string {
	return ensureAbsolute(name)
}

func mockLookup[T any](ctx context.Context, r MockResolver, typ, key string, records []T) (Result[T], error) {
	result := Result[T]{Authentic: r.AllAuthentic}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	req := typ + " " + key
	if slices.Contains(r.Fail, req) {
		return result, ErrDNSServFail
	}
	if slices.Contains(r.Timeout, req) {
		return result, ErrDNSTimeout
	}
	if len(records) == 0 {
		return result, ErrDNSNotFound
	}
	result.Records = slices.Clone(records)
	return result, nil
}

func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	fqdn := ensureFQDN(name)
	return mockLookup(ctx, r, "txt", fqdn, r.TXT[fqdn])
}

func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	fqdn := ensureFQDN(name)
	return mockLookup(ctx, r, "mx", fqdn, r.MX[fqdn])
}

func (r MockResolver) LookupNS(ctx context.Context, name string) (Result[string], error) {
	fqdn := ensureFQDN(name)
	return mockLookup(ctx, r, "ns", fqdn, r.NS[fqdn])
}

func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	key := ip.String()
	return mockLookup(ctx, r, "ptr", key, r.PTR[key])
}

// LookupIP returns the A and AAAA records for name. A failure configured
// for either type fails the whole lookup.
func (r MockResolver) LookupIP(ctx context.Context, name string) (Result[net.IP], error) {
	fqdn := ensureFQDN(name)
	var ips []net.IP
	for _, s := range append(slices.Clone(r.A[fqdn]), r.AAAA[fqdn]...) {
		ips = append(ips, net.ParseIP(s))
	}
	if _, err := mockLookup(ctx, r, "a", fqdn, []string{""}); err != nil {
		return Result[net.IP]{Authentic: r.AllAuthentic}, err
	}
	return mockLookup(ctx, r, "aaaa", fqdn, ips)
}
