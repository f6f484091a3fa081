package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig contains configuration for the DNS resolver.
type ResolverConfig struct {
	// Nameservers to query, as host:port. If empty, the servers from
	// /etc/resolv.conf are used, falling back to 8.8.8.8 and 1.1.1.1.
	Nameservers []string

	// DNSSEC sets the DO bit on queries and reports the AD bit of answers
	// in Result.Authentic. It requires a validating upstream resolver.
	DNSSEC bool

	// Timeout per query. Default is 5 seconds.
	Timeout time.Duration

	// Retries per nameserver after the first attempt. Default is 2.
	Retries int
}

// DNSResolver implements Resolver with github.com/miekg/dns.
type DNSResolver struct {
	config ResolverConfig
	client *mdns.Client
}

// NewResolver creates a resolver, filling in defaults for unset fields.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers("/etc/resolv.conf")
	}
	return &DNSResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

func systemNameservers(path string) []string {
	cc, err := mdns.ClientConfigFromFile(path)
	if err != nil || len(cc.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers
}

// query sends the question to each nameserver in turn until one gives a
// definitive answer. NXDOMAIN is definitive; SERVFAIL and REFUSED move on
// to the next server.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, bool, error) {
	m := new(mdns.Msg)
	m.SetQuestion(ensureAbsolute(name), qtype)
	m.RecursionDesired = true
	if r.config.DNSSEC {
		m.SetEdns0(4096, true)
	}

	lastErr := ErrDNSServFail
	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					lastErr = fmt.Errorf("%w: %s: %v", ErrDNSTimeout, server, err)
				} else {
					lastErr = fmt.Errorf("dns query failed: %w", err)
				}
				continue
			}
			authentic := r.config.DNSSEC && resp.AuthenticatedData

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, authentic, nil
			case mdns.RcodeNameError:
				return nil, authentic, ErrDNSNotFound
			case mdns.RcodeServerFailure:
				lastErr = ErrDNSServFail
				if r.config.DNSSEC {
					lastErr = ErrDNSBogus
				}
			case mdns.RcodeRefused:
				lastErr = ErrDNSRefused
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[resp.Rcode])
			}
		}
	}
	return nil, false, lastErr
}

// answers runs a query and extracts the records of type R from the
// answer section. An empty answer is ErrDNSNotFound.
func answers[R mdns.RR, T any](ctx context.Context, r *DNSResolver, name string, qtype uint16, conv func(R) T) (Result[T], error) {
	resp, authentic, err := r.query(ctx, name, qtype)
	if err != nil {
		return Result[T]{Authentic: authentic}, err
	}
	var records []T
	for _, rr := range resp.Answer {
		if v, ok := rr.(R); ok {
			records = append(records, conv(v))
		}
	}
	if len(records) == 0 {
		return Result[T]{Authentic: authentic}, ErrDNSNotFound
	}
	return Result[T]{Records: records, Authentic: authentic}, nil
}

// LookupTXT joins the character strings of each TXT record (RFC 7208
// section 3.3).
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	return answers(ctx, r, name, mdns.TypeTXT, func(rr *mdns.TXT) string {
		return strings.Join(rr.Txt, "")
	})
}

// LookupMX returns MX records in answer order.
func (r *DNSResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	return answers(ctx, r, name, mdns.TypeMX, func(rr *mdns.MX) *net.MX {
		return &net.MX{Host: rr.Mx, Pref: rr.Preference}
	})
}

func (r *DNSResolver) LookupNS(ctx context.Context, name string) (Result[string], error) {
	return answers(ctx, r, name, mdns.TypeNS, func(rr *mdns.NS) string {
		return rr.Ns
	})
}

// LookupIP queries A and AAAA. It succeeds if either query yields
// addresses; Authentic is set only if both answers were authentic.
func (r *DNSResolver) LookupIP(ctx context.Context, name string) (Result[net.IP], error) {
	v4, err4 := answers(ctx, r, name, mdns.TypeA, func(rr *mdns.A) net.IP { return rr.A })
	v6, err6 := answers(ctx, r, name, mdns.TypeAAAA, func(rr *mdns.AAAA) net.IP { return rr.AAAA })

	ips := append(v4.Records, v6.Records...)
	authentic := v4.Authentic && v6.Authentic
	if len(ips) > 0 {
		return Result[net.IP]{Records: ips, Authentic: authentic}, nil
	}
	for _, err := range []error{err4, err6} {
		if err != nil && !errors.Is(err, ErrDNSNotFound) {
			return Result[net.IP]{Authentic: authentic}, err
		}
	}
	return Result[net.IP]{Authentic: authentic}, ErrDNSNotFound
}

func (r *DNSResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}
	return answers(ctx, r, arpa, mdns.TypePTR, func(rr *mdns.PTR) string { return rr.Ptr })
}

// Config returns the resolver's effective configuration.
func (r *DNSResolver) Config() ResolverConfig {
	return r.config
}
