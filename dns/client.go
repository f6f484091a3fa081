package dns

import (
	"cmp"
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricLookup = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kestrel_dns_lookup_duration_seconds",
		Help:    "DNS lookups made by the admission pipeline.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	},
	[]string{"type", "result"}, // result: ok, notfound, error
)

// DeliveryPorts are the SMTP ports probed by FindReachable, in order.
var DeliveryPorts = []int{25, 465, 587}

// MX is a mail exchanger with its preference.
type MX struct {
	Priority uint16
	Host     string
}

// Client performs the lookups used by the admission pipeline. Every
// failure is reported as a *LookupError; callers decide per record type
// whether a failure means "absent".
type Client struct {
	Resolver Resolver

	// Timeout bounds each lookup. Default is 5 seconds.
	Timeout time.Duration

	// Dial is used by ProbeTCP. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewClient returns a Client using resolver.
func NewClient(resolver Resolver) *Client {
	return &Client{Resolver: resolver, Timeout: 5 * time.Second}
}

func (c *Client) lookupCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func observe(recordType string, start time.Time, err error) {
	result := "ok"
	switch {
	case IsNotFound(err):
		result = "notfound"
	case err != nil:
		result = "error"
	}
	metricLookup.WithLabelValues(recordType, result).Observe(time.Since(start).Seconds())
}

func lookup[T any](ctx context.Context, c *Client, recordType, domain string, fn func(context.Context, string) (Result[T], error)) ([]T, error) {
	name, err := NormalizeDomain(domain)
	if err != nil {
		return nil, &LookupError{Domain: domain, RecordType: recordType, Err: err}
	}
	ctx, cancel := c.lookupCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := fn(ctx, name)
	observe(recordType, start, err)
	if err != nil {
		return nil, &LookupError{Domain: name, RecordType: recordType, Err: err}
	}
	return res.Records, nil
}

// ResolveMX returns the MX hosts of domain sorted by ascending priority.
// Hosts with equal priority keep the order of the DNS answer.
func (c *Client) ResolveMX(ctx context.Context, domain string) ([]MX, error) {
	records, err := lookup(ctx, c, "MX", domain, c.Resolver.LookupMX)
	if err != nil {
		return nil, err
	}
	mxs := make([]MX, 0, len(records))
	for _, r := range records {
		mxs = append(mxs, MX{Priority: r.Pref, Host: strings.TrimSuffix(r.Host, ".")})
	}
	slices.SortStableFunc(mxs, func(a, b MX) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return mxs, nil
}

// ResolveTXT returns all TXT records of domain.
func (c *Client) ResolveTXT(ctx context.Context, domain string) ([]string, error) {
	return lookup(ctx, c, "TXT", domain, c.Resolver.LookupTXT)
}

// ResolveNS returns the name servers of domain.
func (c *Client) ResolveNS(ctx context.Context, domain string) ([]string, error) {
	hosts, err := lookup(ctx, c, "NS", domain, c.Resolver.LookupNS)
	for i, h := range hosts {
		hosts[i] = strings.TrimSuffix(h, ".")
	}
	return hosts, err
}

// ProbeTCP reports whether a TCP connection to host:port can be opened
// within timeout. The connection is closed immediately.
func (c *Client) ProbeTCP(ctx context.Context, host string, port int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := c.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	conn, err := dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FindReachable probes hosts in order, trying each of ports per host,
// and returns the first host and port that accepted a connection.
func (c *Client) FindReachable(ctx context.Context, hosts []string, ports []int, timeout time.Duration) (string, int, bool) {
	for _, host := range hosts {
		for _, port := range ports {
			if ctx.Err() != nil {
				return "", 0, false
			}
			if c.ProbeTCP(ctx, host, port, timeout) {
				return host, port, true
			}
		}
	}
	return "", 0, false
}
