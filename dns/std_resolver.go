package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// StdResolver implements Resolver on top of net.Resolver. Answers are
// never marked Authentic.
type StdResolver struct {
	resolver *net.Resolver
}

// NewStdResolver returns a resolver backed by net.DefaultResolver.
func NewStdResolver() *StdResolver {
	return &StdResolver{resolver: net.DefaultResolver}
}

// NewStdResolverWithDialer returns a pure-Go resolver that reaches its
// nameservers through dial.
func NewStdResolverWithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) *StdResolver {
	return &StdResolver{resolver: &net.Resolver{PreferGo: true, Dial: dial}}
}

func stdResult[T any](records []T, err error) (Result[T], error) {
	if err != nil {
		return Result[T]{}, convertError(err)
	}
	if len(records) == 0 {
		return Result[T]{}, ErrDNSNotFound
	}
	return Result[T]{Records: records}, nil
}

func (r *StdResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	return stdResult(r.resolver.LookupTXT(ctx, strings.TrimSuffix(name, ".")))
}

func (r *StdResolver) LookupIP(ctx context.Context, name string) (Result[net.IP], error) {
	return stdResult(r.resolver.LookupIP(ctx, "ip", strings.TrimSuffix(name, ".")))
}

func (r *StdResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	return stdResult(r.resolver.LookupMX(ctx, strings.TrimSuffix(name, ".")))
}

func (r *StdResolver) LookupNS(ctx context.Context, name string) (Result[string], error) {
	ns, err := r.resolver.LookupNS(ctx, strings.TrimSuffix(name, "."))
	hosts := make([]string, 0, len(ns))
	for _, n := range ns {
		hosts = append(hosts, ensureAbsolute(n.Host))
	}
	return stdResult(hosts, err)
}

func (r *StdResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}
	names, err := r.resolver.LookupAddr(ctx, ip.String())
	for i, name := range names {
		names[i] = ensureAbsolute(name)
	}
	return stdResult(names, err)
}

// convertError maps *net.DNSError onto the package errors.
func convertError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return ErrDNSNotFound
		case dnsErr.IsTimeout:
			return ErrDNSTimeout
		case dnsErr.IsTemporary:
			return ErrDNSServFail
		}
	}
	return fmt.Errorf("dns lookup failed: %w", err)
}
