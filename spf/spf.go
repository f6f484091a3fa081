// Package spf evaluates Sender Policy Framework records (RFC 7208).
//
// Supported terms: the all, include, a, mx, ip4, ip6 and exists
// mechanisms, ptr (which never matches, as RFC 7208 discourages its use),
// and the redirect modifier. Macros are expanded for the s, l, o, d, i
// and h letters with optional digit and "r" transformers.
package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/synqronlabs/kestrel/dns"
)

// Evaluation errors.
var (
	ErrNoRecord           = errors.New("spf: no SPF record found")
	ErrMultipleRecords    = errors.New("spf: multiple SPF records found")
	ErrTooManyDNSRequests = errors.New("spf: exceeded maximum DNS lookups")
	ErrTooManyVoidLookups = errors.New("spf: exceeded maximum void lookups")
	ErrMacroSyntax        = errors.New("spf: macro syntax error")
)

const (
	dnsRequestsMax = 10
	voidLookupsMax = 2
	mxLimit        = 10
)

// Status is the result of an SPF check.
type Status string

const (
	StatusNone      Status = "none"
	StatusNeutral   Status = "neutral"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusSoftfail  Status = "softfail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Args are the inputs of a check.
type Args struct {
	IP net.IP

	// Domain is the domain whose policy is checked, normally the MAIL
	// FROM domain.
	Domain string

	// Sender is the full MAIL FROM address, used for macros. Defaults to
	// postmaster@Domain.
	Sender string

	// Helo is the EHLO/HELO name, used for the h macro.
	Helo string
}

// Result is the outcome of a check.
type Result struct {
	Status Status

	// Domain is the domain whose record was evaluated.
	Domain string

	// Mechanism is the directive that matched, empty if none did.
	Mechanism string

	// Record is the SPF record text of Domain, if one was found.
	Record string

	// Err explains temperror and permerror results.
	Err error
}

// Checker evaluates SPF policies using Resolver.
type Checker struct {
	Resolver dns.Resolver
}

// Lookup fetches and parses the SPF record of domain. A missing record
// returns ErrNoRecord; more than one returns ErrMultipleRecords.
func (c *Checker) Lookup(ctx context.Context, domain string) (*Record, string, error) {
	res, err := c.Resolver.LookupTXT(ctx, domain)
	if dns.IsNotFound(err) {
		return nil, "", ErrNoRecord
	} else if err != nil {
		return nil, "", err
	}
	var txt string
	for _, t := range res.Records {
		if IsSPF(t) {
			if txt != "" {
				return nil, "", ErrMultipleRecords
			}
			txt = t
		}
	}
	if txt == "" {
		return nil, "", ErrNoRecord
	}
	r, err := ParseRecord(txt)
	return r, txt, err
}

// Check evaluates the SPF policy of args.Domain for args.IP.
func (c *Checker) Check(ctx context.Context, args Args) Result {
	domain, err := dns.NormalizeDomain(args.Domain)
	if err != nil {
		return Result{Status: StatusNone, Domain: args.Domain, Err: err}
	}
	if args.Sender == "" {
		args.Sender = "postmaster@" + domain
	}
	e := &evaluator{checker: c, args: args}
	return e.checkHost(ctx, domain, true)
}

type evaluator struct {
	checker     *Checker
	args        Args
	dnsRequests int
	voidLookups int
}

func (e *evaluator) countRequest() error {
	e.dnsRequests++
	if e.dnsRequests > dnsRequestsMax {
		return ErrTooManyDNSRequests
	}
	return nil
}

func (e *evaluator) countVoid(err error, n int) error {
	if dns.IsNotFound(err) || (err == nil && n == 0) {
		e.voidLookups++
		if e.voidLookups > voidLookupsMax {
			return ErrTooManyVoidLookups
		}
	}
	return nil
}

func (e *evaluator) checkHost(ctx context.Context, domain string, top bool) Result {
	record, txt, err := e.checker.Lookup(ctx, domain)
	switch {
	case errors.Is(err, ErrNoRecord):
		return Result{Status: StatusNone, Domain: domain, Err: err}
	case dns.IsTemporary(err):
		return Result{Status: StatusTemperror, Domain: domain, Err: err}
	case err != nil:
		return Result{Status: StatusPermerror, Domain: domain, Record: txt, Err: err}
	}
	res := e.evaluate(ctx, domain, record)
	if top {
		res.Record = txt
	}
	return res
}

func (e *evaluator) evaluate(ctx context.Context, domain string, record *Record) Result {
	permerror := func(err error) Result {
		return Result{Status: StatusPermerror, Domain: domain, Err: err}
	}

	for _, d := range record.Directives {
		match, err := e.matches(ctx, domain, d)
		if err != nil {
			if dns.IsTemporary(err) {
				return Result{Status: StatusTemperror, Domain: domain, Mechanism: d.String(), Err: err}
			}
			return permerror(err)
		}
		if match {
			return Result{Status: d.Status(), Domain: domain, Mechanism: d.String()}
		}
	}

	if record.Redirect != "" {
		if err := e.countRequest(); err != nil {
			return permerror(err)
		}
		target, err := e.expand(record.Redirect, domain)
		if err != nil {
			return permerror(err)
		}
		res := e.checkHost(ctx, target, false)
		if res.Status == StatusNone {
			return permerror(fmt.Errorf("%w: redirect target %s", ErrNoRecord, target))
		}
		return res
	}
	return Result{Status: StatusNeutral, Domain: domain}
}

func (e *evaluator) matches(ctx context.Context, domain string, d Directive) (bool, error) {
	target := domain
	if d.DomainSpec != "" {
		var err error
		if target, err = e.expand(d.DomainSpec, domain); err != nil {
			return false, err
		}
	}
	ip := e.args.IP

	switch d.Mechanism {
	case "all":
		return true, nil

	case "ip4", "ip6":
		return d.Net.Contains(ip), nil

	case "include":
		if err := e.countRequest(); err != nil {
			return false, err
		}
		res := e.checkHost(ctx, target, false)
		switch res.Status {
		case StatusPass:
			return true, nil
		case StatusFail, StatusSoftfail, StatusNeutral:
			return false, nil
		case StatusNone:
			return false, fmt.Errorf("%w: include target %s", ErrNoRecord, target)
		default:
			return false, res.Err
		}

	case "a":
		if err := e.countRequest(); err != nil {
			return false, err
		}
		return e.hostMatches(ctx, target, d)

	case "mx":
		if err := e.countRequest(); err != nil {
			return false, err
		}
		res, err := e.checker.Resolver.LookupMX(ctx, target)
		if verr := e.countVoid(err, len(res.Records)); verr != nil {
			return false, verr
		}
		if err != nil && !dns.IsNotFound(err) {
			return false, err
		}
		for i, mx := range res.Records {
			if i >= mxLimit {
				return false, fmt.Errorf("%w: more than %d MX records", ErrTooManyDNSRequests, mxLimit)
			}
			if ok, err := e.hostMatches(ctx, mx.Host, d); ok || err != nil {
				return ok, err
			}
		}
		return false, nil

	case "exists":
		if err := e.countRequest(); err != nil {
			return false, err
		}
		res, err := e.checker.Resolver.LookupIP(ctx, target)
		if verr := e.countVoid(err, len(res.Records)); verr != nil {
			return false, verr
		}
		if dns.IsNotFound(err) {
			return false, nil
		}
		return err == nil, err

	case "ptr":
		return false, e.countRequest()
	}
	return false, fmt.Errorf("%w: %s", ErrInvalidMechanism, d.Mechanism)
}

// hostMatches reports whether the client IP is among the addresses of
// host, compared under the directive's CIDR lengths.
func (e *evaluator) hostMatches(ctx context.Context, host string, d Directive) (bool, error) {
	res, err := e.checker.Resolver.LookupIP(ctx, host)
	if verr := e.countVoid(err, len(res.Records)); verr != nil {
		return false, verr
	}
	if err != nil && !dns.IsNotFound(err) {
		return false, err
	}
	ip := e.args.IP
	for _, addr := range res.Records {
		if sameNetwork(ip, addr, d.IP4Mask, d.IP6Mask) {
			return true, nil
		}
	}
	return false, nil
}

func sameNetwork(a, b net.IP, mask4, mask6 int) bool {
	a4, b4 := a.To4(), b.To4()
	if (a4 == nil) != (b4 == nil) {
		return false
	}
	if a4 != nil {
		if mask4 < 0 {
			mask4 = 32
		}
		m := net.CIDRMask(mask4, 32)
		return a4.Mask(m).Equal(b4.Mask(m))
	}
	if mask6 < 0 {
		mask6 = 128
	}
	m := net.CIDRMask(mask6, 128)
	return a.To16().Mask(m).Equal(b.To16().Mask(m))
}

// expand replaces macros in a domain-spec.
func (e *evaluator) expand(spec, domain string) (string, error) {
	if !strings.Contains(spec, "%") {
		return spec, nil
	}
	local, senderDomain, _ := strings.Cut(e.args.Sender, "@")

	var b strings.Builder
	for i := 0; i < len(spec); i++ {
		c := spec[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(spec) {
			return "", ErrMacroSyntax
		}
		i++
		switch spec[i] {
		case '%':
			b.WriteByte('%')
			continue
		case '_':
			b.WriteByte(' ')
			continue
		case '-':
			b.WriteString("%20")
			continue
		case '{':
		default:
			return "", fmt.Errorf("%w: %q", ErrMacroSyntax, spec)
		}

		end := strings.IndexByte(spec[i:], '}')
		if end < 2 {
			return "", fmt.Errorf("%w: %q", ErrMacroSyntax, spec)
		}
		macro := spec[i+1 : i+end]
		i += end

		var value string
		switch strings.ToLower(macro[:1]) {
		case "s":
			value = e.args.Sender
		case "l":
			value = local
		case "o":
			value = senderDomain
		case "d":
			value = domain
		case "i":
			value = macroIP(e.args.IP)
		case "h":
			value = e.args.Helo
		default:
			return "", fmt.Errorf("%w: unsupported macro %q", ErrMacroSyntax, macro)
		}

		transform := macro[1:]
		digits := strings.TrimRight(transform, "rR")
		reverse := len(digits) < len(transform)
		labels := strings.Split(value, ".")
		if reverse {
			for l, r := 0, len(labels)-1; l < r; l, r = l+1, r-1 {
				labels[l], labels[r] = labels[r], labels[l]
			}
		}
		if digits != "" {
			n, err := strconv.Atoi(digits)
			if err != nil || n == 0 {
				return "", fmt.Errorf("%w: %q", ErrMacroSyntax, macro)
			}
			if n < len(labels) {
				labels = labels[len(labels)-n:]
			}
		}
		b.WriteString(strings.Join(labels, "."))
	}
	return strings.ToLower(b.String()), nil
}

func macroIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	const hex = "0123456789abcdef"
	nibbles := make([]string, 0, 32)
	for _, b := range ip.To16() {
		nibbles = append(nibbles, string(hex[b>>4]), string(hex[b&0xf]))
	}
	return strings.Join(nibbles, ".")
}
