package spf

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Record parsing errors.
var (
	ErrRecordSyntax     = errors.New("spf: malformed SPF record")
	ErrInvalidMechanism = errors.New("spf: invalid mechanism")
	ErrInvalidCIDR      = errors.New("spf: invalid CIDR length")
	ErrInvalidIP        = errors.New("spf: invalid IP address")
)

// Record is a parsed SPF TXT record, e.g.
//
//	v=spf1 ip4:192.0.2.0/24 mx include:_spf.example.net ~all
type Record struct {
	Directives []Directive

	// Redirect is the domain of the "redirect=" modifier, evaluated when
	// no directive matches.
	Redirect string
}

// Directive is a mechanism with its qualifier.
type Directive struct {
	// Qualifier is one of "", "+", "-", "~", "?".
	Qualifier string

	// Mechanism is one of all, include, a, mx, ptr, ip4, ip6, exists.
	Mechanism string

	// DomainSpec is the target of include, a, mx, ptr and exists. Empty
	// means the current domain.
	DomainSpec string

	// Net is the network of ip4/ip6 mechanisms.
	Net *net.IPNet

	// IP4Mask and IP6Mask are the dual CIDR lengths of a and mx, -1
	// when unset.
	IP4Mask int
	IP6Mask int
}

// Status returns the result a match of this directive produces.
func (d Directive) Status() Status {
	switch d.Qualifier {
	case "-":
		return StatusFail
	case "~":
		return StatusSoftfail
	case "?":
		return StatusNeutral
	default:
		return StatusPass
	}
}

// String returns the directive as written in a record.
func (d Directive) String() string {
	s := d.Qualifier + d.Mechanism
	switch {
	case d.Net != nil:
		ones, _ := d.Net.Mask.Size()
		s += ":" + d.Net.IP.String() + "/" + strconv.Itoa(ones)
	case d.DomainSpec != "":
		s += ":" + d.DomainSpec
	}
	if d.IP4Mask >= 0 && d.Net == nil {
		s += "/" + strconv.Itoa(d.IP4Mask)
	}
	if d.IP6Mask >= 0 && d.Net == nil {
		s += "//" + strconv.Itoa(d.IP6Mask)
	}
	return s
}

// IsSPF reports whether txt is an SPF version 1 record.
func IsSPF(txt string) bool {
	txt = strings.ToLower(txt)
	return txt == "v=spf1" || strings.HasPrefix(txt, "v=spf1 ")
}

// ParseRecord parses an SPF record. Unknown modifiers are ignored as
// required by RFC 7208 section 6.
func ParseRecord(txt string) (*Record, error) {
	if !IsSPF(txt) {
		return nil, fmt.Errorf("%w: missing v=spf1", ErrRecordSyntax)
	}
	r := &Record{}
	for _, term := range strings.Fields(txt)[1:] {
		if name, value, ok := strings.Cut(term, "="); ok && isModifierName(name) {
			if strings.EqualFold(name, "redirect") {
				if r.Redirect != "" {
					return nil, fmt.Errorf("%w: duplicate redirect", ErrRecordSyntax)
				}
				r.Redirect = strings.ToLower(value)
			}
			continue
		}
		d, err := parseDirective(term)
		if err != nil {
			return nil, err
		}
		r.Directives = append(r.Directives, d)
	}
	return r, nil
}

func isModifierName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		alpha := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
		if !alpha && (i == 0 || !(c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.')) {
			return false
		}
	}
	return true
}

func parseDirective(term string) (Directive, error) {
	d := Directive{IP4Mask: -1, IP6Mask: -1}
	if strings.ContainsAny(term[:1], "+-~?") {
		d.Qualifier = term[:1]
		term = term[1:]
	}

	name := term
	arg := ""
	if i := strings.IndexAny(term, ":/"); i >= 0 {
		name, arg = term[:i], term[i:]
	}
	d.Mechanism = strings.ToLower(name)

	switch d.Mechanism {
	case "all":
		if arg != "" {
			return d, fmt.Errorf("%w: %q", ErrInvalidMechanism, term)
		}
	case "include", "exists":
		spec, ok := strings.CutPrefix(arg, ":")
		if !ok || spec == "" {
			return d, fmt.Errorf("%w: %s requires a domain", ErrInvalidMechanism, d.Mechanism)
		}
		d.DomainSpec = strings.ToLower(spec)
	case "a", "mx", "ptr":
		spec, cidr, _ := strings.Cut(arg, "/")
		d.DomainSpec = strings.ToLower(strings.TrimPrefix(spec, ":"))
		if cidr != "" {
			if d.Mechanism == "ptr" {
				return d, fmt.Errorf("%w: ptr takes no CIDR", ErrInvalidMechanism)
			}
			if err := parseDualCIDR("/"+cidr, &d); err != nil {
				return d, err
			}
		}
	case "ip4", "ip6":
		addr, ok := strings.CutPrefix(arg, ":")
		if !ok {
			return d, fmt.Errorf("%w: %s requires an address", ErrInvalidIP, d.Mechanism)
		}
		n, err := parseNetwork(addr, d.Mechanism == "ip6")
		if err != nil {
			return d, err
		}
		d.Net = n
	default:
		return d, fmt.Errorf("%w: %q", ErrInvalidMechanism, name)
	}
	return d, nil
}

// parseDualCIDR parses "/n", "//m" or "/n//m".
func parseDualCIDR(s string, d *Directive) error {
	v4, v6, dual := strings.Cut(s[1:], "//")
	if strings.HasPrefix(s, "//") {
		v4, v6, dual = "", s[2:], true
	}
	var err error
	if v4 != "" {
		if d.IP4Mask, err = parseMask(v4, 32); err != nil {
			return err
		}
	}
	if dual {
		if d.IP6Mask, err = parseMask(v6, 128); err != nil {
			return err
		}
	}
	return nil
}

func parseMask(s string, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max || (len(s) > 1 && s[0] == '0') {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	return n, nil
}

func parseNetwork(s string, v6 bool) (*net.IPNet, error) {
	addr, cidr, hasCIDR := strings.Cut(s, "/")
	ip := net.ParseIP(addr)
	if ip == nil || (ip.To4() != nil) == v6 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIP, addr)
	}
	bits := 32
	if v6 {
		bits = 128
	} else {
		ip = ip.To4()
	}
	ones := bits
	if hasCIDR {
		var err error
		if ones, err = parseMask(cidr, bits); err != nil {
			return nil, err
		}
	}
	mask := net.CIDRMask(ones, bits)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
}
