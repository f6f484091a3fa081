// Package dnsbl checks connecting IPs against DNS block lists (RFC 5782).
//
// For 192.0.2.99 and zone zen.spamhaus.org the query name is
// 99.2.0.192.zen.spamhaus.org; IPv6 addresses use reversed nibbles. An A
// answer means listed, NXDOMAIN means not listed. The TXT record at the
// same name, if any, explains the listing.
package dnsbl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/synqronlabs/kestrel/dns"
)

// ErrDNS is returned with StatusTemperror.
var ErrDNS = errors.New("dnsbl: dns error")

// Status is the outcome of a block list lookup.
type Status string

const (
	StatusPass      Status = "pass"      // Not listed.
	StatusFail      Status = "fail"      // Listed.
	StatusTemperror Status = "temperror" // Lookup failed.
)

// QueryName returns the name looked up for ip in zone, with trailing dot.
func QueryName(zone string, ip net.IP) string {
	var b strings.Builder
	if v4 := ip.To4(); v4 != nil {
		for i := len(v4) - 1; i >= 0; i-- {
			b.WriteString(strconv.Itoa(int(v4[i])))
			b.WriteByte('.')
		}
	} else {
		const hex = "0123456789abcdef"
		v6 := ip.To16()
		for i := len(v6) - 1; i >= 0; i-- {
			b.WriteByte(hex[v6[i]&0xf])
			b.WriteByte('.')
			b.WriteByte(hex[v6[i]>>4])
			b.WriteByte('.')
		}
	}
	b.WriteString(strings.TrimSuffix(zone, "."))
	b.WriteByte('.')
	return b.String()
}

// Lookup checks whether ip is listed in zone.
func Lookup(ctx context.Context, resolver dns.Resolver, zone string, ip net.IP) (Status, string, error) {
	if ip == nil {
		return StatusTemperror, "", fmt.Errorf("%w: nil ip", ErrDNS)
	}
	name := QueryName(zone, ip)

	_, err := resolver.LookupIP(ctx, name)
	if dns.IsNotFound(err) {
		return StatusPass, "", nil
	} else if err != nil {
		return StatusTemperror, "", fmt.Errorf("%w: %s: %v", ErrDNS, zone, err)
	}

	txt, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return StatusFail, "", nil
	}
	return StatusFail, strings.Join(txt.Records, "; "), nil
}
