package utils

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidAddress is returned by ParseAddress.
var ErrInvalidAddress = errors.New("invalid address")

func GetIPFromAddr(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("address is nil")
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			// Maybe it's just an IP without port
			host = addr.String()
		}
		ip = net.ParseIP(host)
		if ip == nil {
			return nil, fmt.Errorf("unable to extract IP from address: %v", addr)
		}
	}
	return ip, nil
}

// ContainsNonASCII checks if a string contains any non-ASCII characters (bytes > 127).
func ContainsNonASCII(s string) bool {
	for _, v := range s {
		if v >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// NewID returns a new ULID string, used for connection and transaction
// IDs. IDs sort by creation time.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Address is a normalized mailbox address.
type Address struct {
	// Local is NFC normalized, case is kept.
	Local string
	// Domain is lower case in A-label form.
	Domain string
	// UTF8 is set when the local part has non-ASCII characters.
	UTF8 bool
}

// String returns local@domain.
func (a Address) String() string {
	return a.Local + "@" + a.Domain
}

// ParseAddress parses an SMTP path such as "<user@example.org>" or a bare
// address. The null path is not accepted.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		if !strings.HasSuffix(s, ">") {
			return Address{}, fmt.Errorf("%w: unbalanced angle brackets in %q", ErrInvalidAddress, s)
		}
		s = s[1 : len(s)-1]
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	local, domain := s[:at], s[at+1:]
	if strings.ContainsAny(local, " \t\r\n<>") {
		return Address{}, fmt.Errorf("%w: bad local part %q", ErrInvalidAddress, local)
	}
	if !utf8.ValidString(local) {
		return Address{}, fmt.Errorf("%w: local part is not valid UTF-8", ErrInvalidAddress)
	}
	local = norm.NFC.String(local)

	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil || ascii == "" {
		return Address{}, fmt.Errorf("%w: bad domain %q", ErrInvalidAddress, domain)
	}
	return Address{
		Local:  local,
		Domain: strings.ToLower(ascii),
		UTF8:   ContainsNonASCII(local),
	}, nil
}

// IsPlaceholder reports whether a is a system-internal placeholder such as
// "name.temp@example.org". Such addresses never appear as real senders.
func IsPlaceholder(a Address) bool {
	return len(a.Local) > len(".temp") &&
		strings.HasSuffix(a.Local, ".temp") &&
		strings.Contains(a.Domain, ".")
}
