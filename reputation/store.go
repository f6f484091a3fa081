// Package reputation keeps per-IP admission state for inbound SMTP.
//
// Every protocol stage that can be abused (connect, MAIL FROM,
// authentication) calls Store.Admit with its own threshold against the
// same per-IP record, so abuse at any stage escalates consistently.
// State is in memory only and is lost on restart.
package reputation

import (
	"net/netip"
	"sync"
	"time"
)

// Thresholds per stage: the number of requests allowed per Window.
const (
	ConnectThreshold  = 10
	MailFromThreshold = 3
	AuthThreshold     = 10
)

const (
	// Window is the length of the request counting window.
	Window = time.Second

	// TempBlockDuration is how long an IP is blocked after exceeding a
	// threshold.
	TempBlockDuration = 60 * time.Second
)

// Kind is the outcome of Admit.
type Kind int

const (
	Allowed Kind = iota
	TemporarilyBlocked
	PermanentlyBlocked
)

func (k Kind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case TemporarilyBlocked:
		return "temporarily_blocked"
	case PermanentlyBlocked:
		return "permanently_blocked"
	default:
		return "unknown"
	}
}

// Decision is returned by Admit. RetryAfter is set for
// TemporarilyBlocked only.
type Decision struct {
	Kind       Kind
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter in whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

type record struct {
	windowStart  time.Time
	count        int
	blockedUntil time.Time // Zero when not temporarily blocked.
	permanent    bool
}

// Store holds the reputation record of each source IP. The zero value is
// not usable; use NewStore.
type Store struct {
	// Now returns the current time. Tests replace it.
	Now func() time.Time

	mu      sync.Mutex
	records map[netip.Addr]*record
}

// NewStore returns an empty store using the wall clock.
func NewStore() *Store {
	return &Store{
		Now:     time.Now,
		records: make(map[netip.Addr]*record),
	}
}

// Admit counts a request from ip and decides whether it may proceed.
//
// A permanently blocked IP stays blocked. A request that arrives while
// the IP is temporarily blocked turns the block permanent. Otherwise the
// request is counted in the current one-second window; going over
// threshold blocks the IP for TempBlockDuration and resets the counter.
func (s *Store) Admit(ip netip.Addr, threshold int) Decision {
	ip = ip.Unmap()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	r := s.records[ip]
	if r == nil {
		r = &record{}
		s.records[ip] = r
	}

	if r.permanent {
		return Decision{Kind: PermanentlyBlocked}
	}

	if !r.blockedUntil.IsZero() {
		if now.Before(r.blockedUntil) {
			*r = record{permanent: true}
			return Decision{Kind: PermanentlyBlocked}
		}
		r.blockedUntil = time.Time{}
	}

	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= Window {
		r.windowStart = now
		r.count = 1
	} else {
		r.count++
	}

	if r.count > threshold {
		r.blockedUntil = now.Add(TempBlockDuration)
		r.count = 0
		r.windowStart = time.Time{}
		return Decision{Kind: TemporarilyBlocked, RetryAfter: TempBlockDuration}
	}
	return Decision{Kind: Allowed}
}

// Blocked reports the current block state of ip without counting a
// request.
func (s *Store) Blocked(ip netip.Addr) Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.records[ip.Unmap()]
	switch {
	case r == nil:
		return Allowed
	case r.permanent:
		return PermanentlyBlocked
	case !r.blockedUntil.IsZero() && s.Now().Before(r.blockedUntil):
		return TemporarilyBlocked
	}
	return Allowed
}

// Prune drops records that carry no block and whose counting window has
// ended. Permanent blocks are kept.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	n := 0
	for ip, r := range s.records {
		if r.permanent || now.Before(r.blockedUntil) {
			continue
		}
		if r.windowStart.IsZero() || now.Sub(r.windowStart) >= Window {
			delete(s.records, ip)
			n++
		}
	}
	return n
}

// Len returns the number of IPs with a record.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
