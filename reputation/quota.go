package reputation

import (
	"strings"
	"sync"
	"time"
)

// WindowLimit is a fixed window with the number of messages allowed in
// it per sender.
type WindowLimit struct {
	Window time.Duration
	Limit  int64

	period int64 // Current window index: unix nanoseconds / Window.
	counts map[string]int64
}

// Quota limits how many messages each sender address may send, over one
// or more fixed windows. A message is counted only if every window has
// room for it.
type Quota struct {
	mu     sync.Mutex
	limits []WindowLimit
}

// NewQuota returns a quota with per-minute, per-hour and per-day windows
// derived from perMinute. A non-positive perMinute disables the quota.
func NewQuota(perMinute int) *Quota {
	if perMinute <= 0 {
		return &Quota{}
	}
	m := int64(perMinute)
	return NewQuotaWindows(
		WindowLimit{Window: time.Minute, Limit: m},
		WindowLimit{Window: time.Hour, Limit: 60 * m},
		WindowLimit{Window: 24 * time.Hour, Limit: 24 * 60 * m},
	)
}

// NewQuotaWindows returns a quota enforcing every limit.
func NewQuotaWindows(limits ...WindowLimit) *Quota {
	q := &Quota{limits: make([]WindowLimit, len(limits))}
	copy(q.limits, limits)
	return q
}

// Allow counts one message from sender at tm and reports whether it was
// within all limits. A refused message is not counted.
func (q *Quota) Allow(sender string, tm time.Time) bool {
	key := strings.ToLower(sender)

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.limits {
		wl := &q.limits[i]
		period := tm.UnixNano() / int64(wl.Window)
		if period != wl.period || wl.counts == nil {
			wl.period = period
			wl.counts = map[string]int64{}
		}
		if wl.counts[key]+1 > wl.Limit {
			return false
		}
	}
	for i := range q.limits {
		q.limits[i].counts[key]++
	}
	return true
}
