package reputation

import (
	"net/netip"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clock := newFakeClock()
	s := NewStore()
	s.Now = clock.Now
	return s, clock
}

var testIP = netip.MustParseAddr("203.0.113.5")

func TestAdmitThreshold(t *testing.T) {
	for _, threshold := range []int{1, 3, 10} {
		s, clock := newTestStore()
		for i := 1; i <= threshold; i++ {
			if d := s.Admit(testIP, threshold); d.Kind != Allowed {
				t.Fatalf("threshold %d: call %d = %s, want allowed", threshold, i, d.Kind)
			}
			clock.Advance(10 * time.Millisecond)
		}
		d := s.Admit(testIP, threshold)
		if d.Kind != TemporarilyBlocked || d.RetryAfterSeconds() != 60 {
			t.Fatalf("threshold %d: call %d = %+v, want temporarily blocked for 60s", threshold, threshold+1, d)
		}
	}
}

func TestAdmitEscalatesToPermanent(t *testing.T) {
	s, clock := newTestStore()
	for i := 0; i < 11; i++ {
		s.Admit(testIP, ConnectThreshold)
	}
	if k := s.Blocked(testIP); k != TemporarilyBlocked {
		t.Fatalf("Blocked = %s, want temporarily blocked", k)
	}

	clock.Advance(30 * time.Second)
	if d := s.Admit(testIP, ConnectThreshold); d.Kind != PermanentlyBlocked {
		t.Fatalf("request during temp block = %s, want permanently blocked", d.Kind)
	}

	for _, wait := range []time.Duration{time.Minute, time.Hour, 30 * 24 * time.Hour} {
		clock.Advance(wait)
		if d := s.Admit(testIP, ConnectThreshold); d.Kind != PermanentlyBlocked {
			t.Fatalf("after %s: %s, want permanently blocked", wait, d.Kind)
		}
	}
	if n := s.Prune(); n != 0 {
		t.Errorf("Prune removed %d records, want 0", n)
	}
	if k := s.Blocked(testIP); k != PermanentlyBlocked {
		t.Errorf("Blocked = %s after prune", k)
	}
}

func TestAdmitExpiredTempBlock(t *testing.T) {
	s, clock := newTestStore()
	for i := 0; i < 4; i++ {
		s.Admit(testIP, MailFromThreshold)
	}
	clock.Advance(TempBlockDuration)
	if d := s.Admit(testIP, MailFromThreshold); d.Kind != Allowed {
		t.Fatalf("after block expiry = %s, want allowed", d.Kind)
	}
	if k := s.Blocked(testIP); k != Allowed {
		t.Errorf("Blocked = %s, want allowed", k)
	}
}

func TestAdmitWindowReset(t *testing.T) {
	s, clock := newTestStore()
	for round := 0; round < 5; round++ {
		for i := 0; i < MailFromThreshold; i++ {
			if d := s.Admit(testIP, MailFromThreshold); d.Kind != Allowed {
				t.Fatalf("round %d call %d = %s", round, i, d.Kind)
			}
		}
		clock.Advance(Window)
	}
}

func TestAdmitSharedAcrossStages(t *testing.T) {
	s, _ := newTestStore()
	s.Admit(testIP, ConnectThreshold)
	s.Admit(testIP, MailFromThreshold)
	s.Admit(testIP, MailFromThreshold)
	if d := s.Admit(testIP, MailFromThreshold); d.Kind != TemporarilyBlocked {
		t.Fatalf("4th request with MAIL FROM threshold = %s, want temporarily blocked", d.Kind)
	}
	if d := s.Admit(testIP, ConnectThreshold); d.Kind != PermanentlyBlocked {
		t.Fatalf("connect during temp block = %s, want permanently blocked", d.Kind)
	}
}

func TestAdmitIndependentIPs(t *testing.T) {
	s, _ := newTestStore()
	other := netip.MustParseAddr("198.51.100.7")
	for i := 0; i < 2; i++ {
		s.Admit(testIP, 1)
	}
	if d := s.Admit(other, 1); d.Kind != Allowed {
		t.Errorf("other IP = %s, want allowed", d.Kind)
	}
	mapped := netip.MustParseAddr("::ffff:203.0.113.5")
	if k := s.Blocked(mapped); k != TemporarilyBlocked {
		t.Errorf("v4-mapped address = %s, want temporarily blocked", k)
	}
}

func TestAdmitConcurrent(t *testing.T) {
	s, _ := newTestStore()
	const workers, perWorker = 8, 50
	threshold := workers * perWorker

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if d := s.Admit(testIP, threshold); d.Kind != Allowed {
					t.Errorf("unexpected %s", d.Kind)
				}
			}
		}()
	}
	wg.Wait()

	if d := s.Admit(testIP, threshold); d.Kind != TemporarilyBlocked {
		t.Fatalf("request %d = %s, want temporarily blocked (lost update?)", threshold+1, d.Kind)
	}
}

func TestPrune(t *testing.T) {
	s, clock := newTestStore()
	s.Admit(testIP, ConnectThreshold)
	s.Admit(netip.MustParseAddr("198.51.100.7"), ConnectThreshold)
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if n := s.Prune(); n != 0 {
		t.Fatalf("Prune within window removed %d", n)
	}
	clock.Advance(Window)
	if n := s.Prune(); n != 2 || s.Len() != 0 {
		t.Fatalf("Prune removed %d, Len %d", n, s.Len())
	}
}
