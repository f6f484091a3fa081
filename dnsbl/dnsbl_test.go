package dnsbl

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/synqronlabs/kestrel/dns"
)

func TestQueryName(t *testing.T) {
	tests := []struct {
		ip   string
		want string
	}{
		{"192.0.2.99", "99.2.0.192.zen.example."},
		{"2001:db8::1", "1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.zen.example."},
	}
	for _, tt := range tests {
		if got := QueryName("zen.example.", net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("QueryName(%s) = %q, want %q", tt.ip, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"5.113.0.203.zen.example.": {"127.0.0.2"},
			"6.113.0.203.zen.example.": {"127.0.0.4"},
		},
		TXT: map[string][]string{
			"5.113.0.203.zen.example.": {"listed for spam"},
		},
		Fail: []string{"a 7.113.0.203.zen.example."},
	}
	ctx := context.Background()

	tests := []struct {
		ip          string
		status      Status
		explanation string
		wantErr     bool
	}{
		{ip: "203.0.113.5", status: StatusFail, explanation: "listed for spam"},
		{ip: "203.0.113.6", status: StatusFail},
		{ip: "203.0.113.7", status: StatusTemperror, wantErr: true},
		{ip: "203.0.113.8", status: StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			status, expl, err := Lookup(ctx, resolver, "zen.example", net.ParseIP(tt.ip))
			if status != tt.status {
				t.Errorf("status = %s, want %s", status, tt.status)
			}
			if expl != tt.explanation {
				t.Errorf("explanation = %q, want %q", expl, tt.explanation)
			}
			if tt.wantErr != (err != nil) {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrDNS) {
				t.Errorf("expected ErrDNS, got %v", err)
			}
		})
	}
}
