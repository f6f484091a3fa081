package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		isNotFound bool
		isTimeout  bool
		isServFail bool
		isTemp     bool
	}{
		{name: "not found", err: ErrDNSNotFound, isNotFound: true},
		{name: "timeout", err: ErrDNSTimeout, isTimeout: true, isTemp: true},
		{name: "deadline", err: context.DeadlineExceeded, isTimeout: true, isTemp: true},
		{name: "servfail", err: ErrDNSServFail, isServFail: true, isTemp: true},
		{name: "bogus", err: ErrDNSBogus, isServFail: true, isTemp: true},
		{name: "refused", err: ErrDNSRefused, isTemp: true},
		{name: "wrapped not found", err: fmt.Errorf("lookup: %w", ErrDNSNotFound), isNotFound: true},
		{name: "lookup error", err: &LookupError{Domain: "example.com", RecordType: "TXT", Err: ErrDNSTimeout}, isTimeout: true, isTemp: true},
		{name: "text only", err: errors.New("wrapper: " + ErrDNSNotFound.Error())},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.isNotFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.isNotFound)
			}
			if got := IsTimeout(tt.err); got != tt.isTimeout {
				t.Errorf("IsTimeout() = %v, want %v", got, tt.isTimeout)
			}
			if got := IsServFail(tt.err); got != tt.isServFail {
				t.Errorf("IsServFail() = %v, want %v", got, tt.isServFail)
			}
			if got := IsTemporary(tt.err); got != tt.isTemp {
				t.Errorf("IsTemporary() = %v, want %v", got, tt.isTemp)
			}
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "Example.COM.", want: "example.com"},
		{in: " mail.example.org ", want: "mail.example.org"},
		{in: "bücher.example", want: "xn--bcher-kva.example"},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeDomain(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeDomain(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolveMXStableSort(t *testing.T) {
	client := NewClient(MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {
				{Host: "c.example.com.", Pref: 20},
				{Host: "a.example.com.", Pref: 10},
				{Host: "d.example.com.", Pref: 20},
				{Host: "b.example.com.", Pref: 10},
			},
		},
	})

	mxs, err := client.ResolveMX(context.Background(), "Example.com")
	if err != nil {
		t.Fatalf("ResolveMX: %v", err)
	}
	want := []MX{
		{Priority: 10, Host: "a.example.com"},
		{Priority: 10, Host: "b.example.com"},
		{Priority: 20, Host: "c.example.com"},
		{Priority: 20, Host: "d.example.com"},
	}
	if len(mxs) != len(want) {
		t.Fatalf("got %d records, want %d", len(mxs), len(want))
	}
	for i := range want {
		if mxs[i] != want[i] {
			t.Errorf("mx[%d] = %+v, want %+v", i, mxs[i], want[i])
		}
	}
}

func TestLookupErrors(t *testing.T) {
	client := NewClient(MockResolver{
		TXT:  map[string][]string{"example.com.": {"v=spf1 -all"}},
		Fail: []string{"ns example.com."},
	})
	ctx := context.Background()

	txt, err := client.ResolveTXT(ctx, "example.com")
	if err != nil || len(txt) != 1 {
		t.Fatalf("ResolveTXT = %v, %v", txt, err)
	}

	_, err = client.ResolveMX(ctx, "example.com")
	var lerr *LookupError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LookupError, got %T", err)
	}
	if lerr.Domain != "example.com" || lerr.RecordType != "MX" {
		t.Errorf("LookupError = %+v", lerr)
	}
	if !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	_, err = client.ResolveNS(ctx, "example.com")
	if !IsServFail(err) || !errors.As(err, &lerr) || lerr.RecordType != "NS" {
		t.Errorf("ResolveNS error = %v", err)
	}
}

func TestResolveNS(t *testing.T) {
	client := NewClient(MockResolver{
		NS: map[string][]string{"example.com.": {"ns1.example.net.", "ns2.example.net."}},
	})
	hosts, err := client.ResolveNS(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("ResolveNS: %v", err)
	}
	if len(hosts) != 2 || hosts[0] != "ns1.example.net" || hosts[1] != "ns2.example.net" {
		t.Errorf("hosts = %v", hosts)
	}
}

func TestProbeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	client := NewClient(MockResolver{})
	if !client.ProbeTCP(context.Background(), "127.0.0.1", port, time.Second) {
		t.Error("expected listener to be reachable")
	}

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closedPort := ln2.Addr().(*net.TCPAddr).Port
	ln2.Close()
	if client.ProbeTCP(context.Background(), "127.0.0.1", closedPort, time.Second) {
		t.Error("expected closed port to be unreachable")
	}
}

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestFindReachable(t *testing.T) {
	var dialed []string
	client := NewClient(MockResolver{})
	client.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		dialed = append(dialed, address)
		if address == net.JoinHostPort("mx2.example.com", strconv.Itoa(587)) {
			return fakeConn{}, nil
		}
		return nil, errors.New("connection refused")
	}

	host, port, ok := client.FindReachable(context.Background(), []string{"mx1.example.com", "mx2.example.com"}, DeliveryPorts, time.Second)
	if !ok || host != "mx2.example.com" || port != 587 {
		t.Fatalf("FindReachable = %q, %d, %v", host, port, ok)
	}
	if len(dialed) != 6 {
		t.Errorf("dialed %d addresses, want 6: %v", len(dialed), dialed)
	}
}
