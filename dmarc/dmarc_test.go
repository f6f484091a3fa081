package dmarc

import (
	"context"
	"errors"
	"testing"

	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/spf"
)

func TestOrganizationalDomain(t *testing.T) {
	tests := []struct {
		domain string
		want   string
	}{
		{"example.com", "example.com"},
		{"sub.example.com", "example.com"},
		{"Deep.Sub.Example.com.", "example.com"},
		{"example.co.uk", "example.co.uk"},
		{"sub.example.co.uk", "example.co.uk"},
		{"mail.good.example", "good.example"},
		{"localhost", "localhost"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := OrganizationalDomain(tt.domain); got != tt.want {
			t.Errorf("OrganizationalDomain(%q) = %q, want %q", tt.domain, got, tt.want)
		}
	}
}

func TestDomainsAligned(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		mode AlignmentMode
		want bool
	}{
		{"strict exact", "example.com", "example.com", AlignmentStrict, true},
		{"strict subdomain", "sub.example.com", "example.com", AlignmentStrict, false},
		{"relaxed subdomain", "sub.example.com", "example.com", AlignmentRelaxed, true},
		{"relaxed siblings", "a.example.com", "b.example.com", AlignmentRelaxed, true},
		{"unset is relaxed", "a.example.com", "example.com", "", true},
		{"different orgs", "example.com", "other.com", AlignmentRelaxed, false},
		{"case", "Example.COM", "example.com.", AlignmentStrict, true},
		{"empty", "", "example.com", AlignmentRelaxed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DomainsAligned(tt.a, tt.b, tt.mode); got != tt.want {
				t.Errorf("DomainsAligned(%q, %q, %q) = %v, want %v", tt.a, tt.b, tt.mode, got, tt.want)
			}
		})
	}
}

func testResolver() dns.MockResolver {
	return dns.MockResolver{
		TXT: map[string][]string{
			"_dmarc.simple.example.":    {"v=DMARC1; p=none;"},
			"_dmarc.reject.example.":    {"v=DMARC1; p=reject"},
			"_dmarc.multiple.example.":  {"v=DMARC1; p=none;", "v=DMARC1; p=reject"},
			"_dmarc.malformed.example.": {"v=DMARC1; p=none; bogus;"},
			"_dmarc.example.com.":       {"v=DMARC1; p=reject; sp=none"},
			"_dmarc.other.example.":     {"unrelated", "v=DMARC1; p=quarantine"},
			"_dmarc.strict.example.":    {"v=DMARC1; p=reject; adkim=s; aspf=s"},
			"_dmarc.pct0.example.":      {"v=DMARC1; p=reject; pct=0"},
		},
		Fail: []string{"txt _dmarc.temperror.example."},
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		domain     string
		status     Status
		wantDomain string
		policy     Policy
		err        error
	}{
		{"simple.example", StatusNone, "simple.example", PolicyNone, nil},
		{"Reject.Example.", StatusNone, "reject.example", PolicyReject, nil},
		{"mail.example.com", StatusNone, "example.com", PolicyReject, nil},
		{"other.example", StatusNone, "other.example", PolicyQuarantine, nil},
		{"absent.example", StatusNone, "absent.example", "", ErrNoRecord},
		{"multiple.example", StatusNone, "multiple.example", "", ErrMultipleRecords},
		{"malformed.example", StatusPermerror, "malformed.example", "", ErrSyntax},
		{"temperror.example", StatusTemperror, "temperror.example", "", ErrDNS},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			status, domain, record, _, err := Lookup(context.Background(), testResolver(), tt.domain)
			if status != tt.status || domain != tt.wantDomain {
				t.Errorf("got %s at %q, want %s at %q", status, domain, tt.status, tt.wantDomain)
			}
			if tt.err != nil {
				if !errors.Is(err, tt.err) || record != nil {
					t.Errorf("err = %v, record = %+v; want %v", err, record, tt.err)
				}
				return
			}
			if err != nil || record == nil || record.Policy != tt.policy {
				t.Errorf("record = %+v, err = %v; want policy %s", record, err, tt.policy)
			}
		})
	}
}

func passingDKIM(domain string) dkim.Result {
	sig := dkim.NewSignature()
	sig.Domain = domain
	return dkim.Result{Status: dkim.StatusPass, Signature: sig}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name   string
		args   VerifyArgs
		status Status
		reject bool
		spf    bool
		dkim   bool
	}{
		{
			name:   "aligned spf",
			args:   VerifyArgs{FromDomain: "reject.example", SPFResult: spf.StatusPass, SPFDomain: "reject.example"},
			status: StatusPass, spf: true,
		},
		{
			name:   "aligned dkim",
			args:   VerifyArgs{FromDomain: "reject.example", SPFResult: spf.StatusFail, DKIMResults: []dkim.Result{passingDKIM("reject.example")}},
			status: StatusPass, dkim: true,
		},
		{
			name:   "relaxed dkim subdomain",
			args:   VerifyArgs{FromDomain: "reject.example", DKIMResults: []dkim.Result{passingDKIM("mail.reject.example")}},
			status: StatusPass, dkim: true,
		},
		{
			name:   "nothing aligned",
			args:   VerifyArgs{FromDomain: "reject.example", SPFResult: spf.StatusPass, SPFDomain: "other.example", DKIMResults: []dkim.Result{passingDKIM("other.example")}},
			status: StatusFail, reject: true,
		},
		{
			name:   "strict rejects subdomain",
			args:   VerifyArgs{FromDomain: "strict.example", SPFResult: spf.StatusPass, SPFDomain: "mail.strict.example"},
			status: StatusFail, reject: true,
		},
		{
			name:   "policy none does not reject",
			args:   VerifyArgs{FromDomain: "simple.example", SPFResult: spf.StatusFail},
			status: StatusFail,
		},
		{
			name:   "subdomain policy",
			args:   VerifyArgs{FromDomain: "mail.example.com", SPFResult: spf.StatusFail},
			status: StatusFail,
		},
		{
			name:   "spf temperror",
			args:   VerifyArgs{FromDomain: "reject.example", SPFResult: spf.StatusTemperror},
			status: StatusTemperror,
		},
		{
			name:   "dkim temperror",
			args:   VerifyArgs{FromDomain: "reject.example", DKIMResults: []dkim.Result{{Status: dkim.StatusTemperror}}},
			status: StatusTemperror,
		},
		{
			name:   "no record",
			args:   VerifyArgs{FromDomain: "absent.example", SPFResult: spf.StatusPass, SPFDomain: "absent.example"},
			status: StatusNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, res := Verify(context.Background(), testResolver(), tt.args, false)
			if res.Status != tt.status || res.Reject != tt.reject {
				t.Errorf("got %s reject=%v, want %s reject=%v (err %v)", res.Status, res.Reject, tt.status, tt.reject, res.Err)
			}
			if res.AlignedSPFPass != tt.spf || res.AlignedDKIMPass != tt.dkim {
				t.Errorf("aligned spf=%v dkim=%v, want %v %v", res.AlignedSPFPass, res.AlignedDKIMPass, tt.spf, tt.dkim)
			}
		})
	}
}

func TestVerifyPercentage(t *testing.T) {
	args := VerifyArgs{FromDomain: "pct0.example", SPFResult: spf.StatusFail}
	if use, res := Verify(context.Background(), testResolver(), args, true); use || res.Status != StatusFail {
		t.Errorf("pct=0 with percentage: use=%v status=%s", use, res.Status)
	}
	if use, _ := Verify(context.Background(), testResolver(), args, false); !use {
		t.Error("pct ignored: use=false")
	}
}

func TestExtractFromDomain(t *testing.T) {
	tests := []struct {
		from string
		want string
		err  error
	}{
		{"a@Good.Example", "good.example", nil},
		{"Alice <alice@good.example>", "good.example", nil},
		{"a@one.example, b@two.example", "one.example", nil},
		{"", "", ErrNoFromHeader},
		{"not an address", "", ErrInvalidFromHeader},
	}
	for _, tt := range tests {
		got, err := ExtractFromDomain(tt.from)
		if got != tt.want || !errors.Is(err, tt.err) {
			t.Errorf("ExtractFromDomain(%q) = %q, %v; want %q, %v", tt.from, got, err, tt.want, tt.err)
		}
	}
}
