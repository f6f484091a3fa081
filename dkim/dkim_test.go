package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/message"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

const testMessage = "From: Alice <a@good.example>\r\n" +
	"To: b@local.example\r\n" +
	"Subject: Hello   there\r\n" +
	"Date: Thu, 15 Oct 2026 10:00:00 +0000\r\n" +
	"Message-ID: <1@good.example>\r\n" +
	"\r\n" +
	"Hi Bob,\r\n" +
	"how  are you?\r\n" +
	"\r\n"

func resolverFor(t *testing.T, domain, selector string, pub crypto.PublicKey) dns.MockResolver {
	t.Helper()
	rec, err := RecordFor(pub)
	if err != nil {
		t.Fatalf("RecordFor: %v", err)
	}
	return dns.MockResolver{
		TXT: map[string][]string{
			selector + "._domainkey." + domain + ".": {rec.TXT()},
		},
	}
}

func signMessage(t *testing.T, key crypto.Signer, raw string) []byte {
	t.Helper()
	s := &Signer{Domain: "good.example", Selector: "sel", Key: key}
	field, err := s.Sign([]byte(raw))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return message.Prepend([]byte(raw), field)
}

func TestCanonicalizeHeader(t *testing.T) {
	tests := []struct {
		c    Canonicalization
		in   string
		want string
	}{
		{CanonRelaxed, "Subject:  Hello \t there \r\n", "subject:Hello there"},
		{CanonRelaxed, "SUBJECT : folded\r\n\tvalue\r\n", "subject:folded value"},
		{CanonRelaxed, "X-Empty:\r\n", "x-empty:"},
		{CanonSimple, "Subject:  Hello \r\n", "Subject:  Hello "},
	}
	for _, tt := range tests {
		got, err := CanonicalizeHeader(tt.c, []byte(tt.in))
		if err != nil {
			t.Fatalf("CanonicalizeHeader(%q): %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Errorf("CanonicalizeHeader(%s, %q) = %q, want %q", tt.c, tt.in, got, tt.want)
		}
	}
	if _, err := CanonicalizeHeader(CanonRelaxed, []byte("no colon")); !errors.Is(err, ErrHeaderMalformed) {
		t.Errorf("err = %v, want ErrHeaderMalformed", err)
	}
}

func TestCanonicalizeBody(t *testing.T) {
	tests := []struct {
		c    Canonicalization
		in   string
		want string
	}{
		{CanonRelaxed, "", ""},
		{CanonSimple, "", "\r\n"},
		{CanonRelaxed, "a  b \t\r\n\r\n\r\n", "a b\r\n"},
		{CanonSimple, "a  b \r\n\r\n", "a  b \r\n"},
		{CanonRelaxed, "no newline", "no newline\r\n"},
		{CanonRelaxed, " lead\r\n", " lead\r\n"},
		{CanonRelaxed, "x\r\n \r\ny\r\n", "x\r\n\r\ny\r\n"},
	}
	for _, tt := range tests {
		if got := CanonicalizeBody(tt.c, []byte(tt.in)); string(got) != tt.want {
			t.Errorf("CanonicalizeBody(%s, %q) = %q, want %q", tt.c, tt.in, got, tt.want)
		}
	}
}

func TestRemoveSignatureValue(t *testing.T) {
	raw := "DKIM-Signature: v=1; bh=abc=;\r\n\tb=AAAA\r\n\tBBBB; d=x.example\r\n"
	want := "DKIM-Signature: v=1; bh=abc=;\r\n\tb=; d=x.example\r\n"
	if got := RemoveSignatureValue([]byte(raw)); string(got) != want {
		t.Errorf("RemoveSignatureValue = %q, want %q", got, want)
	}
}

func TestSelectHeaders(t *testing.T) {
	msg, err := message.Parse([]byte("Received: top\r\nFrom: a@x\r\nReceived: bottom\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	got := SelectHeaders(msg.Header, []string{"received", "from", "received", "received", "to"})
	var values []string
	for _, f := range got {
		values = append(values, f.Value)
	}
	if strings.Join(values, ",") != "bottom,a@x,top" {
		t.Errorf("selected %v", values)
	}
}

func TestParseSignature(t *testing.T) {
	valid := "DKIM-Signature: v=1; a=rsa-sha256; c=relaxed/relaxed; d=Good.Example;\r\n" +
		"\ts=sel; t=100; h=From : To:subject; bh=YWJj; b=ZGVm\r\n\tZ2hp\r\n"
	sig, err := ParseSignature([]byte(valid))
	if err != nil {
		t.Fatalf("ParseSignature: %v", err)
	}
	if sig.Domain != "good.example" || sig.Selector != "sel" || sig.SignTime != 100 {
		t.Errorf("sig = %+v", sig)
	}
	if strings.Join(sig.SignedHeaders, ":") != "from:to:subject" {
		t.Errorf("h = %v", sig.SignedHeaders)
	}
	if string(sig.Signature) != "defghi" || string(sig.BodyHash) != "abc" {
		t.Errorf("b = %q, bh = %q", sig.Signature, sig.BodyHash)
	}
	if sig.HeaderCanon != CanonRelaxed || sig.BodyCanon != CanonRelaxed {
		t.Errorf("canon = %s/%s", sig.HeaderCanon, sig.BodyCanon)
	}

	bad := []string{
		"DKIM-Signature: v=1; a=rsa-sha256; d=x.example; s=s; bh=YWJj; b=ZGVm",
		"DKIM-Signature: v=2; a=rsa-sha256; d=x.example; s=s; h=from; bh=YWJj; b=ZGVm",
		"DKIM-Signature: v=1; v=1; a=rsa-sha256; d=x.example; s=s; h=from; bh=YWJj; b=ZGVm",
		"DKIM-Signature: v=1; a=rsa-sha256; c=weird; d=x.example; s=s; h=from; bh=YWJj; b=ZGVm",
		"DKIM-Signature: v=1; a=rsa-sha256; d=x.example; s=s; h=from; bh=!!; b=ZGVm",
		"DKIM-Signature: garbage",
		"X-Other: v=1",
	}
	for _, b := range bad {
		_, err := ParseSignature([]byte(b))
		var me *MalformedSignatureError
		if !errors.As(err, &me) {
			t.Errorf("ParseSignature(%q) err = %v, want MalformedSignatureError", b, err)
		}
	}
}

func TestParseRecord(t *testing.T) {
	rec, err := RecordFor(rsaKey(t).Public())
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseRecord(rec.TXT())
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if parsed.Key != "rsa" || parsed.PublicKey == nil || parsed.Revoked() {
		t.Errorf("record = %+v", parsed)
	}

	revoked, err := ParseRecord("v=DKIM1; p=")
	if err != nil || !revoked.Revoked() {
		t.Errorf("revoked record = %+v, %v", revoked, err)
	}
	if _, err := ParseRecord("k=rsa; v=DKIM1; p=AAAA"); !errors.Is(err, ErrSyntax) {
		t.Errorf("misplaced v= err = %v", err)
	}
	if _, err := ParseRecord("v=DKIM1; k=rsa"); !errors.Is(err, ErrMissingTag) {
		t.Errorf("missing p= err = %v", err)
	}
	if r, _ := ParseRecord("v=DKIM1; h=sha256; s=email; p="); r.HashAllowed("sha1") || !r.HashAllowed("SHA256") || !r.ServiceAllowed() {
		t.Errorf("h=/s= handling wrong: %+v", r)
	}
}

func TestSignVerify(t *testing.T) {
	key := rsaKey(t)
	v := &Verifier{Resolver: resolverFor(t, "good.example", "sel", key.Public())}
	signed := signMessage(t, key, testMessage)

	results, err := v.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusPass {
		t.Fatalf("results = %+v", results)
	}
	if !Passed(results, "good.example") || Passed(results, "other.example") {
		t.Error("Passed mismatch")
	}
	sig := results[0].Signature
	if strings.Join(sig.SignedHeaders, ":") != "from:to:subject:date:message-id" {
		t.Errorf("h = %v", sig.SignedHeaders)
	}
}

func TestSignEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	v := &Verifier{Resolver: resolverFor(t, "good.example", "sel", pub)}
	results, err := v.Verify(context.Background(), signMessage(t, priv, testMessage))
	if err != nil || len(results) != 1 || results[0].Status != StatusPass {
		t.Fatalf("results = %+v, %v", results, err)
	}
}

func TestSignCallerHeaderOrder(t *testing.T) {
	s := &Signer{
		Domain:   "good.example",
		Selector: "sel",
		Key:      rsaKey(t),
		Headers:  []string{"Subject", "X-Missing", "From", "To"},
	}
	field, err := s.Sign([]byte(testMessage))
	if err != nil {
		t.Fatal(err)
	}
	sig, err := ParseSignature([]byte(field))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(sig.SignedHeaders, ":") != "subject:from:to" {
		t.Errorf("h = %v", sig.SignedHeaders)
	}
	for _, line := range strings.Split(field, "\r\n") {
		if len(line) > 76 {
			t.Errorf("line longer than 76: %q", line)
		}
	}
}

func TestSignErrors(t *testing.T) {
	s := &Signer{Domain: "good.example", Selector: "sel", Key: rsaKey(t)}
	if _, err := s.Sign([]byte("To: b@x\r\n\r\nbody")); !errors.Is(err, ErrFromRequired) {
		t.Errorf("no From: err = %v", err)
	}
	if _, err := s.Sign([]byte("From: a@x\r\nFrom: c@x\r\n\r\nbody")); !errors.Is(err, ErrFromRequired) {
		t.Errorf("two From: err = %v", err)
	}
	var ke *KeyError
	if _, err := (&Signer{Domain: "x", Selector: "s"}).Sign([]byte(testMessage)); !errors.As(err, &ke) {
		t.Errorf("no key: err = %v", err)
	}
}

func TestVerifyTampered(t *testing.T) {
	key := rsaKey(t)
	v := &Verifier{Resolver: resolverFor(t, "good.example", "sel", key.Public())}
	signed := signMessage(t, key, testMessage)

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{"body byte", func(b []byte) []byte { return bytes.Replace(b, []byte("Hi Bob"), []byte("Hi Rob"), 1) }, ErrBodyHashMismatch},
		{"signed header", func(b []byte) []byte { return bytes.Replace(b, []byte("Hello"), []byte("Jello"), 1) }, ErrSigVerify},
		{"whitespace only", func(b []byte) []byte { return bytes.Replace(b, []byte("how  are"), []byte("how are"), 1) }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := v.Verify(context.Background(), tt.mutate(bytes.Clone(signed)))
			if err != nil || len(results) != 1 {
				t.Fatalf("results = %+v, %v", results, err)
			}
			if tt.wantErr == nil {
				if results[0].Status != StatusPass {
					t.Errorf("status = %s (%v), want pass", results[0].Status, results[0].Err)
				}
				return
			}
			if results[0].Status != StatusFail || !errors.Is(results[0].Err, tt.wantErr) {
				t.Errorf("result = %s %v, want fail %v", results[0].Status, results[0].Err, tt.wantErr)
			}
		})
	}
}

func TestVerifyRecordProblems(t *testing.T) {
	key := rsaKey(t)
	signed := signMessage(t, key, testMessage)
	rec, _ := RecordFor(key.Public())

	tests := []struct {
		name   string
		txt    map[string][]string
		fail   []string
		status Status
		err    error
	}{
		{"no record", nil, nil, StatusPermerror, ErrNoRecord},
		{"temporary", nil, []string{"txt sel._domainkey.good.example."}, StatusTemperror, dns.ErrDNSServFail},
		{"revoked", map[string][]string{"sel._domainkey.good.example.": {"v=DKIM1; p="}}, nil, StatusPermerror, ErrKeyRevoked},
		{"sha1 only", map[string][]string{"sel._domainkey.good.example.": {"v=DKIM1; h=sha1; " + strings.TrimPrefix(rec.TXT(), "v=DKIM1; ")}}, nil, StatusPermerror, ErrHashAlgNotAllowed},
		{"two records", map[string][]string{"sel._domainkey.good.example.": {rec.TXT(), rec.TXT()}}, nil, StatusPermerror, ErrMultipleRecords},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &Verifier{Resolver: dns.MockResolver{TXT: tt.txt, Fail: tt.fail}}
			results, err := v.Verify(context.Background(), signed)
			if err != nil || len(results) != 1 {
				t.Fatalf("results = %+v, %v", results, err)
			}
			if results[0].Status != tt.status || !errors.Is(results[0].Err, tt.err) {
				t.Errorf("result = %s %v, want %s %v", results[0].Status, results[0].Err, tt.status, tt.err)
			}
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	key := rsaKey(t)
	v := &Verifier{Resolver: resolverFor(t, "good.example", "sel", key.Public())}
	s := &Signer{Domain: "good.example", Selector: "sel", Key: key, Expiration: time.Hour}
	field, err := s.Sign([]byte(testMessage))
	if err != nil {
		t.Fatal(err)
	}

	defer func(orig func() time.Time) { timeNow = orig }(timeNow)
	timeNow = func() time.Time { return time.Now().Add(2 * time.Hour) }

	results, _ := v.Verify(context.Background(), message.Prepend([]byte(testMessage), field))
	if len(results) != 1 || !errors.Is(results[0].Err, ErrSigExpired) {
		t.Errorf("results = %+v", results)
	}
}

func TestVerifyNoSignatureAndMalformed(t *testing.T) {
	v := &Verifier{Resolver: dns.MockResolver{}}
	results, err := v.Verify(context.Background(), []byte(testMessage))
	if err != nil || len(results) != 0 {
		t.Errorf("unsigned: %+v, %v", results, err)
	}

	raw := message.Prepend([]byte(testMessage), "DKIM-Signature: v=1; a=rsa-sha256")
	results, err = v.Verify(context.Background(), raw)
	if err != nil || len(results) != 1 || results[0].Status != StatusPermerror || !IsMalformed(results[0]) {
		t.Errorf("malformed: %+v, %v", results, err)
	}
}

func TestVerifyPublicSuffixDomain(t *testing.T) {
	key := rsaKey(t)
	s := &Signer{Domain: "co.uk", Selector: "sel", Key: key}
	field, err := s.Sign([]byte(testMessage))
	if err != nil {
		t.Fatal(err)
	}
	v := &Verifier{Resolver: resolverFor(t, "co.uk", "sel", key.Public())}
	results, _ := v.Verify(context.Background(), message.Prepend([]byte(testMessage), field))
	if len(results) != 1 || !errors.Is(results[0].Err, ErrTLD) {
		t.Errorf("results = %+v", results)
	}
}

// Signatures must verify with an independent implementation.
func TestSignInterop(t *testing.T) {
	key := rsaKey(t)
	rec, _ := RecordFor(key.Public())
	signed := signMessage(t, key, testMessage)

	verifications, err := msgauthdkim.VerifyWithOptions(bytes.NewReader(signed), &msgauthdkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != "sel._domainkey.good.example" {
				return nil, errors.New("unexpected lookup " + domain)
			}
			return []string{rec.TXT()}, nil
		},
	})
	if err != nil {
		t.Fatalf("VerifyWithOptions: %v", err)
	}
	if len(verifications) != 1 || verifications[0].Err != nil {
		t.Fatalf("verifications = %+v", verifications)
	}
	if verifications[0].Domain != "good.example" {
		t.Errorf("domain = %q", verifications[0].Domain)
	}
}

func TestLoadPrivateKey(t *testing.T) {
	key := rsaKey(t)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	for name, data := range map[string][]byte{"pkcs1": pkcs1, "pkcs8": pkcs8} {
		k, err := LoadPrivateKey(data)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if !key.Equal(k) {
			t.Errorf("%s: key mismatch", name)
		}
	}

	var ke *KeyError
	if _, err := LoadPrivateKey([]byte("not pem")); !errors.As(err, &ke) {
		t.Errorf("garbage: err = %v", err)
	}
	if _, err := LoadPrivateKey(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}})); !errors.As(err, &ke) {
		t.Errorf("certificate: err = %v", err)
	}

	path := filepath.Join(t.TempDir(), "dkim.pem")
	if err := os.WriteFile(path, pkcs1, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPrivateKeyFile(path); err != nil {
		t.Errorf("LoadPrivateKeyFile: %v", err)
	}
	_, err = LoadPrivateKeyFile(filepath.Join(t.TempDir(), "missing.pem"))
	if !errors.As(err, &ke) || ke.Path == "" {
		t.Errorf("missing file: err = %v", err)
	}
}
