package dkim

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/message"
)

// MaxSignatures bounds the number of DKIM-Signature fields evaluated per
// message. Further fields are ignored.
const MaxSignatures = 10

// Verifier checks DKIM-Signature fields against keys in DNS.
type Verifier struct {
	Resolver dns.Resolver
}

// Verify verifies every DKIM-Signature field of a raw message, top first.
// The error is non-nil only if the message itself cannot be parsed. A
// message without signatures yields no results.
func (v *Verifier) Verify(ctx context.Context, raw []byte) ([]Result, error) {
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, err
	}
	return v.VerifyMessage(ctx, msg), nil
}

// VerifyMessage verifies the signatures of a parsed message.
func (v *Verifier) VerifyMessage(ctx context.Context, msg *message.Message) []Result {
	var results []Result
	for _, f := range msg.Fields("DKIM-Signature") {
		if len(results) == MaxSignatures {
			break
		}
		results = append(results, v.verifyField(ctx, msg, f))
	}
	return results
}

func (v *Verifier) verifyField(ctx context.Context, msg *message.Message, f message.Field) Result {
	sig, err := ParseSignature(f.Raw)
	if err != nil {
		return Result{Status: StatusPermerror, Err: err}
	}
	res := Result{Signature: sig}

	hash, err := HashFor(sig.Algorithm)
	if err != nil {
		res.Status, res.Err = StatusPermerror, err
		return res
	}
	switch {
	case !slices.Contains(sig.SignedHeaders, "from"):
		res.Status, res.Err = StatusPermerror, fmt.Errorf("%w: from not in h=", ErrFromRequired)
		return res
	case sig.ExpireTime >= 0 && sig.ExpireTime < timeNow().Unix():
		res.Status, res.Err = StatusFail, ErrSigExpired
		return res
	case isPublicSuffix(sig.Domain):
		res.Status, res.Err = StatusPermerror, fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
		return res
	}

	rec, err := LookupRecord(ctx, v.Resolver, sig.Selector, sig.Domain)
	if err != nil {
		res.Status, res.Err = StatusPermerror, err
		if dns.IsTemporary(err) {
			res.Status = StatusTemperror
		}
		return res
	}
	res.Record = rec
	if err := rec.Check(sig.Algorithm); err != nil {
		res.Status, res.Err = StatusPermerror, err
		return res
	}

	bh, err := BodyHash(hash, sig.BodyCanon, msg.Body, sig.Length)
	if err == nil && !bytes.Equal(bh, sig.BodyHash) {
		err = ErrBodyHashMismatch
	}
	if err != nil {
		res.Status, res.Err = StatusFail, err
		return res
	}

	digest, err := HeaderHash(hash, sig.HeaderCanon, msg.Header, sig.SignedHeaders, RemoveSignatureValue(f.Raw))
	if err != nil {
		res.Status, res.Err = StatusPermerror, err
		return res
	}
	if err := VerifyDigest(rec.PublicKey, hash, digest, sig.Signature); err != nil {
		res.Status, res.Err = StatusFail, err
		return res
	}
	res.Status = StatusPass
	return res
}

// LookupRecord fetches the key record at <selector>._domainkey.<domain>.
// Temporary DNS failures are returned as *dns.LookupError.
func LookupRecord(ctx context.Context, resolver dns.Resolver, selector, domain string) (*Record, error) {
	name := selector + "._domainkey." + domain
	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, &dns.LookupError{Domain: name, RecordType: "TXT", Err: err}
	}

	var rec *Record
	var firstErr error
	for _, txt := range result.Records {
		r, err := ParseRecord(txt)
		if err != nil {
			firstErr = cmp.Or(firstErr, err)
			continue
		}
		if rec != nil {
			return nil, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
		}
		rec = r
	}
	if rec == nil {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	return rec, nil
}

// isPublicSuffix reports whether domain has no label below its public
// suffix, e.g. "com" or "co.uk".
func isPublicSuffix(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return true
	}
	_, err := publicsuffix.EffectiveTLDPlusOne(domain)
	return err != nil
}

// Passed reports whether any result passed, optionally for a given
// signing domain.
func Passed(results []Result, domain string) bool {
	for _, r := range results {
		if r.Status == StatusPass && (domain == "" || strings.EqualFold(r.Signature.Domain, domain)) {
			return true
		}
	}
	return false
}

// IsMalformed reports whether a result failed because its signature
// field could not be parsed.
func IsMalformed(r Result) bool {
	var me *MalformedSignatureError
	return errors.As(r.Err, &me)
}
