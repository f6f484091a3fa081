package dkim

import (
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/synqronlabs/kestrel/message"
)

// Signer creates DKIM-Signature fields with relaxed/relaxed
// canonicalization.
type Signer struct {
	// Domain is the signing domain (d=).
	Domain string

	// Selector locates the public key (s=).
	Selector string

	// Key is an *rsa.PrivateKey or ed25519.PrivateKey.
	Key crypto.Signer

	// Headers lists the fields to sign, in hash order. Fields absent from
	// the message are left out of h=. Defaults to DefaultSignedHeaders.
	Headers []string

	// Identity is the i= tag, omitted when empty.
	Identity string

	// Expiration sets x= relative to the signing time when non-zero.
	Expiration time.Duration
}

// Sign signs a raw message and returns the DKIM-Signature field without
// trailing CRLF, ready to be prepended.
func (s *Signer) Sign(raw []byte) (string, error) {
	msg, err := message.Parse(raw)
	if err != nil {
		return "", err
	}
	return s.SignMessage(msg)
}

// SignMessage signs a parsed message.
func (s *Signer) SignMessage(msg *message.Message) (string, error) {
	if n := msg.Count("From"); n != 1 {
		return "", fmt.Errorf("%w: message has %d", ErrFromRequired, n)
	}
	alg, err := AlgorithmFor(s.Key)
	if err != nil {
		return "", err
	}
	if s.Domain == "" || s.Selector == "" {
		return "", fmt.Errorf("%w: domain and selector are required", ErrMissingTag)
	}

	names := s.Headers
	if len(names) == 0 {
		names = DefaultSignedHeaders
	}
	var signed []string
	for _, n := range names {
		if msg.Count(n) > 0 {
			signed = append(signed, strings.ToLower(n))
		}
	}

	now := timeNow()
	sig := NewSignature()
	sig.Algorithm = alg
	sig.Domain = strings.ToLower(s.Domain)
	sig.Selector = strings.ToLower(s.Selector)
	sig.Identity = s.Identity
	sig.HeaderCanon = CanonRelaxed
	sig.BodyCanon = CanonRelaxed
	sig.SignedHeaders = signed
	sig.SignTime = now.Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = now.Add(s.Expiration).Unix()
	}

	if sig.BodyHash, err = BodyHash(crypto.SHA256, CanonRelaxed, msg.Body, -1); err != nil {
		return "", err
	}
	digest, err := HeaderHash(crypto.SHA256, CanonRelaxed, msg.Header, signed, []byte(sig.Header(false)))
	if err != nil {
		return "", err
	}
	if sig.Signature, err = SignDigest(s.Key, crypto.SHA256, digest); err != nil {
		return "", err
	}
	return sig.Header(true), nil
}
