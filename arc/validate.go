package arc

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"fmt"

	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/message"
)

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// sealHash hashes sets 1..n in instance order, each as AAR, AMS and AS,
// with relaxed canonicalization. The b= value of the last seal is
// removed and that field is hashed without trailing CRLF.
func sealHash(h crypto.Hash, sets []*Set) ([]byte, error) {
	hh := h.New()
	for i, s := range sets {
		last := i == len(sets)-1
		sealRaw := s.Seal.Raw
		if last {
			sealRaw = dkim.RemoveSignatureValue(sealRaw)
		}
		for j, raw := range [][]byte{s.AuthenticationResults.Raw, s.MessageSignature.Raw, sealRaw} {
			canon, err := dkim.CanonicalizeHeader(dkim.CanonRelaxed, raw)
			if err != nil {
				return nil, err
			}
			hh.Write(canon)
			if !last || j < 2 {
				hh.Write([]byte("\r\n"))
			}
		}
	}
	return hh.Sum(nil), nil
}

// Validate checks the ARC chain of msg: the cv= values must match each
// set's position, every seal must verify and so must the newest message
// signature. Keys are fetched through resolver.
func Validate(ctx context.Context, resolver dns.Resolver, msg *message.Message) Result {
	chain, err := ParseChain(msg.Header)
	if err != nil {
		return Result{Status: StatusFail, Err: err}
	}
	if len(chain.Sets) == 0 {
		return Result{Status: StatusNone, Chain: chain}
	}
	res := Result{Status: StatusFail, Chain: chain}

	for i, s := range chain.Sets {
		cv := s.Seal.ChainValidation
		want := ChainValidationPass
		if i == 0 {
			want = ChainValidationNone
		}
		if cv != want {
			res.FailedInstance = s.Instance
			res.Err = fmt.Errorf("%w: i=%d has cv=%s", ErrChainValidationMismatch, s.Instance, cv)
			return res
		}
	}

	newest := chain.Sets[len(chain.Sets)-1]
	if err := verifyMessageSignature(ctx, resolver, msg, newest.MessageSignature); err != nil {
		res.FailedInstance = newest.Instance
		res.Err = err
		return res
	}
	for n := len(chain.Sets); n >= 1; n-- {
		if err := verifySeal(ctx, resolver, chain.Sets[:n]); err != nil {
			res.FailedInstance = n
			res.Err = err
			return res
		}
	}
	res.Status = StatusPass
	return res
}

func lookupKey(ctx context.Context, resolver dns.Resolver, selector, domain, algorithm string) (crypto.PublicKey, crypto.Hash, error) {
	hash, err := dkim.HashFor(algorithm)
	if err != nil {
		return nil, 0, err
	}
	if resolver == nil {
		return nil, 0, ErrNoKey
	}
	rec, err := dkim.LookupRecord(ctx, resolver, selector, domain)
	if err != nil {
		return nil, 0, err
	}
	if err := rec.Check(algorithm); err != nil {
		return nil, 0, err
	}
	return rec.PublicKey, hash, nil
}

func verifyMessageSignature(ctx context.Context, resolver dns.Resolver, msg *message.Message, ms *MessageSignature) error {
	key, hash, err := lookupKey(ctx, resolver, ms.Selector, ms.Domain, ms.Algorithm)
	if err != nil {
		return fmt.Errorf("%w: i=%d: %w", ErrMessageSignatureFailed, ms.Instance, err)
	}
	bh, err := dkim.BodyHash(hash, ms.BodyCanon, msg.Body, ms.Length)
	if err != nil || !bytes.Equal(bh, ms.BodyHash) {
		return fmt.Errorf("%w: i=%d", ErrBodyHashMismatch, ms.Instance)
	}
	digest, err := dkim.HeaderHash(hash, ms.HeaderCanon, msg.Header, ms.SignedHeaders, dkim.RemoveSignatureValue(ms.Raw))
	if err != nil {
		return fmt.Errorf("%w: i=%d: %w", ErrMessageSignatureFailed, ms.Instance, err)
	}
	if err := dkim.VerifyDigest(key, hash, digest, ms.Signature); err != nil {
		return fmt.Errorf("%w: i=%d: %w", ErrMessageSignatureFailed, ms.Instance, err)
	}
	return nil
}

// verifySeal verifies the seal of the last set in sets.
func verifySeal(ctx context.Context, resolver dns.Resolver, sets []*Set) error {
	seal := sets[len(sets)-1].Seal
	key, hash, err := lookupKey(ctx, resolver, seal.Selector, seal.Domain, seal.Algorithm)
	if err != nil {
		return fmt.Errorf("%w: i=%d: %w", ErrSealFailed, seal.Instance, err)
	}
	digest, err := sealHash(hash, sets)
	if err != nil {
		return fmt.Errorf("%w: i=%d: %w", ErrSealFailed, seal.Instance, err)
	}
	if err := dkim.VerifyDigest(key, hash, digest, seal.Signature); err != nil {
		return fmt.Errorf("%w: i=%d: %w", ErrSealFailed, seal.Instance, err)
	}
	return nil
}
