package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
)

// Record is a DKIM key record published at <selector>._domainkey.<domain>.
type Record struct {
	Version   string   // v=, DKIM1 when present
	Hashes    []string // h=, empty allows all
	Key       string   // k=, rsa or ed25519
	Services  []string // s=, empty allows all
	Flags     []string // t=
	Pubkey    []byte   // p=, empty means revoked
	PublicKey crypto.PublicKey
}

// ParseRecord parses a key record. A record with an empty p= parses
// without error; Revoked reports it.
func ParseRecord(txt string) (*Record, error) {
	tags, err := ParseTags(txt)
	if err != nil {
		return nil, err
	}
	r := &Record{Key: "rsa"}
	havePubkey := false
	for i, t := range tags {
		switch t.Name {
		case "v":
			if i != 0 || t.Value != "DKIM1" {
				return nil, fmt.Errorf("%w: v=%q must come first and be DKIM1", ErrSyntax, t.Value)
			}
			r.Version = t.Value
		case "h":
			r.Hashes = lowerList(t.Value)
		case "k":
			r.Key = strings.ToLower(t.Value)
		case "s":
			r.Services = lowerList(t.Value)
		case "t":
			r.Flags = lowerList(t.Value)
		case "p":
			havePubkey = true
			if r.Pubkey, err = DecodeBase64(t.Value); err != nil {
				return nil, fmt.Errorf("%w: p=: %v", ErrSyntax, err)
			}
		}
	}
	if !havePubkey {
		return nil, fmt.Errorf("%w: p", ErrMissingTag)
	}
	if len(r.Pubkey) == 0 {
		return r, nil
	}

	switch r.Key {
	case "rsa":
		pk, err := x509.ParsePKIXPublicKey(r.Pubkey)
		if err != nil {
			pk, err = x509.ParsePKCS1PublicKey(r.Pubkey)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: rsa public key: %v", ErrSyntax, err)
		}
		rk, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: k=rsa with %T key", ErrSyntax, pk)
		}
		r.PublicKey = rk
	case "ed25519":
		if len(r.Pubkey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 key of %d bytes", ErrSyntax, len(r.Pubkey))
		}
		r.PublicKey = ed25519.PublicKey(r.Pubkey)
	default:
		return nil, fmt.Errorf("%w: k=%s", ErrSigAlgorithmUnknown, r.Key)
	}
	return r, nil
}

func lowerList(v string) []string {
	var l []string
	for s := range strings.SplitSeq(v, ":") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			l = append(l, s)
		}
	}
	return l
}

// Revoked reports whether the record has an empty public key.
func (r *Record) Revoked() bool {
	return len(r.Pubkey) == 0
}

// HashAllowed reports whether hash (sha1, sha256) may be used with the key.
func (r *Record) HashAllowed(hash string) bool {
	return len(r.Hashes) == 0 || slices.Contains(r.Hashes, strings.ToLower(hash))
}

// ServiceAllowed reports whether the key may be used for email.
func (r *Record) ServiceAllowed() bool {
	return len(r.Services) == 0 || slices.Contains(r.Services, "*") || slices.Contains(r.Services, "email")
}

// Check reports whether the key may verify a signature made with
// algorithm, e.g. rsa-sha256.
func (r *Record) Check(algorithm string) error {
	keyType, hashName, _ := strings.Cut(algorithm, "-")
	switch {
	case r.Revoked():
		return ErrKeyRevoked
	case r.Key != keyType:
		return fmt.Errorf("%w: k=%s, a=%s", ErrSigAlgMismatch, r.Key, algorithm)
	case !r.HashAllowed(hashName):
		return ErrHashAlgNotAllowed
	case !r.ServiceAllowed():
		return fmt.Errorf("%w: key not for email", ErrSyntax)
	}
	if k, ok := r.PublicKey.(*rsa.PublicKey); ok && k.N.BitLen() < MinRSAKeyBits {
		return fmt.Errorf("%w: %d bits", ErrWeakKey, k.N.BitLen())
	}
	return nil
}

// TXT renders the record for publication.
func (r *Record) TXT() string {
	parts := []string{"v=DKIM1"}
	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}
	if r.Key != "" && r.Key != "rsa" {
		parts = append(parts, "k="+r.Key)
	}
	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}
	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(r.Pubkey))
	return strings.Join(parts, "; ")
}

// RecordFor builds the key record for a public key.
func RecordFor(pub crypto.PublicKey) (*Record, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		der, err := x509.MarshalPKIXPublicKey(k)
		if err != nil {
			return nil, &KeyError{Err: err}
		}
		return &Record{Version: "DKIM1", Key: "rsa", Pubkey: der, PublicKey: k}, nil
	case ed25519.PublicKey:
		return &Record{Version: "DKIM1", Key: "ed25519", Pubkey: []byte(k), PublicKey: k}, nil
	}
	return nil, &KeyError{Err: fmt.Errorf("unsupported public key type %T", pub)}
}
