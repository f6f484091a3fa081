// Package dkim signs and verifies DomainKeys Identified Mail signatures
// (RFC 6376).
//
// Signing uses relaxed/relaxed canonicalization and rsa-sha256 (or
// ed25519-sha256 for Ed25519 keys). Verification accepts rsa-sha256,
// rsa-sha1 and ed25519-sha256 with simple or relaxed canonicalization.
//
// The canonicalization and tag-list helpers are exported for the arc
// package, which signs ARC header sets the same way.
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"
)

// Status is a verification result as used in Authentication-Results.
type Status string

const (
	StatusNone      Status = "none"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusNeutral   Status = "neutral"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Canonicalization is a header or body canonicalization algorithm.
type Canonicalization string

const (
	CanonSimple  Canonicalization = "simple"
	CanonRelaxed Canonicalization = "relaxed"
)

var (
	ErrNoRecord             = errors.New("dkim: no DKIM DNS record found")
	ErrMultipleRecords      = errors.New("dkim: multiple DKIM DNS records found")
	ErrSyntax               = errors.New("dkim: syntax error in DKIM record")
	ErrKeyRevoked           = errors.New("dkim: key has been revoked")
	ErrWeakKey              = errors.New("dkim: key is too weak")
	ErrSigAlgMismatch       = errors.New("dkim: signature algorithm mismatch with DNS record")
	ErrHashAlgNotAllowed    = errors.New("dkim: hash algorithm not allowed by DNS record")
	ErrSigExpired           = errors.New("dkim: signature has expired")
	ErrBodyHashMismatch     = errors.New("dkim: body hash does not match")
	ErrSigVerify            = errors.New("dkim: signature verification failed")
	ErrSigAlgorithmUnknown  = errors.New("dkim: unknown signature algorithm")
	ErrHashAlgorithmUnknown = errors.New("dkim: unknown hash algorithm")
	ErrCanonicalization     = errors.New("dkim: unknown canonicalization")
	ErrHeaderMalformed      = errors.New("dkim: mail header is malformed")
	ErrFromRequired         = errors.New("dkim: exactly one From header is required")
	ErrTLD                  = errors.New("dkim: signing domain is a public suffix")
	ErrMissingTag           = errors.New("dkim: missing required tag")
	ErrDuplicateTag         = errors.New("dkim: duplicate tag")
)

// MalformedSignatureError is returned when a signature header cannot be
// parsed. Verification treats it as a failure of that signature only.
type MalformedSignatureError struct {
	Header string // Field name, e.g. DKIM-Signature.
	Err    error
}

func (e *MalformedSignatureError) Error() string {
	return fmt.Sprintf("dkim: malformed %s: %v", e.Header, e.Err)
}

func (e *MalformedSignatureError) Unwrap() error {
	return e.Err
}

// KeyError is returned when a private or public key cannot be read or
// used. For signing it is fatal.
type KeyError struct {
	Path string // Empty when the key did not come from a file.
	Err  error
}

func (e *KeyError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("dkim: key %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("dkim: key: %v", e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}

// Result is the outcome of verifying one DKIM-Signature field.
type Result struct {
	Status    Status
	Signature *Signature // Nil if the field could not be parsed.
	Record    *Record
	Err       error
}

// DefaultSignedHeaders are signed when a Signer has no explicit list.
var DefaultSignedHeaders = []string{
	"From", "To", "Cc", "Subject", "Date", "Message-ID", "In-Reply-To",
	"References", "MIME-Version", "Content-Type", "Content-Transfer-Encoding", "Reply-To",
}

// timeNow and cryptoRand are replaced in tests.
var (
	timeNow    = time.Now
	cryptoRand = rand.Reader
)

// MinRSAKeyBits is the smallest RSA key accepted for verification.
const MinRSAKeyBits = 1024

// SignDigest signs a digest computed with hash. Ed25519 keys sign the
// digest bytes directly (RFC 8463).
func SignDigest(key crypto.Signer, hash crypto.Hash, digest []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Sign(cryptoRand, digest, hash)
	case ed25519.PrivateKey:
		return k.Sign(cryptoRand, digest, crypto.Hash(0))
	default:
		return nil, &KeyError{Err: fmt.Errorf("unsupported key type %T", key)}
	}
}

// VerifyDigest checks sig over digest with a public key.
func VerifyDigest(key crypto.PublicKey, hash crypto.Hash, digest, sig []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, hash, digest, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrSigVerify, err)
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, sig) {
			return ErrSigVerify
		}
		return nil
	default:
		return ErrSigAlgorithmUnknown
	}
}

// AlgorithmFor returns the a= value used when signing with key.
func AlgorithmFor(key crypto.Signer) (string, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return "rsa-sha256", nil
	case ed25519.PrivateKey:
		return "ed25519-sha256", nil
	case nil:
		return "", &KeyError{Err: errors.New("no private key")}
	default:
		return "", &KeyError{Err: fmt.Errorf("unsupported key type %T", k)}
	}
}

// HashFor returns the hash of an a= algorithm such as rsa-sha256.
func HashFor(algorithm string) (crypto.Hash, error) {
	switch algorithm {
	case "rsa-sha256", "ed25519-sha256":
		return crypto.SHA256, nil
	case "rsa-sha1":
		return crypto.SHA1, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrSigAlgorithmUnknown, algorithm)
}
