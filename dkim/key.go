package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// LoadPrivateKey parses a PEM encoded RSA (PKCS#1 or PKCS#8) or Ed25519
// (PKCS#8) private key.
func LoadPrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, &KeyError{Err: errors.New("no PEM block found")}
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, &KeyError{Err: err}
		}
		return k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, &KeyError{Err: err}
		}
		switch k := k.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, &KeyError{Err: fmt.Errorf("unsupported key type %T", k)}
		}
	}
	return nil, &KeyError{Err: fmt.Errorf("unsupported PEM block %q", block.Type)}
}

// LoadPrivateKeyFile reads and parses a private key file.
func LoadPrivateKeyFile(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyError{Path: path, Err: err}
	}
	k, err := LoadPrivateKey(data)
	if err != nil {
		var ke *KeyError
		if errors.As(err, &ke) {
			ke.Path = path
		}
		return nil, err
	}
	return k, nil
}
