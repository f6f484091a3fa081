// Package sasl implements the server side of the PLAIN and LOGIN
// mechanisms for SMTP AUTH (RFC 4954).
//
// The SMTP engine handles base64 and cancellation; mechanisms see decoded
// client responses. When a mechanism has the credentials it calls the
// Authenticator, whose error ends the exchange.
package sasl

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Plain = "PLAIN"
	Login = "LOGIN"
)

var (
	// ErrInvalidFormat is returned when a client response cannot be parsed.
	ErrInvalidFormat = errors.New("sasl: invalid authentication format")

	// ErrUnexpectedResponse is returned for responses after the exchange
	// completed.
	ErrUnexpectedResponse = errors.New("sasl: unexpected response")

	// ErrUnsupportedMechanism is returned by NewServer.
	ErrUnsupportedMechanism = errors.New("sasl: unsupported mechanism")
)

// Credentials are the result of a SASL exchange.
type Credentials struct {
	AuthorizationID  string // Identity to act as (authzid)
	AuthenticationID string // Identity being authenticated (authcid)
	Password         string
}

// Identity returns the effective identity for authorization.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Authenticator checks credentials. A nil error accepts them.
type Authenticator func(c *Credentials) error

// Server is one exchange of a mechanism. Next is called with each
// decoded client response, the first time with the initial response,
// which may be empty.
type Server interface {
	Next(response []byte) (challenge []byte, done bool, err error)
	Credentials() *Credentials
}

// Mechanisms lists the supported mechanisms in order of preference.
var Mechanisms = []string{Plain, Login}

// NewServer starts an exchange for mechanism, case insensitive.
func NewServer(mechanism string, auth Authenticator) (Server, error) {
	switch strings.ToUpper(mechanism) {
	case Plain:
		return &plainServer{auth: auth}, nil
	case Login:
		return &loginServer{auth: auth}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMechanism, mechanism)
}
