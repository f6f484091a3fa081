package sasl

import "bytes"

// plainServer implements PLAIN (RFC 4616). Passwords are sent in clear
// text; offer it on TLS connections only.
type plainServer struct {
	auth  Authenticator
	asked bool
	done  bool
	creds *Credentials
}

func (p *plainServer) Next(response []byte) ([]byte, bool, error) {
	if p.done {
		return nil, true, ErrUnexpectedResponse
	}
	if len(response) == 0 && !p.asked {
		// No initial response: an empty challenge asks for it.
		p.asked = true
		return nil, false, nil
	}
	p.done = true

	// authzid NUL authcid NUL passwd
	parts := bytes.Split(response, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return nil, true, ErrInvalidFormat
	}
	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: string(parts[1]),
		Password:         string(parts[2]),
	}
	if p.auth != nil {
		return nil, true, p.auth(p.creds)
	}
	return nil, true, nil
}

func (p *plainServer) Credentials() *Credentials {
	return p.creds
}
