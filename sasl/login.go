package sasl

const (
	loginUsername = iota
	loginPassword
	loginDone
)

// Challenges of the LOGIN mechanism, before base64.
var (
	LoginChallengeUsername = []byte("Username:")
	LoginChallengePassword = []byte("Password:")
)

// loginServer implements the obsolete LOGIN mechanism, still used by
// some clients. A username may be sent as initial response.
type loginServer struct {
	auth     Authenticator
	state    int
	started  bool
	username string
	creds    *Credentials
}

func (l *loginServer) Next(response []byte) ([]byte, bool, error) {
	if !l.started {
		l.started = true
		if len(response) == 0 {
			return LoginChallengeUsername, false, nil
		}
	}

	switch l.state {
	case loginUsername:
		l.username = string(response)
		l.state = loginPassword
		return LoginChallengePassword, false, nil
	case loginPassword:
		l.state = loginDone
		if l.username == "" {
			return nil, true, ErrInvalidFormat
		}
		l.creds = &Credentials{AuthenticationID: l.username, Password: string(response)}
		if l.auth != nil {
			return nil, true, l.auth(l.creds)
		}
		return nil, true, nil
	}
	return nil, true, ErrUnexpectedResponse
}

func (l *loginServer) Credentials() *Credentials {
	return l.creds
}
