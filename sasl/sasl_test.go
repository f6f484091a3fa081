package sasl

import (
	"errors"
	"testing"
)

func record(got **Credentials, err error) Authenticator {
	return func(c *Credentials) error {
		*got = c
		return err
	}
}

func TestPlain_InitialResponse(t *testing.T) {
	var got *Credentials
	s, err := NewServer("plain", record(&got, nil))
	if err != nil {
		t.Fatal(err)
	}

	challenge, done, err := s.Next([]byte("\x00user@example.com\x00secret123"))
	if err != nil || !done || challenge != nil {
		t.Fatalf("Next = %q, %v, %v", challenge, done, err)
	}
	if got == nil || got.AuthenticationID != "user@example.com" || got.Password != "secret123" {
		t.Fatalf("authenticator got %+v", got)
	}
	if got.Identity() != "user@example.com" {
		t.Errorf("identity = %s", got.Identity())
	}
	if s.Credentials() != got {
		t.Error("Credentials differ from those passed to the authenticator")
	}
}

func TestPlain_WithoutInitialResponse(t *testing.T) {
	s, _ := NewServer(Plain, nil)

	challenge, done, err := s.Next(nil)
	if err != nil || done || len(challenge) != 0 {
		t.Fatalf("first Next = %q, %v, %v", challenge, done, err)
	}
	_, done, err = s.Next([]byte("admin\x00user\x00pw"))
	if err != nil || !done {
		t.Fatalf("second Next = %v, %v", done, err)
	}
	if c := s.Credentials(); c.AuthorizationID != "admin" || c.Identity() != "admin" {
		t.Errorf("credentials = %+v", c)
	}

	if _, _, err := s.Next([]byte("more")); !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("Next after completion = %v", err)
	}
}

func TestPlain_InvalidFormat(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"two parts", "user\x00pw"},
		{"four parts", "a\x00b\x00c\x00d"},
		{"empty authcid", "admin\x00\x00pw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			s, _ := NewServer(Plain, func(*Credentials) error { called = true; return nil })
			if _, done, err := s.Next([]byte(tt.response)); !done || !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("Next = %v, %v", done, err)
			}
			if called {
				t.Error("authenticator called for malformed response")
			}
		})
	}
}

func TestPlain_Rejected(t *testing.T) {
	bad := errors.New("bad password")
	var got *Credentials
	s, _ := NewServer(Plain, record(&got, bad))
	if _, done, err := s.Next([]byte("\x00user\x00wrong")); !done || err != bad {
		t.Fatalf("Next = %v, %v", done, err)
	}
	if got.Password != "wrong" {
		t.Errorf("authenticator got %+v", got)
	}
}

func TestLogin_FullExchange(t *testing.T) {
	var got *Credentials
	s, _ := NewServer(Login, record(&got, nil))

	challenge, done, err := s.Next(nil)
	if err != nil || done || string(challenge) != "Username:" {
		t.Fatalf("Next(nil) = %q, %v, %v", challenge, done, err)
	}
	challenge, done, err = s.Next([]byte("user@example.com"))
	if err != nil || done || string(challenge) != "Password:" {
		t.Fatalf("Next(username) = %q, %v, %v", challenge, done, err)
	}
	_, done, err = s.Next([]byte("secret"))
	if err != nil || !done {
		t.Fatalf("Next(password) = %v, %v", done, err)
	}
	if got == nil || got.AuthenticationID != "user@example.com" || got.Password != "secret" || got.AuthorizationID != "" {
		t.Errorf("credentials = %+v", got)
	}
}

func TestLogin_InitialUsername(t *testing.T) {
	s, _ := NewServer(Login, nil)
	challenge, done, err := s.Next([]byte("user"))
	if err != nil || done || string(challenge) != "Password:" {
		t.Fatalf("Next = %q, %v, %v", challenge, done, err)
	}
	if _, done, err = s.Next([]byte("pw")); err != nil || !done {
		t.Fatalf("Next = %v, %v", done, err)
	}
	if s.Credentials().AuthenticationID != "user" {
		t.Errorf("credentials = %+v", s.Credentials())
	}
	if _, _, err := s.Next([]byte("x")); !errors.Is(err, ErrUnexpectedResponse) {
		t.Errorf("Next after completion = %v", err)
	}
}

func TestLogin_EmptyUsername(t *testing.T) {
	s, _ := NewServer(Login, nil)
	s.Next(nil)
	s.Next([]byte(""))
	if _, done, err := s.Next([]byte("pw")); !done || !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("Next = %v, %v", done, err)
	}
}

func TestNewServer_Unsupported(t *testing.T) {
	if _, err := NewServer("CRAM-MD5", nil); !errors.Is(err, ErrUnsupportedMechanism) {
		t.Errorf("err = %v", err)
	}
}

func TestCredentials_Identity(t *testing.T) {
	tests := []struct {
		creds Credentials
		want  string
	}{
		{Credentials{AuthenticationID: "user"}, "user"},
		{Credentials{AuthorizationID: "admin", AuthenticationID: "user"}, "admin"},
	}
	for _, tt := range tests {
		if got := tt.creds.Identity(); got != tt.want {
			t.Errorf("Identity() = %q, want %q", got, tt.want)
		}
	}
}
