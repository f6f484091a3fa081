package kestrel

import (
	"context"
	"io"
	"log/slog"

	gosasl "github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/synqronlabs/kestrel/sasl"
)

// DeliveryHandler receives accepted messages. An error makes the DATA
// command fail with a temporary error.
type DeliveryHandler func(ctx context.Context, d *Delivery) error

// Backend runs a Server behind a go-smtp server. The engine creates a
// session when the client greets; a connection that is not admitted gets
// the rejection in reply to HELO/EHLO.
type Backend struct {
	Server          *Server
	DeliveryHandler DeliveryHandler
}

var _ smtp.Backend = (*Backend)(nil)

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := b.Server.NewSession(c.Conn().RemoteAddr())
	sess.Conn().SetHelo(c.Hostname())

	if d := sess.Connect(ctx); !d.Allowed() {
		cancel()
		return nil, smtpError(d)
	}
	return &backendSession{
		backend: b,
		session: sess,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

type backendSession struct {
	backend *Backend
	session *Session
	ctx     context.Context
	cancel  context.CancelFunc
}

var (
	_ smtp.Session     = (*backendSession)(nil)
	_ smtp.AuthSession = (*backendSession)(nil)
)

// AuthMechanisms implements smtp.AuthSession. AUTH is offered only when
// accounts are configured.
func (s *backendSession) AuthMechanisms() []string {
	if len(s.backend.Server.config.Accounts) == 0 {
		return nil
	}
	return sasl.Mechanisms
}

// Auth implements smtp.AuthSession. Each completed exchange counts as an
// authentication attempt of the client IP.
func (s *backendSession) Auth(mech string) (gosasl.Server, error) {
	srv, err := sasl.NewServer(mech, func(c *sasl.Credentials) error {
		ok := s.backend.Server.CheckCredentials(c)
		return smtpError(s.session.Auth(s.ctx, ok))
	})
	if err != nil {
		return nil, &smtp.SMTPError{
			Code:         504,
			EnhancedCode: smtp.EnhancedCode{5, 5, 4},
			Message:      "Unsupported authentication mechanism",
		}
	}
	return srv, nil
}

func (s *backendSession) Mail(from string, opts *smtp.MailOptions) error {
	return smtpError(s.session.MailFrom(s.ctx, from))
}

func (s *backendSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	return smtpError(s.session.RcptTo(s.ctx, to))
}

func (s *backendSession) Data(r io.Reader) error {
	d, delivery := s.session.Data(s.ctx, r)
	if !d.Allowed() {
		return smtpError(d)
	}
	if h := s.backend.DeliveryHandler; h != nil {
		if err := h(s.ctx, delivery); err != nil {
			s.session.logger.Error("delivery handler failed",
				slog.String("transaction_id", delivery.ID),
				slog.Any("error", err),
			)
			return smtpError(decisionLocalError())
		}
	}
	return nil
}

func (s *backendSession) Reset() {
	s.session.Reset()
}

func (s *backendSession) Logout() error {
	s.session.Close()
	s.cancel()
	return nil
}

// smtpError converts a rejecting decision to the engine's error type. It
// returns nil for 2xx decisions.
func smtpError(d Decision) error {
	if d.Allowed() {
		return nil
	}
	esc := smtp.NoEnhancedCode
	if d.EnhancedCode != "" {
		esc = smtp.EnhancedCode(d.EnhancedCode.Parts())
	}
	return &smtp.SMTPError{
		Code:         int(d.Code),
		EnhancedCode: esc,
		Message:      d.Message,
	}
}
