package kestrel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/synqronlabs/kestrel/auth"
	"github.com/synqronlabs/kestrel/dnsbl"
	"github.com/synqronlabs/kestrel/message"
	"github.com/synqronlabs/kestrel/reputation"
	"github.com/synqronlabs/kestrel/spf"
	"github.com/synqronlabs/kestrel/utils"
)

const msgInvalidAddress = "The email address you used is invalid"

// Session is the admission state machine of one connection. The SMTP
// engine calls one method per command, from a single goroutine, and sends
// the returned Decision to the client.
//
// Once a connection is rejected by the reputation store or a block list,
// every further call returns that same rejection.
type Session struct {
	server *Server
	conn   *Connection
	logger *slog.Logger

	rejection *Decision
	err       error

	// prescreen is the sender domain verdict of the current transaction,
	// set by the first RCPT TO.
	prescreen *auth.Verdict

	// charged is set once the transaction counted against the sender
	// quota.
	charged bool
}

// Conn returns the connection state.
func (s *Session) Conn() *Connection {
	return s.conn
}

// Err returns the error behind the last rejected command, or nil.
func (s *Session) Err() error {
	return s.err
}

func (s *Session) fail(d Decision, err error) Decision {
	s.err = err
	s.logger.Info("command rejected",
		slog.String("state", s.conn.State().String()),
		slog.String("reply", d.String()),
		slog.Any("error", err),
	)
	return d
}

// terminate rejects the connection for good.
func (s *Session) terminate(d Decision, err error) Decision {
	s.rejection = &d
	s.conn.setState(StateRejected)
	s.err = err
	s.logger.Warn("connection rejected",
		slog.String("ip", s.conn.IP.String()),
		slog.String("reply", d.String()),
		slog.Any("error", err),
	)
	return d
}

func (s *Session) rejected() (Decision, bool) {
	if s.rejection != nil {
		return *s.rejection, true
	}
	return Decision{}, false
}

// admit counts a request of the client against the reputation store.
func (s *Session) admit(stage string, threshold int) (Decision, bool) {
	addr, _ := netip.AddrFromSlice(s.conn.IP)
	d := s.server.Store.Admit(addr, threshold)
	metricAdmit.WithLabelValues(stage, d.Kind.String()).Inc()

	switch d.Kind {
	case reputation.TemporarilyBlocked:
		return s.terminate(
			reject(CodeServiceUnavailable, ESCTempSecurity, "Your IP has been temporarily blocked due to excessive requests. Try again in %d seconds.", d.RetryAfterSeconds()),
			&RateLimitError{RetryAfter: d.RetryAfter},
		), false
	case reputation.PermanentlyBlocked:
		return s.terminate(
			reject(CodeTransactionFailed, ESCDeliveryNotAuth, "Your IP is permanently blocked due to excessive requests."),
			&RateLimitError{Permanent: true},
		), false
	}
	return Decision{}, true
}

// Connect admits a new connection: the client IP is checked against the
// configured block lists, then counted by the reputation store.
func (s *Session) Connect(ctx context.Context) Decision {
	if d, ok := s.rejected(); ok {
		return d
	}
	if s.conn.State() != StateConnected {
		return s.fail(decisionBadSequence("Already connected"), ErrBadSequence)
	}
	if s.conn.IP == nil {
		return s.terminate(decisionLocalError(), errors.New("unknown client address"))
	}

	cfg := s.server.config
	for _, zone := range cfg.DNSBLZones {
		status, explanation, err := dnsbl.Lookup(ctx, s.server.Resolver, zone, s.conn.IP)
		metricDNSBL.WithLabelValues(zone, string(status)).Inc()
		switch status {
		case dnsbl.StatusFail:
			msg := fmt.Sprintf("%s is listed in %s", s.conn.IP, zone)
			if explanation != "" {
				msg += ": " + explanation
			}
			return s.terminate(reject(CodeTransactionFailed, ESCDeliveryNotAuth, "%s", msg), fmt.Errorf("listed in dnsbl %s", zone))
		case dnsbl.StatusTemperror:
			s.logger.Warn("dnsbl lookup failed, ignoring",
				slog.String("zone", zone),
				slog.Any("error", err),
			)
		}
	}

	if d, ok := s.admit("connect", cfg.ConnectThreshold); !ok {
		return d
	}
	s.conn.setState(StateGreeted)
	s.logger.Debug("connection admitted", slog.String("ip", s.conn.IP.String()))
	return Decision{Code: CodeServiceReady, Message: cfg.Hostname + " ESMTP ready"}
}

// MailFrom starts a transaction with the envelope sender addr. A
// transaction that is already open, with or without recipients, is
// replaced.
func (s *Session) MailFrom(ctx context.Context, addr string) Decision {
	if d, ok := s.rejected(); ok {
		return d
	}
	switch s.conn.State() {
	case StateGreeted, StateDone, StateMailFrom, StateRcptTo:
	default:
		return s.fail(decisionBadSequence("Send HELO/EHLO first"), ErrBadSequence)
	}

	cfg := s.server.config
	if d, ok := s.admit("mailfrom", cfg.MailFromThreshold); !ok {
		return d
	}

	from, err := utils.ParseAddress(addr)
	if err != nil {
		return s.fail(reject(CodeSyntaxError, ESCBadSenderSyntax, msgInvalidAddress), fmt.Errorf("%w: %v", ErrInvalidAddress, err))
	}
	if utils.IsPlaceholder(from) {
		return s.fail(reject(CodeSyntaxError, ESCBadSenderSyntax, msgInvalidAddress), ErrPlaceholderFrom)
	}

	s.endTransaction()
	s.err = nil
	s.conn.beginTransaction(utils.NewID(), from.String(), from.Domain)
	s.logger.Debug("transaction started",
		slog.String("transaction_id", s.conn.TransactionID()),
		slog.String("mail_from", from.String()),
	)
	return allow(ESCAddressValid, "OK")
}

// RcptTo adds a recipient. The sender domain is screened with the first
// recipient and the result is kept for the rest of the transaction. The
// transaction counts against the sender quota once screening has not
// rejected the sender.
func (s *Session) RcptTo(ctx context.Context, addr string) Decision {
	if d, ok := s.rejected(); ok {
		return d
	}
	switch s.conn.State() {
	case StateMailFrom, StateRcptTo:
	default:
		return s.fail(decisionBadSequence("Send MAIL first"), ErrBadSequence)
	}

	to, err := utils.ParseAddress(addr)
	if err != nil {
		return s.fail(reject(CodeSyntaxError, ESCBadDestSyntax, msgInvalidAddress), fmt.Errorf("%w: %v", ErrInvalidAddress, err))
	}
	if limit := s.server.config.MaxRecipients; limit > 0 && len(s.conn.Recipients()) >= limit {
		return s.fail(reject(CodeInsufficientStorage, ESCTempTooManyRecipients, "Too many recipients"), nil)
	}

	if s.prescreen == nil {
		_, v := s.server.Pipeline.PreScreen(ctx, auth.Input{
			SenderDomain: s.conn.SenderDomain(),
			IP:           s.conn.IP,
			HeloDomain:   s.conn.Helo(),
			Sender:       s.conn.MailFrom(),
		})
		s.prescreen = &v
		s.logger.Debug("sender domain screened",
			slog.String("domain", v.Domain),
			slog.String("outcome", v.Outcome.String()),
			slog.String("reason", v.Reason),
		)
	}
	if s.prescreen.Outcome == auth.Reject {
		return s.fail(verdictRejection(*s.prescreen), errors.New(s.prescreen.Reason))
	}
	if !s.charged {
		sender := s.conn.MailFrom()
		if !s.server.Quota.Allow(sender, s.server.Now()) {
			return s.fail(reject(CodeInsufficientStorage, ESCTempTooManyRecipients, "Sending limit exceeded for %s, try again later", sender), ErrQuotaExceeded)
		}
		s.charged = true
	}

	s.conn.addRecipient(to.String())
	return allow(ESCRecipientValid, "OK")
}

func verdictRejection(v auth.Verdict) Decision {
	esc := ESCDeliveryNotAuth
	if v.SPF.Status == spf.StatusFail {
		esc = ESCSPFFailure
	}
	return reject(CodeMailboxNotFound, esc, "%s", v.Reason)
}

// Auth records an authentication attempt. ok is the outcome of the SASL
// exchange, which the engine runs. Attempts count against the reputation
// of the client.
func (s *Session) Auth(ctx context.Context, ok bool) Decision {
	if d, rejected := s.rejected(); rejected {
		return d
	}
	switch s.conn.State() {
	case StateGreeted, StateDone:
	default:
		return s.fail(decisionBadSequence("AUTH not allowed now"), ErrBadSequence)
	}
	if s.conn.IsAuthenticated() {
		return s.fail(decisionBadSequence("Already authenticated"), ErrBadSequence)
	}
	if d, admitted := s.admit("auth", s.server.config.AuthThreshold); !admitted {
		return d
	}
	if !ok {
		return s.fail(reject(CodeAuthFailed, ESCAuthInvalid, "Authentication credentials invalid"), nil)
	}
	s.conn.setAuthenticated(true)
	return Decision{Code: CodeAuthSuccess, EnhancedCode: ESCAuthSuccess, Message: "Authentication successful"}
}

// Data reads the message and authenticates the sender. When the message
// is accepted the returned Delivery carries it with an
// Authentication-Results header, and an ARC set if it is relayed.
func (s *Session) Data(ctx context.Context, r io.Reader) (Decision, *Delivery) {
	if d, ok := s.rejected(); ok {
		return d, nil
	}
	if s.conn.State() != StateRcptTo {
		return s.fail(decisionBadSequence("Send RCPT first"), ErrBadSequence), nil
	}
	s.conn.setState(StateData)

	cfg := s.server.config
	limit := cfg.MaxMessageSize
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		s.conn.resetTransaction()
		return s.fail(decisionLocalError(), fmt.Errorf("reading message: %w", err)), nil
	}
	if limit > 0 && int64(len(raw)) > limit {
		s.conn.resetTransaction()
		return s.fail(reject(CodeExceededStorage, ESCMessageTooLarge, "Message exceeds maximum size of %d bytes", limit), ErrMessageTooLarge), nil
	}

	raw = message.NormalizeLineEndings(raw)
	msg, err := message.Parse(raw)
	if err != nil {
		s.conn.resetTransaction()
		return s.fail(reject(CodeTransactionFailed, ESCBadContent, "Malformed message header"), err), nil
	}

	verdict := s.server.Pipeline.Authenticate(ctx, auth.Input{
		SenderDomain: s.conn.SenderDomain(),
		IP:           s.conn.IP,
		HeloDomain:   s.conn.Helo(),
		Sender:       s.conn.MailFrom(),
		Message:      msg,
	})
	metricDelivery.WithLabelValues(verdict.Outcome.String()).Inc()
	if verdict.Outcome == auth.Reject {
		s.conn.resetTransaction()
		s.endTransaction()
		return s.fail(verdictRejection(verdict), errors.New(verdict.Reason)), nil
	}

	out := message.Prepend(raw, verdict.Header(cfg.Hostname))
	sealed := false
	if s.server.Sealer != nil && s.relayed(msg) {
		set, err := s.server.Sealer.Seal(ctx, out, verdict.Results())
		if err != nil {
			s.logger.Warn("arc sealing failed, relaying unsealed", slog.Any("error", err))
		} else {
			out = message.Prepend(out, set.Fields()...)
			sealed = true
		}
	}

	d := &Delivery{
		ID:         s.conn.TransactionID(),
		ConnID:     s.conn.ID,
		RemoteIP:   s.conn.IP.String(),
		Helo:       s.conn.Helo(),
		MailFrom:   s.conn.MailFrom(),
		Recipients: s.conn.Recipients(),
		Verdict:    verdict.Outcome.String(),
		Reason:     verdict.Reason,
		Quarantine: verdict.Quarantined(),
		Sealed:     sealed,
		ReceivedAt: s.server.Now(),
		Data:       out,
	}
	s.conn.completeTransaction()
	s.endTransaction()

	s.logger.Info("message accepted",
		slog.String("transaction_id", d.ID),
		slog.String("mail_from", d.MailFrom),
		slog.Int("recipients", len(d.Recipients)),
		slog.String("verdict", d.Verdict),
		slog.String("reason", d.Reason),
		slog.Bool("sealed", sealed),
	)
	return allow(ESCSuccess, fmt.Sprintf("OK, queued as %s", d.ID)), d
}

// relayed reports whether a message leaves this system: it already went
// through an ARC-aware intermediary, or an authenticated client sends it
// to another domain.
func (s *Session) relayed(msg *message.Message) bool {
	if msg.Count("ARC-Seal") > 0 {
		return true
	}
	if !s.conn.IsAuthenticated() {
		return false
	}
	for _, rcpt := range s.conn.Recipients() {
		addr, err := utils.ParseAddress(rcpt)
		if err == nil && !s.server.isLocal(addr.Domain) {
			return true
		}
	}
	return false
}

// Reset aborts the current transaction.
func (s *Session) Reset() {
	s.conn.resetTransaction()
	s.endTransaction()
}

// endTransaction drops the per-transaction screening state.
func (s *Session) endTransaction() {
	s.prescreen = nil
	s.charged = false
}

// Close ends the session.
func (s *Session) Close() {
	s.Reset()
	s.logger.Debug("connection closed",
		slog.Int("transactions", s.conn.Transactions()),
		slog.String("state", s.conn.State().String()),
	)
}
