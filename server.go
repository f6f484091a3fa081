package kestrel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/synqronlabs/kestrel/arc"
	"github.com/synqronlabs/kestrel/auth"
	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/reputation"
	"github.com/synqronlabs/kestrel/sasl"
	"github.com/synqronlabs/kestrel/utils"
)

// Server holds the state shared by all sessions. Create it with NewServer;
// the exported collaborators may be replaced before the first session.
type Server struct {
	config Config

	Store    *reputation.Store
	Quota    *reputation.Quota
	Pipeline *auth.Pipeline
	Resolver dns.Resolver

	// Signer and Sealer are nil when no DKIM key is configured. Without a
	// Sealer relayed messages are passed on unsealed.
	Signer *dkim.Signer
	Sealer *arc.Sealer

	// Now returns the current time for the sender quota.
	Now func() time.Time

	logger *slog.Logger
}

// NewServer creates a server. The private key named in the DKIM section of
// config is loaded here; a missing or unreadable key is an error.
func NewServer(config Config, resolver dns.Resolver) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	pipeline := auth.NewPipeline(resolver, config.DNSTimeout())
	pipeline.Logger = config.Logger

	s := &Server{
		config:   config,
		Store:    reputation.NewStore(),
		Quota:    reputation.NewQuota(config.MaxEmailsPerMinute),
		Pipeline: pipeline,
		Resolver: resolver,
		Now:      time.Now,
		logger:   config.Logger,
	}

	if config.DKIM != (DKIMConfig{}) {
		key, err := dkim.LoadPrivateKeyFile(config.DKIM.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading dkim key: %w", err)
		}
		s.Signer = &dkim.Signer{
			Domain:   config.DKIM.Domain,
			Selector: config.DKIM.Selector,
			Key:      key,
		}
		s.Sealer = &arc.Sealer{
			Domain:     config.DKIM.Domain,
			Selector:   config.DKIM.Selector,
			Key:        key,
			AuthServID: config.Hostname,
			Resolver:   resolver,
		}
	}
	return s, nil
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.config
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// NewSession creates the session for a new connection from remote. The
// session must be admitted with Connect before anything else.
func (s *Server) NewSession(remote net.Addr) *Session {
	id := utils.NewID()
	ip, err := utils.GetIPFromAddr(remote)
	if err != nil {
		s.logger.Warn("cannot determine client ip",
			slog.String("conn_id", id),
			slog.Any("error", err),
		)
	}
	conn := newConnection(id, remote, ip)
	return &Session{
		server: s,
		conn:   conn,
		logger: s.logger.With(slog.String("conn_id", id)),
	}
}

// SubmitOutbound signs a message from sender with the configured key. The
// sender quota applies as for inbound transactions.
func (s *Server) SubmitOutbound(ctx context.Context, sender string, raw []byte) ([]byte, error) {
	addr, err := utils.ParseAddress(sender)
	if err != nil {
		metricOutbound.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if s.Signer == nil {
		metricOutbound.WithLabelValues("error").Inc()
		return nil, ErrNoSigningKey
	}
	if !s.Quota.Allow(addr.String(), s.Now()) {
		metricOutbound.WithLabelValues("quota").Inc()
		return nil, ErrQuotaExceeded
	}

	out, err := signAndSeal(ctx, raw, s.Signer, s.Sealer)
	if err != nil {
		metricOutbound.WithLabelValues("error").Inc()
		return nil, err
	}
	metricOutbound.WithLabelValues("ok").Inc()
	s.logger.Info("outbound message signed",
		slog.String("sender", addr.String()),
		slog.String("domain", s.Signer.Domain),
	)
	return out, nil
}

// CheckCredentials reports whether c matches a configured account. The
// authorization identity, if any, must equal the username.
func (s *Server) CheckCredentials(c *sasl.Credentials) bool {
	hash, ok := s.config.Accounts[c.AuthenticationID]
	if !ok || c.Identity() != c.AuthenticationID {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(c.Password)) == nil
}

// isLocal reports whether mail for domain is delivered here.
func (s *Server) isLocal(domain string) bool {
	return slices.Contains(s.config.LocalDomains, domain)
}
