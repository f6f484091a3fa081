// Package auth combines SPF, DKIM and DMARC into a single verdict for an
// inbound message.
//
// The checks run against the envelope sender domain: a domain without MX
// records, without an SPF record or whose SPF policy fails the client is
// rejected. A domain without a DMARC record is never fully trusted and
// its mail is at best quarantined. DNS failures other than for MX count
// as the record being absent.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/dmarc"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/message"
	"github.com/synqronlabs/kestrel/spf"
)

var metricVerdict = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kestrel_auth_verdict_total",
		Help: "Authentication verdicts by stage and outcome.",
	},
	[]string{"stage", "outcome"}, // stage: prescreen, message
)

// SPFChecker evaluates the SPF policy of a domain for a client.
type SPFChecker interface {
	Check(ctx context.Context, args spf.Args) spf.Result
}

// DKIMVerifier verifies the DKIM signatures of a message.
type DKIMVerifier interface {
	VerifyMessage(ctx context.Context, msg *message.Message) []dkim.Result
}

// DMARCLookup finds DMARC records and evaluates alignment.
type DMARCLookup interface {
	Lookup(ctx context.Context, domain string) (*dmarc.Record, error)
	Verify(ctx context.Context, args dmarc.VerifyArgs) dmarc.Result
}

type dmarcResolver struct {
	resolver dns.Resolver
}

func (d dmarcResolver) Lookup(ctx context.Context, domain string) (*dmarc.Record, error) {
	_, _, record, _, err := dmarc.Lookup(ctx, d.resolver, domain)
	return record, err
}

func (d dmarcResolver) Verify(ctx context.Context, args dmarc.VerifyArgs) dmarc.Result {
	_, result := dmarc.Verify(ctx, d.resolver, args, false)
	return result
}

// Pipeline runs the sender authentication checks. Build it with
// NewPipeline, then replace individual checkers if needed.
type Pipeline struct {
	DNS   *dns.Client
	SPF   SPFChecker
	DKIM  DKIMVerifier
	DMARC DMARCLookup

	Logger *slog.Logger
}

// NewPipeline returns a pipeline whose checks all use resolver. timeout
// bounds each facade lookup; zero means the dns.Client default.
func NewPipeline(resolver dns.Resolver, timeout time.Duration) *Pipeline {
	client := dns.NewClient(resolver)
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &Pipeline{
		DNS:   client,
		SPF:   &spf.Checker{Resolver: resolver},
		DKIM:  &dkim.Verifier{Resolver: resolver},
		DMARC: dmarcResolver{resolver: resolver},
	}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Input is what PreScreen and Authenticate need about a transaction.
type Input struct {
	SenderDomain string
	IP           net.IP
	HeloDomain   string

	// Sender is the full envelope sender, used for SPF macros. Optional.
	Sender string

	// Message is the received message. A nil message has no signatures
	// and no From header.
	Message *message.Message
}

// PreScreen checks the sender domain of in before the message is
// received: MX, SPF and DMARC presence. in.Message is ignored. The verdict is Reject when the domain has no MX
// or no SPF record or its SPF policy fails ip. Otherwise it is Quarantine
// when the result can at best be quarantined, and Accept when the
// message may still be accepted depending on DKIM and alignment.
func (p *Pipeline) PreScreen(ctx context.Context, in Input) (DomainPolicy, Verdict) {
	in.Message = nil
	policy, v := p.screen(ctx, in)
	metricVerdict.WithLabelValues("prescreen", v.Outcome.String()).Inc()
	return policy, v
}

func (p *Pipeline) screen(ctx context.Context, in Input) (DomainPolicy, Verdict) {
	log := p.logger()
	domain := in.SenderDomain
	policy := DomainPolicy{Domain: domain}
	v := Verdict{Domain: domain}

	mxs, err := p.DNS.ResolveMX(ctx, domain)
	if err != nil && !dns.IsNotFound(err) {
		log.Debug("MX lookup failed", slog.String("domain", domain), slog.Any("error", err))
	}
	if len(mxs) == 0 {
		v.Outcome = Reject
		v.Reason = fmt.Sprintf("no MX record for %s", domain)
		return policy, v
	}
	policy.MX = mxs

	v.SPF = p.SPF.Check(ctx, spf.Args{IP: in.IP, Domain: domain, Sender: in.Sender, Helo: in.HeloDomain})
	policy.SPF = v.SPF.Record
	switch v.SPF.Status {
	case spf.StatusNone, spf.StatusTemperror:
		if v.SPF.Err != nil && !errors.Is(v.SPF.Err, spf.ErrNoRecord) {
			log.Debug("SPF lookup failed", slog.String("domain", domain), slog.Any("error", v.SPF.Err))
		}
		v.Outcome = Reject
		v.Reason = fmt.Sprintf("no SPF record for %s", domain)
		return policy, v
	case spf.StatusFail:
		v.Outcome = Reject
		v.Reason = fmt.Sprintf("SPF policy of %s does not permit %s", domain, in.IP)
		return policy, v
	}

	record, err := p.DMARC.Lookup(ctx, domain)
	if err != nil && !errors.Is(err, dmarc.ErrNoRecord) {
		log.Debug("DMARC lookup failed", slog.String("domain", domain), slog.Any("error", err))
	}
	policy.DMARC = record

	// Informational; failures mean absent.
	policy.TXT, _ = p.DNS.ResolveTXT(ctx, domain)
	policy.NS, _ = p.DNS.ResolveNS(ctx, domain)

	switch {
	case v.SPF.Status != spf.StatusPass:
		v.Outcome = Quarantine
		v.Reason = fmt.Sprintf("SPF %s for %s", v.SPF.Status, domain)
	case record == nil:
		v.Outcome = Quarantine
		v.Reason = fmt.Sprintf("no DMARC record for %s", domain)
	default:
		v.Outcome = Accept
		v.Reason = "sender domain checks passed"
	}
	return policy, v
}

// Authenticate runs all checks for a received message.
//
// Accept requires an SPF pass, a DMARC record for the From domain and
// either an aligned DKIM pass or an aligned SPF pass. Missing MX and SPF
// fail always reject. Everything else is quarantined.
func (p *Pipeline) Authenticate(ctx context.Context, in Input) Verdict {
	_, v := p.screen(ctx, in)
	if v.Outcome == Reject {
		metricVerdict.WithLabelValues("message", v.Outcome.String()).Inc()
		return v
	}

	msg := in.Message
	if msg == nil {
		msg = &message.Message{}
	}
	v.DKIM = p.DKIM.VerifyMessage(ctx, msg)

	v.FromDomain = in.SenderDomain
	if from, err := dmarc.ExtractFromDomain(msg.Get("From")); err == nil {
		v.FromDomain = from
	} else {
		p.logger().Debug("using envelope domain for DMARC", slog.String("domain", in.SenderDomain), slog.Any("error", err))
	}

	v.DMARC = p.DMARC.Verify(ctx, dmarc.VerifyArgs{
		FromDomain:  v.FromDomain,
		SPFResult:   v.SPF.Status,
		SPFDomain:   in.SenderDomain,
		DKIMResults: v.DKIM,
	})

	aligned := v.DMARC.AlignedDKIMPass || v.DMARC.AlignedSPFPass
	switch {
	case v.SPF.Status != spf.StatusPass:
		v.Outcome = Quarantine
		v.Reason = fmt.Sprintf("SPF %s for %s", v.SPF.Status, in.SenderDomain)
	case v.DMARC.Record == nil:
		v.Outcome = Quarantine
		v.Reason = fmt.Sprintf("no DMARC record for %s", v.FromDomain)
	case !aligned:
		v.Outcome = Quarantine
		v.Reason = fmt.Sprintf("no aligned DKIM or SPF identity for %s", v.FromDomain)
	default:
		v.Outcome = Accept
		v.Reason = "sender authenticated"
	}
	metricVerdict.WithLabelValues("message", v.Outcome.String()).Inc()
	return v
}
