package arc

import (
	"context"
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/authres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/message"
)

var metricSeal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kestrel_arc_seal_total",
		Help: "ARC sets added, by chain validation status.",
	},
	[]string{"cv"},
)

// malformedComment marks the ARC result of a set sealed over a chain that
// could not be parsed.
const malformedComment = "(malformed chain)"

// Sealer adds ARC sets to messages.
type Sealer struct {
	Domain     string
	Selector   string
	Key        crypto.Signer
	AuthServID string

	// Headers are signed by the ARC-Message-Signature. Defaults to
	// dkim.DefaultSignedHeaders plus DKIM-Signature.
	Headers []string

	// Resolver fetches keys to validate the existing chain. Without one,
	// any existing chain is considered failed.
	Resolver dns.Resolver

	// Now is used for t= tags; defaults to time.Now.
	Now func() time.Time
}

// Seal computes the next ARC set for raw. results are the authentication
// results observed for this hop and are recorded in the
// ARC-Authentication-Results field.
//
// The instance is one above the newest in the chain. A malformed chain is
// sealed as instance 1 with cv=fail and an arc=fail result flagged
// "(malformed chain)". A chain already at MaxInstance cannot be sealed.
func (s *Sealer) Seal(ctx context.Context, raw []byte, results []authres.Result) (*Set, error) {
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, err
	}
	return s.SealMessage(ctx, msg, results)
}

// SealMessage is Seal for a parsed message.
func (s *Sealer) SealMessage(ctx context.Context, msg *message.Message, results []authres.Result) (*Set, error) {
	alg, err := dkim.AlgorithmFor(s.Key)
	if err != nil {
		return nil, err
	}

	validation := Validate(ctx, s.Resolver, msg)
	malformed := validation.Malformed()
	var prior []*Set
	instance := 1
	if !malformed {
		prior = validation.Chain.Sets
		instance = validation.Chain.MaxInstance() + 1
	}
	if instance > MaxInstance {
		return nil, fmt.Errorf("%w: chain already has %d sets", ErrInstanceTooHigh, MaxInstance)
	}
	cv := validation.ChainValidation()

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := now().Unix()

	set := &Set{Instance: instance}
	set.AuthenticationResults = s.authResults(instance, results, validation, malformed)

	ams := &MessageSignature{
		Instance:    instance,
		Algorithm:   alg,
		Domain:      strings.ToLower(s.Domain),
		Selector:    strings.ToLower(s.Selector),
		HeaderCanon: dkim.CanonRelaxed,
		BodyCanon:   dkim.CanonRelaxed,
		Timestamp:   ts,
		Length:      -1,
	}
	names := s.Headers
	if len(names) == 0 {
		names = append(append([]string{}, dkim.DefaultSignedHeaders...), "DKIM-Signature")
	}
	for _, n := range names {
		if msg.Count(n) > 0 {
			ams.SignedHeaders = append(ams.SignedHeaders, strings.ToLower(n))
		}
	}
	if ams.BodyHash, err = dkim.BodyHash(crypto.SHA256, dkim.CanonRelaxed, msg.Body, -1); err != nil {
		return nil, err
	}
	digest, err := dkim.HeaderHash(crypto.SHA256, dkim.CanonRelaxed, msg.Header, ams.SignedHeaders, []byte(ams.Header(false)))
	if err != nil {
		return nil, err
	}
	if ams.Signature, err = dkim.SignDigest(s.Key, crypto.SHA256, digest); err != nil {
		return nil, err
	}
	ams.Raw = []byte(ams.Header(true))
	set.MessageSignature = ams

	seal := &Seal{
		Instance:        instance,
		Algorithm:       alg,
		Domain:          ams.Domain,
		Selector:        ams.Selector,
		ChainValidation: cv,
		Timestamp:       ts,
	}
	seal.Raw = []byte(seal.Header(false))
	set.Seal = seal
	if digest, err = sealHash(crypto.SHA256, append(prior, set)); err != nil {
		return nil, err
	}
	if seal.Signature, err = dkim.SignDigest(s.Key, crypto.SHA256, digest); err != nil {
		return nil, err
	}
	seal.Raw = []byte(seal.Header(true))

	metricSeal.WithLabelValues(string(cv)).Inc()
	return set, nil
}

func (s *Sealer) authResults(instance int, results []authres.Result, validation Result, malformed bool) *AuthenticationResults {
	id := s.AuthServID
	if id == "" {
		id = s.Domain
	}
	text := id
	if len(results) > 0 {
		text = authres.Format(id, results)
	}
	switch {
	case malformed:
		text += "; arc=fail " + malformedComment
	case validation.Status != StatusNone:
		text += "; arc=" + string(validation.Status)
	case len(results) == 0:
		text += "; none"
	}

	value := fmt.Sprintf("i=%d; %s", instance, text)
	_, rest, _ := strings.Cut(text, ";")
	return &AuthenticationResults{
		Instance:   instance,
		AuthServID: id,
		Results:    strings.TrimSpace(rest),
		Raw:        []byte(headerAAR + ": " + value),
	}
}
