package arc

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/message"
)

const (
	headerAAR  = "ARC-Authentication-Results"
	headerAMS  = "ARC-Message-Signature"
	headerSeal = "ARC-Seal"
)

// Set is one ARC set.
type Set struct {
	Instance              int
	AuthenticationResults *AuthenticationResults
	MessageSignature      *MessageSignature
	Seal                  *Seal
}

// Fields returns the set's header fields in the order they are prepended
// to a message: seal first.
func (s *Set) Fields() []string {
	return []string{
		string(bytes.TrimSuffix(s.Seal.Raw, []byte("\r\n"))),
		string(bytes.TrimSuffix(s.MessageSignature.Raw, []byte("\r\n"))),
		string(bytes.TrimSuffix(s.AuthenticationResults.Raw, []byte("\r\n"))),
	}
}

// AuthenticationResults is an ARC-Authentication-Results field.
type AuthenticationResults struct {
	Instance   int
	AuthServID string
	Results    string // Everything after the authserv-id.
	Raw        []byte
}

// MessageSignature is an ARC-Message-Signature field. Its tags are those
// of a DKIM-Signature with i= holding the instance.
type MessageSignature struct {
	Instance      int
	Algorithm     string
	Domain        string
	Selector      string
	SignedHeaders []string
	BodyHash      []byte
	Signature     []byte
	HeaderCanon   dkim.Canonicalization
	BodyCanon     dkim.Canonicalization
	Timestamp     int64
	Length        int64
	Raw           []byte
}

// Seal is an ARC-Seal field.
type Seal struct {
	Instance        int
	Algorithm       string
	Domain          string
	Selector        string
	ChainValidation ChainValidationStatus
	Signature       []byte
	Timestamp       int64
	Raw             []byte
}

// Header renders the field without trailing CRLF. With includeSig false
// b= is empty.
func (ms *MessageSignature) Header(includeSig bool) string {
	w := dkim.NewFieldWriter(headerAMS)
	w.Tag(fmt.Sprintf("i=%d;", ms.Instance))
	w.Tag("a=" + ms.Algorithm + ";")
	w.Tag(fmt.Sprintf("c=%s/%s;", ms.HeaderCanon, ms.BodyCanon))
	w.Tag("d=" + ms.Domain + ";")
	w.Tag("s=" + ms.Selector + ";")
	if ms.Timestamp >= 0 {
		w.Tag(fmt.Sprintf("t=%d;", ms.Timestamp))
	}
	w.List("h=", ms.SignedHeaders, ";")
	w.Tag("bh=" + b64(ms.BodyHash) + ";")
	if includeSig {
		w.Wrap("b=", b64(ms.Signature))
	} else {
		w.Tag("b=")
	}
	return w.String()
}

// Header renders the field without trailing CRLF.
func (s *Seal) Header(includeSig bool) string {
	w := dkim.NewFieldWriter(headerSeal)
	w.Tag(fmt.Sprintf("i=%d;", s.Instance))
	w.Tag("a=" + s.Algorithm + ";")
	if s.Timestamp >= 0 {
		w.Tag(fmt.Sprintf("t=%d;", s.Timestamp))
	}
	w.Tag("cv=" + string(s.ChainValidation) + ";")
	w.Tag("d=" + s.Domain + ";")
	w.Tag("s=" + s.Selector + ";")
	if includeSig {
		w.Wrap("b=", b64(s.Signature))
	} else {
		w.Tag("b=")
	}
	return w.String()
}

func parseInstance(v string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || i < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidInstance, v)
	}
	if i > MaxInstance {
		return 0, fmt.Errorf("%w: %d", ErrInstanceTooHigh, i)
	}
	return i, nil
}

func fieldValue(raw []byte) string {
	_, v, _ := strings.Cut(string(raw), ":")
	return v
}

// ParseAuthenticationResults parses a raw ARC-Authentication-Results field.
func ParseAuthenticationResults(raw []byte) (*AuthenticationResults, error) {
	v := strings.TrimSpace(fieldValue(raw))
	tag, rest, ok := strings.Cut(v, ";")
	name, value, isTag := strings.Cut(tag, "=")
	if !ok || !isTag || strings.TrimSpace(name) != "i" {
		return nil, fmt.Errorf("%w: %s must start with i=", ErrSyntax, headerAAR)
	}
	i, err := parseInstance(value)
	if err != nil {
		return nil, err
	}
	rest = strings.TrimSpace(rest)
	id, results, _ := strings.Cut(rest, ";")
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: %s without authserv-id", ErrSyntax, headerAAR)
	}
	return &AuthenticationResults{
		Instance:   i,
		AuthServID: strings.TrimSpace(id),
		Results:    strings.TrimSpace(results),
		Raw:        raw,
	}, nil
}

// ParseMessageSignature parses a raw ARC-Message-Signature field.
func ParseMessageSignature(raw []byte) (*MessageSignature, error) {
	tags, err := dkim.ParseTags(fieldValue(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	ms := &MessageSignature{
		HeaderCanon: dkim.CanonSimple,
		BodyCanon:   dkim.CanonSimple,
		Timestamp:   -1,
		Length:      -1,
		Raw:         raw,
	}
	for _, t := range tags {
		switch t.Name {
		case "i":
			ms.Instance, err = parseInstance(t.Value)
		case "a":
			ms.Algorithm = strings.ToLower(t.Value)
		case "d":
			ms.Domain = strings.ToLower(t.Value)
		case "s":
			ms.Selector = strings.ToLower(t.Value)
		case "h":
			ms.SignedHeaders = dkim.SplitHeaderList(t.Value)
		case "bh":
			ms.BodyHash, err = dkim.DecodeBase64(t.Value)
		case "b":
			ms.Signature, err = dkim.DecodeBase64(t.Value)
		case "c":
			ms.HeaderCanon, ms.BodyCanon, err = dkim.ParseCanonicalization(t.Value)
		case "t":
			ms.Timestamp, err = strconv.ParseInt(t.Value, 10, 64)
		case "l":
			ms.Length, err = strconv.ParseInt(t.Value, 10, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s=: %w", ErrSyntax, headerAMS, t.Name, err)
		}
	}
	for tag, missing := range map[string]bool{
		"i": ms.Instance == 0, "a": ms.Algorithm == "", "d": ms.Domain == "", "s": ms.Selector == "",
		"h": len(ms.SignedHeaders) == 0, "bh": ms.BodyHash == nil, "b": ms.Signature == nil,
	} {
		if missing {
			return nil, fmt.Errorf("%w: %s %s=", ErrMissingTag, headerAMS, tag)
		}
	}
	if slices.ContainsFunc(ms.SignedHeaders, func(h string) bool { return h == "arc-seal" }) {
		return nil, fmt.Errorf("%w: %s signs ARC-Seal", ErrSyntax, headerAMS)
	}
	return ms, nil
}

// ParseSeal parses a raw ARC-Seal field.
func ParseSeal(raw []byte) (*Seal, error) {
	tags, err := dkim.ParseTags(fieldValue(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	s := &Seal{Timestamp: -1, Raw: raw}
	for _, t := range tags {
		switch t.Name {
		case "i":
			s.Instance, err = parseInstance(t.Value)
		case "a":
			s.Algorithm = strings.ToLower(t.Value)
		case "d":
			s.Domain = strings.ToLower(t.Value)
		case "s":
			s.Selector = strings.ToLower(t.Value)
		case "b":
			s.Signature, err = dkim.DecodeBase64(t.Value)
		case "t":
			s.Timestamp, err = strconv.ParseInt(t.Value, 10, 64)
		case "cv":
			switch cv := ChainValidationStatus(strings.ToLower(t.Value)); cv {
			case ChainValidationNone, ChainValidationPass, ChainValidationFail:
				s.ChainValidation = cv
			default:
				err = fmt.Errorf("unknown value %q", t.Value)
			}
		case "h":
			err = fmt.Errorf("h= not allowed")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s=: %w", ErrSyntax, headerSeal, t.Name, err)
		}
	}
	for tag, missing := range map[string]bool{
		"i": s.Instance == 0, "a": s.Algorithm == "", "d": s.Domain == "", "s": s.Selector == "",
		"cv": s.ChainValidation == "", "b": s.Signature == nil,
	} {
		if missing {
			return nil, fmt.Errorf("%w: %s %s=", ErrMissingTag, headerSeal, tag)
		}
	}
	return s, nil
}

// Chain is the ARC chain of a message, ordered by instance.
type Chain struct {
	Sets []*Set
}

// MaxInstance returns the newest instance, 0 for an empty chain.
func (c *Chain) MaxInstance() int {
	if c == nil || len(c.Sets) == 0 {
		return 0
	}
	return c.Sets[len(c.Sets)-1].Instance
}

// ParseChain collects the ARC sets from a message header. A message
// without ARC fields yields an empty chain. Any structural problem is
// returned wrapping ErrMalformedChain.
func ParseChain(fields []message.Field) (*Chain, error) {
	chain, err := parseChain(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedChain, err)
	}
	return chain, nil
}

func parseChain(fields []message.Field) (*Chain, error) {
	sets := map[int]*Set{}
	get := func(i int) *Set {
		if sets[i] == nil {
			sets[i] = &Set{Instance: i}
		}
		return sets[i]
	}

	for _, f := range fields {
		switch {
		case strings.EqualFold(f.Key, headerAAR):
			aar, err := ParseAuthenticationResults(f.Raw)
			if err != nil {
				return nil, err
			}
			s := get(aar.Instance)
			if s.AuthenticationResults != nil {
				return nil, fmt.Errorf("%w: %s i=%d", ErrDuplicateSet, headerAAR, aar.Instance)
			}
			s.AuthenticationResults = aar
		case strings.EqualFold(f.Key, headerAMS):
			ms, err := ParseMessageSignature(f.Raw)
			if err != nil {
				return nil, err
			}
			s := get(ms.Instance)
			if s.MessageSignature != nil {
				return nil, fmt.Errorf("%w: %s i=%d", ErrDuplicateSet, headerAMS, ms.Instance)
			}
			s.MessageSignature = ms
		case strings.EqualFold(f.Key, headerSeal):
			seal, err := ParseSeal(f.Raw)
			if err != nil {
				return nil, err
			}
			s := get(seal.Instance)
			if s.Seal != nil {
				return nil, fmt.Errorf("%w: %s i=%d", ErrDuplicateSet, headerSeal, seal.Instance)
			}
			s.Seal = seal
		}
	}

	chain := &Chain{}
	for i := 1; i <= len(sets); i++ {
		s := sets[i]
		switch {
		case s == nil:
			return nil, fmt.Errorf("%w: instance %d", ErrGapInChain, i)
		case s.AuthenticationResults == nil:
			return nil, fmt.Errorf("%w: %s i=%d", ErrMissingSet, headerAAR, i)
		case s.MessageSignature == nil:
			return nil, fmt.Errorf("%w: %s i=%d", ErrMissingSet, headerAMS, i)
		case s.Seal == nil:
			return nil, fmt.Errorf("%w: %s i=%d", ErrMissingSet, headerSeal, i)
		}
		chain.Sets = append(chain.Sets, s)
	}
	return chain, nil
}
