package dkim

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Signature is a parsed DKIM-Signature field (RFC 6376 section 3.5).
type Signature struct {
	Version          int
	Algorithm        string   // a=, e.g. rsa-sha256
	Domain           string   // d=
	Selector         string   // s=
	SignedHeaders    []string // h=, lowercase, in hash order
	BodyHash         []byte   // bh=
	Signature        []byte   // b=
	HeaderCanon      Canonicalization
	BodyCanon        Canonicalization
	Identity         string // i=
	Length           int64  // l=, -1 if absent
	SignTime         int64  // t=, -1 if absent
	ExpireTime       int64  // x=, -1 if absent
	QueryMethods     []string
	CanonicalizedTag string // c= as written
}

// NewSignature returns a signature with optional numeric tags unset.
func NewSignature() *Signature {
	return &Signature{
		Version:     1,
		HeaderCanon: CanonSimple,
		BodyCanon:   CanonSimple,
		Length:      -1,
		SignTime:    -1,
		ExpireTime:  -1,
	}
}

// Header renders the field without trailing CRLF. With includeSig false
// the b= tag is left empty, the form that is hashed.
func (s *Signature) Header(includeSig bool) string {
	w := NewFieldWriter("DKIM-Signature")
	w.Tag(fmt.Sprintf("v=%d;", s.Version))
	w.Tag("a=" + s.Algorithm + ";")
	w.Tag(fmt.Sprintf("c=%s/%s;", s.HeaderCanon, s.BodyCanon))
	w.Tag("d=" + s.Domain + ";")
	w.Tag("s=" + s.Selector + ";")
	if s.Identity != "" {
		w.Tag("i=" + s.Identity + ";")
	}
	if s.SignTime >= 0 {
		w.Tag(fmt.Sprintf("t=%d;", s.SignTime))
	}
	if s.ExpireTime >= 0 {
		w.Tag(fmt.Sprintf("x=%d;", s.ExpireTime))
	}
	if s.Length >= 0 {
		w.Tag(fmt.Sprintf("l=%d;", s.Length))
	}
	w.List("h=", s.SignedHeaders, ";")
	w.Tag("bh=" + base64.StdEncoding.EncodeToString(s.BodyHash) + ";")
	if includeSig {
		w.Wrap("b=", base64.StdEncoding.EncodeToString(s.Signature))
	} else {
		w.Tag("b=")
	}
	return w.String()
}

// FieldWriter builds a tag-list header field, folding lines at 76
// characters.
type FieldWriter struct {
	b       strings.Builder
	lineLen int
}

const foldWidth = 76

// NewFieldWriter starts a field with the given name.
func NewFieldWriter(name string) *FieldWriter {
	w := &FieldWriter{}
	w.b.WriteString(name)
	w.b.WriteByte(':')
	w.lineLen = len(name) + 1
	return w
}

func (w *FieldWriter) fold(n int) {
	if w.lineLen > 1 && w.lineLen+1+n > foldWidth {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
		return
	}
	w.b.WriteByte(' ')
	w.lineLen++
}

// Tag adds text that must not be split.
func (w *FieldWriter) Tag(text string) {
	w.fold(len(text))
	w.b.WriteString(text)
	w.lineLen += len(text)
}

// List adds prefix followed by items joined with colons. Lines may fold
// after a colon.
func (w *FieldWriter) List(prefix string, items []string, suffix string) {
	for i, item := range items {
		if i == 0 {
			item = prefix + item
		}
		if i < len(items)-1 {
			item += ":"
		} else {
			item += suffix
		}
		if i == 0 {
			w.Tag(item)
			continue
		}
		if w.lineLen+len(item) > foldWidth {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
		}
		w.b.WriteString(item)
		w.lineLen += len(item)
	}
}

// Wrap adds prefix and a value that may be split anywhere, such as
// base64.
func (w *FieldWriter) Wrap(prefix, value string) {
	w.Tag(prefix)
	for len(value) > 0 {
		n := foldWidth - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = foldWidth - 1
		}
		n = min(n, len(value))
		w.b.WriteString(value[:n])
		w.lineLen += n
		value = value[n:]
	}
}

func (w *FieldWriter) String() string {
	return w.b.String()
}

// Tag is one tag=value pair of a tag list.
type Tag struct {
	Name  string
	Value string
}

// ParseTags parses a tag list (RFC 6376 section 3.2). Folding whitespace
// around names and values is dropped. Duplicate names are an error.
func ParseTags(s string) ([]Tag, error) {
	s = strings.NewReplacer("\r\n", "", "\n", "").Replace(s)
	var tags []Tag
	seen := map[string]bool{}
	for part := range strings.SplitSeq(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q has no value", ErrSyntax, part)
		}
		name = strings.TrimSpace(name)
		if !validTagName(name) {
			return nil, fmt.Errorf("%w: invalid tag name %q", ErrSyntax, name)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, name)
		}
		seen[name] = true
		tags = append(tags, Tag{Name: name, Value: strings.TrimSpace(value)})
	}
	return tags, nil
}

func validTagName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		alpha := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
		if !alpha && (i == 0 || !(c >= '0' && c <= '9' || c == '_')) {
			return false
		}
	}
	return true
}

// DecodeBase64 decodes a base64 tag value that may contain whitespace.
func DecodeBase64(v string) ([]byte, error) {
	v = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, v)
	return base64.StdEncoding.DecodeString(v)
}

// SplitHeaderList splits an h= value into lowercase field names.
func SplitHeaderList(v string) []string {
	var l []string
	for h := range strings.SplitSeq(v, ":") {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			l = append(l, h)
		}
	}
	return l
}

// ParseSignature parses a raw DKIM-Signature field, name included.
func ParseSignature(raw []byte) (*Signature, error) {
	sig, err := parseSignature(raw)
	if err != nil {
		return nil, &MalformedSignatureError{Header: "DKIM-Signature", Err: err}
	}
	return sig, nil
}

func parseSignature(raw []byte) (*Signature, error) {
	name, value, ok := strings.Cut(string(raw), ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), "DKIM-Signature") {
		return nil, ErrHeaderMalformed
	}
	tags, err := ParseTags(value)
	if err != nil {
		return nil, err
	}

	sig := NewSignature()
	sig.Version = 0
	for _, t := range tags {
		switch t.Name {
		case "v":
			if t.Value != "1" {
				return nil, fmt.Errorf("%w: version %q", ErrSyntax, t.Value)
			}
			sig.Version = 1
		case "a":
			sig.Algorithm = strings.ToLower(t.Value)
		case "b":
			if sig.Signature, err = DecodeBase64(t.Value); err != nil {
				return nil, fmt.Errorf("%w: b=: %v", ErrSyntax, err)
			}
		case "bh":
			if sig.BodyHash, err = DecodeBase64(t.Value); err != nil {
				return nil, fmt.Errorf("%w: bh=: %v", ErrSyntax, err)
			}
		case "c":
			sig.CanonicalizedTag = t.Value
			if sig.HeaderCanon, sig.BodyCanon, err = ParseCanonicalization(t.Value); err != nil {
				return nil, err
			}
		case "d":
			sig.Domain = strings.ToLower(t.Value)
		case "h":
			sig.SignedHeaders = SplitHeaderList(t.Value)
		case "i":
			sig.Identity = t.Value
		case "l":
			if sig.Length, err = strconv.ParseInt(t.Value, 10, 64); err != nil || sig.Length < 0 {
				return nil, fmt.Errorf("%w: l=%q", ErrSyntax, t.Value)
			}
		case "q":
			sig.QueryMethods = strings.Split(t.Value, ":")
		case "s":
			sig.Selector = strings.ToLower(t.Value)
		case "t":
			if sig.SignTime, err = strconv.ParseInt(t.Value, 10, 64); err != nil {
				return nil, fmt.Errorf("%w: t=%q", ErrSyntax, t.Value)
			}
		case "x":
			if sig.ExpireTime, err = strconv.ParseInt(t.Value, 10, 64); err != nil {
				return nil, fmt.Errorf("%w: x=%q", ErrSyntax, t.Value)
			}
		}
	}

	switch {
	case sig.Version != 1:
		return nil, fmt.Errorf("%w: v", ErrMissingTag)
	case sig.Algorithm == "":
		return nil, fmt.Errorf("%w: a", ErrMissingTag)
	case sig.Signature == nil:
		return nil, fmt.Errorf("%w: b", ErrMissingTag)
	case sig.BodyHash == nil:
		return nil, fmt.Errorf("%w: bh", ErrMissingTag)
	case sig.Domain == "":
		return nil, fmt.Errorf("%w: d", ErrMissingTag)
	case len(sig.SignedHeaders) == 0:
		return nil, fmt.Errorf("%w: h", ErrMissingTag)
	case sig.Selector == "":
		return nil, fmt.Errorf("%w: s", ErrMissingTag)
	}
	if sig.ExpireTime >= 0 && sig.SignTime >= 0 && sig.ExpireTime < sig.SignTime {
		return nil, fmt.Errorf("%w: x= before t=", ErrSyntax)
	}
	return sig, nil
}

// ParseCanonicalization parses a c= value. A missing body part means
// simple.
func ParseCanonicalization(v string) (header, body Canonicalization, err error) {
	h, b, _ := strings.Cut(strings.ToLower(v), "/")
	header, body = Canonicalization(h), CanonSimple
	if b != "" {
		body = Canonicalization(b)
	}
	for _, c := range []Canonicalization{header, body} {
		if c != CanonSimple && c != CanonRelaxed {
			return "", "", fmt.Errorf("%w: %q", ErrCanonicalization, v)
		}
	}
	return header, body, nil
}
