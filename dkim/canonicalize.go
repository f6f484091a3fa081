package dkim

import (
	"bytes"
	"crypto"
	"strings"

	"github.com/synqronlabs/kestrel/message"
)

var crlf = []byte("\r\n")

// CanonicalizeHeader returns a raw header field in canonical form,
// without a trailing CRLF.
//
// Relaxed lowercases the name, unfolds the value, collapses runs of
// whitespace to a single space and trims the value.
func CanonicalizeHeader(c Canonicalization, raw []byte) ([]byte, error) {
	if c == CanonSimple {
		return bytes.TrimSuffix(raw, crlf), nil
	}

	idx := bytes.IndexByte(raw, ':')
	if idx <= 0 {
		return nil, ErrHeaderMalformed
	}
	name := strings.ToLower(strings.TrimRight(string(raw[:idx]), " \t"))

	value := bytes.ReplaceAll(raw[idx+1:], crlf, nil)
	value = bytes.ReplaceAll(value, []byte("\n"), nil)

	out := make([]byte, 0, len(raw))
	out = append(out, name...)
	out = append(out, ':')
	out = append(out, collapseWSP(value)...)
	return out, nil
}

// collapseWSP replaces whitespace runs with one space and trims both ends.
func collapseWSP(b []byte) []byte {
	out := make([]byte, 0, len(b))
	ws := false
	for _, c := range b {
		if c == ' ' || c == '\t' {
			ws = true
			continue
		}
		if ws && len(out) > 0 {
			out = append(out, ' ')
		}
		ws = false
		out = append(out, c)
	}
	return out
}

// CanonicalizeBody returns body in canonical form. Trailing empty lines
// are dropped and every remaining line ends in CRLF. An empty body is a
// single CRLF with simple and empty with relaxed.
func CanonicalizeBody(c Canonicalization, body []byte) []byte {
	lines := bytes.Split(body, []byte("\n"))
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		l = bytes.TrimSuffix(l, []byte("\r"))
		if c == CanonRelaxed {
			l = bytes.TrimRight(l, " \t")
			if bytes.ContainsAny(l, " \t") {
				l = collapseInner(l)
			}
		}
		lines[i] = l
	}
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}

	if len(lines) == 0 {
		if c == CanonSimple {
			return bytes.Clone(crlf)
		}
		return nil
	}
	var b bytes.Buffer
	for _, l := range lines {
		b.Write(l)
		b.Write(crlf)
	}
	return b.Bytes()
}

// collapseInner collapses whitespace runs but keeps a leading one.
func collapseInner(l []byte) []byte {
	out := make([]byte, 0, len(l))
	ws := false
	for _, c := range l {
		if c == ' ' || c == '\t' {
			if !ws {
				out = append(out, ' ')
			}
			ws = true
			continue
		}
		ws = false
		out = append(out, c)
	}
	return out
}

// BodyHash hashes the canonical body. A non-negative length limits the
// hash to that many canonical bytes (the l= tag).
func BodyHash(h crypto.Hash, c Canonicalization, body []byte, length int64) ([]byte, error) {
	canon := CanonicalizeBody(c, body)
	if length >= 0 {
		if length > int64(len(canon)) {
			return nil, ErrBodyHashMismatch
		}
		canon = canon[:length]
	}
	hh := h.New()
	hh.Write(canon)
	return hh.Sum(nil), nil
}

// SelectHeaders picks the fields named in names. Repeated names take
// instances from the bottom of the header upwards. Names without a
// remaining instance are skipped.
func SelectHeaders(fields []message.Field, names []string) []message.Field {
	byName := map[string][]message.Field{}
	for i := len(fields) - 1; i >= 0; i-- {
		k := strings.ToLower(fields[i].Key)
		byName[k] = append(byName[k], fields[i])
	}
	var l []message.Field
	for _, n := range names {
		k := strings.ToLower(strings.TrimSpace(n))
		if fs := byName[k]; len(fs) > 0 {
			l = append(l, fs[0])
			byName[k] = fs[1:]
		}
	}
	return l
}

// HeaderHash hashes the selected header fields followed by the signature
// field itself, whose b= value must already be empty.
func HeaderHash(h crypto.Hash, c Canonicalization, fields []message.Field, names []string, sigField []byte) ([]byte, error) {
	hh := h.New()
	for _, f := range SelectHeaders(fields, names) {
		canon, err := CanonicalizeHeader(c, f.Raw)
		if err != nil {
			return nil, err
		}
		hh.Write(canon)
		hh.Write(crlf)
	}
	canon, err := CanonicalizeHeader(c, sigField)
	if err != nil {
		return nil, err
	}
	hh.Write(canon)
	return hh.Sum(nil), nil
}

// RemoveSignatureValue returns a copy of a raw signature field with the
// value of its b= tag removed, surrounding whitespace included.
func RemoveSignatureValue(raw []byte) []byte {
	colon := bytes.IndexByte(raw, ':')
	if colon < 0 {
		return bytes.Clone(raw)
	}
	end := len(raw)
	if bytes.HasSuffix(raw, crlf) {
		end -= 2
	}

	for start := colon + 1; start < end; {
		semi := bytes.IndexByte(raw[start:end], ';')
		segEnd := end
		if semi >= 0 {
			segEnd = start + semi
		}
		seg := raw[start:segEnd]
		if eq := bytes.IndexByte(seg, '='); eq >= 0 && string(bytes.TrimSpace(seg[:eq])) == "b" {
			valStart := start + eq + 1
			out := make([]byte, 0, len(raw))
			out = append(out, raw[:valStart]...)
			return append(out, raw[segEnd:]...)
		}
		start = segEnd + 1
	}
	return bytes.Clone(raw)
}
