// Package message splits raw RFC 5322 messages into header fields and
// body, keeping each field's raw bytes for DKIM and ARC canonicalization.
package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// ErrMalformed is returned for messages whose header cannot be parsed.
var ErrMalformed = errors.New("message: malformed header")

// Field is a single header field.
type Field struct {
	// Key is the field name in canonical MIME form, e.g. "Dkim-Signature".
	Key string

	// Value is the unfolded value without leading whitespace.
	Value string

	// Raw is the field exactly as in the message, folding and trailing
	// CRLF included.
	Raw []byte
}

// Message is a parsed message.
type Message struct {
	// Header holds the fields in message order, top first.
	Header []Field
	Body   []byte
}

// Parse parses raw into header fields and body.
func Parse(raw []byte) (*Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil && !(errors.Is(err, io.EOF) && h.Len() > 0) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := &Message{}
	fields := h.Fields()
	for fields.Next() {
		rawField, err := fields.Raw()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, fields.Key(), err)
		}
		m.Header = append(m.Header, Field{
			Key:   fields.Key(),
			Value: fields.Value(),
			Raw:   bytes.Clone(rawField),
		})
	}
	if m.Body, err = io.ReadAll(br); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the value of the topmost field named key.
func (m *Message) Get(key string) string {
	for _, f := range m.Header {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// Fields returns all fields named key, top first.
func (m *Message) Fields(key string) []Field {
	var l []Field
	for _, f := range m.Header {
		if strings.EqualFold(f.Key, key) {
			l = append(l, f)
		}
	}
	return l
}

// Count returns the number of fields named key.
func (m *Message) Count(key string) int {
	return len(m.Fields(key))
}

// NormalizeLineEndings converts bare LF line endings to CRLF.
func NormalizeLineEndings(raw []byte) []byte {
	if !bytes.Contains(raw, []byte("\n")) {
		return raw
	}
	var b bytes.Buffer
	b.Grow(len(raw) + len(raw)/40)
	for i, c := range raw {
		if c == '\n' && (i == 0 || raw[i-1] != '\r') {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
	}
	return b.Bytes()
}

// Prepend returns raw with the given header fields added at the top, in
// order. Fields must not carry a trailing CRLF.
func Prepend(raw []byte, fields ...string) []byte {
	var b bytes.Buffer
	for _, f := range fields {
		b.WriteString(f)
		b.WriteString("\r\n")
	}
	b.Write(raw)
	return b.Bytes()
}
