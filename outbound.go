package kestrel

import (
	"context"
	"fmt"

	"github.com/synqronlabs/kestrel/arc"
	"github.com/synqronlabs/kestrel/dkim"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/message"
)

// SignAndSeal signs an outgoing message for senderDomain with the PEM
// encoded private key and returns it with the DKIM-Signature prepended.
// A message that already carries an ARC chain is sealed as well, after the
// existing chain is validated with the system resolver.
//
// A key that cannot be parsed is returned as a *dkim.KeyError.
func SignAndSeal(ctx context.Context, raw []byte, senderDomain, selector string, privateKeyPEM []byte) ([]byte, error) {
	key, err := dkim.LoadPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	signer := &dkim.Signer{Domain: senderDomain, Selector: selector, Key: key}
	sealer := &arc.Sealer{
		Domain:     senderDomain,
		Selector:   selector,
		Key:        key,
		AuthServID: senderDomain,
		Resolver:   dns.NewStdResolver(),
	}
	return signAndSeal(ctx, raw, signer, sealer)
}

func signAndSeal(ctx context.Context, raw []byte, signer *dkim.Signer, sealer *arc.Sealer) ([]byte, error) {
	raw = message.NormalizeLineEndings(raw)
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, err
	}
	field, err := signer.SignMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("dkim signing: %w", err)
	}
	out := message.Prepend(raw, field)

	if sealer == nil || msg.Count("ARC-Seal") == 0 {
		return out, nil
	}
	set, err := sealer.Seal(ctx, out, nil)
	if err != nil {
		return nil, fmt.Errorf("arc sealing: %w", err)
	}
	return message.Prepend(out, set.Fields()...), nil
}
