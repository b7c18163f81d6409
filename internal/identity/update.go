package identity

import (
	"fmt"

	"github.com/hearth-dev/hearth/internal/nid"
)

// Signature pairs a delegate's public key with its signature over a
// Document's canonical encoding.
type Signature struct {
	Signer nid.PublicKey
	Bytes  []byte
}

// Update is a proposed new Document together with the signatures
// collected so far from delegates of the *previous* document version —
// the quorum that must co-sign any change, per spec.
type Update struct {
	Document   Document
	Signatures []Signature
}

// VerifyQuorum checks that Update.Document is validly signed by at least
// previous.Threshold distinct delegates drawn from previous.Delegates.
// The RID itself never changes (callers are responsible for rejecting an
// Update that would alter it); this only checks the co-signing invariant
// for a document update.
func VerifyQuorum(previous Document, update Update) error {
	if err := update.Document.Validate(); err != nil {
		return fmt.Errorf("identity: updated document invalid: %w", err)
	}

	canonical, err := update.Document.Canonicalize()
	if err != nil {
		return err
	}

	signed := make(map[string]bool, len(update.Signatures))
	for _, sig := range update.Signatures {
		if !previous.IsDelegate(sig.Signer) {
			continue // not a delegate of the prior document; does not count
		}
		if !sig.Signer.Verify(canonical, sig.Bytes) {
			continue // signature does not verify; does not count
		}
		signed[sig.Signer.Did().String()] = true
	}

	if len(signed) < previous.Threshold {
		return fmt.Errorf("identity: quorum not met: %d of required %d delegate signatures", len(signed), previous.Threshold)
	}
	return nil
}
