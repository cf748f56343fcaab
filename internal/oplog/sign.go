package oplog

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/dlvargas/tgcryptfs/internal/identity"
)

var (
	canonicalMode   cbor.EncMode
	canonicalModeMu sync.Once
)

func canonicalEncMode() cbor.EncMode {
	canonicalModeMu.Do(func() {
		mode, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			panic(fmt.Sprintf("oplog: build canonical cbor encoder: %v", err))
		}
		canonicalMode = mode
	})
	return canonicalMode
}

// CanonicalBytes produces the deterministic encoding of op that signatures
// are computed over: map keys sorted, preferred (shortest) integer and
// float encodings, matching canonical CBOR (RFC 8949 §4.2.1).
func CanonicalBytes(op Operation) ([]byte, error) {
	return canonicalEncMode().Marshal(op)
}

// SignedOperation is an Operation plus the emitting machine's signature
// over its canonical encoding — the form that crosses the backend.
type SignedOperation struct {
	Operation Operation
	Signature []byte
}

// Sign builds a SignedOperation, computing the signature over op's
// canonical encoding.
func Sign(priv ed25519.PrivateKey, op Operation) (SignedOperation, error) {
	canon, err := CanonicalBytes(op)
	if err != nil {
		return SignedOperation{}, fmt.Errorf("oplog: canonicalize operation: %w", err)
	}
	return SignedOperation{Operation: op, Signature: identity.Sign(priv, canon)}, nil
}

// Verify checks so's signature against the sender's public key.
func Verify(pub ed25519.PublicKey, so SignedOperation) (bool, error) {
	canon, err := CanonicalBytes(so.Operation)
	if err != nil {
		return false, fmt.Errorf("oplog: canonicalize operation: %w", err)
	}
	return identity.Verify(pub, canon, so.Signature), nil
}

// Marshal encodes a SignedOperation for upload to the backend. This need
// not be canonical — the signature it carries was already computed over
// the canonical encoding of its Operation — so the default (non-canonical)
// encoder is used here for speed.
func Marshal(so SignedOperation) ([]byte, error) {
	return cbor.Marshal(so)
}

// Unmarshal decodes a SignedOperation fetched from the backend.
func Unmarshal(data []byte) (SignedOperation, error) {
	var so SignedOperation
	err := cbor.Unmarshal(data, &so)
	return so, err
}
