// Package identity is the cryptographic boundary spec.md treats as an
// opaque external collaborator: signature verification and random byte
// generation. The protocol code (directory, chatserver) calls through here
// rather than importing crypto/ed25519 or crypto/rand; tlsutil uses
// crypto/rand directly for certificate generation.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// KeySize is the length in bytes of a PublicKey.
const KeySize = ed25519.PublicKeySize

// PublicKey wraps an opaque verification key. The zero value is invalid.
type PublicKey struct {
	raw ed25519.PublicKey
}

// ParsePublicKey validates that b is a well-formed public key and wraps it.
func ParsePublicKey(b []byte) (PublicKey, error) {
	if len(b) != KeySize {
		return PublicKey{}, fmt.Errorf("identity: public key must be %d bytes, got %d", KeySize, len(b))
	}
	raw := make([]byte, KeySize)
	copy(raw, b)
	return PublicKey{raw: raw}, nil
}

// Bytes returns the raw key bytes, suitable for writing to a .pem-style
// key file or sending back to a client in a T_PUBKEY reply.
func (k PublicKey) Bytes() []byte {
	out := make([]byte, len(k.raw))
	copy(out, k.raw)
	return out
}

// Verify reports whether sig is a valid signature over msg under this key.
func (k PublicKey) Verify(msg, sig []byte) bool {
	if len(k.raw) != KeySize {
		return false
	}
	return ed25519.Verify(k.raw, msg, sig)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("identity: read random bytes: %w", err)
	}
	return buf, nil
}
