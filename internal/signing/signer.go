// Package signing provides the signing/verification capability used
// by every protocol message. It is deliberately a narrow interface
// (sign one prehash, verify one prehash against one public key) so
// that tests can substitute a deterministic mock and adversarial
// scenarios can inject forged signatures, per spec.md §9's design
// note.
package signing

import (
	"crypto/ed25519"
	"fmt"
)

// Signable is any message that knows how to compute its own
// domain-separated prehash (see internal/types message definitions).
type Signable interface {
	Prehash() []byte
}

// Signer signs prehashes with a single identity's private key.
type Signer interface {
	Sign(prehash []byte) []byte
}

// Verifier checks a signature over a prehash against a known public
// key. publicKey is a plain []byte rather than ed25519.PublicKey so
// that MockVerifier (which has no real asymmetric keys) can satisfy
// the same interface as Ed25519Verifier.
type Verifier interface {
	Verify(publicKey []byte, prehash []byte, signature []byte) bool
}

// Ed25519Signer signs with a node's own Ed25519 keypair, grounded in
// the teacher's per-message Sign methods
// (sydneyli-distributePKI/src/pbft/signing.go) generalized to a
// single reusable capability rather than one method per message type.
type Ed25519Signer struct {
	private ed25519.PrivateKey
}

func NewEd25519Signer(private ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{private: private}
}

func (s *Ed25519Signer) Sign(prehash []byte) []byte {
	return ed25519.Sign(s.private, prehash)
}

// Ed25519Verifier verifies Ed25519 signatures against the
// known-public-key directory built at bootstrap.
type Ed25519Verifier struct{}

func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{}
}

func (v *Ed25519Verifier) Verify(publicKey []byte, prehash []byte, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), prehash, signature)
}

// SignMessage signs m's prehash and returns the raw signature bytes
// ready to attach to the message's Signature field.
func SignMessage(s Signer, m Signable) []byte {
	return s.Sign(m.Prehash())
}

// VerifyMessage verifies m's signature under publicKey.
func VerifyMessage(v Verifier, publicKey []byte, m Signable, signature []byte) bool {
	return v.Verify(publicKey, m.Prehash(), signature)
}

// GenerateKeypair is a thin wrapper for bootstrap-time key generation
// (used by the test harnesses).
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}
