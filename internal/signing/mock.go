package signing

import (
	"crypto/hmac"
	"crypto/sha256"
)

// MockSigner is a deterministic stand-in for Ed25519 used by tests:
// it HMACs the prehash with a per-node secret instead of doing real
// public-key cryptography, so that test scenarios can cheaply forge
// or corrupt signatures (e.g. E5's equivocating primary) without
// touching real key material.
type MockSigner struct {
	secret []byte
}

func NewMockSigner(secret []byte) *MockSigner {
	return &MockSigner{secret: secret}
}

func (s *MockSigner) Sign(prehash []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(prehash)
	return mac.Sum(nil)
}

// MockVerifier verifies MockSigner signatures. The "public key" here
// is just the signer's secret, handed out directly in tests — this
// package never pretends the mock has real asymmetric properties.
type MockVerifier struct{}

func NewMockVerifier() *MockVerifier {
	return &MockVerifier{}
}

func (v *MockVerifier) Verify(publicKey []byte, prehash []byte, signature []byte) bool {
	mac := hmac.New(sha256.New, publicKey)
	mac.Write(prehash)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, signature)
}
