package signing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sydli/pbftkv/internal/types"
)

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)

	signer := NewEd25519Signer(priv)
	verifier := NewEd25519Verifier()

	msg := types.Prepare{Id: 0, View: 1, SeqNum: 2, Digest: types.Digest{5}}
	sig := SignMessage(signer, msg)

	require.True(t, VerifyMessage(verifier, pub, msg, sig))
}

func TestEd25519VerifyRejectsTamperedMessage(t *testing.T) {
	pub, priv, err := GenerateKeypair()
	require.NoError(t, err)
	signer := NewEd25519Signer(priv)
	verifier := NewEd25519Verifier()

	msg := types.Prepare{Id: 0, View: 1, SeqNum: 2, Digest: types.Digest{5}}
	sig := SignMessage(signer, msg)

	tampered := msg
	tampered.SeqNum = 3
	require.False(t, VerifyMessage(verifier, pub, tampered, sig))
}

func TestEd25519VerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := GenerateKeypair()
	require.NoError(t, err)
	otherPub, _, err := GenerateKeypair()
	require.NoError(t, err)

	signer := NewEd25519Signer(priv)
	verifier := NewEd25519Verifier()
	msg := types.Commit{Id: 1, View: 0, SeqNum: 1, Digest: types.Digest{3}}
	sig := SignMessage(signer, msg)

	require.False(t, VerifyMessage(verifier, otherPub, msg, sig))
}

func TestMockSignerVerifierRoundTrip(t *testing.T) {
	secret := []byte("node-0-secret")
	signer := NewMockSigner(secret)
	verifier := NewMockVerifier()

	msg := types.Commit{Id: 0, View: 0, SeqNum: 1, Digest: types.Digest{1}}
	sig := SignMessage(signer, msg)
	require.True(t, VerifyMessage(verifier, secret, msg, sig))
	require.False(t, VerifyMessage(verifier, []byte("wrong-secret"), msg, sig))
}
