package seal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSymmetricRoundTrip(t *testing.T) {
	p := NaCl{}

	for _, msg := range []string{"", "hello", "abcdefghijklmnopqrstuvxyzåäö나이"} {
		ct, err := p.EncryptSymmetric([]byte(msg), "a really secret secret")
		require.NoError(t, err)

		pt, err := p.DecryptSymmetric(ct, "a really secret secret")
		require.NoError(t, err)
		require.Equal(t, msg, string(pt))
	}
}

func TestSymmetricWrongPassphrase(t *testing.T) {
	p := NaCl{}

	ct, err := p.EncryptSymmetric([]byte("payload"), "correct horse")
	require.NoError(t, err)

	_, err = p.DecryptSymmetric(ct, "battery staple")
	require.True(t, errors.Is(err, ErrDecrypt), "got %v", err)
}

func TestSymmetricNondeterministicNonce(t *testing.T) {
	p := NaCl{}

	a, err := p.EncryptSymmetric([]byte("same plaintext"), "pw")
	require.NoError(t, err)
	b, err := p.EncryptSymmetric([]byte("same plaintext"), "pw")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestSealedBoxRoundTrip(t *testing.T) {
	p := NaCl{}

	priv, pub, err := p.GenerateKeypair()
	require.NoError(t, err)
	require.Len(t, priv, 64)
	require.Len(t, pub, 64)

	ct, err := p.Seal([]byte("for your eyes only"), pub)
	require.NoError(t, err)

	pt, err := p.Open(ct, priv)
	require.NoError(t, err)
	require.Equal(t, "for your eyes only", string(pt))
}

func TestSealedBoxWrongKey(t *testing.T) {
	p := NaCl{}

	_, pub, err := p.GenerateKeypair()
	require.NoError(t, err)
	otherPriv, _, err := p.GenerateKeypair()
	require.NoError(t, err)

	ct, err := p.Seal([]byte("secret"), pub)
	require.NoError(t, err)

	_, err = p.Open(ct, otherPriv)
	require.True(t, errors.Is(err, ErrDecrypt), "got %v", err)
}

func TestMalformedKeys(t *testing.T) {
	p := NaCl{}

	_, err := p.Seal([]byte("x"), "not-hex")
	require.True(t, errors.Is(err, ErrBadKey), "got %v", err)

	_, err = p.Seal([]byte("x"), "abcd")
	require.True(t, errors.Is(err, ErrBadKey), "got %v", err)

	_, err = p.Open("aGVsbG8=", "abcd")
	require.True(t, errors.Is(err, ErrBadKey), "got %v", err)
}
