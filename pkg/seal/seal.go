// Package seal provides the crypto capability set used by the depeche
// protocol: passphrase-keyed symmetric encryption for the rendezvous channel
// and anonymous sealed boxes for user message contents.
//
// This is the only package that handles raw key material. Everywhere else,
// keys are hex text and ciphertexts are base64 text suitable for JSON
// transport and storage.
package seal

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrDecrypt    = errors.New("seal: decryption failed")
	ErrBadKey     = errors.New("seal: malformed key")
	ErrShortInput = errors.New("seal: ciphertext too short")
)

// Provider is the capability set the protocol engine depends on. The NaCl
// implementation below is the only one shipped; the interface exists so the
// engine and its tests never touch key material directly.
type Provider interface {
	// EncryptSymmetric encrypts plaintext under a key derived from the
	// passphrase and returns base64 text.
	EncryptSymmetric(plaintext []byte, passphrase string) (string, error)

	// DecryptSymmetric is the inverse of EncryptSymmetric.
	DecryptSymmetric(ciphertext string, passphrase string) ([]byte, error)

	// Seal encrypts plaintext to the given hex public key using an anonymous
	// sealed box and returns base64 text. The sender is not identified and
	// cannot recover the plaintext.
	Seal(plaintext []byte, publicKey string) (string, error)

	// Open decrypts a sealed box with the matching hex private key.
	Open(ciphertext string, privateKey string) ([]byte, error)

	// GenerateKeypair returns a fresh (private, public) keypair as hex text.
	GenerateKeypair() (private string, public string, err error)
}

// NaCl implements Provider with blake2b key derivation, xsalsa20-poly1305
// secret boxes, and curve25519 sealed boxes.
type NaCl struct{}

var _ Provider = NaCl{}

// symmetricKey derives the secret-box key from a passphrase. Blake2b with the
// digest sized to the secret-box key, per the wire contract.
func symmetricKey(passphrase string) *[32]byte {
	sum := blake2b.Sum256([]byte(passphrase))
	return &sum
}

func (NaCl) EncryptSymmetric(plaintext []byte, passphrase string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}

	// ciphertext layout is nonce || box, matching the usual NaCl convention
	out := secretbox.Seal(nonce[:], plaintext, &nonce, symmetricKey(passphrase))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (NaCl) DecryptSymmetric(ciphertext string, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("seal: base64: %w", err)
	}
	if len(raw) < 24+secretbox.Overhead {
		return nil, ErrShortInput
	}

	var nonce [24]byte
	copy(nonce[:], raw[:24])

	plain, ok := secretbox.Open(nil, raw[24:], &nonce, symmetricKey(passphrase))
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func (NaCl) Seal(plaintext []byte, publicKey string) (string, error) {
	pub, err := decodeKey(publicKey)
	if err != nil {
		return "", err
	}
	out, err := box.SealAnonymous(nil, plaintext, pub, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func (NaCl) Open(ciphertext string, privateKey string) ([]byte, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return nil, err
	}

	// sealed boxes are opened against the recipient keypair; recover the
	// public half from the private scalar
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	var pub [32]byte
	copy(pub[:], pubBytes)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("seal: base64: %w", err)
	}

	plain, ok := box.OpenAnonymous(nil, raw, &pub, priv)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func (NaCl) GenerateKeypair() (string, string, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("seal: generate keypair: %w", err)
	}
	return hex.EncodeToString(priv[:]), hex.EncodeToString(pub[:]), nil
}

func decodeKey(s string) (*[32]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadKey, len(raw))
	}
	var k [32]byte
	copy(k[:], raw)
	return &k, nil
}
