package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the size of a session media key in bytes.
const KeySize = 32

// NonceSize is the size of the AEAD nonce in bytes.
const NonceSize = 24

// Key is a 256-bit symmetric session key. Key material is owned by the
// keyring and must be wiped with WipeKey when replaced.
type Key [KeySize]byte

// Nonce is a 24-byte value used for AEAD sealing.
type Nonce [NonceSize]byte

// GenerateKey creates a fresh random session key.
func GenerateKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, fmt.Errorf("failed to generate session key: %w", err)
	}
	return key, nil
}

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// Seal encrypts and authenticates a message under a session key. The
// output is the random nonce followed by the secretbox ciphertext.
func Seal(plaintext []byte, key Key) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty plaintext")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&key))
	return out, nil
}

// Open authenticates and decrypts a message produced by Seal under the
// same key. Returns ErrOpenFailed if authentication fails.
func Open(ciphertext []byte, key Key) ([]byte, error) {
	if len(ciphertext) < NonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrOpenFailed)
	}

	var nonce Nonce
	copy(nonce[:], ciphertext[:NonceSize])

	out, ok := secretbox.Open(nil, ciphertext[NonceSize:], (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&key))
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}
