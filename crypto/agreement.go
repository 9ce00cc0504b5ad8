package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// kdfLabel is the fixed domain-separation label used when stretching ECDH
// shared secrets into session key material.
const kdfLabel = "securecall-v1 media key wrap"

// oaepLabel binds RSA-wrapped keys to this protocol.
var oaepLabel = []byte("securecall-v1")

// WrappedKey is a session key encrypted under a recipient's public key for
// distribution. Type tells the unwrap side which strategy to branch on.
type WrappedKey struct {
	Type KeyType
	Data []byte
}

// DeriveSharedSecret performs elliptic-curve Diffie-Hellman between the
// local identity and a peer public key and stretches the result through
// HKDF-SHA256 with a fixed domain-separation label to a 256-bit key.
//
// Only P-256 identities support derivation; the RSA fallback wraps a
// caller-chosen key directly via WrapKey instead.
func DeriveSharedSecret(local *Identity, peerPublic []byte) (Key, error) {
	if local == nil || local.Type != KeyTypeP256 {
		return Key{}, fmt.Errorf("%w: shared secret derivation requires a P256 identity", ErrKeyTypeMismatch)
	}
	if err := validateP256PeerKey(peerPublic); err != nil {
		return Key{}, err
	}

	peer, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	secret, err := local.ecdhPrivate.ECDH(peer)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("ECDH computation failed")
		return Key{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	key, err := stretchSecret(secret)
	ZeroBytes(secret)
	if err != nil {
		return Key{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeriveSharedSecret",
	}).Debug("Shared secret derived, intermediate material wiped")
	return key, nil
}

// stretchSecret runs a raw ECDH output through HKDF-SHA256 with the
// protocol label to produce uniformly distributed key material.
func stretchSecret(secret []byte) (Key, error) {
	var key Key
	kdf := hkdf.New(sha256.New, secret, nil, []byte(kdfLabel))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return Key{}, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

// WrapKey encrypts a session key under a peer's public key for
// distribution. The P256 path performs an ephemeral ECDH with the peer and
// seals the key under the derived secret; the RSA path encrypts the key
// directly with OAEP. The two paths are not interoperable for one call leg.
func WrapKey(key Key, peerPublic []byte, keyType KeyType) (*WrappedKey, error) {
	switch keyType {
	case KeyTypeP256:
		return wrapKeyP256(key, peerPublic)
	case KeyTypeRSA2048:
		return wrapKeyRSA(key, peerPublic)
	default:
		return nil, fmt.Errorf("%w: cannot wrap for %s", ErrKeyTypeMismatch, keyType)
	}
}

// wrapKeyP256 produces: ephemeral public point (65) || nonce (24) || box.
func wrapKeyP256(key Key, peerPublic []byte) (*WrappedKey, error) {
	if err := validateP256PeerKey(peerPublic); err != nil {
		return nil, err
	}

	peer, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key generation: %v", ErrWrapFailed, err)
	}

	secret, err := ephemeral.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrapFailed, err)
	}
	wrapKey, err := stretchSecret(secret)
	ZeroBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrapFailed, err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		WipeKey(&wrapKey)
		return nil, fmt.Errorf("%w: %v", ErrWrapFailed, err)
	}

	ephPub := ephemeral.PublicKey().Bytes()
	data := make([]byte, 0, len(ephPub)+NonceSize+KeySize+secretbox.Overhead)
	data = append(data, ephPub...)
	data = append(data, nonce[:]...)
	data = secretbox.Seal(data, key[:], (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&wrapKey))
	WipeKey(&wrapKey)

	logrus.WithFields(logrus.Fields{
		"function": "wrapKeyP256",
		"size":     len(data),
	}).Debug("Session key wrapped for peer")
	return &WrappedKey{Type: KeyTypeP256, Data: data}, nil
}

func wrapKeyRSA(key Key, peerPublic []byte) (*WrappedKey, error) {
	pub, err := parseRSAPeerKey(peerPublic)
	if err != nil {
		return nil, err
	}

	data, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key[:], oaepLabel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrapFailed, err)
	}
	return &WrappedKey{Type: KeyTypeRSA2048, Data: data}, nil
}

// UnwrapKey recovers a session key wrapped for this device. The local
// identity type must match the wrapped key's algorithm tag.
func UnwrapKey(local *Identity, wrapped *WrappedKey) (Key, error) {
	if local == nil || wrapped == nil {
		return Key{}, fmt.Errorf("%w: nil identity or wrapped key", ErrUnwrapFailed)
	}
	if local.Type != wrapped.Type {
		return Key{}, fmt.Errorf("%w: identity is %s, wrapped key is %s",
			ErrKeyTypeMismatch, local.Type, wrapped.Type)
	}

	switch wrapped.Type {
	case KeyTypeP256:
		return unwrapKeyP256(local, wrapped.Data)
	case KeyTypeRSA2048:
		return unwrapKeyRSA(local, wrapped.Data)
	default:
		return Key{}, fmt.Errorf("%w: unknown key type %d", ErrUnwrapFailed, wrapped.Type)
	}
}

func unwrapKeyP256(local *Identity, data []byte) (Key, error) {
	if len(data) < p256PublicKeySize+NonceSize+KeySize+secretbox.Overhead {
		return Key{}, fmt.Errorf("%w: wrapped key too short (%d bytes)", ErrUnwrapFailed, len(data))
	}

	ephPub := data[:p256PublicKeySize]
	if err := validateP256PeerKey(ephPub); err != nil {
		return Key{}, err
	}
	ephemeral, err := ecdh.P256().NewPublicKey(ephPub)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	secret, err := local.ecdhPrivate.ECDH(ephemeral)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	wrapKey, err := stretchSecret(secret)
	ZeroBytes(secret)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}

	var nonce Nonce
	copy(nonce[:], data[p256PublicKeySize:p256PublicKeySize+NonceSize])

	plain, ok := secretbox.Open(nil, data[p256PublicKeySize+NonceSize:],
		(*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&wrapKey))
	WipeKey(&wrapKey)
	if !ok || len(plain) != KeySize {
		return Key{}, fmt.Errorf("%w: authentication failed", ErrUnwrapFailed)
	}

	var key Key
	copy(key[:], plain)
	ZeroBytes(plain)
	return key, nil
}

func unwrapKeyRSA(local *Identity, data []byte) (Key, error) {
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, local.rsaPrivate, data, oaepLabel)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	if len(plain) != KeySize {
		ZeroBytes(plain)
		return Key{}, fmt.Errorf("%w: unwrapped key has wrong size %d", ErrUnwrapFailed, len(plain))
	}

	var key Key
	copy(key[:], plain)
	ZeroBytes(plain)
	return key, nil
}
