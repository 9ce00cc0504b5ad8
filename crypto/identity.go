package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/sirupsen/logrus"
)

// KeyType identifies the key agreement algorithm behind an identity or a
// wrapped key. The value is exchanged on the wire alongside wrapped keys so
// the unwrap side can branch on the correct strategy.
type KeyType uint8

const (
	// KeyTypeP256 is the preferred elliptic-curve agreement on NIST P-256.
	KeyTypeP256 KeyType = 1
	// KeyTypeRSA2048 is the RSA-OAEP key-wrap fallback for peers without
	// curve support. There is no shared-secret derivation on this path.
	KeyTypeRSA2048 KeyType = 2
)

// String returns the wire-protocol name of the key type.
func (kt KeyType) String() string {
	switch kt {
	case KeyTypeP256:
		return "P256"
	case KeyTypeRSA2048:
		return "RSA2048"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kt))
	}
}

// p256PublicKeySize is the uncompressed point encoding: tag byte plus two
// 32-byte coordinates.
const p256PublicKeySize = 65

// p256PointTag is the uncompressed-point format tag required on peer keys.
const p256PointTag = 0x04

// Identity is a per-device asymmetric keypair used only for wrapping and
// unwrapping session keys, never for media. Exactly one identity is active
// per device; the private half never leaves this struct except through
// IdentityStore's encrypted-at-rest persistence.
type Identity struct {
	Type KeyType

	ecdhPrivate *ecdh.PrivateKey
	rsaPrivate  *rsa.PrivateKey
}

// GenerateIdentity creates a device keypair on the preferred P-256 curve,
// falling back to a software 2048-bit RSA keypair if curve generation is
// unavailable. Returns ErrProviderUnavailable if neither path succeeds.
func GenerateIdentity() (*Identity, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "GenerateIdentity",
			"key_type": KeyTypeP256.String(),
		}).Info("Device identity generated")
		return &Identity{Type: KeyTypeP256, ecdhPrivate: priv}, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateIdentity",
		"error":    err.Error(),
	}).Warn("P-256 key generation failed, falling back to RSA")

	rsaPriv, rsaErr := rsa.GenerateKey(rand.Reader, 2048)
	if rsaErr != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "GenerateIdentity",
			"ec_error":  err.Error(),
			"rsa_error": rsaErr.Error(),
		}).Error("All key agreement paths failed")
		return nil, fmt.Errorf("%w: ec: %v, rsa: %v", ErrProviderUnavailable, err, rsaErr)
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateIdentity",
		"key_type": KeyTypeRSA2048.String(),
	}).Info("Device identity generated")
	return &Identity{Type: KeyTypeRSA2048, rsaPrivate: rsaPriv}, nil
}

// PublicKeyBytes returns the identity's public key in its wire encoding:
// the uncompressed point for P-256, PKIX DER for RSA.
func (id *Identity) PublicKeyBytes() []byte {
	switch id.Type {
	case KeyTypeP256:
		return id.ecdhPrivate.PublicKey().Bytes()
	case KeyTypeRSA2048:
		der, err := x509.MarshalPKIXPublicKey(&id.rsaPrivate.PublicKey)
		if err != nil {
			// MarshalPKIXPublicKey cannot fail for a well-formed RSA key.
			return nil
		}
		return der
	default:
		return nil
	}
}

// validateP256PeerKey rejects any peer key that is not exactly the expected
// uncompressed point length with the correct format tag. Called before the
// key is handed to the curve implementation.
func validateP256PeerKey(peerPublic []byte) error {
	if len(peerPublic) != p256PublicKeySize {
		return fmt.Errorf("%w: length %d, want %d", ErrInvalidPeerKey, len(peerPublic), p256PublicKeySize)
	}
	if peerPublic[0] != p256PointTag {
		return fmt.Errorf("%w: format tag 0x%02x, want 0x%02x", ErrInvalidPeerKey, peerPublic[0], p256PointTag)
	}
	return nil
}

// parseRSAPeerKey decodes a PKIX DER encoded RSA public key.
func parseRSAPeerKey(peerPublic []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPeerKey)
	}
	return rsaPub, nil
}
