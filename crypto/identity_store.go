package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

// IdentityStore persists the device identity with AES-GCM encryption at
// rest. Only the long-lived identity keypair is ever written to disk;
// session media keys are never persisted.
type IdentityStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
	identityFile  string
}

const (
	// pbkdf2Iterations is the number of iterations for key derivation.
	pbkdf2Iterations = 100000
	// identityFormatVersion is the current on-disk format version.
	identityFormatVersion = 1
	// saltSize is the size of the salt for PBKDF2.
	saltSize = 32
)

// NewIdentityStore creates an identity store rooted at dataDir. The
// at-rest encryption key is derived from masterPassword with PBKDF2 over a
// per-store salt. masterPassword is wiped before returning.
func NewIdentityStore(dataDir string, masterPassword []byte) (*IdentityStore, error) {
	if len(masterPassword) == 0 {
		return nil, fmt.Errorf("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &IdentityStore{
		dataDir:      dataDir,
		saltFile:     filepath.Join(dataDir, ".salt"),
		identityFile: filepath.Join(dataDir, "identity.bin"),
	}

	salt, err := s.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	derived := pbkdf2.Key(masterPassword, salt, pbkdf2Iterations, 32, sha256.New)
	copy(s.encryptionKey[:], derived)

	SecureWipe(derived)
	SecureWipe(masterPassword)

	return s, nil
}

// loadOrGenerateSalt loads the existing salt or generates a new one.
func (s *IdentityStore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(s.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}

		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(s.saltFile, salt, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, nil
	}

	if len(data) != saltSize {
		return nil, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
	}
	return data, nil
}

// Save encrypts and writes the device identity.
func (s *IdentityStore) Save(id *Identity) error {
	if id == nil {
		return fmt.Errorf("cannot save nil identity")
	}

	plain, err := marshalIdentity(id)
	if err != nil {
		return err
	}
	defer SecureWipe(plain)

	sealed, err := s.sealAtRest(plain)
	if err != nil {
		return err
	}

	if err := os.WriteFile(s.identityFile, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// Load reads and decrypts the device identity. Returns os.ErrNotExist if
// no identity has been saved yet.
func (s *IdentityStore) Load() (*Identity, error) {
	sealed, err := os.ReadFile(s.identityFile)
	if err != nil {
		return nil, err
	}

	plain, err := s.openAtRest(sealed)
	if err != nil {
		return nil, err
	}
	defer SecureWipe(plain)

	return unmarshalIdentity(plain)
}

// sealAtRest encrypts a blob with AES-256-GCM, nonce prepended.
func (s *IdentityStore) sealAtRest(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 1, 1+len(nonce)+len(plain)+gcm.Overhead())
	out[0] = identityFormatVersion
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

func (s *IdentityStore) openAtRest(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(sealed) < 1+gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("identity file too short")
	}
	if sealed[0] != identityFormatVersion {
		return nil, fmt.Errorf("unsupported identity format version %d", sealed[0])
	}

	nonce := sealed[1 : 1+gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, sealed[1+gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt identity: %w", err)
	}
	return plain, nil
}

// marshalIdentity encodes an identity as [keyType(1)][private key bytes].
func marshalIdentity(id *Identity) ([]byte, error) {
	switch id.Type {
	case KeyTypeP256:
		return append([]byte{byte(KeyTypeP256)}, id.ecdhPrivate.Bytes()...), nil
	case KeyTypeRSA2048:
		der := x509.MarshalPKCS1PrivateKey(id.rsaPrivate)
		return append([]byte{byte(KeyTypeRSA2048)}, der...), nil
	default:
		return nil, fmt.Errorf("%w: unknown identity type %d", ErrKeyTypeMismatch, id.Type)
	}
}

func unmarshalIdentity(data []byte) (*Identity, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("identity record too short")
	}

	switch KeyType(data[0]) {
	case KeyTypeP256:
		priv, err := ecdh.P256().NewPrivateKey(data[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to restore P-256 identity: %w", err)
		}
		return &Identity{Type: KeyTypeP256, ecdhPrivate: priv}, nil
	case KeyTypeRSA2048:
		priv, err := x509.ParsePKCS1PrivateKey(data[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to restore RSA identity: %w", err)
		}
		return &Identity{Type: KeyTypeRSA2048, rsaPrivate: priv}, nil
	default:
		return nil, fmt.Errorf("unknown identity type %d", data[0])
	}
}
