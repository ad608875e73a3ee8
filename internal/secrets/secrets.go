// ABOUTME: Secret manager for server credentials using XChaCha20-Poly1305
// ABOUTME: Ciphertext is base64(nonce || sealed) so it can live in a TEXT column

package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidCiphertext is returned when a value cannot be decrypted.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Manager encrypts and decrypts credential strings.
type Manager interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AEADManager implements Manager with an XChaCha20-Poly1305 key.
type AEADManager struct {
	key []byte
}

var _ Manager = (*AEADManager)(nil)

// NewManager builds a manager from a configured key. A base64 value that
// decodes to 32 bytes is used as-is; anything else is stretched with HKDF.
func NewManager(key string) (*AEADManager, error) {
	if key == "" {
		return nil, errors.New("secret key is empty")
	}

	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == chacha20poly1305.KeySize {
		return &AEADManager{key: raw}, nil
	}

	derived := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(key), nil, []byte("toolgate credentials"))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return &AEADManager{key: derived}, nil
}

// GenerateKey returns a random base64 key suitable for NewManager.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext. Empty input yields empty output.
func (m *AEADManager) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(m.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (m *AEADManager) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	aead, err := chacha20poly1305.NewX(m.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
