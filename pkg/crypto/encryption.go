// Package crypto is the credential store: it encrypts broker API keys and
// tokens at rest and decrypts them just-in-time before a broker call.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes).
	KeySize = 32
	// NonceSize is the size of the GCM nonce (12 bytes).
	NonceSize = 12
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrEmptyPlaintext    = errors.New("plaintext is empty")
)

// Encryptor handles AES-256-GCM encryption and decryption. It holds no
// mutable state beyond the key, so a single instance is safe for
// concurrent use.
type Encryptor struct {
	key     []byte
	version int
}

// NewEncryptor creates an Encryptor for a 32-byte AES-256 key.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Encryptor{key: key, version: version}, nil
}

// DeriveKey derives a deterministic AES-256 key from a configured secret
// passphrase. The same secret always yields the same key, so tokens
// written by one process restart remain readable by the next.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Encrypt encrypts plaintext and returns an opaque token in the form
// ENC[vN]:base64(nonce||ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return fmt.Sprintf("ENC[v%d]:", e.version) + encoded, nil
}

// Decrypt reverses Encrypt. A malformed token or a wrong key surfaces as
// an error, never as garbage plaintext (GCM authenticates the payload).
func (e *Encryptor) Decrypt(token string) (string, error) {
	encoded, ok := stripPrefix(token)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Version returns the key version this encryptor writes with.
func (e *Encryptor) Version() int {
	return e.version
}

// ParseVersion extracts the key version from an encrypted token.
// Returns 0 if the format is invalid.
func ParseVersion(token string) int {
	if !strings.HasPrefix(token, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(token, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

func stripPrefix(token string) (string, bool) {
	if !strings.HasPrefix(token, "ENC[v") {
		return "", false
	}
	idx := strings.Index(token, "]:")
	if idx == -1 {
		return "", false
	}
	return token[idx+2:], true
}
