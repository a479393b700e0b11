package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("key manager not initialized")
)

// KeyManager manages encryption keys across versions so credentials
// written with an older key stay readable after rotation.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager loads keys from the environment:
//   - MASTER_ENCRYPTION_KEY    base64 32-byte key, version 1
//   - MASTER_ENCRYPTION_KEY_V2 .. _V10 optional rotated versions
//
// When no master key is set, derivedSecret (a passphrase) is hashed into
// a version-1 key instead, so a single ENCRYPTION_SECRET is enough for
// small deployments.
func NewKeyManager(derivedSecret string) (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor)}

	if err := km.loadKey(1, "MASTER_ENCRYPTION_KEY"); err != nil {
		if derivedSecret == "" {
			return nil, fmt.Errorf("load primary key: %w", err)
		}
		enc, err := NewEncryptor(DeriveKey(derivedSecret), 1)
		if err != nil {
			return nil, fmt.Errorf("derive primary key: %w", err)
		}
		km.encryptors[1] = enc
	}
	km.currentVer = 1

	// Rotated versions are optional; the newest one wins for writes.
	for v := 2; v <= 10; v++ {
		envName := fmt.Sprintf("MASTER_ENCRYPTION_KEY_V%d", v)
		if err := km.loadKey(v, envName); err == nil {
			km.currentVer = v
		}
	}

	return km, nil
}

func (km *KeyManager) loadKey(version int, envName string) error {
	keyBase64 := os.Getenv(envName)
	if keyBase64 == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", envName, err)
	}
	enc, err := NewEncryptor(key, version)
	if err != nil {
		return fmt.Errorf("create encryptor v%d: %w", version, err)
	}
	km.encryptors[version] = enc
	return nil
}

// Encrypt encrypts plaintext with the current (latest) key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	enc, ok := km.encryptors[km.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt decrypts a token, selecting the key version it was written with.
func (km *KeyManager) Decrypt(token string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	version := ParseVersion(token)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(token)
}

// CurrentVersion returns the key version used for new writes.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}
