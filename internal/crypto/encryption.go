// Package crypto seals secrets kept in config files and token stores with
// AES-256-GCM. Sealed output is nonce||ciphertext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SecretPrefix marks a config value produced by EncryptString.
const SecretPrefix = "enc:"

var ErrNoKey = errors.New("crypto: master key required to decrypt secret")

// DecodeKey accepts a 32-byte key as hex or standard base64.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrNoKey
	}
	var (
		key []byte
		err error
	)
	if len(s) == hex.EncodedLen(32) {
		key, err = hex.DecodeString(s)
	} else {
		key, err = base64.StdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under key with a random nonce.
func Seal(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(sealed, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, data := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plain, nil
}

// EncryptString seals plaintext for storage in a config file. The result
// carries SecretPrefix. Empty input stays empty.
func EncryptString(plaintext, masterKey string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := DecodeKey(masterKey)
	if err != nil {
		return "", err
	}
	sealed, err := Seal([]byte(plaintext), key)
	if err != nil {
		return "", err
	}
	return SecretPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a value produced by EncryptString. Values without
// SecretPrefix are returned unchanged.
func DecryptString(value, masterKey string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	key, err := DecodeKey(masterKey)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SecretPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	plain, err := Open(data, key)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SecretPrefix)
}

// GenerateMasterKey returns a random 256-bit key, base64 encoded.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
