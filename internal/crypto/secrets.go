// Package crypto seals catalog secrets at rest and generates repository
// passwords.
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
	"os"
	"path/filepath"
	"strings"
)

const (
	// KeySize is the size of the AES-256 master key.
	KeySize = 32

	// PasswordLength is the number of random bytes in a generated repository password.
	PasswordLength = 32

	sealedPrefix = "v1:"
)

var (
	// ErrInvalidKeySize indicates the master key is not 32 bytes.
	ErrInvalidKeySize = errors.New("master key must be 32 bytes")
	// ErrMalformedSecret indicates a sealed value could not be decoded.
	ErrMalformedSecret = errors.New("malformed sealed secret")
	// ErrDecryptionFailed indicates the sealed value was tampered with or
	// sealed under another key.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// randReader is swapped in tests.
var randReader io.Reader = rand.Reader

// Box seals and opens strings with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a 32-byte master key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext. The result is "v1:" followed by base64 of
// nonce, ciphertext and tag.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed string) (string, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrMalformedSecret
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}
	if len(data) < b.aead.NonceSize() {
		return "", ErrMalformedSecret
	}
	nonce, ciphertext := data[:b.aead.NonceSize()], data[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GeneratePassword returns a random URL-safe repository password.
func GeneratePassword() (string, error) {
	buf := make([]byte, PasswordLength)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// GenerateMasterKey returns a new random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return key, nil
}

// ParseMasterKey decodes a base64 or hex encoded master key.
func ParseMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if key, err := hex.DecodeString(encoded); err == nil && len(key) == KeySize {
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return key, nil
}

// LoadOrCreateKeyFile reads a base64 master key from path, creating the
// file with a new key (mode 0600) when it does not exist.
func LoadOrCreateKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ParseMasterKey(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err := GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
