// Package crypto seals data source connection descriptors before they reach the metadata database.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed is returned when the ciphertext is malformed or sealed with another key.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// DescriptorCipher provides AES-256-GCM sealing of connection descriptors.
// Descriptors carry passwords, API tokens, and DSNs, so they are stored opaque.
type DescriptorCipher struct {
	gcm cipher.AEAD
}

// NewDescriptorCipher creates a cipher from a key string: either a base64-encoded
// 32-byte key (openssl rand -base64 32) or any passphrase, which is hashed with SHA-256.
func NewDescriptorCipher(keyInput string) (*DescriptorCipher, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key, err := base64.StdEncoding.DecodeString(keyInput)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(keyInput))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &DescriptorCipher{gcm: gcm}, nil
}

// GenerateKey returns a random base64-encoded 32-byte key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt returns base64(nonce || ciphertext || tag). Empty input stays empty.
func (c *DescriptorCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Empty input stays empty.
func (c *DescriptorCipher) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}
	n := c.gcm.NonceSize()
	if len(data) < n+c.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	plaintext, err := c.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}

// SealDescriptor encodes a descriptor as JSON and encrypts it. A nil or empty
// descriptor seals to "".
func (c *DescriptorCipher) SealDescriptor(descriptor map[string]any) (string, error) {
	if len(descriptor) == 0 {
		return "", nil
	}
	data, err := json.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("failed to encode descriptor: %w", err)
	}
	return c.Encrypt(string(data))
}

// OpenDescriptor decrypts and decodes a sealed descriptor. "" opens to an empty map.
func (c *DescriptorCipher) OpenDescriptor(sealed string) (map[string]any, error) {
	plaintext, err := c.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if plaintext == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(plaintext), &out); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	return out, nil
}
