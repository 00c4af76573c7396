package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMissingKey is returned when a Cipher is built without key material.
var ErrMissingKey = errors.New("cryptox: encryption key material is required")

// Cipher encrypts field values at rest with AES-256-GCM.
// Output format is [12-byte nonce][encrypted data][16-byte auth tag].
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 32-byte AES-256 key from keyMaterial using SHA-256.
func NewCipher(keyMaterial []byte) (*Cipher, error) {
	if len(keyMaterial) == 0 {
		return nil, ErrMissingKey
	}

	key := sha256.Sum256(keyMaterial)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// LoadKeyMaterial returns the key from path when set, otherwise the inline value.
func LoadKeyMaterial(inline, path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read encryption key file: %w", err)
		}
		data = []byte(strings.TrimSpace(string(data)))
		if len(data) == 0 {
			return nil, ErrMissingKey
		}
		return data, nil
	}
	if inline == "" {
		return nil, ErrMissingKey
	}
	return []byte(inline), nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// EncryptString encrypts s and returns the sealed bytes base64url-encoded.
// The empty string stays empty so optional columns remain blank.
func (c *Cipher) EncryptString(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	sealed, err := c.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (c *Cipher) DecryptString(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	sealed, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	plaintext, err := c.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
