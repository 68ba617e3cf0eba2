package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Vault resolves a credentials reference to a plaintext secret.
type Vault interface {
	Decrypt(ref string) (string, error)
}

// AESVault stores secrets as base64(nonce || AES-GCM ciphertext) sealed with
// a static 32-byte key.
type AESVault struct {
	gcm cipher.AEAD
}

// NewAESVault builds a vault from a 32-byte key.
func NewAESVault(key []byte) (*AESVault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &AESVault{gcm: gcm}, nil
}

// Encrypt seals a secret for storage as a credentials reference.
func (v *AESVault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := v.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed credentials reference.
func (v *AESVault) Decrypt(ref string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return "", fmt.Errorf("malformed credentials reference: %w", err)
	}
	if len(sealed) < v.gcm.NonceSize() {
		return "", fmt.Errorf("credentials reference too short")
	}
	nonce, ciphertext := sealed[:v.gcm.NonceSize()], sealed[v.gcm.NonceSize():]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return string(plaintext), nil
}

// PlainVault passes references through unchanged. For development only.
type PlainVault struct{}

func (PlainVault) Decrypt(ref string) (string, error) { return ref, nil }
