// Package crypto provides AES-GCM sealing for companion memory at rest.
//
// A Box binds every ciphertext to an associated-data label (the owning
// user/character pair) so a blob copied between rows fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// NonceSize is the GCM standard nonce size (12 bytes).
	NonceSize = 12
	// KeySize is the required key length for AES-256-GCM (32 bytes).
	KeySize = 32
)

var (
	ErrInvalidKeySize     = fmt.Errorf("key must be exactly %d bytes", KeySize)
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Box seals and opens memory blobs with a fixed key.
// It is safe for concurrent use.
type Box struct {
	aead cipher.AEAD
}

// NewBox returns a Box for the given 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext bound to label. The nonce is prepended to the
// returned ciphertext: [nonce(12)] + [ciphertext+tag].
func (b *Box) Seal(plaintext []byte, label string) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, []byte(label)), nil
}

// Open reverses Seal. It fails when the ciphertext was sealed under a
// different key or label.
func (b *Box) Open(ciphertext []byte, label string) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, data := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, data, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// ParseKey decodes a 64-character hex string into a raw 32-byte key.
//
// Generate a suitable key with:
//
//	openssl rand -hex 32
func ParseKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, fmt.Errorf("key is empty")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}
	return key, nil
}
