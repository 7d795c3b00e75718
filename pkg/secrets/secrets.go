// Package secrets seals credentials kept in the environment, such as the
// broker session id, with AES-256-GCM.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

const prefix = "ENC[v1]:"

var (
	ErrInvalidKey  = errors.New("secrets key must be 32 bytes")
	ErrMalformed   = errors.New("malformed sealed value")
	ErrOpenFailed  = errors.New("sealed value failed authentication")
	ErrKeyRequired = errors.New("sealed value present but no key configured")
)

// Box seals and opens values with one key.
type Box struct {
	aead cipher.AEAD
}

// NewBox accepts a raw 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
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

// NewBoxBase64 accepts the key in standard base64, as GenerateKey prints it.
func NewBoxBase64(key string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return NewBox(raw)
}

// Seal returns ENC[v1]:base64(nonce+ciphertext).
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the prefix are returned unchanged.
func (b *Box) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ns := b.aead.NonceSize()
	if len(data) < ns {
		return "", ErrMalformed
	}
	plain, err := b.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, prefix)
}

// GenerateKey returns a fresh base64 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// OpenAll opens each sealed value in place. box may be nil when nothing is
// sealed.
func OpenAll(box *Box, values ...*string) error {
	for _, v := range values {
		if !IsSealed(*v) {
			continue
		}
		if box == nil {
			return ErrKeyRequired
		}
		plain, err := box.Open(*v)
		if err != nil {
			return err
		}
		*v = plain
	}
	return nil
}
