// Package contentcipher encrypts listing artifacts at rest and builds watermarked previews.
package contentcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"codemarket-backend/internal/domain"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32
	IVSize  = 12
)

// NewKey returns a fresh 256-bit content key.
func NewKey() ([]byte, error) {
	return random(KeySize)
}

// NewIV returns a fresh GCM nonce. One per artifact, never reused.
func NewIV() ([]byte, error) {
	return random(IVSize)
}

func random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// Encrypt seals plaintext with AES-256-GCM.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	aead, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Any authentication failure is an
// integrity error and no plaintext is returned.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	aead, err := newGCM(key, iv)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, domain.Integrity("Artifact failed integrity check", err)
	}
	return plaintext, nil
}

// Hash is the hex sha-256 of plaintext. It does not depend on the content key.
func Hash(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

func newGCM(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("content key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey expands the process secret into a 32-byte key bound to info.
// Distinct labels give independent keys for tokens and watermarks.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty secret")
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a random nonce prepended to the output.
func Seal(key, plaintext []byte) ([]byte, error) {
	nonce, err := NewIV()
	if err != nil {
		return nil, err
	}
	ct, err := Encrypt(plaintext, key, nonce)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// Open reverses Seal.
func Open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < IVSize {
		return nil, domain.Integrity("Sealed payload too short", nil)
	}
	return Decrypt(sealed[IVSize:], key, sealed[:IVSize])
}
