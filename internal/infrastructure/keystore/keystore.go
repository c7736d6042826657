// Package keystore keeps content keys apart from the ciphertext they protect.
// Listings reference keys by id; raw key material only exists in memory while
// an artifact is being encrypted or decrypted.
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"codemarket-backend/internal/domain"

	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"
)

// Store is the key-custody collaborator used by listings and purchases.
type Store interface {
	Put(ctx context.Context, tx *gorm.DB, key []byte) (string, error)
	Get(ctx context.Context, id string) ([]byte, error)
}

// GormStore seals content keys with XChaCha20-Poly1305 under the key-encryption
// key and persists them in content_keys. The row id is bound as associated data
// so a wrapped key cannot be swapped between rows.
type GormStore struct {
	DB  *gorm.DB
	kek []byte
}

// NewGormStore takes the 32-byte key-encryption key.
func NewGormStore(db *gorm.DB, kek []byte) (*GormStore, error) {
	if len(kek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(kek))
	}
	return &GormStore{DB: db, kek: kek}, nil
}

// ParseKEK decodes a hex key-encryption key from configuration.
func ParseKEK(s string) ([]byte, error) {
	kek, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("KEY_ENCRYPTION_KEY: %w", err)
	}
	if len(kek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("KEY_ENCRYPTION_KEY must decode to %d bytes", chacha20poly1305.KeySize)
	}
	return kek, nil
}

// Put wraps key and stores it. When tx is non-nil the row joins that transaction.
func (s *GormStore) Put(ctx context.Context, tx *gorm.DB, key []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.kek)
	if err != nil {
		return "", fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	row := domain.ContentKey{Nonce: nonce}
	// id is assigned before sealing so it can be bound as associated data
	if err := row.BeforeCreate(nil); err != nil {
		return "", err
	}
	row.WrappedKey = aead.Seal(nil, nonce, key, []byte(row.ID))

	db := tx
	if db == nil {
		db = s.DB
	}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("store content key: %w", err)
	}
	return row.ID, nil
}

// Get unwraps the key stored under id.
func (s *GormStore) Get(ctx context.Context, id string) ([]byte, error) {
	var row domain.ContentKey
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.Integrity("Content key missing", err)
		}
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.kek)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305: %w", err)
	}
	if len(row.Nonce) != aead.NonceSize() {
		return nil, domain.Integrity("Content key corrupted", nil)
	}
	key, err := aead.Open(nil, row.Nonce, row.WrappedKey, []byte(row.ID))
	if err != nil {
		return nil, domain.Integrity("Content key failed to unwrap", err)
	}
	return key, nil
}
