package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ContentKey holds a per-artifact content key, sealed under the key-encryption key.
type ContentKey struct {
	ID         string    `gorm:"column:id;type:varchar(36);primaryKey"`
	WrappedKey []byte    `gorm:"column:wrapped_key;not null"`
	Nonce      []byte    `gorm:"column:nonce;not null"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (ContentKey) TableName() string {
	return "content_keys"
}

func (k *ContentKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	return nil
}

// Models lists every table owned by this service, in migration order.
func Models() []interface{} {
	return []interface{}{
		&ContentKey{},
		&Listing{},
		&ListingReview{},
		&Purchase{},
		&Event{},
		&SettlementNotice{},
	}
}
