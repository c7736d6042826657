package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SettlementNotice is a provider webhook delivery that has been applied.
// ProviderEventID is unique so redeliveries are recognised.
type SettlementNotice struct {
	ID              string         `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	ProviderEventID string         `gorm:"column:provider_event_id;type:varchar(255);uniqueIndex;not null" json:"provider_event_id"`
	EventType       string         `gorm:"column:event_type;type:varchar(100);not null" json:"event_type"`
	TransactionRef  string         `gorm:"column:transaction_ref;type:varchar(255);not null;index" json:"transaction_ref"`
	PurchaseID      string         `gorm:"column:purchase_id;type:varchar(36);index" json:"purchase_id"`
	PurchaseStatus  Status         `gorm:"column:purchase_status;type:varchar(20)" json:"purchase_status"`
	RawPayload      datatypes.JSON `gorm:"column:raw_payload;not null" json:"raw_payload"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (SettlementNotice) TableName() string {
	return "settlement_notices"
}

func (n *SettlementNotice) BeforeCreate(tx *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if len(n.RawPayload) == 0 {
		n.RawPayload = datatypes.JSON("{}")
	}
	return nil
}
