package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event types written to the audit log.
const (
	EventListingCreated     = "LISTING_CREATED"
	EventListingUpdated     = "LISTING_UPDATED"
	EventListingDeactivated = "LISTING_DEACTIVATED"
	EventPurchaseInitiated  = "PURCHASE_INITIATED"
	EventPurchaseCompleted  = "PURCHASE_COMPLETED"
	EventPurchaseCancelled  = "PURCHASE_CANCELLED"
	EventPurchaseDisputed   = "PURCHASE_DISPUTED"
	EventContentDelivered   = "CONTENT_DELIVERED"
	EventReviewSubmitted    = "REVIEW_SUBMITTED"
	EventRefundIssued       = "REFUND_ISSUED"
	EventRefundFailed       = "REFUND_FAILED"
)

// ActorSystem is recorded for transitions not triggered by a principal.
const ActorSystem = "system"

// Event is an append-only audit record, written in the same transaction as the change it describes.
type Event struct {
	ID         string         `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	ListingID  string         `gorm:"column:listing_id;type:varchar(36);not null;index" json:"listing_id"`
	PurchaseID *string        `gorm:"column:purchase_id;type:varchar(36);index" json:"purchase_id"`
	EventType  string         `gorm:"column:event_type;type:varchar(30);not null" json:"event_type"`
	Actor      string         `gorm:"column:actor;type:varchar(128);not null" json:"actor"`
	EventData  datatypes.JSON `gorm:"column:event_data;not null" json:"event_data"`
	CreatedAt  time.Time      `gorm:"column:created_at" json:"created_at"`
}

func (Event) TableName() string {
	return "events"
}

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if len(e.EventData) == 0 {
		e.EventData = datatypes.JSON("{}")
	}
	return nil
}

// NewEvent builds an event with data marshaled to JSON. purchaseID may be empty.
func NewEvent(eventType, listingID, purchaseID, actor string, data map[string]interface{}) *Event {
	b, err := json.Marshal(data)
	if err != nil || data == nil {
		b = []byte("{}")
	}
	ev := &Event{
		ListingID: listingID,
		EventType: eventType,
		Actor:     actor,
		EventData: datatypes.JSON(b),
	}
	if purchaseID != "" {
		ev.PurchaseID = &purchaseID
	}
	return ev
}
