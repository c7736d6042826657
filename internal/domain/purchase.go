package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Status is the lifecycle state of a purchase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDisputed  Status = "disputed"
)

// AllStatuses lists every purchase status.
var AllStatuses = []Status{StatusPending, StatusCompleted, StatusCancelled, StatusDisputed}

// Cancel reasons recorded on cancelled purchases.
const (
	CancelEscrowExpired    = "escrow_expired"
	CancelSettlementFailed = "settlement_failed"
	CancelBuyerCancelled   = "buyer_cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusCancelled, StatusDisputed},
	StatusCompleted: {StatusDisputed},
}

// CanTransition reports whether from -> to is a legal purchase transition.
// cancelled and disputed are terminal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Purchase records one buyer's acquisition of a listing.
type Purchase struct {
	ID             string          `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	ListingID      string          `gorm:"column:listing_id;type:varchar(36);not null;index" json:"listing_id"`
	Buyer          string          `gorm:"column:buyer;type:varchar(128);not null;index" json:"buyer"`
	Seller         string          `gorm:"column:seller;type:varchar(128);not null;index" json:"seller"`
	Price          decimal.Decimal `gorm:"column:price;type:decimal(20,8);not null" json:"price"`
	Status         Status          `gorm:"column:status;type:varchar(20);not null;default:'pending';index" json:"status"`
	EscrowExpiry   time.Time       `gorm:"column:escrow_expiry;not null;index" json:"escrow_expiry"`
	TransactionRef string          `gorm:"column:transaction_ref;type:varchar(255);index" json:"transaction_ref"`

	DownloadCount  int        `gorm:"column:download_count;not null;default:0" json:"download_count"`
	LastDownloadAt *time.Time `gorm:"column:last_download_at" json:"last_download_at,omitempty"`

	ReviewRating  *int       `gorm:"column:review_rating" json:"review_rating,omitempty"`
	ReviewComment *string    `gorm:"column:review_comment;type:text" json:"review_comment,omitempty"`
	ReviewedAt    *time.Time `gorm:"column:reviewed_at" json:"reviewed_at,omitempty"`

	CancelReason  string     `gorm:"column:cancel_reason;type:varchar(32)" json:"cancel_reason,omitempty"`
	RefundedAt    *time.Time `gorm:"column:refunded_at" json:"refunded_at,omitempty"`
	CompletedAt   *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DisputedAt    *time.Time `gorm:"column:disputed_at" json:"disputed_at,omitempty"`
	DisputeReason string     `gorm:"column:dispute_reason;type:text" json:"dispute_reason,omitempty"`

	Version   int64     `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Purchase) TableName() string {
	return "purchases"
}

// BeforeCreate sets id if not already set.
func (p *Purchase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.Version == 0 {
		p.Version = 1
	}
	return nil
}

// HasReview reports whether the embedded review is present.
func (p *Purchase) HasReview() bool {
	return p.ReviewRating != nil
}

// IsParty reports whether addr is the buyer or the seller.
func (p *Purchase) IsParty(addr string) bool {
	return addr != "" && (p.Buyer == addr || p.Seller == addr)
}
