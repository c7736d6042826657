package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PriceScale is the number of fractional digits kept for prices.
const PriceScale = 8

// Tags is a normalized set of listing tags stored as a JSON array in a text column.
type Tags []string

// NormalizeTags trims, lower-cases, de-duplicates and sorts raw tags. Empty entries are dropped.
func NormalizeTags(raw []string) Tags {
	seen := make(map[string]struct{}, len(raw))
	out := make(Tags, 0, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ParseTags splits a comma separated tag list (the multipart form shape).
func ParseTags(csv string) Tags {
	if strings.TrimSpace(csv) == "" {
		return Tags{}
	}
	return NormalizeTags(strings.Split(csv, ","))
}

// MarshalJSON always emits an array, never null.
func (t Tags) MarshalJSON() ([]byte, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(t))
}

// Scan implements sql.Scanner for the text column.
func (t *Tags) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*t = Tags{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported type for Tags")
	}
	if len(raw) == 0 {
		*t = Tags{}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil {
		return err
	}
	*t = Tags(arr)
	return nil
}

// Value implements driver.Valuer for writing to DB.
func (t Tags) Value() (driver.Value, error) {
	if len(t) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Listing is a source-code artifact offered for sale. Payload columns never leave the server.
type Listing struct {
	ID          string          `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	Owner       string          `gorm:"column:owner;type:varchar(128);not null;index" json:"owner"`
	Title       string          `gorm:"column:title;not null" json:"title"`
	Description string          `gorm:"column:description;type:text;not null" json:"description"`
	Language    string          `gorm:"column:language;type:varchar(64);not null;index" json:"language"`
	Tags        Tags            `gorm:"column:tags;type:text" json:"tags"`
	Price       decimal.Decimal `gorm:"column:price;type:decimal(20,8);not null" json:"price"`

	EncryptedArtifact []byte `gorm:"column:encrypted_artifact;not null" json:"-"`
	ContentKeyID      string `gorm:"column:content_key_id;type:varchar(36);not null" json:"-"`
	ContentIV         string `gorm:"column:content_iv;type:varchar(64);not null" json:"-"`
	ContentHash       string `gorm:"column:content_hash;type:varchar(64);not null;index" json:"content_hash"`
	ArtifactName      string `gorm:"column:artifact_name" json:"artifact_name"`
	ArtifactSize      int64  `gorm:"column:artifact_size" json:"artifact_size"`
	Preview           string `gorm:"column:preview;type:text" json:"preview"`
	PreviewWatermark  string `gorm:"column:preview_watermark;type:text" json:"preview_watermark"`
	TotalLines        int    `gorm:"column:total_lines" json:"total_lines"`

	PurchaseCount int             `gorm:"column:purchase_count;not null;default:0" json:"purchase_count"`
	Rating        float64         `gorm:"column:rating;not null;default:0" json:"rating"`
	Reviews       []ListingReview `gorm:"foreignKey:ListingID;references:ID" json:"reviews,omitempty"`

	IsActive  bool      `gorm:"column:is_active;not null;default:true;index" json:"is_active"`
	Version   int64     `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Listing) TableName() string {
	return "listings"
}

// BeforeCreate sets the id and normalizes the price before insert.
func (l *Listing) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.Price = RoundPrice(l.Price)
	if l.Tags == nil {
		l.Tags = Tags{}
	}
	if l.Version == 0 {
		l.Version = 1
	}
	return nil
}

// ListingReview is one entry of a listing's ordered review sequence.
type ListingReview struct {
	ID         string    `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	ListingID  string    `gorm:"column:listing_id;type:varchar(36);not null;index" json:"listing_id"`
	PurchaseID string    `gorm:"column:purchase_id;type:varchar(36);not null;uniqueIndex" json:"purchase_id"`
	Buyer      string    `gorm:"column:buyer;type:varchar(128);not null" json:"buyer"`
	Rating     int       `gorm:"column:rating;not null" json:"rating"`
	Comment    string    `gorm:"column:comment;type:text" json:"comment"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"timestamp"`
}

func (ListingReview) TableName() string {
	return "listing_reviews"
}

func (r *ListingReview) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// RoundPrice applies the fixed price precision.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(PriceScale)
}

// MeanRating is the arithmetic mean of the given ratings, 0 for none.
// It sums the full sequence each time so the result is exactly sum/count.
func MeanRating(reviews []ListingReview) float64 {
	if len(reviews) == 0 {
		return 0
	}
	sum := 0
	for _, r := range reviews {
		sum += r.Rating
	}
	return float64(sum) / float64(len(reviews))
}
