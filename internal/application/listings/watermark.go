package listings

import (
	"context"
	"errors"
	"strings"
	"time"

	"codemarket-backend/internal/domain"

	"gorm.io/gorm"
)

const listingMarkerPrefix = "listing:"

// TraceResult attributes a leaked preview to the listing that issued it.
type TraceResult struct {
	ListingID string    `json:"listing_id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	IssuedAt  time.Time `json:"issued_at"`
	Current   bool      `json:"current"`
}

// TraceWatermark opens a preview watermark and resolves the listing it names.
// Current is true when the watermark is the one the listing still serves.
func (s *Service) TraceWatermark(ctx context.Context, watermark string) (*TraceResult, error) {
	watermark = strings.TrimSpace(watermark)
	if watermark == "" {
		return nil, domain.Validation("watermark is required")
	}
	claims, err := s.Watermarker.Trace(watermark)
	if err != nil {
		return nil, domain.Validation("watermark is not valid")
	}
	if !strings.HasPrefix(claims.Marker, listingMarkerPrefix) {
		return nil, domain.Validation("watermark is not a listing watermark")
	}
	id := strings.TrimPrefix(claims.Marker, listingMarkerPrefix)

	var listing domain.Listing
	err = s.DB.WithContext(ctx).Select("id", "owner", "title", "preview_watermark").
		Where("id = ?", id).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("Listing not found")
	}
	if err != nil {
		return nil, err
	}
	return &TraceResult{
		ListingID: listing.ID,
		Owner:     listing.Owner,
		Title:     listing.Title,
		IssuedAt:  claims.IssuedAt,
		Current:   listing.PreviewWatermark == watermark,
	}, nil
}
