package reviews

import (
	"context"
	"errors"
	"strings"
	"time"

	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/pkg/validation"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type Service struct {
	DB  *gorm.DB
	Now func() time.Time
}

type SubmitReviewInput struct {
	Rating  int    `json:"rating" validate:"min=1,max=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

// ListingReviewsResult is a listing's review sequence and its aggregate.
type ListingReviewsResult struct {
	ListingID string                 `json:"listing_id"`
	Rating    float64                `json:"rating"`
	Count     int                    `json:"count"`
	Reviews   []domain.ListingReview `json:"reviews"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// SubmitReview attaches the buyer's review to a completed purchase and
// recomputes the listing rating. Exactly one review per purchase.
func (s *Service) SubmitReview(ctx context.Context, purchaseID, buyer string, in SubmitReviewInput) (*domain.ListingReview, error) {
	in.Comment = strings.TrimSpace(in.Comment)
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	var p domain.Purchase
	err := s.DB.WithContext(ctx).Where("id = ?", purchaseID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("Purchase not found")
	}
	if err != nil {
		return nil, err
	}
	if p.Buyer != buyer {
		return nil, domain.Unauthorized("Only the buyer can review this purchase")
	}
	if p.Status != domain.StatusCompleted {
		return nil, domain.InvalidState("Only completed purchases can be reviewed")
	}
	if p.HasReview() {
		return nil, domain.InvalidState("Purchase already reviewed")
	}

	now := s.now()
	review := &domain.ListingReview{
		ListingID:  p.ListingID,
		PurchaseID: p.ID,
		Buyer:      buyer,
		Rating:     in.Rating,
		Comment:    in.Comment,
		CreatedAt:  now,
	}
	var rating float64
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Purchase{}).
			Where("id = ? AND status = ? AND review_rating IS NULL AND version = ?", p.ID, domain.StatusCompleted, p.Version).
			Updates(map[string]interface{}{
				"review_rating":  in.Rating,
				"review_comment": in.Comment,
				"reviewed_at":    now,
				"updated_at":     now,
				"version":        gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Conflict("Purchase was modified concurrently; retry with fresh state")
		}

		var listing domain.Listing
		if err := tx.Omit("encrypted_artifact").Where("id = ?", p.ListingID).First(&listing).Error; err != nil {
			return err
		}
		if err := tx.Create(review).Error; err != nil {
			return err
		}
		var all []domain.ListingReview
		if err := tx.Where("listing_id = ?", p.ListingID).Find(&all).Error; err != nil {
			return err
		}
		rating = domain.MeanRating(all)

		res = tx.Model(&domain.Listing{}).
			Where("id = ? AND version = ?", listing.ID, listing.Version).
			Updates(map[string]interface{}{
				"rating":  rating,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Conflict("Listing was modified concurrently; retry with fresh state")
		}
		return tx.Create(domain.NewEvent(domain.EventReviewSubmitted, p.ListingID, p.ID, buyer, map[string]interface{}{
			"rating":         in.Rating,
			"listing_rating": rating,
		})).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("purchase_id", p.ID).Str("listing_id", p.ListingID).Int("rating", in.Rating).Msg("review submitted")
	return review, nil
}

// ListingReviews returns the reviews of an active listing, oldest first.
func (s *Service) ListingReviews(ctx context.Context, listingID string) (*ListingReviewsResult, error) {
	var listing domain.Listing
	err := s.DB.WithContext(ctx).Select("id", "rating").
		Where("id = ? AND is_active = ?", listingID, true).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("Listing not found")
	}
	if err != nil {
		return nil, err
	}
	out := []domain.ListingReview{}
	if err := s.DB.WithContext(ctx).Where("listing_id = ?", listingID).
		Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return &ListingReviewsResult{
		ListingID: listing.ID,
		Rating:    listing.Rating,
		Count:     len(out),
		Reviews:   out,
	}, nil
}
