package events

import (
	"context"
	"errors"

	"codemarket-backend/internal/domain"

	"gorm.io/gorm"
)

type Service struct {
	DB *gorm.DB
}

// ListingEvents returns the audit trail of a listing to its owner, oldest first.
// Inactive listings are included.
func (s *Service) ListingEvents(ctx context.Context, listingID, caller string) ([]domain.Event, error) {
	if listingID == "" {
		return nil, domain.Validation("Listing ID is required")
	}

	var listing domain.Listing
	if err := s.DB.WithContext(ctx).Where("id = ?", listingID).Select("id", "owner").First(&listing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFound("Listing not found")
		}
		return nil, err
	}
	if listing.Owner != caller {
		return nil, domain.Unauthorized("Only the listing owner can view its events")
	}

	events := []domain.Event{}
	if err := s.DB.WithContext(ctx).Where("listing_id = ?", listingID).Order("created_at ASC").Order("id ASC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// PurchaseEvents returns the audit trail of a purchase to its buyer or seller.
func (s *Service) PurchaseEvents(ctx context.Context, purchaseID, caller string) ([]domain.Event, error) {
	if purchaseID == "" {
		return nil, domain.Validation("Purchase ID is required")
	}

	var purchase domain.Purchase
	if err := s.DB.WithContext(ctx).Where("id = ?", purchaseID).Select("id", "buyer", "seller").First(&purchase).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NotFound("Purchase not found")
		}
		return nil, err
	}
	if !purchase.IsParty(caller) {
		return nil, domain.Unauthorized("Not a party to this purchase")
	}

	events := []domain.Event{}
	if err := s.DB.WithContext(ctx).Where("purchase_id = ?", purchaseID).Order("created_at ASC").Order("id ASC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
