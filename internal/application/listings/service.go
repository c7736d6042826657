package listings

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/infrastructure/keystore"
	"codemarket-backend/internal/pkg/contentcipher"
	"codemarket-backend/internal/pkg/validation"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	DefaultCatalogLimit = 50
	MaxCatalogLimit     = 100
)

// MaxPrice is the largest price a decimal(20,8) column holds.
var MaxPrice = decimal.New(1, 12)

type Service struct {
	DB           *gorm.DB
	Keys         keystore.Store
	Watermarker  *contentcipher.Watermarker
	PreviewLines int
}

type CreateListingInput struct {
	Title        string          `json:"title" validate:"required,max=200"`
	Description  string          `json:"description" validate:"required,max=10000"`
	Language     string          `json:"language" validate:"required,max=64"`
	Tags         []string        `json:"tags" validate:"max=20,dive,tag"`
	Price        decimal.Decimal `json:"price"`
	ArtifactName string          `json:"artifact_name" validate:"max=255"`
}

// UpdateListingInput is a partial update; nil fields are left unchanged.
type UpdateListingInput struct {
	Title       *string          `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string          `json:"description" validate:"omitempty,min=1,max=10000"`
	Language    *string          `json:"language" validate:"omitempty,min=1,max=64"`
	Tags        *[]string        `json:"tags" validate:"omitempty,max=20,dive,tag"`
	Price       *decimal.Decimal `json:"price"`
}

func validatePrice(p decimal.Decimal) error {
	if !p.IsPositive() {
		return domain.Validation("price must be greater than 0")
	}
	if p.GreaterThanOrEqual(MaxPrice) {
		return domain.Validation("price is too large")
	}
	return nil
}

func (s *Service) previewLines() int {
	if s.PreviewLines <= 0 {
		return contentcipher.DefaultPreviewLines
	}
	return s.PreviewLines
}

// CreateListing encrypts artifact under a fresh key and IV and stores the listing.
// The key goes to the key store; the listing only keeps its id.
func (s *Service) CreateListing(ctx context.Context, owner string, in CreateListingInput, artifact []byte) (*domain.Listing, error) {
	in.Tags = domain.NormalizeTags(in.Tags)
	in.Language = strings.ToLower(strings.TrimSpace(in.Language))
	in.Title = strings.TrimSpace(in.Title)
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if err := validatePrice(in.Price); err != nil {
		return nil, err
	}
	if len(artifact) == 0 {
		return nil, domain.Validation("code file is required")
	}

	contentHash := contentcipher.Hash(artifact)
	key, err := contentcipher.NewKey()
	if err != nil {
		return nil, err
	}
	iv, err := contentcipher.NewIV()
	if err != nil {
		return nil, err
	}
	ciphertext, err := contentcipher.Encrypt(artifact, key, iv)
	if err != nil {
		return nil, err
	}

	listing := &domain.Listing{
		ID:                uuid.New().String(),
		Owner:             owner,
		Title:             in.Title,
		Description:       in.Description,
		Language:          in.Language,
		Tags:              domain.Tags(in.Tags),
		Price:             domain.RoundPrice(in.Price),
		EncryptedArtifact: ciphertext,
		ContentIV:         hex.EncodeToString(iv),
		ContentHash:       contentHash,
		ArtifactName:      in.ArtifactName,
		ArtifactSize:      int64(len(artifact)),
		IsActive:          true,
	}
	preview, err := s.Watermarker.Preview(artifact, s.previewLines(), listingMarkerPrefix+listing.ID)
	if err != nil {
		return nil, fmt.Errorf("build preview: %w", err)
	}
	listing.Preview = preview.Excerpt
	listing.PreviewWatermark = preview.Watermark
	listing.TotalLines = preview.TotalLines

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dup int64
		if err := tx.Model(&domain.Listing{}).
			Where("content_hash = ? AND is_active = ?", contentHash, true).
			Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return domain.Conflict("A listing with identical code already exists")
		}
		keyID, err := s.Keys.Put(ctx, tx, key)
		if err != nil {
			return err
		}
		listing.ContentKeyID = keyID
		if err := tx.Create(listing).Error; err != nil {
			return fmt.Errorf("Failed to create listing: %w", err)
		}
		return tx.Create(domain.NewEvent(domain.EventListingCreated, listing.ID, "", owner, map[string]interface{}{
			"title":        listing.Title,
			"price":        listing.Price.String(),
			"language":     listing.Language,
			"content_hash": contentHash,
		})).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("listing_id", listing.ID).Str("owner", owner).Msg("listing created")
	return listing, nil
}

// GetListing returns an active listing.
func (s *Service) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	var listing domain.Listing
	err := s.DB.WithContext(ctx).Omit("encrypted_artifact").
		Where("id = ? AND is_active = ?", id, true).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("Listing not found")
	}
	if err != nil {
		return nil, err
	}
	return &listing, nil
}

func (s *Service) loadOwned(ctx context.Context, id, caller string) (*domain.Listing, error) {
	listing, err := s.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing.Owner != caller {
		return nil, domain.Unauthorized("Only the listing owner can modify this listing")
	}
	return listing, nil
}

// UpdateListing applies a partial edit. The encrypted payload is never touched.
func (s *Service) UpdateListing(ctx context.Context, id, caller string, in UpdateListingInput) (*domain.Listing, error) {
	if in.Tags != nil {
		normalized := []string(domain.NormalizeTags(*in.Tags))
		in.Tags = &normalized
	}
	if in.Language != nil {
		lang := strings.ToLower(strings.TrimSpace(*in.Language))
		in.Language = &lang
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		in.Title = &title
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if in.Price != nil {
		if err := validatePrice(*in.Price); err != nil {
			return nil, err
		}
	}

	listing, err := s.loadOwned(ctx, id, caller)
	if err != nil {
		return nil, err
	}

	changes := map[string]interface{}{}
	if in.Title != nil && *in.Title != listing.Title {
		changes["title"] = *in.Title
	}
	if in.Description != nil && *in.Description != listing.Description {
		changes["description"] = *in.Description
	}
	if in.Language != nil && *in.Language != listing.Language {
		changes["language"] = *in.Language
	}
	if in.Tags != nil {
		tags := domain.Tags(*in.Tags)
		if strings.Join(tags, ",") != strings.Join(listing.Tags, ",") {
			changes["tags"] = tags
		}
	}
	if in.Price != nil {
		p := domain.RoundPrice(*in.Price)
		if !p.Equal(listing.Price) {
			changes["price"] = p
		}
	}
	if len(changes) == 0 {
		return listing, nil
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"version": gorm.Expr("version + 1")}
		for k, v := range changes {
			updates[k] = v
		}
		res := tx.Model(&domain.Listing{}).
			Where("id = ? AND version = ? AND is_active = ?", id, listing.Version, true).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Conflict("Listing was modified concurrently; retry with fresh state")
		}
		fields := make([]string, 0, len(changes))
		for k := range changes {
			fields = append(fields, k)
		}
		return tx.Create(domain.NewEvent(domain.EventListingUpdated, id, "", caller, map[string]interface{}{
			"fields": fields,
		})).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetListing(ctx, id)
}

// DeactivateListing hides a listing from the catalog. Existing purchases keep access.
func (s *Service) DeactivateListing(ctx context.Context, id, caller string) error {
	listing, err := s.loadOwned(ctx, id, caller)
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Listing{}).
			Where("id = ? AND version = ? AND is_active = ?", id, listing.Version, true).
			Updates(map[string]interface{}{"is_active": false, "version": gorm.Expr("version + 1")})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Conflict("Listing was modified concurrently; retry with fresh state")
		}
		return tx.Create(domain.NewEvent(domain.EventListingDeactivated, id, "", caller, nil)).Error
	})
}

// OwnerListings returns an owner's listings, newest first. Inactive ones only when includeInactive.
func (s *Service) OwnerListings(ctx context.Context, owner string, includeInactive bool) ([]domain.Listing, error) {
	q := s.DB.WithContext(ctx).Omit("encrypted_artifact").Where("owner = ?", owner)
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	var out []domain.Listing
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
