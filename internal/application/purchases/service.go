package purchases

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"codemarket-backend/internal/application/accesstoken"
	"codemarket-backend/internal/domain"
	"codemarket-backend/internal/infrastructure/keystore"
	"codemarket-backend/internal/infrastructure/settlement"
	"codemarket-backend/internal/pkg/contentcipher"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	DefaultEscrowWindow      = 48 * time.Hour
	DefaultSettlementTimeout = 10 * time.Second
	MaxDisputeReasonLength   = 2000
)

// Service drives purchases through pending, completed, cancelled and disputed.
type Service struct {
	DB                *gorm.DB
	Settlement        settlement.Service
	Keys              keystore.Store
	Tokens            *accesstoken.Service
	EscrowWindow      time.Duration
	SettlementTimeout time.Duration
	Now               func() time.Time
}

// InitiateResult is returned by InitiatePurchase. ClientSecret is what the
// buyer's client uses to authorize the held payment.
type InitiateResult struct {
	PurchaseID     string          `json:"purchase_id"`
	TransactionRef string          `json:"transaction_ref"`
	EscrowExpiry   time.Time       `json:"escrow_expiry"`
	Price          decimal.Decimal `json:"price"`
	ClientSecret   string          `json:"client_secret,omitempty"`
}

// Delivery is decrypted content handed to the buyer.
type Delivery struct {
	PurchaseID    string
	Content       []byte
	Token         string
	DownloadCount int
	Filename      string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) escrowWindow() time.Duration {
	if s.EscrowWindow <= 0 {
		return DefaultEscrowWindow
	}
	return s.EscrowWindow
}

func (s *Service) settlementCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.SettlementTimeout
	if timeout <= 0 {
		timeout = DefaultSettlementTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// settlementErr turns a provider error into a domain error. Declines are final;
// everything else (timeouts, outages) is worth retrying.
func settlementErr(err error) error {
	if errors.Is(err, settlement.ErrDeclined) {
		return domain.Settlement("Payment was declined", false, err)
	}
	if errors.Is(err, settlement.ErrUnknownTransaction) {
		return domain.Settlement("Settlement transaction not found", false, err)
	}
	return domain.Settlement("Settlement service unavailable", true, err)
}

// InitiatePurchase opens a settlement and records a pending purchase held in escrow.
func (s *Service) InitiatePurchase(ctx context.Context, listingID, buyer string) (*InitiateResult, error) {
	var listing domain.Listing
	err := s.DB.WithContext(ctx).Omit("encrypted_artifact").
		Where("id = ? AND is_active = ?", listingID, true).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("Listing not found")
	}
	if err != nil {
		return nil, err
	}
	if listing.Owner == buyer {
		return nil, domain.SelfPurchase("You cannot purchase your own listing")
	}

	purchaseID := uuid.New().String()
	sctx, cancel := s.settlementCtx(ctx)
	receipt, err := s.Settlement.InitiatePayment(sctx, settlement.Payment{
		PurchaseID: purchaseID,
		Buyer:      buyer,
		Seller:     listing.Owner,
		Amount:     listing.Price,
	})
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("listing_id", listingID).Str("buyer", buyer).Msg("settlement initiate failed")
		return nil, settlementErr(err)
	}
	if receipt.State == settlement.StateFailed {
		return nil, domain.Settlement("Payment was rejected by the settlement service", false, nil)
	}

	now := s.now()
	purchase := &domain.Purchase{
		ID:             purchaseID,
		ListingID:      listing.ID,
		Buyer:          buyer,
		Seller:         listing.Owner,
		Price:          listing.Price,
		Status:         domain.StatusPending,
		EscrowExpiry:   now.Add(s.escrowWindow()),
		TransactionRef: receipt.TxRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(purchase).Error; err != nil {
			return fmt.Errorf("Failed to create purchase: %w", err)
		}
		return tx.Create(domain.NewEvent(domain.EventPurchaseInitiated, listing.ID, purchase.ID, buyer, map[string]interface{}{
			"price":           listing.Price.String(),
			"transaction_ref": receipt.TxRef,
			"escrow_expiry":   purchase.EscrowExpiry,
		})).Error
	})
	if err != nil {
		s.compensate(ctx, receipt.TxRef)
		return nil, err
	}

	log.Info().Str("purchase_id", purchase.ID).Str("listing_id", listing.ID).Str("tx_ref", receipt.TxRef).Msg("purchase initiated")
	return &InitiateResult{
		PurchaseID:     purchase.ID,
		TransactionRef: receipt.TxRef,
		EscrowExpiry:   purchase.EscrowExpiry,
		Price:          purchase.Price,
		ClientSecret:   receipt.ClientSecret,
	}, nil
}

// compensate releases a hold whose purchase row could not be written.
func (s *Service) compensate(ctx context.Context, txRef string) {
	rctx, cancel := s.settlementCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := s.Settlement.Refund(rctx, txRef); err != nil {
		log.Error().Err(err).Str("tx_ref", txRef).Msg("compensating refund failed")
	}
}

func (s *Service) load(ctx context.Context, id string) (*domain.Purchase, error) {
	var p domain.Purchase
	err := s.DB.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("Purchase not found")
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Service) loadForBuyer(ctx context.Context, id, caller string) (*domain.Purchase, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Buyer != caller {
		return nil, domain.Unauthorized("Only the buyer can perform this action")
	}
	return p, nil
}

// GetPurchase returns a purchase to its buyer or seller.
func (s *Service) GetPurchase(ctx context.Context, id, caller string) (*domain.Purchase, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsParty(caller) {
		return nil, domain.Unauthorized("Not a party to this purchase")
	}
	return p, nil
}

// ListBuyerPurchases returns purchases made by buyer, newest first.
func (s *Service) ListBuyerPurchases(ctx context.Context, buyer string) ([]domain.Purchase, error) {
	return s.list(ctx, "buyer = ?", buyer)
}

// ListSellerSales returns purchases of seller's listings, newest first.
func (s *Service) ListSellerSales(ctx context.Context, seller string) ([]domain.Purchase, error) {
	return s.list(ctx, "seller = ?", seller)
}

func (s *Service) list(ctx context.Context, where string, arg string) ([]domain.Purchase, error) {
	out := []domain.Purchase{}
	if err := s.DB.WithContext(ctx).Where(where, arg).Order("created_at DESC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmSettlement asks the settlement service whether the buyer's payment
// finalized and moves the purchase accordingly. Confirming a completed
// purchase returns it unchanged.
func (s *Service) ConfirmSettlement(ctx context.Context, purchaseID, caller string) (*domain.Purchase, error) {
	p, err := s.loadForBuyer(ctx, purchaseID, caller)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, p, caller)
}

// ReconcileSettlement is ConfirmSettlement driven by the provider instead of the buyer.
func (s *Service) ReconcileSettlement(ctx context.Context, txRef string) (*domain.Purchase, error) {
	if txRef == "" {
		return nil, domain.Validation("transaction reference is required")
	}
	var p domain.Purchase
	err := s.DB.WithContext(ctx).Where("transaction_ref = ?", txRef).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("Purchase not found")
	}
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, &p, domain.ActorSystem)
}

func (s *Service) settle(ctx context.Context, p *domain.Purchase, actor string) (*domain.Purchase, error) {
	switch p.Status {
	case domain.StatusCompleted:
		return p, nil
	case domain.StatusPending:
	default:
		return nil, domain.InvalidState(fmt.Sprintf("Purchase is %s", p.Status))
	}

	sctx, cancel := s.settlementCtx(ctx)
	st, err := s.Settlement.CheckStatus(sctx, p.TransactionRef)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("purchase_id", p.ID).Msg("settlement status check failed")
		return nil, settlementErr(err)
	}

	switch st.State {
	case settlement.StateFinalized:
		receipt := st.Receipt
		if receipt == "" {
			receipt = p.TransactionRef
		}
		// Funds are released before the purchase completes; a failed capture
		// leaves it pending for the next confirm or webhook delivery.
		sctx, cancel := s.settlementCtx(ctx)
		err := s.Settlement.FinalizePayment(sctx, p.TransactionRef)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("purchase_id", p.ID).Msg("settlement capture failed")
			return nil, domain.Settlement("Settlement capture failed", true, err)
		}
		if err := s.complete(ctx, p, receipt, actor); err != nil {
			return nil, err
		}
	case settlement.StateFailed:
		if err := s.cancel(ctx, p, domain.CancelSettlementFailed, actor); err != nil {
			return nil, err
		}
	default:
		return p, nil
	}
	return s.load(ctx, p.ID)
}

// complete moves p from pending to completed and counts the sale on the listing.
func (s *Service) complete(ctx context.Context, p *domain.Purchase, receipt, actor string) error {
	now := s.now()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Purchase{}).
			Where("id = ? AND status = ? AND version = ?", p.ID, domain.StatusPending, p.Version).
			Updates(map[string]interface{}{
				"status":          domain.StatusCompleted,
				"transaction_ref": receipt,
				"completed_at":    now,
				"updated_at":      now,
				"version":         gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Conflict("Purchase was modified concurrently; retry with fresh state")
		}
		if err := tx.Model(&domain.Listing{}).Where("id = ?", p.ListingID).
			UpdateColumn("purchase_count", gorm.Expr("purchase_count + ?", 1)).Error; err != nil {
			return err
		}
		return tx.Create(domain.NewEvent(domain.EventPurchaseCompleted, p.ListingID, p.ID, actor, map[string]interface{}{
			"transaction_ref": receipt,
		})).Error
	})
	if err != nil {
		return err
	}
	log.Info().Str("purchase_id", p.ID).Str("actor", actor).Msg("purchase completed")
	return nil
}

// cancel moves p from pending to cancelled. The refund is a separate step.
func (s *Service) cancel(ctx context.Context, p *domain.Purchase, reason, actor string) error {
	now := s.now()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Purchase{}).
			Where("id = ? AND status = ? AND version = ?", p.ID, domain.StatusPending, p.Version).
			Updates(map[string]interface{}{
				"status":        domain.StatusCancelled,
				"cancel_reason": reason,
				"updated_at":    now,
				"version":       gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Conflict("Purchase was modified concurrently; retry with fresh state")
		}
		return tx.Create(domain.NewEvent(domain.EventPurchaseCancelled, p.ListingID, p.ID, actor, map[string]interface{}{
			"reason": reason,
		})).Error
	})
	if err != nil {
		return err
	}
	log.Info().Str("purchase_id", p.ID).Str("reason", reason).Msg("purchase cancelled")
	return nil
}

// refund returns escrowed funds for a cancelled purchase. A failed refund is
// logged and recorded; refunded_at stays null so the next sweep retries it.
func (s *Service) refund(ctx context.Context, p *domain.Purchase) (bool, error) {
	sctx, cancel := s.settlementCtx(ctx)
	err := s.Settlement.Refund(sctx, p.TransactionRef)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("purchase_id", p.ID).Str("tx_ref", p.TransactionRef).Msg("refund failed")
		evErr := s.DB.WithContext(ctx).Create(domain.NewEvent(domain.EventRefundFailed, p.ListingID, p.ID, domain.ActorSystem, map[string]interface{}{
			"error": err.Error(),
		})).Error
		return false, evErr
	}
	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Purchase{}).
			Where("id = ? AND refunded_at IS NULL", p.ID).
			Updates(map[string]interface{}{"refunded_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Create(domain.NewEvent(domain.EventRefundIssued, p.ListingID, p.ID, domain.ActorSystem, map[string]interface{}{
			"transaction_ref": p.TransactionRef,
		})).Error
	})
	return err == nil, err
}

// CancelPurchase lets the buyer back out of a pending purchase and refunds it.
func (s *Service) CancelPurchase(ctx context.Context, purchaseID, caller string) (*domain.Purchase, error) {
	p, err := s.loadForBuyer(ctx, purchaseID, caller)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusPending {
		return nil, domain.InvalidState("Only pending purchases can be cancelled")
	}
	if err := s.cancel(ctx, p, domain.CancelBuyerCancelled, caller); err != nil {
		return nil, err
	}
	if _, err := s.refund(ctx, p); err != nil {
		return nil, err
	}
	return s.load(ctx, p.ID)
}

// DisputePurchase flags a pending or completed purchase. Disputed is terminal.
func (s *Service) DisputePurchase(ctx context.Context, purchaseID, caller, reason string) (*domain.Purchase, error) {
	if len(reason) > MaxDisputeReasonLength {
		return nil, domain.Validation("reason must be at most 2000 characters")
	}
	p, err := s.loadForBuyer(ctx, purchaseID, caller)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(p.Status, domain.StatusDisputed) {
		return nil, domain.InvalidState(fmt.Sprintf("Cannot dispute a %s purchase", p.Status))
	}
	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Purchase{}).
			Where("id = ? AND status = ? AND version = ?", p.ID, p.Status, p.Version).
			Updates(map[string]interface{}{
				"status":         domain.StatusDisputed,
				"disputed_at":    now,
				"dispute_reason": reason,
				"updated_at":     now,
				"version":        gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Conflict("Purchase was modified concurrently; retry with fresh state")
		}
		return tx.Create(domain.NewEvent(domain.EventPurchaseDisputed, p.ListingID, p.ID, caller, map[string]interface{}{
			"from":   p.Status,
			"reason": reason,
		})).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("purchase_id", p.ID).Str("from", string(p.Status)).Msg("purchase disputed")
	return s.load(ctx, p.ID)
}

// SweepResult summarizes one ExpireEscrow pass.
type SweepResult struct {
	Expired      int `json:"expired"`
	Refunded     int `json:"refunded"`
	RefundFailed int `json:"refund_failed"`
	Conflicts    int `json:"conflicts"`
}

// ExpireEscrow cancels pending purchases whose escrow_expiry is at or before
// now, then refunds every cancelled purchase still owed a refund.
func (s *Service) ExpireEscrow(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	var expired []domain.Purchase
	if err := s.DB.WithContext(ctx).
		Where("status = ? AND escrow_expiry <= ?", domain.StatusPending, now).
		Order("escrow_expiry ASC").Find(&expired).Error; err != nil {
		return res, err
	}
	for i := range expired {
		err := s.cancel(ctx, &expired[i], domain.CancelEscrowExpired, domain.ActorSystem)
		if errors.Is(err, domain.ErrConflict) {
			res.Conflicts++
			continue
		}
		if err != nil {
			return res, err
		}
		res.Expired++
	}

	var owed []domain.Purchase
	if err := s.DB.WithContext(ctx).
		Where("status = ? AND refunded_at IS NULL AND cancel_reason <> ? AND transaction_ref <> ''",
			domain.StatusCancelled, domain.CancelSettlementFailed).
		Find(&owed).Error; err != nil {
		return res, err
	}
	for i := range owed {
		ok, err := s.refund(ctx, &owed[i])
		if err != nil {
			return res, err
		}
		if ok {
			res.Refunded++
		} else {
			res.RefundFailed++
		}
	}
	if res.Expired > 0 || res.RefundFailed > 0 || res.Conflicts > 0 {
		log.Info().Int("expired", res.Expired).Int("refunded", res.Refunded).
			Int("refund_failed", res.RefundFailed).Int("conflicts", res.Conflicts).Msg("escrow sweep")
	}
	return res, nil
}

// RequestContent decrypts the purchased artifact for its buyer and mints an access token.
func (s *Service) RequestContent(ctx context.Context, purchaseID, buyer string) (*Delivery, error) {
	p, err := s.loadForBuyer(ctx, purchaseID, buyer)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusCompleted {
		return nil, domain.InvalidState("Content is available only for completed purchases")
	}
	return s.deliver(ctx, p, "")
}

// VerifyDownload redeems an access token for the content it grants.
func (s *Service) VerifyDownload(ctx context.Context, token string) (*Delivery, error) {
	claims, err := s.Tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	p, err := s.load(ctx, claims.PurchaseID)
	if err != nil {
		return nil, err
	}
	if p.Buyer != claims.Buyer {
		return nil, domain.TokenInvalid("Invalid access token")
	}
	if p.Status != domain.StatusCompleted {
		return nil, domain.InvalidState("Content is available only for completed purchases")
	}
	return s.deliver(ctx, p, token)
}

func (s *Service) deliver(ctx context.Context, p *domain.Purchase, token string) (*Delivery, error) {
	var listing domain.Listing
	err := s.DB.WithContext(ctx).Where("id = ?", p.ListingID).First(&listing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NotFound("Listing not found")
	}
	if err != nil {
		return nil, err
	}

	key, err := s.Keys.Get(ctx, listing.ContentKeyID)
	if err != nil {
		return nil, err
	}
	iv, err := hex.DecodeString(listing.ContentIV)
	if err != nil {
		return nil, domain.Integrity("Stored content IV is malformed", err)
	}
	content, err := contentcipher.Decrypt(listing.EncryptedArtifact, key, iv)
	if err != nil {
		log.Error().Err(err).Str("listing_id", listing.ID).Msg("artifact decryption failed")
		return nil, err
	}
	if contentcipher.Hash(content) != listing.ContentHash {
		log.Error().Str("listing_id", listing.ID).Msg("artifact hash mismatch")
		return nil, domain.Integrity("Artifact hash does not match", nil)
	}

	if token == "" {
		token, err = s.Tokens.Issue(p.ID, p.Buyer)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Purchase{}).
			Where("id = ? AND status = ?", p.ID, domain.StatusCompleted).
			Updates(map[string]interface{}{
				"download_count":   gorm.Expr("download_count + ?", 1),
				"last_download_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.InvalidState("Purchase is no longer completed")
		}
		return tx.Create(domain.NewEvent(domain.EventContentDelivered, p.ListingID, p.ID, p.Buyer, map[string]interface{}{
			"content_hash": listing.ContentHash,
		})).Error
	})
	if err != nil {
		return nil, err
	}

	var count int
	if err := s.DB.WithContext(ctx).Model(&domain.Purchase{}).Where("id = ?", p.ID).
		Select("download_count").Scan(&count).Error; err != nil {
		return nil, err
	}
	filename := listing.ArtifactName
	if filename == "" {
		filename = listing.ID + ".txt"
	}
	return &Delivery{
		PurchaseID:    p.ID,
		Content:       content,
		Token:         token,
		DownloadCount: count,
		Filename:      filename,
	}, nil
}
