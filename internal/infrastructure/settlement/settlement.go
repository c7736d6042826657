// Package settlement adapts external payment providers to the escrow flow.
// The provider is authoritative on whether funds moved.
package settlement

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// State is the provider-reported finality of a transaction.
type State string

const (
	StatePending   State = "pending"
	StateFinalized State = "finalized"
	StateFailed    State = "failed"
)

// Receipt identifies a transaction at the provider. ClientSecret, when set,
// is what the buyer's client needs to authorize the payment.
type Receipt struct {
	TxRef        string
	State        State
	ClientSecret string
}

// Status is the answer to CheckStatus.
type Status struct {
	State   State
	Receipt string
}

var (
	// ErrDeclined means the provider refused the payment outright; retrying will not help.
	ErrDeclined = errors.New("payment declined")
	// ErrUnknownTransaction is returned for a txRef the provider never issued.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// Payment describes one escrow hold. PurchaseID doubles as the idempotency
// key, so retrying InitiatePayment for the same purchase opens one hold.
type Payment struct {
	PurchaseID string
	Buyer      string
	Seller     string
	Amount     decimal.Decimal
}

// Service is the settlement collaborator. Every call is idempotent on txRef.
type Service interface {
	InitiatePayment(ctx context.Context, p Payment) (Receipt, error)
	CheckStatus(ctx context.Context, txRef string) (Status, error)
	// FinalizePayment releases escrowed funds to the seller. It is called once
	// CheckStatus reports finalized and before the purchase completes.
	FinalizePayment(ctx context.Context, txRef string) error
	Refund(ctx context.Context, txRef string) error
	Ping(ctx context.Context) error
}
