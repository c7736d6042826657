package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrUnreachable simulates a provider outage.
var ErrUnreachable = errors.New("settlement provider unreachable")

type memoryTx struct {
	buyer    string
	seller   string
	amount   decimal.Decimal
	purchase string
	state    State
	captured bool
	refunded bool
}

// MemoryService is an in-process ledger for development and tests. New
// transactions stay pending until Finalize or Fail is called, unless
// AutoFinalize is set.
type MemoryService struct {
	mu           sync.Mutex
	txs          map[string]*memoryTx
	byPurchase   map[string]string
	AutoFinalize bool

	// failure injection
	Unreachable    bool
	DeclineNext    bool
	RefundFailure  error
	CaptureFailure error
}

func NewMemoryService() *MemoryService {
	return &MemoryService{txs: make(map[string]*memoryTx), byPurchase: make(map[string]string)}
}

func (m *MemoryService) InitiatePayment(ctx context.Context, p Payment) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reachable(ctx); err != nil {
		return Receipt{}, err
	}
	if ref, ok := m.byPurchase[p.PurchaseID]; ok && p.PurchaseID != "" {
		return Receipt{TxRef: ref, State: m.txs[ref].state, ClientSecret: ref + "_secret"}, nil
	}
	if m.DeclineNext {
		m.DeclineNext = false
		return Receipt{}, ErrDeclined
	}
	ref := "mem_" + uuid.New().String()
	state := StatePending
	if m.AutoFinalize {
		state = StateFinalized
	}
	m.txs[ref] = &memoryTx{purchase: p.PurchaseID, buyer: p.Buyer, seller: p.Seller, amount: p.Amount, state: state}
	if p.PurchaseID != "" {
		m.byPurchase[p.PurchaseID] = ref
	}
	return Receipt{TxRef: ref, State: state, ClientSecret: ref + "_secret"}, nil
}

func (m *MemoryService) CheckStatus(ctx context.Context, txRef string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reachable(ctx); err != nil {
		return Status{}, err
	}
	tx, ok := m.txs[txRef]
	if !ok {
		return Status{}, ErrUnknownTransaction
	}
	return Status{State: tx.state, Receipt: txRef}, nil
}

// FinalizePayment marks a finalized transaction captured. Capturing twice is a no-op.
func (m *MemoryService) FinalizePayment(ctx context.Context, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reachable(ctx); err != nil {
		return err
	}
	if m.CaptureFailure != nil {
		return m.CaptureFailure
	}
	tx, ok := m.txs[txRef]
	if !ok {
		return ErrUnknownTransaction
	}
	if tx.state != StateFinalized {
		return fmt.Errorf("transaction %s is %s and cannot be captured", txRef, tx.state)
	}
	tx.captured = true
	return nil
}

// Captured reports whether FinalizePayment succeeded for txRef.
func (m *MemoryService) Captured(txRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txRef]
	return ok && tx.captured
}

// SetCaptureFailure makes every FinalizePayment return err until reset with nil.
func (m *MemoryService) SetCaptureFailure(err error) {
	m.mu.Lock()
	m.CaptureFailure = err
	m.mu.Unlock()
}

// Refund is a no-op for an already refunded transaction.
func (m *MemoryService) Refund(ctx context.Context, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reachable(ctx); err != nil {
		return err
	}
	if m.RefundFailure != nil {
		return m.RefundFailure
	}
	tx, ok := m.txs[txRef]
	if !ok {
		return ErrUnknownTransaction
	}
	tx.refunded = true
	if tx.state == StatePending {
		tx.state = StateFailed
	}
	return nil
}

func (m *MemoryService) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable(ctx)
}

// Finalize marks txRef as settled.
func (m *MemoryService) Finalize(txRef string) {
	m.setState(txRef, StateFinalized)
}

// Fail marks txRef as failed at the provider.
func (m *MemoryService) Fail(txRef string) {
	m.setState(txRef, StateFailed)
}

// Refunded reports whether Refund succeeded for txRef.
func (m *MemoryService) Refunded(txRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[txRef]
	return ok && tx.refunded
}

// SetUnreachable toggles the simulated outage.
func (m *MemoryService) SetUnreachable(v bool) {
	m.mu.Lock()
	m.Unreachable = v
	m.mu.Unlock()
}

// SetRefundFailure makes every Refund return err until reset with nil.
func (m *MemoryService) SetRefundFailure(err error) {
	m.mu.Lock()
	m.RefundFailure = err
	m.mu.Unlock()
}

func (m *MemoryService) setState(txRef string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.txs[txRef]; ok {
		tx.state = s
	}
}

func (m *MemoryService) reachable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.Unreachable {
		return ErrUnreachable
	}
	return nil
}
