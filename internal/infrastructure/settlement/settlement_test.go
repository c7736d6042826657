package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

func TestMemoryService_Lifecycle(t *testing.T) {
	m := NewMemoryService()
	ctx := context.Background()

	r, err := m.InitiatePayment(ctx, Payment{PurchaseID: "p1", Buyer: "buyer", Seller: "seller", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, StatePending, r.State)
	assert.NotEmpty(t, r.ClientSecret)

	again, err := m.InitiatePayment(ctx, Payment{PurchaseID: "p1", Buyer: "buyer", Seller: "seller", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, r.TxRef, again.TxRef)

	assert.Error(t, m.FinalizePayment(ctx, r.TxRef))

	st, err := m.CheckStatus(ctx, r.TxRef)
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)

	m.Finalize(r.TxRef)
	st, err = m.CheckStatus(ctx, r.TxRef)
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, st.State)
	assert.Equal(t, r.TxRef, st.Receipt)

	require.NoError(t, m.FinalizePayment(ctx, r.TxRef))
	require.NoError(t, m.FinalizePayment(ctx, r.TxRef))
	assert.True(t, m.Captured(r.TxRef))

	require.NoError(t, m.Refund(ctx, r.TxRef))
	require.NoError(t, m.Refund(ctx, r.TxRef))
	assert.True(t, m.Refunded(r.TxRef))
}

func TestMemoryService_FailureInjection(t *testing.T) {
	m := NewMemoryService()
	ctx := context.Background()

	m.SetUnreachable(true)
	_, err := m.InitiatePayment(ctx, Payment{PurchaseID: "p1", Buyer: "b", Seller: "s", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Error(t, m.Ping(ctx))
	m.SetUnreachable(false)

	m.DeclineNext = true
	_, err = m.InitiatePayment(ctx, Payment{PurchaseID: "p2", Buyer: "b", Seller: "s", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrDeclined)

	_, err = m.CheckStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.CheckStatus(cancelled, "missing")
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeStripeAPI struct {
	mu          sync.Mutex
	status      string
	forms       map[string]map[string][]string
	idempotency map[string]string
	captures    int
	canceled    bool
	refunded    bool
}

func (f *fakeStripeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		require.NoError(t, r.ParseForm())
		f.forms[r.Method+" "+r.URL.Path] = r.PostForm
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			f.idempotency[r.Method+" "+r.URL.Path] = key
		}
		w.Header().Set("Content-Type", "application/json")

		intent := func() {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"id": "pi_test_1", "object": "payment_intent", "status": f.status,
				"client_secret": "pi_test_1_secret_abc",
			})
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents":
			intent()
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_test_1":
			intent()
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents/pi_test_1/cancel":
			f.canceled = true
			f.status = "canceled"
			intent()
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents/pi_test_1/capture":
			f.captures++
			f.status = "succeeded"
			intent()
		case r.Method == http.MethodPost && r.URL.Path == "/v1/refunds":
			f.refunded = true
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "re_1", "object": "refund"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/balance":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "balance"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{"type": "invalid_request_error", "message": "No such payment_intent"},
			})
		}
	}
}

func setupStripe(t *testing.T, status string) (*StripeService, *fakeStripeAPI) {
	api := &fakeStripeAPI{status: status, forms: map[string]map[string][]string{}, idempotency: map[string]string{}}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return NewStripeService("sk_test_123", "usd", backend), api
}

func TestStripe_InitiateUsesManualCapture(t *testing.T) {
	s, api := setupStripe(t, "requires_payment_method")
	r, err := s.InitiatePayment(context.Background(), Payment{
		PurchaseID: "purchase-1", Buyer: "0xb", Seller: "0xs", Amount: decimal.RequireFromString("10.005"),
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_test_1", r.TxRef)
	assert.Equal(t, StatePending, r.State)
	assert.Equal(t, "pi_test_1_secret_abc", r.ClientSecret)
	assert.Equal(t, "purchase-purchase-1", api.idempotency["POST /v1/payment_intents"])

	form := api.forms["POST /v1/payment_intents"]
	assert.Equal(t, "manual", form["capture_method"][0])
	assert.Equal(t, "1001", form["amount"][0])
	assert.Equal(t, "usd", form["currency"][0])
	assert.Equal(t, "0xb", form["metadata[buyer]"][0])
	assert.Equal(t, "purchase-1", form["metadata[purchase_id]"][0])
}

func TestStripe_InitiateRejectsSubCentAmount(t *testing.T) {
	s, _ := setupStripe(t, "requires_payment_method")
	_, err := s.InitiatePayment(context.Background(), Payment{PurchaseID: "p", Buyer: "b", Seller: "s", Amount: decimal.RequireFromString("0.001")})
	assert.Error(t, err)

	_, err = s.InitiatePayment(context.Background(), Payment{Buyer: "b", Seller: "s", Amount: decimal.NewFromInt(1)})
	assert.Error(t, err)
}

func TestStripe_FinalizeCapturesOnce(t *testing.T) {
	s, api := setupStripe(t, "requires_capture")
	require.NoError(t, s.FinalizePayment(context.Background(), "pi_test_1"))
	require.NoError(t, s.FinalizePayment(context.Background(), "pi_test_1"))
	assert.Equal(t, 1, api.captures)
	assert.Equal(t, "capture-pi_test_1", api.idempotency["POST /v1/payment_intents/pi_test_1/capture"])
}

func TestStripe_FinalizeRejectsUnauthorizedIntent(t *testing.T) {
	s, api := setupStripe(t, "requires_payment_method")
	assert.Error(t, s.FinalizePayment(context.Background(), "pi_test_1"))
	assert.Equal(t, 0, api.captures)
	assert.ErrorIs(t, s.FinalizePayment(context.Background(), "pi_missing"), ErrUnknownTransaction)
}

func TestStripe_StatusMapping(t *testing.T) {
	cases := map[string]State{
		"requires_capture":        StateFinalized,
		"succeeded":               StateFinalized,
		"canceled":                StateFailed,
		"processing":              StatePending,
		"requires_payment_method": StatePending,
	}
	for status, want := range cases {
		s, _ := setupStripe(t, status)
		st, err := s.CheckStatus(context.Background(), "pi_test_1")
		require.NoError(t, err, status)
		assert.Equal(t, want, st.State, status)
	}
}

func TestStripe_RefundCancelsUncaptured(t *testing.T) {
	s, api := setupStripe(t, "requires_capture")
	require.NoError(t, s.Refund(context.Background(), "pi_test_1"))
	assert.True(t, api.canceled)
	assert.False(t, api.refunded)
}

func TestStripe_RefundRefundsCaptured(t *testing.T) {
	s, api := setupStripe(t, "succeeded")
	require.NoError(t, s.Refund(context.Background(), "pi_test_1"))
	assert.True(t, api.refunded)
	assert.Equal(t, "pi_test_1", api.forms["POST /v1/refunds"]["payment_intent"][0])
}

func TestStripe_RefundAlreadyCanceled(t *testing.T) {
	s, api := setupStripe(t, "canceled")
	require.NoError(t, s.Refund(context.Background(), "pi_test_1"))
	assert.False(t, api.canceled)
	assert.False(t, api.refunded)
}

func TestStripe_UnknownIntent(t *testing.T) {
	s, _ := setupStripe(t, "processing")
	_, err := s.CheckStatus(context.Background(), "pi_missing")
	assert.True(t, errors.Is(err, ErrUnknownTransaction), err)
	assert.True(t, strings.Contains(err.Error(), "No such payment_intent"))
}

func TestStripe_Ping(t *testing.T) {
	s, _ := setupStripe(t, "processing")
	assert.NoError(t, s.Ping(context.Background()))
}
