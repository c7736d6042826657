package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/balance"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/refund"
)

// StripeService holds buyer funds as manual-capture PaymentIntents. An
// authorized intent (requires_capture) is treated as funds in escrow.
type StripeService struct {
	intents  *paymentintent.Client
	refunds  *refund.Client
	balances *balance.Client
	Currency string
}

// NewStripeService builds a client for secretKey. backend may be nil to use
// Stripe's default API backend.
func NewStripeService(secretKey, currency string, backend stripe.Backend) *StripeService {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeService{
		intents:  &paymentintent.Client{B: backend, Key: secretKey},
		refunds:  &refund.Client{B: backend, Key: secretKey},
		balances: &balance.Client{B: backend, Key: secretKey},
		Currency: currency,
	}
}

func (s *StripeService) InitiatePayment(ctx context.Context, p Payment) (Receipt, error) {
	cents := p.Amount.Shift(2).Round(0).IntPart()
	if cents <= 0 {
		return Receipt{}, fmt.Errorf("amount %s is below the smallest currency unit", p.Amount)
	}
	if p.PurchaseID == "" {
		return Receipt{}, fmt.Errorf("purchase id is required")
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(s.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Metadata: map[string]string{
			"purchase_id": p.PurchaseID,
			"buyer":       p.Buyer,
			"seller":      p.Seller,
			"amount":      p.Amount.String(),
		},
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("purchase-" + p.PurchaseID)
	pi, err := s.intents.New(params)
	if err != nil {
		return Receipt{}, classify(err)
	}
	return Receipt{TxRef: pi.ID, State: mapIntentStatus(pi.Status), ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeService) CheckStatus(ctx context.Context, txRef string) (Status, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.intents.Get(txRef, params)
	if err != nil {
		return Status{}, classify(err)
	}
	return Status{State: mapIntentStatus(pi.Status), Receipt: pi.ID}, nil
}

// FinalizePayment captures an authorized intent. An intent that was already
// captured is left alone.
func (s *StripeService) FinalizePayment(ctx context.Context, txRef string) error {
	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	pi, err := s.intents.Get(txRef, getParams)
	if err != nil {
		return classify(err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return nil
	case stripe.PaymentIntentStatusRequiresCapture:
	default:
		return fmt.Errorf("payment intent %s is %s and cannot be captured", pi.ID, pi.Status)
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + pi.ID)
	if _, err := s.intents.Capture(pi.ID, params); err != nil {
		return classify(err)
	}
	return nil
}

// Refund cancels an uncaptured intent or refunds a captured one.
// An intent that is already canceled is left alone.
func (s *StripeService) Refund(ctx context.Context, txRef string) error {
	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	pi, err := s.intents.Get(txRef, getParams)
	if err != nil {
		return classify(err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		return nil
	case stripe.PaymentIntentStatusSucceeded:
		params := &stripe.RefundParams{PaymentIntent: stripe.String(pi.ID)}
		params.Context = ctx
		params.SetIdempotencyKey("refund-" + pi.ID)
		_, err = s.refunds.New(params)
	default:
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		_, err = s.intents.Cancel(pi.ID, params)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *StripeService) Ping(ctx context.Context) error {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	_, err := s.balances.Get(params)
	return err
}

func mapIntentStatus(st stripe.PaymentIntentStatus) State {
	switch st {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		return StateFinalized
	case stripe.PaymentIntentStatusCanceled:
		return StateFailed
	default:
		return StatePending
	}
}

func classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Type == stripe.ErrorTypeCard {
			return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
		}
		if se.HTTPStatusCode == 404 {
			return fmt.Errorf("%w: %s", ErrUnknownTransaction, se.Msg)
		}
	}
	return err
}
