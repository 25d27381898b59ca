package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"

	"ms-booking-saga/internal/logger"
)

// ErrDeclined marks a charge the gateway rejected for good: retrying with
// the same card will not help, the saga should compensate.
var ErrDeclined = errors.New("payment declined")

// Gateway is the upstream payment provider. Charge returns a provider
// reference used later for refunds. idempotencyKey is stable across retries
// of the same charge so the provider deduplicates even when this process
// dies between the call and recording the outcome.
type Gateway interface {
	Charge(ctx context.Context, idempotencyKey, bookingID, userID string, amount float64) (string, error)
	Refund(ctx context.Context, paymentRef string, amount float64) error
}

// StripeGateway charges through Stripe payment intents.
type StripeGateway struct {
	Logger *logger.Logger
}

func NewStripeGateway(secretKey string, log *logger.Logger) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{Logger: log}
}

func (g *StripeGateway) Charge(ctx context.Context, idempotencyKey, bookingID, userID string, amount float64) (string, error) {
	amountInCents := int64(amount * 100)

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountInCents),
		Currency: stripe.String("usd"),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	params.AddMetadata("booking_id", bookingID)
	params.AddMetadata("user_id", userID)

	intent, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			g.Logger.Warn("PAYMENT", fmt.Sprintf("charge declined for booking %s: %v", bookingID, stripeErr.Msg))
			return "", fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Msg)
		}
		return "", err
	}

	g.Logger.Info("PAYMENT", fmt.Sprintf("created payment intent %s for booking %s (%.2f)", intent.ID, bookingID, amount))
	return intent.ID, nil
}

func (g *StripeGateway) Refund(ctx context.Context, paymentRef string, amount float64) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(int64(amount * 100)),
	}
	params.Context = ctx

	if _, err := refund.New(params); err != nil {
		return err
	}

	g.Logger.Info("PAYMENT", fmt.Sprintf("refunded %s (%.2f)", paymentRef, amount))
	return nil
}

// MockGateway is the local-development gateway: no network, deterministic
// outcomes. User IDs containing "declined" are rejected so failure paths can
// be exercised end to end. Charges are deduplicated by idempotency key the
// way the real provider would.
type MockGateway struct {
	Logger *logger.Logger

	mu   sync.Mutex
	refs map[string]string
}

func NewMockGateway(log *logger.Logger) *MockGateway {
	return &MockGateway{Logger: log, refs: make(map[string]string)}
}

func (g *MockGateway) Charge(ctx context.Context, idempotencyKey, bookingID, userID string, amount float64) (string, error) {
	if strings.Contains(userID, "declined") {
		return "", fmt.Errorf("%w: mock decline for user %s", ErrDeclined, userID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.refs[idempotencyKey]; ok {
		g.Logger.Info("PAYMENT", fmt.Sprintf("mock charge replayed as %s for key %s", ref, idempotencyKey))
		return ref, nil
	}

	ref := "mock_pi_" + uuid.New().String()
	g.refs[idempotencyKey] = ref
	g.Logger.Info("PAYMENT", fmt.Sprintf("mock charge %s for booking %s (%.2f)", ref, bookingID, amount))
	return ref, nil
}

func (g *MockGateway) Refund(ctx context.Context, paymentRef string, amount float64) error {
	g.Logger.Info("PAYMENT", fmt.Sprintf("mock refund %s (%.2f)", paymentRef, amount))
	return nil
}
