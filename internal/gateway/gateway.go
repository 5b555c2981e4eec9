// Package gateway adapts the Stripe payment gateway to order payment outcomes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-engine/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/paymentintent"
	"github.com/stripe/stripe-go/v84/webhook"
)

var (
	// ErrUnsupportedEvent marks gateway events that carry no payment outcome.
	ErrUnsupportedEvent = errors.New("unsupported gateway event")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	errSecretRequired   = errors.New("stripe webhook secret is required")
)

// Handle is the gateway reference issued for one payment attempt.
type Handle struct {
	ID           string
	ClientSecret string
}

// IntentAPI is the subset of the PaymentIntent API the gateway needs.
type IntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeIntents struct{}

func (stripeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (stripeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Get(id, params)
}

type offlineIntents struct{}

func (offlineIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	id := "pi_offline_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return &stripe.PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
	}, nil
}

func (offlineIntents) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusProcessing}, nil
}

// Stripe issues payment handles and maps gateway reports onto Outcome.
type Stripe struct {
	api           IntentAPI
	signingSecret string
}

// NewStripe configures the Stripe client. Without an API key the gateway runs
// offline: handles are generated locally and payments only settle through
// signed webhooks.
func NewStripe(apiKey, signingSecret string) (*Stripe, error) {
	signingSecret = strings.TrimSpace(signingSecret)
	if signingSecret == "" {
		return nil, errSecretRequired
	}
	if strings.TrimSpace(apiKey) == "" {
		return NewStripeWithAPI(offlineIntents{}, signingSecret), nil
	}
	stripe.Key = apiKey
	return NewStripeWithAPI(stripeIntents{}, signingSecret), nil
}

func NewStripeWithAPI(api IntentAPI, signingSecret string) *Stripe {
	return &Stripe{api: api, signingSecret: signingSecret}
}

// ToMinorUnits converts a two-place money amount to the gateway's integer unit.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// CreatePaymentHandle opens a payment intent for the order total. The order
// id doubles as the gateway idempotency key so a retried create returns the
// same intent.
func (s *Stripe) CreatePaymentHandle(ctx context.Context, orderID string, amount decimal.Decimal, currency string) (Handle, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToMinorUnits(amount)),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", orderID)
	params.SetIdempotencyKey("order-" + orderID)

	pi, err := s.api.New(params)
	if err != nil {
		return Handle{}, fmt.Errorf("create payment intent: %w", err)
	}
	return Handle{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// FetchOutcome asks the gateway for the current state of a handle. completed
// is false while the payment has not reached a final outcome.
func (s *Stripe) FetchOutcome(ctx context.Context, handleID string) (evt models.PaymentOutcomeEvent, completed bool, err error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.Get(handleID, params)
	if err != nil {
		return models.PaymentOutcomeEvent{}, false, fmt.Errorf("retrieve payment intent: %w", err)
	}

	outcome, ok := intentOutcome(pi)
	if !ok {
		return models.PaymentOutcomeEvent{}, false, nil
	}
	return intentEvent("", pi, outcome, time.Now().UTC()), true, nil
}

// intentOutcome maps a PaymentIntent status onto the closed outcome set.
func intentOutcome(pi *stripe.PaymentIntent) (models.Outcome, bool) {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.OutcomeSucceeded, true
	case stripe.PaymentIntentStatusCanceled:
		return models.OutcomeCancelled, true
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return models.OutcomeFailed, true
		}
	}
	return "", false
}

func intentEvent(eventID string, pi *stripe.PaymentIntent, outcome models.Outcome, at time.Time) models.PaymentOutcomeEvent {
	txID := pi.ID
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		txID = pi.LatestCharge.ID
	}
	return models.PaymentOutcomeEvent{
		EventID:         eventID,
		GatewayHandleID: pi.ID,
		Outcome:         outcome,
		TransactionID:   txID,
		Amount:          FromMinorUnits(pi.Amount),
		Timestamp:       at,
	}
}

// ParseWebhook verifies the signature of a webhook delivery and maps it onto
// a PaymentOutcomeEvent. Events without a payment outcome return
// ErrUnsupportedEvent.
func (s *Stripe) ParseWebhook(payload []byte, sigHeader string) (models.PaymentOutcomeEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.signingSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return models.PaymentOutcomeEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return models.PaymentOutcomeEvent{}, fmt.Errorf("event %s has no data", event.ID)
	}

	at := time.Unix(event.Created, 0).UTC()
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return models.PaymentOutcomeEvent{}, fmt.Errorf("decode payment intent: %w", err)
		}
		outcome := map[stripe.EventType]models.Outcome{
			stripe.EventTypePaymentIntentSucceeded:     models.OutcomeSucceeded,
			stripe.EventTypePaymentIntentPaymentFailed: models.OutcomeFailed,
			stripe.EventTypePaymentIntentCanceled:      models.OutcomeCancelled,
		}[event.Type]
		return intentEvent(event.ID, &pi, outcome, at), nil

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return models.PaymentOutcomeEvent{}, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return models.PaymentOutcomeEvent{}, fmt.Errorf("charge %s has no payment intent", ch.ID)
		}
		return models.PaymentOutcomeEvent{
			EventID:         event.ID,
			GatewayHandleID: ch.PaymentIntent.ID,
			Outcome:         models.OutcomeRefunded,
			TransactionID:   ch.ID,
			Amount:          FromMinorUnits(ch.AmountRefunded),
			Timestamp:       at,
		}, nil
	}

	return models.PaymentOutcomeEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Type)
}
