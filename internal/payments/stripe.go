package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoFare = errors.New("ride has no fare")

// PaymentIntents is the slice of the Stripe PaymentIntent API we use.
type PaymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

type stripeIntents struct{}

func (stripeIntents) New(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(p)
}

func (stripeIntents) Capture(id string, p *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Capture(id, p)
}

func (stripeIntents) Cancel(id string, p *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	return paymentintent.Cancel(id, p)
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	intents  PaymentIntents
	currency string
	logger   *slog.Logger
}

// NewStripeClient sets the global stripe key and charges in the given currency.
func NewStripeClient(apiKey, currency string, logger *slog.Logger) *StripeClient {
	stripe.Key = apiKey
	return newStripeClient(stripeIntents{}, currency, logger)
}

func newStripeClient(intents PaymentIntents, currency string, logger *slog.Logger) *StripeClient {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{intents: intents, currency: currency, logger: logger}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, rideID, passengerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", rideID)
	params.AddMetadata("passenger_id", passengerID)
	params.SetIdempotencyKey("hold-" + rideID)
	pi, err := s.intents.New(params)
	if err != nil {
		return "", fmt.Errorf("hold for ride %s: %w", rideID, err)
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.intents.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.intents.Cancel(paymentIntentID, params)
	return err
}

// Settle charges the completed ride's fare: hold, then capture. A failed
// capture releases the hold.
func (s *StripeClient) Settle(ctx context.Context, ride *models.Ride) error {
	if ride.Fare == nil {
		return ErrNoFare
	}
	amount := int64(math.Round(*ride.Fare * 100))
	id, err := s.Hold(ctx, amount, ride.ID, ride.PassengerID)
	if err != nil {
		return err
	}
	if err := s.Capture(ctx, id); err != nil {
		if cerr := s.Cancel(ctx, id); cerr != nil {
			s.logger.Error("payment_cancel_failed", "ride_id", ride.ID, "payment_intent", id, "error", cerr)
		}
		return fmt.Errorf("capture %s for ride %s: %w", id, ride.ID, err)
	}
	s.logger.Info("ride_settled", "ride_id", ride.ID, "payment_intent", id, "amount", amount, "currency", s.currency)
	return nil
}
