package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeIntents struct {
	created    []*stripe.PaymentIntentParams
	captured   []string
	cancelled  []string
	captureErr error
}

func (f *fakeIntents) New(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.created = append(f.created, p)
	return &stripe.PaymentIntent{ID: "pi_1"}, nil
}

func (f *fakeIntents) Capture(id string, _ *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	f.captured = append(f.captured, id)
	return &stripe.PaymentIntent{ID: id}, f.captureErr
}

func (f *fakeIntents) Cancel(id string, _ *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	f.cancelled = append(f.cancelled, id)
	return &stripe.PaymentIntent{ID: id}, nil
}

func completedRide(fare float64) *models.Ride {
	return &models.Ride{ID: "r1", PassengerID: "p1", Status: models.StatusCompleted, Fare: &fare}
}

func TestSettleHoldsAndCaptures(t *testing.T) {
	f := &fakeIntents{}
	s := newStripeClient(f, "eur", nil)
	require.NoError(t, s.Settle(context.Background(), completedRide(12.34)))

	require.Len(t, f.created, 1)
	p := f.created[0]
	assert.Equal(t, int64(1234), *p.Amount)
	assert.Equal(t, "eur", *p.Currency)
	assert.Equal(t, "r1", p.Metadata["ride_id"])
	assert.Equal(t, []string{"pi_1"}, f.captured)
	assert.Empty(t, f.cancelled)
}

func TestSettleCancelsHoldOnCaptureFailure(t *testing.T) {
	f := &fakeIntents{captureErr: errors.New("card declined")}
	s := newStripeClient(f, "", nil)
	err := s.Settle(context.Background(), completedRide(8))
	require.Error(t, err)
	assert.Equal(t, []string{"pi_1"}, f.cancelled)
	assert.Equal(t, "usd", *f.created[0].Currency)
}

func TestSettleWithoutFare(t *testing.T) {
	s := newStripeClient(&fakeIntents{}, "usd", nil)
	err := s.Settle(context.Background(), &models.Ride{ID: "r1"})
	assert.ErrorIs(t, err, ErrNoFare)
}
