// Package notify delivers dispatch events to drivers, passengers and
// downstream consumers.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// Notifier is fire-and-forget from the dispatcher's point of view: errors are
// logged by the caller and never change a ride's state.
type Notifier interface {
	Notify(ctx context.Context, ev models.Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev models.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes every event to the structured log.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, ev models.Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event", "type", ev.Type, "ride_id", ev.RideID, "driver_id", ev.DriverID, "status", ev.Status)
	return nil
}
