package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewKafkaReader builds a consumer-group reader for the position topic.
func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

// Consumer feeds position samples from the feed into a Locator.
type Consumer struct {
	Reader     MessageReader
	Locator    geo.Locator
	Logger     *slog.Logger
	Attempts   int
	RetryDelay time.Duration
	MaxBackoff time.Duration
}

// Run reads until ctx is cancelled. Read errors back off exponentially;
// malformed messages are counted and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBackoff := c.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := time.Second

	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer_stopping")
				return nil
			}
			logger.Warn("kafka_read_error", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		u, err := decodePosition(m.Value)
		if err != nil {
			observability.PositionUpdates.WithLabelValues("invalid").Inc()
			logger.Warn("invalid_position", "key", string(m.Key), "error", err)
			continue
		}
		if err := upsertWithRetry(ctx, c.Locator, u, c.Attempts, c.RetryDelay); err != nil {
			observability.PositionUpdates.WithLabelValues("error").Inc()
			logger.Error("position_update_failed", "driver_id", u.DriverID, "error", err)
			continue
		}
		observability.PositionUpdates.WithLabelValues("ok").Inc()
	}
}

func decodePosition(b []byte) (models.PositionUpdate, error) {
	var u models.PositionUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, err
	}
	if u.DriverID == "" {
		return u, errors.New("missing driver_id")
	}
	if err := u.Pos.Validate(); err != nil {
		return u, err
	}
	if u.At.IsZero() {
		u.At = time.Now()
	}
	return u, nil
}

// upsertWithRetry retries transient locator errors with a doubling delay.
// Invalid coordinates are not retried.
func upsertWithRetry(ctx context.Context, loc geo.Locator, u models.PositionUpdate, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = loc.Upsert(ctx, u.DriverID, u.Pos, u.At)
		if err == nil || errors.Is(err, models.ErrInvalidCoord) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("upsert driver %s after %d attempts: %w", u.DriverID, attempts, err)
}
