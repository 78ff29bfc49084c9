package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// flakyLocator fails Upsert a fixed number of times before delegating.
type flakyLocator struct {
	geo.Locator
	mu    sync.Mutex
	fail  int
	calls int
}

func (f *flakyLocator) Upsert(ctx context.Context, id string, pos models.Coord, at time.Time) error {
	f.mu.Lock()
	f.calls++
	failing := f.calls <= f.fail
	f.mu.Unlock()
	if failing {
		return errors.New("locator down")
	}
	return f.Locator.Upsert(ctx, id, pos, at)
}

func TestUpsertWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &flakyLocator{Locator: geo.NewIndex(geo.DefaultPrecision, time.Hour), fail: 2}
	u := models.PositionUpdate{DriverID: "d1", Pos: models.Coord{Lat: 1, Lon: 2}, At: time.Now()}
	start := time.Now()
	require.NoError(t, upsertWithRetry(context.Background(), f, u, 3, 5*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestUpsertWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &flakyLocator{Locator: geo.NewIndex(geo.DefaultPrecision, time.Hour), fail: 5}
	u := models.PositionUpdate{DriverID: "d1", Pos: models.Coord{Lat: 1, Lon: 2}, At: time.Now()}
	err := upsertWithRetry(context.Background(), f, u, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestUpsertWithRetry_InvalidCoordNotRetried(t *testing.T) {
	f := &flakyLocator{Locator: geo.NewIndex(geo.DefaultPrecision, time.Hour)}
	u := models.PositionUpdate{DriverID: "d1", Pos: models.Coord{Lat: 95}, At: time.Now()}
	err := upsertWithRetry(context.Background(), f, u, 3, time.Millisecond)
	assert.ErrorIs(t, err, models.ErrInvalidCoord)
	assert.Equal(t, 1, f.calls)
}

type scriptedReader struct {
	msgs []kafka.Message
	errs int
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if s.errs > 0 {
		s.errs--
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(s.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func (s *scriptedReader) Close() error { return nil }

func positionMsg(t *testing.T, u models.PositionUpdate) kafka.Message {
	t.Helper()
	b, err := json.Marshal(u)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(u.DriverID), Value: b}
}

func TestConsumerFeedsLocator(t *testing.T) {
	idx := geo.NewIndex(geo.DefaultPrecision, time.Hour)
	now := time.Now()
	reader := &scriptedReader{msgs: []kafka.Message{
		positionMsg(t, models.PositionUpdate{DriverID: "d1", Pos: models.Coord{Lat: 0, Lon: 0.001}, At: now}),
		{Key: []byte("junk"), Value: []byte("{not json")},
		positionMsg(t, models.PositionUpdate{DriverID: "", Pos: models.Coord{}, At: now}),
		positionMsg(t, models.PositionUpdate{DriverID: "d2", Pos: models.Coord{Lat: 0, Lon: 0.002}, At: now}),
		positionMsg(t, models.PositionUpdate{DriverID: "d1", Pos: models.Coord{Lat: 10, Lon: 10}, At: now.Add(-time.Minute)}),
	}}
	c := &Consumer{Reader: reader, Locator: idx, Attempts: 1}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return idx.Len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := idx.Nearest(context.Background(), models.Coord{}, 1000, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].DriverID, "older sample must not move d1")
}

func TestConsumerBacksOffOnReadErrors(t *testing.T) {
	idx := geo.NewIndex(geo.DefaultPrecision, time.Hour)
	reader := &scriptedReader{errs: 1, msgs: []kafka.Message{
		positionMsg(t, models.PositionUpdate{DriverID: "d1", Pos: models.Coord{Lat: 0, Lon: 0.001}, At: time.Now()}),
	}}
	c := &Consumer{Reader: reader, Locator: idx}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return idx.Len() == 1 }, 2500*time.Millisecond, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	cancel()
	require.NoError(t, <-done)
}

type fakeWriter struct{ msgs []kafka.Message }

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestProducerKeysByDriver(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w}
	u := models.PositionUpdate{DriverID: "d7", Pos: models.Coord{Lat: 1, Lon: 2}, At: time.Now().UTC()}
	require.NoError(t, p.PublishPosition(context.Background(), u))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "d7", string(w.msgs[0].Key))

	got, err := decodePosition(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, u.Pos, got.Pos)
}
