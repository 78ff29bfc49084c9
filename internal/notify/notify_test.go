package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (r *recorder) Notify(_ context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	a := &recorder{}
	b := &recorder{err: errors.New("b down")}
	m := Multi{a, nil, b, Log{}}

	err := m.Notify(context.Background(), models.Event{Type: models.EventRideMatched, RideID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b down")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k1", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "k1")
	require.NoError(t, n.Notify(context.Background(), models.Event{Type: models.EventOfferIssued, RideID: "r1", DriverID: "d1"}))
	msg := got["message"].(map[string]any)
	assert.Equal(t, "offer_issued", msg["topic"])
}

func TestWebhookNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := NewWebhookNotifier(srv.URL, "").Notify(context.Background(), models.Event{RideID: "r1"})
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByRide(t *testing.T) {
	w := &fakeWriter{}
	k := &KafkaPublisher{writer: w}
	require.NoError(t, k.Notify(context.Background(), models.Event{Type: models.EventRideUnmatched, RideID: "r9"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "r9", string(w.msgs[0].Key))
	assert.Equal(t, "ride_unmatched", string(w.msgs[0].Headers[0].Value))

	var ev models.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "r9", ev.RideID)
}

func TestWSRegistryRoundTrip(t *testing.T) {
	reg := NewWSRegistry(nil)
	responses := make(chan OfferResponse, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve(r.Context(), "d1", conn, func(resp OfferResponse) { responses <- resp })
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return reg.Connected("d1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Notify(context.Background(), models.Event{Type: models.EventOfferIssued, RideID: "r1", DriverID: "d1"}))
	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventOfferIssued, ev.Type)

	require.NoError(t, conn.WriteJSON(OfferResponse{RideID: "r1", Outcome: "accepted"}))
	select {
	case resp := <-responses:
		assert.Equal(t, "r1", resp.RideID)
		assert.Equal(t, "accepted", resp.Outcome)
	case <-time.After(time.Second):
		t.Fatal("no response delivered")
	}

	assert.ErrorIs(t, reg.Notify(context.Background(), models.Event{RideID: "r1", DriverID: "nobody"}), ErrNoSession)
	assert.NoError(t, reg.Notify(context.Background(), models.Event{RideID: "r1"}))
}
