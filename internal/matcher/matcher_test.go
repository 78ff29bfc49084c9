package matcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeDrivers map[string]availability.Record

func (f fakeDrivers) Snapshot(id string) (availability.Record, bool) {
	r, ok := f[id]
	return r, ok
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func idle(id, category string, since time.Duration) availability.Record {
	return availability.Record{
		DriverID: id, State: availability.OnlineIdle, VehicleID: "v-" + id,
		VehicleCategory: category, Eligible: true, IdleSince: t0.Add(-since),
	}
}

func newService(t *testing.T, drivers fakeDrivers, pos map[string]models.Coord) *Service {
	t.Helper()
	idx := geo.NewIndex(geo.DefaultPrecision, time.Hour)
	for id, p := range pos {
		require.NoError(t, idx.Upsert(context.Background(), id, p, time.Now()))
	}
	return &Service{Geo: idx, Drivers: drivers, TopN: 2, now: func() time.Time { return t0 }}
}

func rideAt(rideType string) *models.Ride {
	return &models.Ride{ID: "ride1", Pickup: models.Coord{Lat: 0, Lon: 0}, RideType: rideType}
}

func ids(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.DriverID)
	}
	return out
}

func TestNearestFirst(t *testing.T) {
	s := newService(t,
		fakeDrivers{"A": idle("A", "economy", time.Minute), "B": idle("B", "economy", time.Hour)},
		map[string]models.Coord{"A": {Lat: 0, Lon: 0}, "B": {Lat: 0, Lon: 0.01}},
	)
	got, err := s.FindCandidates(context.Background(), rideAt("economy"), 5000)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(got))
	assert.InDelta(t, 1112, got[1].Distance, 2)
	assert.Greater(t, got[1].ETA, 0.0)
}

func TestFiltersBusyIneligibleAndIncompatible(t *testing.T) {
	busy := idle("busy", "economy", time.Hour)
	busy.State = availability.OnlineBusy
	inel := idle("inel", "economy", time.Hour)
	inel.Eligible = false
	s := newService(t,
		fakeDrivers{"busy": busy, "inel": inel, "lux": idle("lux", "premium", time.Hour), "ok": idle("ok", "economy", 0)},
		map[string]models.Coord{
			"busy": {Lat: 0, Lon: 0.001}, "inel": {Lat: 0, Lon: 0.001},
			"lux": {Lat: 0, Lon: 0.001}, "ok": {Lat: 0, Lon: 0.02}, "ghost": {Lat: 0, Lon: 0},
		},
	)
	got, err := s.FindCandidates(context.Background(), rideAt("economy"), 5000)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, ids(got))
}

func TestCompatibilityTable(t *testing.T) {
	compat, err := ParseCompatibility("economy=economy|comfort, comfort=comfort")
	require.NoError(t, err)
	assert.True(t, compat.Allows("economy", "comfort"))
	assert.True(t, compat.Allows("Economy", "ECONOMY"))
	assert.False(t, compat.Allows("comfort", "economy"))
	assert.True(t, compat.Allows("premium", "premium"), "unlisted types match exactly")
	assert.False(t, compat.Allows("premium", "economy"))

	_, err = ParseCompatibility("=economy")
	assert.Error(t, err)

	s := newService(t,
		fakeDrivers{"c": idle("c", "comfort", 0)},
		map[string]models.Coord{"c": {Lat: 0, Lon: 0.001}},
	)
	s.Compatibility = compat
	got, err := s.FindCandidates(context.Background(), rideAt("economy"), 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(got))
}

func TestTieBreakByIdleThenID(t *testing.T) {
	same := models.Coord{Lat: 0, Lon: 0.005}
	s := newService(t,
		fakeDrivers{
			"a": idle("a", "economy", time.Minute),
			"b": idle("b", "economy", 10*time.Minute),
			"c": idle("c", "economy", 10*time.Minute),
		},
		map[string]models.Coord{"a": same, "b": same, "c": same},
	)
	s.TopN = 3
	got, err := s.FindCandidates(context.Background(), rideAt("economy"), 5000)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, ids(got))
}

func TestTieTolerancePrefersLongerIdle(t *testing.T) {
	s := newService(t,
		fakeDrivers{"near": idle("near", "economy", time.Minute), "far": idle("far", "economy", time.Hour)},
		map[string]models.Coord{"near": {Lat: 0, Lon: 0.0010}, "far": {Lat: 0, Lon: 0.0012}},
	)
	got, err := s.FindCandidates(context.Background(), rideAt("economy"), 5000)
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "far"}, ids(got))

	s.TieToleranceM = 500
	got, err = s.FindCandidates(context.Background(), rideAt("economy"), 5000)
	require.NoError(t, err)
	assert.Equal(t, []string{"far", "near"}, ids(got))
}

func TestNoCandidatesIsNotAnError(t *testing.T) {
	s := newService(t, fakeDrivers{}, nil)
	got, err := s.FindCandidates(context.Background(), rideAt("economy"), 5000)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBusyCrowdDoesNotHideIdleDriver(t *testing.T) {
	drivers := fakeDrivers{"ok": idle("ok", "economy", time.Minute)}
	pos := map[string]models.Coord{"ok": {Lat: 0, Lon: 0.01}}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("busy%d", i)
		rec := idle(id, "economy", time.Hour)
		rec.State = availability.OnlineBusy
		drivers[id] = rec
		pos[id] = models.Coord{Lat: 0, Lon: 0.001}
	}
	s := newService(t, drivers, pos)
	got, err := s.FindCandidates(context.Background(), rideAt("economy"), 5000)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, ids(got))
}

func TestLongIdleWinsAmongManyEquidistant(t *testing.T) {
	drivers := fakeDrivers{"z": idle("z", "economy", 3*time.Hour)}
	pos := map[string]models.Coord{"z": {Lat: 0, Lon: 0.001}}
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("a%d", i)
		drivers[id] = idle(id, "economy", time.Minute)
		pos[id] = models.Coord{Lat: 0, Lon: 0.001}
	}
	s := newService(t, drivers, pos)
	got, err := s.FindCandidates(context.Background(), rideAt("economy"), 5000)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a0"}, ids(got))
}
