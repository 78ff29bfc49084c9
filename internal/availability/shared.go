package availability

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultReservationTTL bounds how long a crashed process can keep a driver
// booked in Redis. It has to outlast the longest trip.
const DefaultReservationTTL = 6 * time.Hour

// releaseScript deletes the reservation only if it still belongs to the ride.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// SharedReserver puts a Redis SET NX in front of the local registry so
// server processes sharing one Redis never book the same driver twice.
type SharedReserver struct {
	local  *Registry
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewSharedReserver(local *Registry, client *redis.Client, ttl time.Duration, logger *slog.Logger) *SharedReserver {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SharedReserver{local: local, client: client, ttl: ttl, logger: logger}
}

func reservationKey(driverID string) string { return "driver:reservation:" + driverID }

func (s *SharedReserver) TryReserve(driverID, rideID string) bool {
	if !s.local.TryReserve(driverID, rideID) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := s.client.SetNX(ctx, reservationKey(driverID), rideID, s.ttl).Result()
	if err != nil {
		s.logger.Warn("shared_reserve_failed", "driver_id", driverID, "ride_id", rideID, "error", err)
	}
	if err != nil || !ok {
		s.local.undoReserve(driverID, rideID)
		return false
	}
	return true
}

func (s *SharedReserver) Release(driverID, rideID string) error {
	err := s.local.Release(driverID, rideID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if rerr := releaseScript.Run(ctx, s.client, []string{reservationKey(driverID)}, rideID).Err(); rerr != nil {
		s.logger.Warn("shared_release_failed", "driver_id", driverID, "ride_id", rideID, "error", rerr)
	}
	return err
}
