package journey

import (
	"context"
	"time"

	"backend-uthutho/internal/db"
	"backend-uthutho/internal/logger"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Stats struct {
	db  db.Querier
	log logrus.FieldLogger
	now func() time.Time
}

func NewStats(q db.Querier, log logrus.FieldLogger) *Stats {
	return &Stats{db: q, log: logger.OrDiscard(log), now: time.Now}
}

// RecordTrip adds one trip and the ride minutes to the user's totals through
// the increment_trip_stats function. Databases without the function fall back
// to a read-modify-write.
func (s *Stats) RecordTrip(ctx context.Context, userID string, minutes int) (TripTotals, error) {
	var t TripTotals
	err := s.db.QueryRow(ctx,
		`SELECT trips, ride_minutes FROM increment_trip_stats($1, $2, $3)`,
		userID, 1, minutes,
	).Scan(&t.Trips, &t.RideMinutes)
	if err == nil {
		return t, nil
	}
	if !db.IsUndefinedFunction(err) {
		return TripTotals{}, errors.Wrap(err, "increment trip stats")
	}
	s.log.WithField("user_id", userID).Warn("increment_trip_stats missing, using read-modify-write")
	return s.recordTripFallback(ctx, userID, minutes)
}

// recordTripFallback is not atomic: two completions by the same user racing
// here can both read the old totals and one increment is lost.
func (s *Stats) recordTripFallback(ctx context.Context, userID string, minutes int) (TripTotals, error) {
	var t TripTotals
	err := s.db.QueryRow(ctx,
		`SELECT trips, ride_minutes FROM user_stats WHERE user_id=$1`, userID,
	).Scan(&t.Trips, &t.RideMinutes)
	if err != nil && !db.IsNoRows(err) {
		return TripTotals{}, errors.Wrap(err, "select user stats")
	}
	t.Trips++
	t.RideMinutes += minutes

	if _, err := s.db.Exec(ctx, `
		INSERT INTO user_stats (user_id, trips, ride_minutes, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id) DO UPDATE
		SET trips=EXCLUDED.trips, ride_minutes=EXCLUDED.ride_minutes, updated_at=EXCLUDED.updated_at
	`, userID, t.Trips, t.RideMinutes, s.now()); err != nil {
		return TripTotals{}, errors.Wrap(err, "write user stats")
	}
	return t, nil
}

// Points reads the user's point balance. Unknown users have zero.
func (s *Stats) Points(ctx context.Context, userID string) (int, error) {
	var points int
	err := s.db.QueryRow(ctx, `SELECT points FROM user_stats WHERE user_id=$1`, userID).Scan(&points)
	if db.IsNoRows(err) {
		return 0, nil
	}
	return points, errors.Wrap(err, "select points")
}

// AwardPoints adds points to the user's balance. q may be a transaction.
func AwardPoints(ctx context.Context, q db.Querier, userID string, points int, at time.Time) error {
	_, err := q.Exec(ctx, `
		INSERT INTO user_stats (user_id, points, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO UPDATE
		SET points = user_stats.points + EXCLUDED.points, updated_at = EXCLUDED.updated_at
	`, userID, points, at)
	return errors.Wrap(err, "award points")
}
