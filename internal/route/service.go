package route

import (
	"context"
	"math"

	"backend-uthutho/internal/db"
	"backend-uthutho/internal/shared/geo"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type Service struct {
	db db.Querier
}

func NewService(db db.Querier) *Service {
	return &Service{db: db}
}

// Stops returns the stops of a route ordered by order_number.
func (s *Service) Stops(ctx context.Context, routeID string) ([]Stop, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, route_id, name, order_number, latitude, longitude
		FROM route_stops WHERE route_id=$1
		ORDER BY order_number
	`, routeID)
	if err != nil {
		return nil, errors.Wrap(err, "select route stops")
	}
	defer rows.Close()

	stops := []Stop{}
	for rows.Next() {
		var st Stop
		if err := rows.Scan(&st.ID, &st.RouteID, &st.Name, &st.OrderNumber, &st.Lat, &st.Lng); err != nil {
			return nil, errors.Wrap(err, "scan route stop")
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// StopOrder returns the order number of a stop, or ok=false if the stop is unknown.
func (s *Service) StopOrder(ctx context.Context, stopID string) (int, bool, error) {
	var order int
	err := s.db.QueryRow(ctx, `SELECT order_number FROM route_stops WHERE id=$1`, stopID).Scan(&order)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "select stop order")
	}
	return order, true, nil
}

// NearestStop picks the stop closest to the point. ok is false for an empty list.
func NearestStop(stops []Stop, lat, lng float64) (Stop, float64, bool) {
	best := -1
	bestKm := math.MaxFloat64
	for i, st := range stops {
		if d := geo.HaversineKm(lat, lng, st.Lat, st.Lng); d < bestKm {
			best, bestKm = i, d
		}
	}
	if best < 0 {
		return Stop{}, 0, false
	}
	return stops[best], bestKm * 1000, true
}
