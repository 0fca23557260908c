package journey

import (
	"time"

	"backend-uthutho/internal/route"
)

const StatusInProgress = "in_progress"

type ParticipantStatus string

const (
	Waiting  ParticipantStatus = "waiting"
	PickedUp ParticipantStatus = "picked_up"
	Arrived  ParticipantStatus = "arrived"
)

type Journey struct {
	ID                  string    `json:"id"`
	RouteID             string    `json:"route_id"`
	TransportType       string    `json:"transport_type"`
	CurrentStopSequence int       `json:"current_stop_sequence"`
	Status              string    `json:"status"`
	LastPingTime        time.Time `json:"last_ping_time"`
	CreatedAt           time.Time `json:"created_at"`
}

type WaitingRecord struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	StopID        string    `json:"stop_id"`
	RouteID       string    `json:"route_id"`
	JourneyID     string    `json:"journey_id"`
	TransportType string    `json:"transport_type"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Live reports whether the record still claims a journey at now.
func (w WaitingRecord) Live(now time.Time) bool {
	return w.JourneyID != "" && w.ExpiresAt.After(now)
}

type Participant struct {
	JourneyID          string            `json:"journey_id"`
	UserID             string            `json:"user_id"`
	Status             ParticipantStatus `json:"status"`
	IsActive           bool              `json:"is_active"`
	Lat                *float64          `json:"latitude"`
	Lng                *float64          `json:"longitude"`
	LastLocationUpdate *time.Time        `json:"last_location_update"`
}

type RiderCounts struct {
	Waiting  int `json:"waiting"`
	PickedUp int `json:"picked_up"`
}

// VehiclePosition is the freshest location shared by a picked-up rider.
type VehiclePosition struct {
	Lat               float64   `json:"latitude"`
	Lng               float64   `json:"longitude"`
	UpdatedAt         time.Time `json:"updated_at"`
	NearestStopID     string    `json:"nearest_stop_id,omitempty"`
	DistanceToMyStopM *float64  `json:"distance_to_my_stop_m,omitempty"`
}

// ActiveJourney is the local view a rider renders for the journey they are in.
type ActiveJourney struct {
	Journey  Journey           `json:"journey"`
	Waiting  *WaitingRecord    `json:"waiting,omitempty"`
	MyStatus ParticipantStatus `json:"my_status"`
	Stops    []route.Stop      `json:"stops"`
	Riders   RiderCounts       `json:"riders"`
	Vehicle  *VehiclePosition  `json:"vehicle,omitempty"`
}

type JoinRequest struct {
	UserID        string `json:"-"`
	StopID        string `json:"stop_id"`
	RouteID       string `json:"route_id"`
	TransportType string `json:"transport_type"`
}

type JoinResult struct {
	JourneyID      string `json:"journey_id"`
	Created        bool   `json:"created"`
	AlreadyWaiting bool   `json:"already_waiting"`
}

type Completion struct {
	JourneyID      string        `json:"journey_id"`
	Duration       time.Duration `json:"duration_ns"`
	TripCount      int           `json:"trip_count"`
	RideMinutes    int           `json:"ride_minutes"`
	JourneyDeleted bool          `json:"journey_deleted"`
}

type TripTotals struct {
	Trips       int
	RideMinutes int
}
