package messages

import "time"

const (
	JourneyCreated   = "journey.created"
	JourneyJoined    = "journey.joined"
	JourneyCompleted = "journey.completed"
	JourneyDeleted   = "journey.deleted"
	PresenceChanged  = "presence.changed"
)

type JourneyEvent struct {
	Type       string    `json:"type"`
	JourneyID  string    `json:"journey_id"`
	RouteID    string    `json:"route_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	StopID     string    `json:"stop_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	DurationS  int64     `json:"duration_s,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
