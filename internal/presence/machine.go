package presence

import (
	"context"
	"time"

	"backend-uthutho/internal/broker/messages"
	"backend-uthutho/internal/db"
	"backend-uthutho/internal/journey"
	"backend-uthutho/internal/location"
	"backend-uthutho/internal/logger"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	PointsPickedUp = 2
	PointsArrived  = 5
)

var (
	ErrInvalidTransition = errors.New("invalid presence transition")
	ErrNotParticipating  = errors.New("rider is not an active participant")
)

type Completer interface {
	CompleteJourney(ctx context.Context, userID string) (journey.Completion, error)
}

type Tracking interface {
	StartTracking(journeyID, userID string, dev location.Device)
	StopTracking(ctx context.Context, journeyID, userID string) error
}

// CanTransition reports whether a rider may move from one status to another.
// Status only moves forward.
func CanTransition(from, to journey.ParticipantStatus) bool {
	switch from {
	case journey.Waiting:
		return to == journey.PickedUp || to == journey.Arrived
	case journey.PickedUp:
		return to == journey.Arrived
	}
	return false
}

type Change struct {
	JourneyID string
	UserID    string
	From      journey.ParticipantStatus
	To        journey.ParticipantStatus
	Device    location.Device
}

type Result struct {
	Status        journey.ParticipantStatus `json:"status"`
	PointsAwarded int                       `json:"points_awarded"`
	Position      *location.Position        `json:"position,omitempty"`
	Completion    *journey.Completion       `json:"completion,omitempty"`
}

type Machine struct {
	db        db.Querier
	completer Completer
	tracking  Tracking
	events    journey.EventEmitter
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewMachine(q db.Querier, completer Completer, tracking Tracking, events journey.EventEmitter, log logrus.FieldLogger) *Machine {
	return &Machine{
		db:        q,
		completer: completer,
		tracking:  tracking,
		events:    events,
		log:       logger.OrDiscard(log).WithField("component", "presence"),
		now:       time.Now,
	}
}

// Advance applies a status change after the backend confirms it. Nothing is
// written when the change is rejected.
func (m *Machine) Advance(ctx context.Context, c Change) (Result, error) {
	if !CanTransition(c.From, c.To) {
		return Result{}, errors.Wrapf(ErrInvalidTransition, "%s to %s", c.From, c.To)
	}
	var (
		res Result
		err error
	)
	switch c.To {
	case journey.PickedUp:
		res, err = m.pickUp(ctx, c)
	case journey.Arrived:
		res, err = m.arrive(ctx, c)
	}
	if err != nil {
		return Result{}, err
	}

	if m.events != nil {
		m.events.Emit(ctx, messages.JourneyEvent{
			Type:       messages.PresenceChanged,
			JourneyID:  c.JourneyID,
			UserID:     c.UserID,
			Status:     string(c.To),
			OccurredAt: m.now().UTC(),
		})
	}
	m.log.WithFields(logrus.Fields{
		"journey_id": c.JourneyID,
		"user_id":    c.UserID,
		"from":       c.From,
		"to":         c.To,
	}).Info("presence changed")
	return res, nil
}

func (m *Machine) pickUp(ctx context.Context, c Change) (Result, error) {
	if c.Device == nil {
		return Result{}, location.ErrPermissionDenied
	}
	if err := location.EnsurePermission(ctx, c.Device); err != nil {
		return Result{}, err
	}
	pos, err := c.Device.CurrentPosition(ctx, location.Balanced)
	if err != nil {
		return Result{}, errors.Wrap(err, "capture pickup position")
	}

	now := m.now()
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "begin pickup")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, `
		SELECT status FROM journey_participants
		WHERE journey_id=$1 AND user_id=$2 AND is_active
		FOR UPDATE
	`, c.JourneyID, c.UserID).Scan(&current)
	if db.IsNoRows(err) {
		return Result{}, ErrNotParticipating
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "select participant status")
	}
	if journey.ParticipantStatus(current) != c.From {
		return Result{}, errors.Wrapf(ErrInvalidTransition, "participant is %s", current)
	}

	// An expired waiting record ends the wait even though the participant row
	// stays active until the reconciler sweeps it.
	var order *int
	err = tx.QueryRow(ctx, `
		SELECT s.order_number
		FROM waiting_records w
		LEFT JOIN route_stops s ON s.id = w.stop_id
		WHERE w.user_id=$1 AND w.journey_id=$2 AND w.expires_at > $3
		ORDER BY w.created_at DESC
		LIMIT 1
	`, c.UserID, c.JourneyID, now).Scan(&order)
	if db.IsNoRows(err) {
		return Result{}, errors.Wrap(ErrNotParticipating, "waiting record expired")
	}
	if err != nil {
		return Result{}, errors.Wrap(err, "select pickup stop")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE journey_participants
		SET status=$3, latitude=$4, longitude=$5, last_location_update=$6
		WHERE journey_id=$1 AND user_id=$2
	`, c.JourneyID, c.UserID, string(journey.PickedUp), pos.Lat, pos.Lng, now); err != nil {
		return Result{}, errors.Wrap(err, "mark picked up")
	}

	if order != nil {
		_, err = tx.Exec(ctx, `UPDATE journeys SET current_stop_sequence=$2, last_ping_time=$3 WHERE id=$1`, c.JourneyID, *order, now)
		err = errors.Wrap(err, "advance stop sequence")
	} else {
		err = journey.Touch(ctx, tx, c.JourneyID, now)
	}
	if err != nil {
		return Result{}, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM waiting_records WHERE user_id=$1 AND journey_id=$2`, c.UserID, c.JourneyID); err != nil {
		return Result{}, errors.Wrap(err, "consume waiting record")
	}
	if err := journey.AwardPoints(ctx, tx, c.UserID, PointsPickedUp, now); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, errors.Wrap(err, "commit pickup")
	}

	if m.tracking != nil {
		m.tracking.StartTracking(c.JourneyID, c.UserID, c.Device)
	}
	return Result{Status: journey.PickedUp, PointsAwarded: PointsPickedUp, Position: &pos}, nil
}

// arrive completes first so a failed completion leaves the rider picked up
// with tracking still running. Pushes racing the completion match no row once
// the participant is no longer picked up.
func (m *Machine) arrive(ctx context.Context, c Change) (Result, error) {
	done, err := m.completer.CompleteJourney(ctx, c.UserID)
	if err != nil {
		return Result{}, err
	}
	if m.tracking != nil {
		if err := m.tracking.StopTracking(ctx, c.JourneyID, c.UserID); err != nil {
			m.log.WithError(err).WithField("user_id", c.UserID).Warn("stop tracking failed")
		}
	}

	res := Result{Status: journey.Arrived, Completion: &done}
	if err := journey.AwardPoints(ctx, m.db, c.UserID, PointsArrived, m.now()); err != nil {
		m.log.WithError(err).WithField("user_id", c.UserID).Warn("award arrival points failed")
	} else {
		res.PointsAwarded = PointsArrived
	}
	return res, nil
}
