package journey

import (
	"context"
	"time"

	"backend-uthutho/internal/broker/messages"
	"backend-uthutho/internal/db"
	"backend-uthutho/internal/logger"
	"backend-uthutho/internal/route"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultWaitingTTL is how long a waiting record claims a journey.
const DefaultWaitingTTL = 30 * time.Minute

type StopLister interface {
	Stops(ctx context.Context, routeID string) ([]route.Stop, error)
}

// EventEmitter receives lifecycle events. Delivery is best effort.
type EventEmitter interface {
	Emit(ctx context.Context, ev messages.JourneyEvent)
}

// Options are optional collaborators. A nil Reconciler skips the sweep before
// joins and nil Events drops lifecycle events.
type Options struct {
	WaitingTTL time.Duration
	Reconciler *Reconciler
	Events     EventEmitter
	Log        logrus.FieldLogger
}

// Service manages a rider's journey lifecycle.
type Service struct {
	db         db.Querier
	stops      StopLister
	stats      *Stats
	reconciler *Reconciler
	events     EventEmitter
	log        logrus.FieldLogger
	waitingTTL time.Duration
	now        func() time.Time
}

func NewService(q db.Querier, stops StopLister, opts Options) *Service {
	ttl := opts.WaitingTTL
	if ttl <= 0 {
		ttl = DefaultWaitingTTL
	}
	log := logger.OrDiscard(opts.Log).WithField("component", "journey")
	return &Service{
		db:         q,
		stops:      stops,
		stats:      NewStats(q, log),
		reconciler: opts.Reconciler,
		events:     opts.Events,
		log:        log,
		waitingTTL: ttl,
		now:        time.Now,
	}
}

func (s *Service) emit(ctx context.Context, ev messages.JourneyEvent) {
	if s.events == nil {
		return
	}
	ev.OccurredAt = s.now().UTC()
	s.events.Emit(ctx, ev)
}

// LoadActiveJourney resolves the journey the user is currently part of. A live
// waiting record wins; once it is consumed by a pickup the active participant
// row keeps the journey visible. Returns nil when the user is in no journey.
func (s *Service) LoadActiveJourney(ctx context.Context, userID string) (*ActiveJourney, error) {
	now := s.now()
	view, err := s.viewFromWaiting(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if view == nil {
		view, err = s.viewFromRide(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	if view == nil {
		return nil, nil
	}

	participants, err := s.Participants(ctx, view.Journey.ID)
	if err != nil {
		return nil, err
	}
	stops, err := s.stops.Stops(ctx, view.Journey.RouteID)
	if err != nil {
		return nil, errors.Wrap(err, "load journey stops")
	}
	view.Stops = stops
	s.enrich(view, userID, participants)
	return view, nil
}

func (s *Service) viewFromWaiting(ctx context.Context, userID string, now time.Time) (*ActiveJourney, error) {
	var w WaitingRecord
	var j Journey
	err := s.db.QueryRow(ctx, `
		SELECT w.id, w.stop_id, w.route_id, w.journey_id, w.transport_type, w.expires_at, w.created_at,
		       j.route_id, j.transport_type, j.current_stop_sequence, j.status, j.last_ping_time, j.created_at
		FROM waiting_records w
		JOIN journeys j ON j.id = w.journey_id
		WHERE w.user_id=$1 AND w.expires_at > $2
		ORDER BY w.created_at DESC
		LIMIT 1
	`, userID, now).Scan(
		&w.ID, &w.StopID, &w.RouteID, &w.JourneyID, &w.TransportType, &w.ExpiresAt, &w.CreatedAt,
		&j.RouteID, &j.TransportType, &j.CurrentStopSequence, &j.Status, &j.LastPingTime, &j.CreatedAt,
	)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select waiting record")
	}
	w.UserID = userID
	j.ID = w.JourneyID
	return &ActiveJourney{Journey: j, Waiting: &w, MyStatus: Waiting}, nil
}

// viewFromRide covers riders whose waiting record was consumed by pickup. A
// waiter is only visible through a live waiting record.
func (s *Service) viewFromRide(ctx context.Context, userID string) (*ActiveJourney, error) {
	var j Journey
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT j.id, j.route_id, j.transport_type, j.current_stop_sequence, j.status, j.last_ping_time, j.created_at, p.status
		FROM journey_participants p
		JOIN journeys j ON j.id = p.journey_id
		WHERE p.user_id=$1 AND p.is_active AND p.status=$3 AND j.status=$2
		ORDER BY p.joined_at DESC
		LIMIT 1
	`, userID, StatusInProgress, string(PickedUp)).Scan(
		&j.ID, &j.RouteID, &j.TransportType, &j.CurrentStopSequence, &j.Status, &j.LastPingTime, &j.CreatedAt, &status,
	)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select active participant")
	}
	return &ActiveJourney{Journey: j, MyStatus: ParticipantStatus(status)}, nil
}

// Participants lists the active participants of a journey.
func (s *Service) Participants(ctx context.Context, journeyID string) ([]Participant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id, status, is_active, latitude, longitude, last_location_update
		FROM journey_participants
		WHERE journey_id=$1 AND is_active
	`, journeyID)
	if err != nil {
		return nil, errors.Wrap(err, "select participants")
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		p := Participant{JourneyID: journeyID}
		var status string
		if err := rows.Scan(&p.UserID, &status, &p.IsActive, &p.Lat, &p.Lng, &p.LastLocationUpdate); err != nil {
			return nil, errors.Wrap(err, "scan participant")
		}
		p.Status = ParticipantStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Service) enrich(view *ActiveJourney, userID string, participants []Participant) {
	for _, p := range participants {
		switch p.Status {
		case Waiting:
			view.Riders.Waiting++
		case PickedUp:
			view.Riders.PickedUp++
		}
		if p.UserID == userID {
			view.MyStatus = p.Status
		}
		if p.Status != PickedUp || p.Lat == nil || p.Lng == nil || p.LastLocationUpdate == nil {
			continue
		}
		if view.Vehicle == nil || p.LastLocationUpdate.After(view.Vehicle.UpdatedAt) {
			view.Vehicle = &VehiclePosition{Lat: *p.Lat, Lng: *p.Lng, UpdatedAt: *p.LastLocationUpdate}
		}
	}
	if view.Vehicle == nil {
		return
	}
	if st, _, ok := route.NearestStop(view.Stops, view.Vehicle.Lat, view.Vehicle.Lng); ok {
		view.Vehicle.NearestStopID = st.ID
	}
	if view.Waiting == nil {
		return
	}
	for _, st := range view.Stops {
		if st.ID != view.Waiting.StopID {
			continue
		}
		_, meters, _ := route.NearestStop([]route.Stop{st}, view.Vehicle.Lat, view.Vehicle.Lng)
		view.Vehicle.DistanceToMyStopM = &meters
		break
	}
}

// CreateOrJoinJourney puts the user into the in-progress journey for the
// route, creating it when none exists. A user with a live waiting record is
// left untouched and gets that journey back.
func (s *Service) CreateOrJoinJourney(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if req.StopID == "" || req.RouteID == "" {
		return JoinResult{}, ErrInvalidJoin
	}
	if s.reconciler != nil {
		if _, err := s.reconciler.CleanupStaleJourneyParticipants(ctx); err != nil {
			s.log.WithError(err).Warn("reconcile before join failed")
		}
	}

	now := s.now()
	var existing string
	err := s.db.QueryRow(ctx, `
		SELECT journey_id FROM waiting_records
		WHERE user_id=$1 AND expires_at > $2 AND journey_id IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, req.UserID, now).Scan(&existing)
	if err != nil && !db.IsNoRows(err) {
		return JoinResult{}, errors.Wrap(err, "select live waiting record")
	}
	if existing != "" {
		return JoinResult{JourneyID: existing, AlreadyWaiting: true}, nil
	}

	journeyID, created, err := s.resolveJourney(ctx, req, now)
	if err != nil {
		return JoinResult{}, err
	}

	// The journey and participant rows are written before the waiting record so
	// a feed subscriber never sees a waiting record pointing at nothing.
	if _, err := s.db.Exec(ctx, `
		INSERT INTO journey_participants (journey_id, user_id, status, is_active, joined_at)
		VALUES ($1,$2,$3,true,$4)
		ON CONFLICT (journey_id, user_id) DO UPDATE
		SET status=EXCLUDED.status, is_active=true, joined_at=EXCLUDED.joined_at, left_at=NULL,
		    latitude=NULL, longitude=NULL, last_location_update=NULL
	`, journeyID, req.UserID, string(Waiting), now); err != nil {
		return JoinResult{}, errors.Wrap(err, "upsert participant")
	}

	if _, err := s.db.Exec(ctx, `
		INSERT INTO waiting_records (id, user_id, stop_id, route_id, journey_id, transport_type, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id, stop_id) DO UPDATE
		SET route_id=EXCLUDED.route_id, journey_id=EXCLUDED.journey_id, transport_type=EXCLUDED.transport_type,
		    expires_at=EXCLUDED.expires_at, created_at=EXCLUDED.created_at
	`, uuid.NewString(), req.UserID, req.StopID, req.RouteID, journeyID, req.TransportType, now.Add(s.waitingTTL), now); err != nil {
		return JoinResult{}, errors.Wrap(err, "upsert waiting record")
	}

	if err := Touch(ctx, s.db, journeyID, now); err != nil {
		s.log.WithError(err).WithField("journey_id", journeyID).Warn("touch journey failed")
	}

	evType := messages.JourneyJoined
	if created {
		evType = messages.JourneyCreated
	}
	s.emit(ctx, messages.JourneyEvent{
		Type:      evType,
		JourneyID: journeyID,
		RouteID:   req.RouteID,
		UserID:    req.UserID,
		StopID:    req.StopID,
		Status:    string(Waiting),
	})
	s.log.WithFields(logrus.Fields{"journey_id": journeyID, "user_id": req.UserID, "created": created}).Info("rider joined journey")
	return JoinResult{JourneyID: journeyID, Created: created}, nil
}

// resolveJourney finds the route's in-progress journey or creates one. The
// partial unique index on in-progress journeys collapses concurrent creators
// onto a single row.
func (s *Service) resolveJourney(ctx context.Context, req JoinRequest, now time.Time) (string, bool, error) {
	id, err := s.inProgressJourney(ctx, req.RouteID)
	if err != nil || id != "" {
		return id, false, err
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO journeys (id, route_id, transport_type, current_stop_sequence, status, last_ping_time, created_at)
		VALUES ($1,$2,$3,0,'in_progress',$4,$4)
		ON CONFLICT (route_id) WHERE status = 'in_progress' DO NOTHING
		RETURNING id
	`, uuid.NewString(), req.RouteID, req.TransportType, now).Scan(&id)
	switch {
	case err == nil:
		return id, true, nil
	case db.IsNoRows(err), db.IsUniqueViolation(err):
		id, err = s.inProgressJourney(ctx, req.RouteID)
		if err != nil {
			return "", false, err
		}
		if id == "" {
			return "", false, errors.New("in-progress journey vanished after insert conflict")
		}
		return id, false, nil
	default:
		return "", false, errors.Wrap(err, "insert journey")
	}
}

func (s *Service) inProgressJourney(ctx context.Context, routeID string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT id FROM journeys
		WHERE route_id=$1 AND status=$2
		ORDER BY created_at DESC
		LIMIT 1
	`, routeID, StatusInProgress).Scan(&id)
	if db.IsNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "select in-progress journey")
	}
	return id, nil
}

// Touch refreshes a journey's heartbeat.
func Touch(ctx context.Context, q db.Querier, journeyID string, at time.Time) error {
	_, err := q.Exec(ctx, `UPDATE journeys SET last_ping_time=$2 WHERE id=$1`, journeyID, at)
	return errors.Wrap(err, "touch journey")
}

// CompleteJourney takes the user out of their journey, records the trip and
// deletes the journey once nobody is left in it.
func (s *Service) CompleteJourney(ctx context.Context, userID string) (Completion, error) {
	now := s.now()
	journeyID, startedAt, err := s.completionAnchor(ctx, userID)
	if err != nil {
		return Completion{}, err
	}
	duration := now.Sub(startedAt)
	if duration < 0 {
		duration = 0
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Completion{}, errors.Wrap(err, "begin complete")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM waiting_records WHERE user_id=$1`, userID); err != nil {
		return Completion{}, errors.Wrap(err, "delete waiting records")
	}
	if _, err := tx.Exec(ctx, `
		UPDATE journey_participants
		SET is_active=false, status=$3, left_at=$4, latitude=NULL, longitude=NULL, last_location_update=NULL
		WHERE journey_id=$1 AND user_id=$2
	`, journeyID, userID, string(Arrived), now); err != nil {
		return Completion{}, errors.Wrap(err, "deactivate participant")
	}
	if err := tx.Commit(ctx); err != nil {
		return Completion{}, errors.Wrap(err, "commit complete")
	}

	out := Completion{JourneyID: journeyID, Duration: duration}
	totals, err := s.stats.RecordTrip(ctx, userID, int(duration/time.Minute))
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("record trip stats failed")
	} else {
		out.TripCount = totals.Trips
		out.RideMinutes = totals.RideMinutes
	}

	out.JourneyDeleted, err = s.deleteIfEmpty(ctx, journeyID, now)
	if err != nil {
		s.log.WithError(err).WithField("journey_id", journeyID).Warn("journey cleanup failed")
	}

	s.emit(ctx, messages.JourneyEvent{
		Type:      messages.JourneyCompleted,
		JourneyID: journeyID,
		UserID:    userID,
		Status:    string(Arrived),
		DurationS: int64(duration / time.Second),
	})
	if out.JourneyDeleted {
		s.emit(ctx, messages.JourneyEvent{Type: messages.JourneyDeleted, JourneyID: journeyID})
	}
	return out, nil
}

// completionAnchor finds the journey being completed and when the ride started.
// The waiting record's creation time is used while it exists.
func (s *Service) completionAnchor(ctx context.Context, userID string) (string, time.Time, error) {
	var journeyID string
	var startedAt time.Time
	err := s.db.QueryRow(ctx, `
		SELECT journey_id, created_at FROM waiting_records
		WHERE user_id=$1 AND journey_id IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, userID).Scan(&journeyID, &startedAt)
	if err == nil {
		return journeyID, startedAt, nil
	}
	if !db.IsNoRows(err) {
		return "", time.Time{}, errors.Wrap(err, "select waiting record")
	}

	err = s.db.QueryRow(ctx, `
		SELECT journey_id, joined_at FROM journey_participants
		WHERE user_id=$1 AND is_active
		ORDER BY joined_at DESC
		LIMIT 1
	`, userID).Scan(&journeyID, &startedAt)
	if db.IsNoRows(err) {
		return "", time.Time{}, ErrNoActiveJourney
	}
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "select active participant")
	}
	return journeyID, startedAt, nil
}

// deleteIfEmpty removes the journey when it has no live waiting record and no
// active participant. Expired waiting records do not keep a journey alive.
func (s *Service) deleteIfEmpty(ctx context.Context, journeyID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM journeys j
		WHERE j.id=$1
		  AND NOT EXISTS (SELECT 1 FROM waiting_records w WHERE w.journey_id=j.id AND w.expires_at > $2)
		  AND NOT EXISTS (SELECT 1 FROM journey_participants p WHERE p.journey_id=j.id AND p.is_active)
	`, journeyID, now)
	if err != nil {
		return false, errors.Wrap(err, "delete empty journey")
	}
	return tag.RowsAffected() > 0, nil
}
