package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"backend-uthutho/internal/broker/messages"
	"backend-uthutho/internal/journey"
	"backend-uthutho/internal/location"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
)

type fakeCompleter struct {
	done  journey.Completion
	err   error
	users []string
}

func (f *fakeCompleter) CompleteJourney(ctx context.Context, userID string) (journey.Completion, error) {
	f.users = append(f.users, userID)
	return f.done, f.err
}

type fakeTracking struct {
	started []string
	stopped []string
}

func (f *fakeTracking) StartTracking(journeyID, userID string, dev location.Device) {
	f.started = append(f.started, journeyID+"/"+userID)
}

func (f *fakeTracking) StopTracking(ctx context.Context, journeyID, userID string) error {
	f.stopped = append(f.stopped, journeyID+"/"+userID)
	return nil
}

type recordingEvents struct {
	events []messages.JourneyEvent
}

func (r *recordingEvents) Emit(ctx context.Context, ev messages.JourneyEvent) {
	r.events = append(r.events, ev)
}

func grantedDevice(lat, lng float64) *location.ReportedDevice {
	dev := location.NewReportedDevice(time.Minute)
	dev.AnswerPermission(true)
	dev.ReportFix(location.Position{Lat: lat, Lng: lng})
	return dev
}

func newMachine(t *testing.T) (pgxmock.PgxPoolIface, *Machine, *fakeCompleter, *fakeTracking, *recordingEvents) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	completer := &fakeCompleter{}
	tracking := &fakeTracking{}
	events := &recordingEvents{}
	return mock, NewMachine(mock, completer, tracking, events, nil), completer, tracking, events
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to journey.ParticipantStatus
		ok       bool
	}{
		{journey.Waiting, journey.PickedUp, true},
		{journey.Waiting, journey.Arrived, true},
		{journey.PickedUp, journey.Arrived, true},
		{journey.PickedUp, journey.Waiting, false},
		{journey.Arrived, journey.PickedUp, false},
		{journey.Arrived, journey.Waiting, false},
		{journey.Waiting, journey.Waiting, false},
		{journey.PickedUp, journey.PickedUp, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestAdvanceRejectsBackwardMove(t *testing.T) {
	mock, m, completer, tracking, events := newMachine(t)
	defer mock.Close()

	_, err := m.Advance(context.Background(), Change{JourneyID: "journey-1", UserID: "user-1", From: journey.PickedUp, To: journey.Waiting})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(completer.users) != 0 || len(tracking.started) != 0 || len(events.events) != 0 {
		t.Fatalf("rejected transition must not have side effects")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPickUp(t *testing.T) {
	mock, m, _, tracking, events := newMachine(t)
	defer mock.Close()

	now := time.Now()
	m.now = func() time.Time { return now }

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM journey_participants`).
		WithArgs("journey-1", "user-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("waiting"))
	order := 3
	mock.ExpectQuery(`SELECT s.order_number`).
		WithArgs("user-1", "journey-1", now).
		WillReturnRows(pgxmock.NewRows([]string{"order_number"}).AddRow(&order))
	mock.ExpectExec(`UPDATE journey_participants`).
		WithArgs("journey-1", "user-1", "picked_up", -26.2, 28.04, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE journeys SET current_stop_sequence`).
		WithArgs("journey-1", 3, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM waiting_records`).
		WithArgs("user-1", "journey-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO user_stats`).
		WithArgs("user-1", PointsPickedUp, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := m.Advance(context.Background(), Change{
		JourneyID: "journey-1", UserID: "user-1",
		From: journey.Waiting, To: journey.PickedUp,
		Device: grantedDevice(-26.2, 28.04),
	})
	if err != nil {
		t.Fatalf("pick up: %v", err)
	}
	if res.Status != journey.PickedUp || res.PointsAwarded != 2 || res.Position == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(tracking.started) != 1 || tracking.started[0] != "journey-1/user-1" {
		t.Fatalf("tracker not started: %v", tracking.started)
	}
	if len(events.events) != 1 || events.events[0].Type != messages.PresenceChanged || events.events[0].Status != "picked_up" {
		t.Fatalf("unexpected events: %+v", events.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPickUpWithoutStopOnlyTouchesJourney(t *testing.T) {
	mock, m, _, _, _ := newMachine(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM journey_participants`).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("waiting"))
	var unknownStop *int
	mock.ExpectQuery(`SELECT s.order_number`).
		WillReturnRows(pgxmock.NewRows([]string{"order_number"}).AddRow(unknownStop))
	mock.ExpectExec(`UPDATE journey_participants`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE journeys SET last_ping_time`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM waiting_records`).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO user_stats`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if _, err := m.Advance(context.Background(), Change{
		JourneyID: "journey-1", UserID: "user-1",
		From: journey.Waiting, To: journey.PickedUp,
		Device: grantedDevice(1, 2),
	}); err != nil {
		t.Fatalf("pick up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPickUpPermissionDeniedWritesNothing(t *testing.T) {
	mock, m, _, tracking, events := newMachine(t)
	defer mock.Close()

	dev := location.NewReportedDevice(time.Minute)
	_, err := m.Advance(context.Background(), Change{
		JourneyID: "journey-1", UserID: "user-1",
		From: journey.Waiting, To: journey.PickedUp,
		Device: dev,
	})
	if !errors.Is(err, location.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if !dev.PromptPending() {
		t.Fatalf("expected a permission prompt to be raised")
	}
	if len(tracking.started) != 0 || len(events.events) != 0 {
		t.Fatalf("denied pickup must not have side effects")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPickUpStaleLocalStatus(t *testing.T) {
	mock, m, _, tracking, _ := newMachine(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM journey_participants`).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("picked_up"))
	mock.ExpectRollback()

	_, err := m.Advance(context.Background(), Change{
		JourneyID: "journey-1", UserID: "user-1",
		From: journey.Waiting, To: journey.PickedUp,
		Device: grantedDevice(1, 2),
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(tracking.started) != 0 {
		t.Fatalf("tracker must not start")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPickUpExpiredWaitingRecord(t *testing.T) {
	mock, m, _, tracking, events := newMachine(t)
	defer mock.Close()

	now := time.Now()
	m.now = func() time.Time { return now }

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM journey_participants`).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("waiting"))
	mock.ExpectQuery(`SELECT s.order_number[\s\S]+w.expires_at > \$3`).
		WithArgs("user-1", "journey-1", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := m.Advance(context.Background(), Change{
		JourneyID: "journey-1", UserID: "user-1",
		From: journey.Waiting, To: journey.PickedUp,
		Device: grantedDevice(1, 2),
	})
	if !errors.Is(err, ErrNotParticipating) {
		t.Fatalf("expected ErrNotParticipating, got %v", err)
	}
	if len(tracking.started) != 0 || len(events.events) != 0 {
		t.Fatalf("expired waiter must not be picked up")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPickUpNotInJourney(t *testing.T) {
	mock, m, _, _, _ := newMachine(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM journey_participants`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := m.Advance(context.Background(), Change{
		JourneyID: "journey-1", UserID: "user-1",
		From: journey.Waiting, To: journey.PickedUp,
		Device: grantedDevice(1, 2),
	})
	if !errors.Is(err, ErrNotParticipating) {
		t.Fatalf("expected ErrNotParticipating, got %v", err)
	}
}

func TestArrive(t *testing.T) {
	mock, m, completer, tracking, events := newMachine(t)
	defer mock.Close()

	completer.done = journey.Completion{JourneyID: "journey-1", Duration: 12 * time.Minute, TripCount: 7}
	mock.ExpectExec(`INSERT INTO user_stats`).
		WithArgs("user-1", PointsArrived, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := m.Advance(context.Background(), Change{JourneyID: "journey-1", UserID: "user-1", From: journey.PickedUp, To: journey.Arrived})
	if err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if res.Status != journey.Arrived || res.PointsAwarded != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Completion == nil || res.Completion.TripCount != 7 {
		t.Fatalf("completion not returned: %+v", res.Completion)
	}
	if len(tracking.stopped) != 1 || len(completer.users) != 1 {
		t.Fatalf("expected tracker stop and completion, got %v %v", tracking.stopped, completer.users)
	}
	if len(events.events) != 1 || events.events[0].Status != "arrived" {
		t.Fatalf("unexpected events: %+v", events.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestArriveCompletionFailure(t *testing.T) {
	mock, m, completer, _, events := newMachine(t)
	defer mock.Close()

	completer.err = journey.ErrNoActiveJourney
	_, err := m.Advance(context.Background(), Change{JourneyID: "journey-1", UserID: "user-1", From: journey.Waiting, To: journey.Arrived})
	if !errors.Is(err, journey.ErrNoActiveJourney) {
		t.Fatalf("expected ErrNoActiveJourney, got %v", err)
	}
	if len(events.events) != 0 {
		t.Fatalf("no event on failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestArriveCompletionFailureKeepsTracking(t *testing.T) {
	mock, m, completer, tracking, _ := newMachine(t)
	defer mock.Close()

	completer.err = context.DeadlineExceeded
	_, err := m.Advance(context.Background(), Change{JourneyID: "journey-1", UserID: "user-1", From: journey.PickedUp, To: journey.Arrived})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if len(tracking.stopped) != 0 {
		t.Fatalf("tracking stopped for a rider still picked up: %v", tracking.stopped)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
