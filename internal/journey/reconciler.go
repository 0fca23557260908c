package journey

import (
	"context"
	"sync/atomic"
	"time"

	"backend-uthutho/internal/db"
	"backend-uthutho/internal/logger"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultStaleAfter        = time.Hour
	DefaultReconcileInterval = 5 * time.Minute
)

type CleanupResult struct {
	Deactivated     int64
	JourneysDeleted int64
}

// Reconciler deactivates participant rows whose journey is gone, finished or
// has not pinged within StaleAfter.
type Reconciler struct {
	db         db.Querier
	staleAfter time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
}

func NewReconciler(q db.Querier, staleAfter time.Duration, log logrus.FieldLogger) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reconciler{
		db:         q,
		staleAfter: staleAfter,
		log:        logger.OrDiscard(log).WithField("component", "reconciler"),
		now:        time.Now,
	}
}

// CleanupStaleJourneyParticipants deactivates participants of missing, finished
// or stale journeys in one batched update, then deletes stale journeys that no
// live waiting record or active participant holds.
func (r *Reconciler) CleanupStaleJourneyParticipants(ctx context.Context) (CleanupResult, error) {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)

	tag, err := r.db.Exec(ctx, `
		UPDATE journey_participants p
		SET is_active=false, left_at=$1, status=$2, latitude=NULL, longitude=NULL, last_location_update=NULL
		WHERE (p.is_active OR p.status <> $2)
		  AND NOT EXISTS (
		    SELECT 1 FROM journeys j
		    WHERE j.id = p.journey_id AND j.status = $3 AND j.last_ping_time > $4
		  )
	`, now, string(Arrived), StatusInProgress, cutoff)
	if err != nil {
		return CleanupResult{}, errors.Wrap(err, "deactivate stale participants")
	}
	res := CleanupResult{Deactivated: tag.RowsAffected()}

	// Stale journeys nobody holds any more would otherwise be revived by the
	// next joiner with an old stop sequence.
	tag, err = r.db.Exec(ctx, `
		DELETE FROM journeys j
		WHERE j.last_ping_time <= $1
		  AND NOT EXISTS (SELECT 1 FROM waiting_records w WHERE w.journey_id=j.id AND w.expires_at > $2)
		  AND NOT EXISTS (SELECT 1 FROM journey_participants p WHERE p.journey_id=j.id AND p.is_active)
	`, cutoff, now)
	if err != nil {
		return res, errors.Wrap(err, "delete abandoned journeys")
	}
	res.JourneysDeleted = tag.RowsAffected()

	if res.Deactivated > 0 || res.JourneysDeleted > 0 {
		r.log.WithFields(logrus.Fields{
			"deactivated":      res.Deactivated,
			"journeys_deleted": res.JourneysDeleted,
		}).Info("reconciled stale journey state")
	}
	return res, nil
}

type RunnerStats struct {
	LastRun         time.Time
	Runs            int64
	Errors          int64
	Deactivated     int64
	JourneysDeleted int64
}

// Runner reconciles once at start and then on every interval tick or Trigger.
type Runner struct {
	rec      *Reconciler
	interval time.Duration
	trigger  chan struct{}
	log      logrus.FieldLogger

	lastRunUnixNano atomic.Int64
	runs            atomic.Int64
	errs            atomic.Int64
	deactivated     atomic.Int64
	deleted         atomic.Int64
}

func NewRunner(rec *Reconciler, interval time.Duration, log logrus.FieldLogger) *Runner {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Runner{
		rec:      rec,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      logger.OrDiscard(log).WithField("component", "reconcile-runner"),
	}
}

// Trigger asks for an immediate pass. Requests made while one is pending are dropped.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Runner) Run(ctx context.Context) error {
	r.log.WithField("interval", r.interval.String()).Info("reconcile runner started")
	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconcile runner stopped")
			return ctx.Err()
		case <-ticker.C:
			r.runOnce(ctx)
		case <-r.trigger:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	res, err := r.rec.CleanupStaleJourneyParticipants(ctx)
	r.runs.Add(1)
	r.lastRunUnixNano.Store(time.Now().UnixNano())
	r.deactivated.Add(res.Deactivated)
	r.deleted.Add(res.JourneysDeleted)
	if err != nil {
		r.errs.Add(1)
		r.log.WithError(err).Warn("reconcile pass failed")
	}
}

func (r *Runner) Stats() RunnerStats {
	st := RunnerStats{
		Runs:            r.runs.Load(),
		Errors:          r.errs.Load(),
		Deactivated:     r.deactivated.Load(),
		JourneysDeleted: r.deleted.Load(),
	}
	if ns := r.lastRunUnixNano.Load(); ns > 0 {
		st.LastRun = time.Unix(0, ns)
	}
	return st
}
