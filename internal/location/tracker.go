package location

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"backend-uthutho/internal/logger"

	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultRetryDelay = 2 * time.Second
	DefaultRetries    = 2
)

type Settings struct {
	Interval   time.Duration
	RetryDelay time.Duration
	// Retries is the number of extra attempts after a failed push.
	Retries   int
	MaxFixAge time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	return s
}

type pusher interface {
	PushLocation(ctx context.Context, journeyID, userID string, p Position) error
}

type TrackerStats struct {
	Pushed  int64
	Failed  int64
	Skipped int64
}

// Tracker shares a picked-up rider's position on a fixed interval. At most one
// push is in flight; a tick that finds one running is skipped.
type Tracker struct {
	journeyID string
	userID    string
	dev       Device
	w         pusher
	settings  Settings
	log       logrus.FieldLogger

	busy   atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pushed  atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

func NewTracker(journeyID, userID string, dev Device, w pusher, settings Settings, log logrus.FieldLogger) *Tracker {
	return &Tracker{
		journeyID: journeyID,
		userID:    userID,
		dev:       dev,
		w:         w,
		settings:  settings.withDefaults(),
		log: logger.OrDiscard(log).WithFields(logrus.Fields{
			"component":  "location",
			"journey_id": journeyID,
			"user_id":    userID,
		}),
	}
}

// Start pushes immediately and then on every interval until Stop.
func (t *Tracker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.tick(ctx)

		ticker := time.NewTicker(t.settings.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.tick(ctx)
			}
		}
	}()
}

func (t *Tracker) tick(ctx context.Context) {
	if !t.busy.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.busy.Store(false)
		t.push(ctx)
	}()
}

func (t *Tracker) push(ctx context.Context) {
	var err error
	for attempt := 0; attempt <= t.settings.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.settings.RetryDelay):
			}
		}
		var pos Position
		pos, err = t.dev.CurrentPosition(ctx, High)
		if err == nil {
			err = t.w.PushLocation(ctx, t.journeyID, t.userID, pos)
		}
		if err == nil {
			t.pushed.Add(1)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
	t.failed.Add(1)
	t.log.WithError(err).Debug("location push failed")
}

// Stop cancels the schedule and waits for an in-flight push to return.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) Stats() TrackerStats {
	return TrackerStats{
		Pushed:  t.pushed.Load(),
		Failed:  t.failed.Load(),
		Skipped: t.skipped.Load(),
	}
}
