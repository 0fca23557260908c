package location

import (
	"context"
	"sync"

	"backend-uthutho/internal/logger"

	"github.com/sirupsen/logrus"
)

type clearer interface {
	pusher
	ClearLocation(ctx context.Context, journeyID, userID string) error
}

type trackerKey struct {
	journeyID string
	userID    string
}

// Service owns the running trackers, one per rider and journey.
type Service struct {
	w        clearer
	settings Settings
	log      logrus.FieldLogger

	mu       sync.Mutex
	trackers map[trackerKey]*Tracker
}

func NewService(w *Writer, settings Settings, log logrus.FieldLogger) *Service {
	return newService(w, settings, log)
}

func newService(w clearer, settings Settings, log logrus.FieldLogger) *Service {
	return &Service{
		w:        w,
		settings: settings.withDefaults(),
		log:      logger.OrDiscard(log),
		trackers: make(map[trackerKey]*Tracker),
	}
}

func (s *Service) Settings() Settings {
	return s.settings
}

// StartTracking starts sharing the rider's position. A second call for the
// same rider and journey keeps the running tracker.
func (s *Service) StartTracking(journeyID, userID string, dev Device) {
	key := trackerKey{journeyID, userID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trackers[key]; ok {
		return
	}
	t := NewTracker(journeyID, userID, dev, s.w, s.settings, s.log)
	s.trackers[key] = t
	t.Start()
}

// StopTracking stops the tracker, if any, and clears the shared position.
func (s *Service) StopTracking(ctx context.Context, journeyID, userID string) error {
	key := trackerKey{journeyID, userID}
	s.mu.Lock()
	t := s.trackers[key]
	delete(s.trackers, key)
	s.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	return s.w.ClearLocation(ctx, journeyID, userID)
}

func (s *Service) Tracking(journeyID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.trackers[trackerKey{journeyID, userID}]
	return ok
}

// Close stops every tracker without clearing positions; the reconciler
// clears them once the journeys go stale.
func (s *Service) Close() {
	s.mu.Lock()
	trackers := s.trackers
	s.trackers = make(map[trackerKey]*Tracker)
	s.mu.Unlock()

	for _, t := range trackers {
		t.Stop()
	}
}
