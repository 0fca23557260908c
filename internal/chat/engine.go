package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"backend-uthutho/internal/logger"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultEchoTTL      = 10 * time.Second
	DefaultFailureDelay = 1500 * time.Millisecond
)

var ErrEmptyMessage = errors.New("message is empty")

type Store interface {
	Insert(ctx context.Context, journeyID, userID, text string) (Message, error)
	List(ctx context.Context, journeyID string) ([]Message, error)
}

type Settings struct {
	EchoTTL      time.Duration
	FailureDelay time.Duration
	MatchWindow  time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.EchoTTL <= 0 {
		s.EchoTTL = DefaultEchoTTL
	}
	if s.FailureDelay <= 0 {
		s.FailureDelay = DefaultFailureDelay
	}
	if s.MatchWindow <= 0 {
		s.MatchWindow = DefaultMatchWindow
	}
	return s
}

// View is what the rider's chat renders.
type View struct {
	Items []Item `json:"items"`
	Input string `json:"input"`
}

// Engine keeps one rider's chat for one journey: the confirmed list from the
// server, the local echoes and the draft input.
type Engine struct {
	journeyID string
	userID    string
	store     Store
	settings  Settings
	log       logrus.FieldLogger
	now       func() time.Time

	mu        sync.Mutex
	confirmed []Message
	echoes    []Echo
	input     string
	timers    map[string]*time.Timer
	closed    bool
}

func NewEngine(journeyID, userID string, store Store, settings Settings, log logrus.FieldLogger) *Engine {
	return &Engine{
		journeyID: journeyID,
		userID:    userID,
		store:     store,
		settings:  settings.withDefaults(),
		log: logger.OrDiscard(log).WithFields(logrus.Fields{
			"component":  "chat",
			"journey_id": journeyID,
		}),
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

func (e *Engine) JourneyID() string {
	return e.journeyID
}

// Send shows the message immediately and writes it. On failure the draft is
// restored so the rider can resend it.
func (e *Engine) Send(ctx context.Context, text string) (Echo, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Echo{}, ErrEmptyMessage
	}

	echo := Echo{
		LocalID:   "local-" + uuid.NewString(),
		UserID:    e.userID,
		Text:      text,
		CreatedAt: e.now(),
		State:     Sending,
	}
	e.mu.Lock()
	e.echoes = append(e.echoes, echo)
	e.input = ""
	e.mu.Unlock()

	_, err := e.store.Insert(ctx, e.journeyID, e.userID, text)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		echo.State = Failed
		e.setState(echo.LocalID, Failed)
		e.input = text
		e.scheduleRemoval(echo.LocalID, e.settings.FailureDelay)
		e.log.WithError(err).Warn("send message failed")
		return echo, errors.Wrap(err, "send message")
	}
	echo.State = Sent
	e.setState(echo.LocalID, Sent)
	e.scheduleRemoval(echo.LocalID, e.settings.EchoTTL)
	return echo, nil
}

func (e *Engine) setState(localID string, st EchoState) {
	for i := range e.echoes {
		if e.echoes[i].LocalID == localID {
			e.echoes[i].State = st
			return
		}
	}
}

// scheduleRemoval drops the echo after d whether or not it was matched.
func (e *Engine) scheduleRemoval(localID string, d time.Duration) {
	if e.closed {
		return
	}
	e.timers[localID] = time.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.timers, localID)
		e.removeEcho(localID)
	})
}

func (e *Engine) removeEcho(localID string) {
	for i := range e.echoes {
		if e.echoes[i].LocalID == localID {
			e.echoes = append(e.echoes[:i], e.echoes[i+1:]...)
			return
		}
	}
}

// Refresh reloads the confirmed list. It is driven by message changes on the
// journey.
func (e *Engine) Refresh(ctx context.Context) error {
	msgs, err := e.store.List(ctx, e.journeyID)
	if err != nil {
		return errors.Wrap(err, "refresh messages")
	}
	e.mu.Lock()
	e.confirmed = msgs
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetInput(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.input = text
}

func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return View{
		Items: Merge(e.confirmed, e.echoes, e.settings.MatchWindow),
		Input: e.input,
	}
}

func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}
