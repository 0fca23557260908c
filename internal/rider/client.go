package rider

import (
	"context"
	"sync"

	"backend-uthutho/internal/cache"
	"backend-uthutho/internal/chat"
	"backend-uthutho/internal/feed"
	"backend-uthutho/internal/journey"
	"backend-uthutho/internal/location"
	"backend-uthutho/internal/presence"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const activeJourneyKey = "active_journey_id"

var ErrNoJourney = errors.New("rider is not in a journey")

type Journeys interface {
	LoadActiveJourney(ctx context.Context, userID string) (*journey.ActiveJourney, error)
	CreateOrJoinJourney(ctx context.Context, req journey.JoinRequest) (journey.JoinResult, error)
	CompleteJourney(ctx context.Context, userID string) (journey.Completion, error)
}

type Presence interface {
	Advance(ctx context.Context, c presence.Change) (presence.Result, error)
}

type Tracking interface {
	StopTracking(ctx context.Context, journeyID, userID string) error
	Tracking(journeyID, userID string) bool
}

type Feed interface {
	Subscribe(f feed.Filter) *feed.Subscription
	Unsubscribe(sub *feed.Subscription)
}

// View is everything the rider's app renders.
type View struct {
	Journey          *journey.ActiveJourney `json:"journey"`
	Tracking         bool                   `json:"tracking"`
	PermissionPrompt bool                   `json:"permission_prompt"`
	Chat             *chat.View             `json:"chat,omitempty"`
}

// Client is one rider's session: the active journey view kept fresh from the
// change feed, the reported device and the journey chat.
type Client struct {
	userID string
	deps   Deps
	device *location.ReportedDevice
	cache  cache.Store
	log    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	active      *journey.ActiveJourney
	chat        *chat.Engine
	userSubs    []*feed.Subscription
	journeySubs []*feed.Subscription
	boundTo     string
	loaded      bool
}

func newClient(userID string, deps Deps, store cache.Store) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		userID: userID,
		deps:   deps,
		device: location.NewReportedDevice(deps.MaxFixAge),
		cache:  store,
		log:    deps.Log.WithField("user_id", userID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// start follows the rider's own rows so joins and completions made elsewhere
// show up without a manual refresh.
func (c *Client) start() {
	if c.deps.Feed == nil {
		return
	}
	filters := []feed.Filter{
		{Table: "waiting_records", Column: feed.ColumnUserID, Value: c.userID},
		{Table: "journey_participants", Column: feed.ColumnUserID, Value: c.userID},
	}
	c.mu.Lock()
	for _, f := range filters {
		sub := c.deps.Feed.Subscribe(f)
		c.userSubs = append(c.userSubs, sub)
		c.follow(sub, c.reload)
	}
	c.mu.Unlock()
}

func (c *Client) follow(sub *feed.Subscription, onChange func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for range sub.C {
			onChange()
		}
	}()
}

func (c *Client) reload() {
	if _, err := c.Load(c.ctx); err != nil && c.ctx.Err() == nil {
		c.log.WithError(err).Warn("reload active journey failed")
	}
}

func (c *Client) refreshChat() {
	c.mu.Lock()
	engine := c.chat
	c.mu.Unlock()
	if engine == nil {
		return
	}
	if err := engine.Refresh(c.ctx); err != nil && c.ctx.Err() == nil {
		c.log.WithError(err).Warn("refresh chat failed")
	}
}

// Load re-reads the active journey and rebinds the journey scoped feeds and
// chat when it changed.
func (c *Client) Load(ctx context.Context) (*journey.ActiveJourney, error) {
	view, err := c.deps.Journeys.LoadActiveJourney(ctx, c.userID)
	if err != nil {
		return nil, err
	}

	journeyID := ""
	if view != nil {
		journeyID = view.Journey.ID
	}

	c.mu.Lock()
	previous := c.boundTo
	first := !c.loaded
	c.loaded = true
	c.active = view
	rebind := previous != journeyID
	if rebind {
		c.bindLocked(journeyID)
	}
	c.mu.Unlock()

	if rebind || first {
		c.syncCache(ctx, journeyID)
	}
	if rebind {
		if previous != "" && c.deps.Tracking != nil {
			if err := c.deps.Tracking.StopTracking(ctx, previous, c.userID); err != nil {
				c.log.WithError(err).Warn("stop tracking for old journey failed")
			}
		}
		if journeyID != "" {
			c.refreshChat()
		}
	}
	return view, nil
}

func (c *Client) bindLocked(journeyID string) {
	for _, sub := range c.journeySubs {
		c.deps.Feed.Unsubscribe(sub)
	}
	c.journeySubs = nil
	if c.chat != nil {
		c.chat.Close()
		c.chat = nil
	}
	c.boundTo = journeyID
	if journeyID == "" {
		return
	}

	c.chat = chat.NewEngine(journeyID, c.userID, c.deps.Chat, c.deps.ChatSettings, c.deps.Log)
	if c.deps.Feed == nil || c.ctx.Err() != nil {
		return
	}
	binds := []struct {
		filter   feed.Filter
		onChange func()
	}{
		{feed.Filter{Table: "journeys", Column: feed.ColumnID, Value: journeyID}, c.reload},
		{feed.Filter{Table: "journey_participants", Column: feed.ColumnJourneyID, Value: journeyID}, c.reload},
		{feed.Filter{Table: "journey_messages", Column: feed.ColumnJourneyID, Value: journeyID}, c.refreshChat},
	}
	for _, b := range binds {
		sub := c.deps.Feed.Subscribe(b.filter)
		c.journeySubs = append(c.journeySubs, sub)
		c.follow(sub, b.onChange)
	}
}

// syncCache keeps the active journey id in the rider's cache. A remembered id
// with no journey behind it is logged once and dropped.
func (c *Client) syncCache(ctx context.Context, journeyID string) {
	if c.cache == nil {
		return
	}
	cached, ok, err := c.cache.Get(ctx, activeJourneyKey)
	if err != nil {
		c.log.WithError(err).Debug("read cached journey failed")
		return
	}
	switch {
	case journeyID == "" && ok:
		c.log.WithField("journey_id", cached).Info("active journey no longer present")
		err = c.cache.Remove(ctx, activeJourneyKey)
	case journeyID != "" && cached != journeyID:
		err = c.cache.Set(ctx, activeJourneyKey, journeyID)
	}
	if err != nil {
		c.log.WithError(err).Debug("cache active journey failed")
	}
}

func (c *Client) Join(ctx context.Context, req journey.JoinRequest) (journey.JoinResult, error) {
	req.UserID = c.userID
	res, err := c.deps.Journeys.CreateOrJoinJourney(ctx, req)
	if err != nil {
		return journey.JoinResult{}, err
	}
	if _, err := c.Load(ctx); err != nil {
		c.log.WithError(err).Warn("load after join failed")
	}
	return res, nil
}

func (c *Client) Complete(ctx context.Context) (journey.Completion, error) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	done, err := c.deps.Journeys.CompleteJourney(ctx, c.userID)
	if err != nil {
		return journey.Completion{}, err
	}
	if active != nil && c.deps.Tracking != nil {
		if err := c.deps.Tracking.StopTracking(ctx, active.Journey.ID, c.userID); err != nil {
			c.log.WithError(err).Warn("stop tracking failed")
		}
	}
	if _, err := c.Load(ctx); err != nil {
		c.log.WithError(err).Warn("load after completion failed")
	}
	return done, nil
}

// Advance moves the rider's presence forward from the locally known status.
// The local view only changes once the backend has confirmed.
func (c *Client) Advance(ctx context.Context, to journey.ParticipantStatus) (presence.Result, error) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if active == nil {
		return presence.Result{}, ErrNoJourney
	}

	res, err := c.deps.Presence.Advance(ctx, presence.Change{
		JourneyID: active.Journey.ID,
		UserID:    c.userID,
		From:      active.MyStatus,
		To:        to,
		Device:    c.device,
	})
	if err != nil {
		return presence.Result{}, err
	}

	c.mu.Lock()
	if c.active != nil && c.active.Journey.ID == active.Journey.ID {
		c.active.MyStatus = res.Status
	}
	c.mu.Unlock()
	if _, err := c.Load(ctx); err != nil {
		c.log.WithError(err).Warn("load after presence change failed")
	}
	return res, nil
}

func (c *Client) ReportFix(p location.Position) {
	c.device.ReportFix(p)
}

func (c *Client) AnswerPermission(granted bool) {
	c.device.AnswerPermission(granted)
}

func (c *Client) engine() (*chat.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chat == nil {
		return nil, ErrNoJourney
	}
	return c.chat, nil
}

func (c *Client) SendMessage(ctx context.Context, text string) (chat.Echo, error) {
	e, err := c.engine()
	if err != nil {
		return chat.Echo{}, err
	}
	return e.Send(ctx, text)
}

func (c *Client) SetDraft(text string) error {
	e, err := c.engine()
	if err != nil {
		return err
	}
	e.SetInput(text)
	return nil
}

func (c *Client) Chat() (chat.View, error) {
	e, err := c.engine()
	if err != nil {
		return chat.View{}, err
	}
	return e.View(), nil
}

func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{Journey: c.active, PermissionPrompt: c.device.PromptPending()}
	if c.active != nil && c.deps.Tracking != nil {
		v.Tracking = c.deps.Tracking.Tracking(c.active.Journey.ID, c.userID)
	}
	if c.chat != nil {
		cv := c.chat.View()
		v.Chat = &cv
	}
	return v
}

// Close drops the feed subscriptions and chat timers. Location tracking is
// owned by the location service and keeps running.
func (c *Client) Close() {
	c.cancel()
	c.mu.Lock()
	if c.deps.Feed != nil {
		for _, sub := range append(c.userSubs, c.journeySubs...) {
			c.deps.Feed.Unsubscribe(sub)
		}
	}
	c.userSubs, c.journeySubs = nil, nil
	if c.chat != nil {
		c.chat.Close()
		c.chat = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}
