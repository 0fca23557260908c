package rider

import (
	"context"
	"sync"
	"testing"
	"time"

	"backend-uthutho/internal/cache"
	"backend-uthutho/internal/chat"
	"backend-uthutho/internal/feed"
	"backend-uthutho/internal/journey"
	"backend-uthutho/internal/presence"

	"github.com/stretchr/testify/require"
)

type fakeJourneys struct {
	mu          sync.Mutex
	view        *journey.ActiveJourney
	loads       int
	joined      []journey.JoinRequest
	joinErr     error
	completion  journey.Completion
	completeErr error
}

func (f *fakeJourneys) LoadActiveJourney(ctx context.Context, userID string) (*journey.ActiveJourney, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.view == nil {
		return nil, nil
	}
	v := *f.view
	return &v, nil
}

func (f *fakeJourneys) CreateOrJoinJourney(ctx context.Context, req journey.JoinRequest) (journey.JoinResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return journey.JoinResult{}, f.joinErr
	}
	f.joined = append(f.joined, req)
	f.view = &journey.ActiveJourney{Journey: journey.Journey{ID: "journey-1", RouteID: req.RouteID}, MyStatus: journey.Waiting}
	return journey.JoinResult{JourneyID: "journey-1", Created: true}, nil
}

func (f *fakeJourneys) CompleteJourney(ctx context.Context, userID string) (journey.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return journey.Completion{}, f.completeErr
	}
	f.view = nil
	return f.completion, nil
}

func (f *fakeJourneys) setView(v *journey.ActiveJourney) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view = v
}

func (f *fakeJourneys) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type fakePresence struct {
	changes []presence.Change
	result  presence.Result
	err     error
}

func (f *fakePresence) Advance(ctx context.Context, c presence.Change) (presence.Result, error) {
	f.changes = append(f.changes, c)
	if f.err != nil {
		return presence.Result{}, f.err
	}
	return f.result, nil
}

type fakeTracking struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeTracking) StopTracking(ctx context.Context, journeyID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, journeyID)
	return nil
}

func (f *fakeTracking) Tracking(journeyID, userID string) bool {
	return false
}

type fakeChat struct {
	mu    sync.Mutex
	msgs  []chat.Message
	lists int
}

func (f *fakeChat) Insert(ctx context.Context, journeyID, userID, text string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := chat.Message{ID: int64(len(f.msgs) + 1), JourneyID: journeyID, UserID: userID, Text: text, CreatedAt: time.Now()}
	f.msgs = append(f.msgs, m)
	return m, nil
}

func (f *fakeChat) List(ctx context.Context, journeyID string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return append([]chat.Message(nil), f.msgs...), nil
}

func (f *fakeChat) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

type fixture struct {
	journeys *fakeJourneys
	presence *fakePresence
	tracking *fakeTracking
	chat     *fakeChat
	hub      *feed.Hub
	deps     Deps
}

func newFixture() *fixture {
	f := &fixture{
		journeys: &fakeJourneys{},
		presence: &fakePresence{},
		tracking: &fakeTracking{},
		chat:     &fakeChat{},
		hub:      feed.NewHub(nil, nil),
	}
	f.deps = Deps{
		Journeys:     f.journeys,
		Presence:     f.presence,
		Tracking:     f.tracking,
		Chat:         f.chat,
		Feed:         f.hub,
		ChatSettings: chat.Settings{EchoTTL: time.Hour},
	}
	return f
}

func activeView(id string, status journey.ParticipantStatus) *journey.ActiveJourney {
	return &journey.ActiveJourney{Journey: journey.Journey{ID: id, RouteID: "route-1"}, MyStatus: status}
}

func TestClientLoadBindsJourneyAndCaches(t *testing.T) {
	f := newFixture()
	reg := NewRegistry(f.deps)
	defer reg.Close()

	store := cache.NewMemoryStore()
	c := newClient("user-1", reg.deps, store)
	defer c.Close()
	ctx := context.Background()

	f.journeys.setView(activeView("journey-1", journey.Waiting))
	view, err := c.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "journey-1", view.Journey.ID)

	cached, ok, err := store.Get(ctx, activeJourneyKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "journey-1", cached)
	require.Equal(t, 1, f.chat.listCount())

	_, err = c.Chat()
	require.NoError(t, err)

	f.journeys.setView(nil)
	view, err = c.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, view)

	_, ok, _ = store.Get(ctx, activeJourneyKey)
	require.False(t, ok)
	_, err = c.Chat()
	require.ErrorIs(t, err, ErrNoJourney)
	require.Equal(t, []string{"journey-1"}, f.tracking.stopped)
}

func TestClientDropsStaleCachedJourney(t *testing.T) {
	f := newFixture()
	reg := NewRegistry(f.deps)
	defer reg.Close()

	ctx := context.Background()
	store := cache.NewMemoryStore()
	require.NoError(t, store.Set(ctx, activeJourneyKey, "journey-gone"))

	c := newClient("user-1", reg.deps, store)
	defer c.Close()
	_, err := c.Load(ctx)
	require.NoError(t, err)

	_, ok, _ := store.Get(ctx, activeJourneyKey)
	require.False(t, ok)
}

func TestClientReloadsOnFeedChange(t *testing.T) {
	f := newFixture()
	reg := NewRegistry(f.deps)
	defer reg.Close()

	c := reg.Client("user-1")
	require.Same(t, c, reg.Client("user-1"))
	require.Equal(t, 1, reg.Len())

	f.journeys.setView(activeView("journey-1", journey.Waiting))
	f.hub.Publish(context.Background(), feed.Change{Table: "waiting_records", Op: "INSERT", UserID: "user-1", JourneyID: "journey-1"})

	require.Eventually(t, func() bool {
		v := c.View()
		return v.Journey != nil && v.Journey.Journey.ID == "journey-1"
	}, 2*time.Second, 5*time.Millisecond)

	before := f.chat.listCount()
	f.hub.Publish(context.Background(), feed.Change{Table: "journey_messages", Op: "INSERT", JourneyID: "journey-1", UserID: "user-2"})
	require.Eventually(t, func() bool { return f.chat.listCount() > before }, 2*time.Second, 5*time.Millisecond)

	loads := f.journeys.loadCount()
	f.hub.Publish(context.Background(), feed.Change{Table: "journey_participants", Op: "UPDATE", JourneyID: "journey-1", UserID: "user-3"})
	require.Eventually(t, func() bool { return f.journeys.loadCount() > loads }, 2*time.Second, 5*time.Millisecond)
}

func TestClientJoinAndComplete(t *testing.T) {
	f := newFixture()
	f.journeys.completion = journey.Completion{JourneyID: "journey-1", TripCount: 3}
	reg := NewRegistry(f.deps)
	defer reg.Close()

	c := reg.Client("user-1")
	ctx := context.Background()

	res, err := c.Join(ctx, journey.JoinRequest{UserID: "someone-else", StopID: "stop-1", RouteID: "route-1"})
	require.NoError(t, err)
	require.Equal(t, "journey-1", res.JourneyID)
	require.Equal(t, "user-1", f.journeys.joined[0].UserID, "join must use the client's own user")
	require.NotNil(t, c.View().Journey)

	done, err := c.Complete(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, done.TripCount)
	require.Nil(t, c.View().Journey)
	require.Contains(t, f.tracking.stopped, "journey-1")
}

func TestClientCompleteFailureKeepsTracking(t *testing.T) {
	f := newFixture()
	f.journeys.completeErr = context.DeadlineExceeded
	reg := NewRegistry(f.deps)
	defer reg.Close()

	c := reg.Client("user-1")
	ctx := context.Background()
	f.journeys.setView(activeView("journey-1", journey.PickedUp))
	_, err := c.Load(ctx)
	require.NoError(t, err)

	_, err = c.Complete(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, f.tracking.stopped)
	require.Equal(t, journey.PickedUp, c.View().Journey.MyStatus)
}

func TestClientAdvanceUsesLocalStatus(t *testing.T) {
	f := newFixture()
	f.presence.result = presence.Result{Status: journey.PickedUp, PointsAwarded: 2}
	reg := NewRegistry(f.deps)
	defer reg.Close()

	c := reg.Client("user-1")
	ctx := context.Background()

	_, err := c.Advance(ctx, journey.PickedUp)
	require.ErrorIs(t, err, ErrNoJourney)

	f.journeys.setView(activeView("journey-1", journey.Waiting))
	_, err = c.Load(ctx)
	require.NoError(t, err)

	res, err := c.Advance(ctx, journey.PickedUp)
	require.NoError(t, err)
	require.Equal(t, 2, res.PointsAwarded)
	require.Len(t, f.presence.changes, 1)
	ch := f.presence.changes[0]
	require.Equal(t, journey.Waiting, ch.From)
	require.Equal(t, journey.PickedUp, ch.To)
	require.Equal(t, "journey-1", ch.JourneyID)
	require.NotNil(t, ch.Device)
}

func TestClientAdvanceFailureKeepsLocalStatus(t *testing.T) {
	f := newFixture()
	f.presence.err = presence.ErrInvalidTransition
	reg := NewRegistry(f.deps)
	defer reg.Close()

	c := reg.Client("user-1")
	f.journeys.setView(activeView("journey-1", journey.Waiting))
	_, err := c.Load(context.Background())
	require.NoError(t, err)

	_, err = c.Advance(context.Background(), journey.PickedUp)
	require.ErrorIs(t, err, presence.ErrInvalidTransition)
	require.Equal(t, journey.Waiting, c.View().Journey.MyStatus)
}

func TestClientChatRoundTrip(t *testing.T) {
	f := newFixture()
	reg := NewRegistry(f.deps)
	defer reg.Close()

	c := reg.Client("user-1")
	ctx := context.Background()

	_, err := c.SendMessage(ctx, "hi")
	require.ErrorIs(t, err, ErrNoJourney)
	require.ErrorIs(t, c.SetDraft("x"), ErrNoJourney)

	f.journeys.setView(activeView("journey-1", journey.Waiting))
	_, err = c.Load(ctx)
	require.NoError(t, err)

	echo, err := c.SendMessage(ctx, "hi")
	require.NoError(t, err)
	require.Equal(t, chat.Sent, echo.State)
	require.NoError(t, c.SetDraft("next"))

	v, err := c.Chat()
	require.NoError(t, err)
	require.Len(t, v.Items, 1)
	require.Equal(t, "next", v.Input)
}
