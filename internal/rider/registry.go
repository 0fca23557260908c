package rider

import (
	"sync"
	"time"

	"backend-uthutho/internal/cache"
	"backend-uthutho/internal/chat"
	"backend-uthutho/internal/logger"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Deps struct {
	Journeys     Journeys
	Presence     Presence
	Tracking     Tracking
	Chat         chat.Store
	Feed         Feed
	Redis        *redis.Client
	ChatSettings chat.Settings
	MaxFixAge    time.Duration
	Log          logrus.FieldLogger
}

// Registry hands out one Client per rider, created on first use.
type Registry struct {
	deps Deps

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(deps Deps) *Registry {
	deps.Log = logger.OrDiscard(deps.Log).WithField("component", "rider")
	return &Registry{deps: deps, clients: make(map[string]*Client)}
}

func (r *Registry) Client(userID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[userID]; ok {
		return c
	}
	c := newClient(userID, r.deps, cache.ForUser(r.deps.Redis, userID))
	r.clients[userID] = c
	c.start()
	return c
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
