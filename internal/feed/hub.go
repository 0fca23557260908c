package feed

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"backend-uthutho/internal/logger"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "feed:"

type Hub struct {
	redis  *redis.Client
	pubsub *redis.PubSub
	relay  bool
	log    logrus.FieldLogger

	subs map[string]map[*Subscription]struct{}
	mu   sync.RWMutex
}

type Subscription struct {
	Filter Filter
	C      chan Change
}

// NewHub fans changes out to subscribers. With a reachable Redis every publish
// goes through Redis so subscribers on all instances see it exactly once;
// otherwise delivery is process-local.
func NewHub(redisClient *redis.Client, log logrus.FieldLogger) *Hub {
	h := &Hub{
		redis: redisClient,
		log:   logger.OrDiscard(log),
		subs:  map[string]map[*Subscription]struct{}{},
	}

	if redisClient != nil {
		pubsub := redisClient.PSubscribe(context.Background(), channelPrefix+"*")
		if _, err := pubsub.ReceiveTimeout(context.Background(), 2*time.Second); err != nil {
			h.log.WithError(err).Warn("feed relay unavailable, delivering locally")
			_ = pubsub.Close()
		} else {
			h.pubsub = pubsub
			h.relay = true
			go h.relayLoop(pubsub)
		}
	}
	return h
}

func (h *Hub) Subscribe(f Filter) *Subscription {
	sub := &Subscription{
		Filter: f,
		C:      make(chan Change, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	topic := f.topic()
	if h.subs[topic] == nil {
		h.subs[topic] = map[*Subscription]struct{}{}
	}
	h.subs[topic][sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	topic := sub.Filter.topic()
	subs, ok := h.subs[topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, topic)
	}
	close(sub.C)
}

func (h *Hub) Publish(ctx context.Context, change Change) {
	for _, topic := range change.topics() {
		if h.relay {
			payload, _ := json.Marshal(change)
			err := h.redis.Publish(ctx, channelPrefix+topic, payload).Err()
			if err == nil {
				continue
			}
			h.log.WithError(err).WithField("topic", topic).Warn("feed publish failed, delivering locally")
		}
		h.deliver(topic, change)
	}
}

// Close stops the Redis relay. Subscriptions stay registered.
func (h *Hub) Close() error {
	if h.pubsub == nil {
		return nil
	}
	return h.pubsub.Close()
}

func (h *Hub) relayLoop(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		topic := topicFromChannel(msg.Channel)
		if topic == "" {
			continue
		}
		var change Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			h.log.WithError(err).Warn("feed relay: bad payload")
			continue
		}
		h.deliver(topic, change)
	}
}

// deliver never blocks: a subscriber with a full buffer already has a pending
// refetch signal.
func (h *Hub) deliver(topic string, change Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[topic] {
		select {
		case sub.C <- change:
		default:
		}
	}
}

func topicFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) || len(ch) == len(channelPrefix) {
		return ""
	}
	return ch[len(channelPrefix):]
}
