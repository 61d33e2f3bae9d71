package hub

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	Policy     Policy
	Limiter    *RateLimiter
}

// Hub relays websocket frames between the subscribers of a topic. It never
// interprets the frames.
type Hub struct {
	opts Options

	mu     sync.RWMutex
	topics map[domain.TopicName]map[*Client]struct{}
}

func New(opts Options) *Hub {
	if opts.Policy == nil {
		opts.Policy = KickPolicy{}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	return &Hub{
		opts:   opts,
		topics: make(map[domain.TopicName]map[*Client]struct{}),
	}
}

type TopicInfo struct {
	Topic       domain.TopicName `json:"topic"`
	Subscribers int              `json:"subscribers"`
}

func (h *Hub) join(c *Client) {
	h.mu.Lock()
	members, ok := h.topics[c.topic]
	if !ok {
		members = make(map[*Client]struct{})
		h.topics[c.topic] = members
	}
	members[c] = struct{}{}
	count := len(members)
	h.mu.Unlock()
	log.Info().Str("module", "hub").Str("topic", string(c.topic)).Str("client", c.token).Int("subscribers", count).Msg("joined")
}

func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	members := h.topics[c.topic]
	delete(members, c)
	if len(members) == 0 {
		delete(h.topics, c.topic)
	}
	h.mu.Unlock()
	h.opts.Limiter.Forget(c.token)
	log.Info().Str("module", "hub").Str("topic", string(c.topic)).Str("client", c.token).Msg("left")
}

// Relay hands data to every other subscriber of from's topic and returns
// how many accepted it.
func (h *Hub) Relay(from *Client, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.topics[from.topic] {
		if c == from {
			continue
		}
		err := c.TrySend(data)
		if err == nil {
			delivered++
			continue
		}
		if err != ErrBackpressure {
			continue
		}
		c.dropped.Add(1)
		switch h.opts.Policy.OnBackpressure(from.topic, c) {
		case KickClient:
			log.Warn().Str("module", "hub").Str("topic", string(from.topic)).Str("client", c.token).Msg("kicking slow client")
			c.Close()
		case DropFrame:
			log.Debug().Str("module", "hub").Str("topic", string(from.topic)).Str("client", c.token).Msg("dropped frame for slow client")
		}
	}
	return delivered
}

// Topics lists active topics ordered by name.
func (h *Hub) Topics() []TopicInfo {
	h.mu.RLock()
	out := make([]TopicInfo, 0, len(h.topics))
	for name, members := range h.topics {
		out = append(out, TopicInfo{Topic: name, Subscribers: len(members)})
	}
	h.mu.RUnlock()
	slices.SortFunc(out, func(a, b TopicInfo) int { return cmp.Compare(a.Topic, b.Topic) })
	return out
}
