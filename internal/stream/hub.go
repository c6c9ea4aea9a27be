package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	applog "backend-pathtrack/internal/log"
	"backend-pathtrack/internal/tracking"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "pathtrack:"
	channelSuffix = ":snapshots"
)

// Hub fans path snapshots out to websocket clients, keyed by storage key.
// With a redis client it also relays snapshots between instances.
type Hub struct {
	redis  *redis.Client
	origin string
	log    *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	last    map[string][]byte

	cancel context.CancelFunc
	done   chan struct{}
}

type Client struct {
	Key  string
	Send chan []byte
}

// envelope is what travels over redis, so an instance can skip its own echo.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:   redisClient,
		origin:  uuid.NewString(),
		log:     applog.With("component", "stream"),
		clients: map[string]map[*Client]struct{}{},
		last:    map[string][]byte{},
		done:    make(chan struct{}),
	}

	if redisClient == nil {
		close(h.done)
		return h
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	pubsub := redisClient.PSubscribe(ctx, redisChannel("*"))
	go h.subscribeRedis(ctx, pubsub)
	return h
}

// Register adds a client. Its first message is the latest snapshot seen for
// key, when there is one.
func (h *Hub) Register(key string) *Client {
	client := &Client{
		Key:  key,
		Send: make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[key] == nil {
		h.clients[key] = map[*Client]struct{}{}
	}
	h.clients[key][client] = struct{}{}
	if last, ok := h.last[key]; ok {
		client.Send <- last
	}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if keyClients, ok := h.clients[client.Key]; ok {
		if _, registered := keyClients[client]; !registered {
			return
		}
		delete(keyClients, client)
		if len(keyClients) == 0 {
			delete(h.clients, client.Key)
		}
		close(client.Send)
	}
}

// Clients is the number of local clients watching key.
func (h *Hub) Clients(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[key])
}

func (h *Hub) Broadcast(key string, payload []byte) {
	h.deliver(key, payload)

	if h.redis != nil {
		msg, err := json.Marshal(envelope{Origin: h.origin, Payload: payload})
		if err != nil {
			h.log.Error("encode relay message", "err", err)
			return
		}
		if err := h.redis.Publish(context.Background(), redisChannel(key), msg).Err(); err != nil {
			h.log.Warn("redis publish error", "err", err, "key", key)
		}
	}
}

// Forward broadcasts every snapshot from snapshots under key until the
// channel closes.
func (h *Hub) Forward(key string, snapshots <-chan tracking.Snapshot) {
	for snap := range snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			h.log.Error("encode snapshot", "err", err)
			continue
		}
		h.Broadcast(key, payload)
	}
}

// Close stops the redis relay and waits for it to exit.
func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

func (h *Hub) deliver(key string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[key] = payload
	for client := range h.clients[key] {
		// every message is a full snapshot, so a slow client only skips ahead
		select {
		case client.Send <- payload:
		default:
			h.log.Debug("client lagging, snapshot dropped", "key", key)
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context, pubsub *redis.PubSub) {
	defer close(h.done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn("bad relay message", "err", err, "channel", msg.Channel)
				continue
			}
			if env.Origin == h.origin {
				continue
			}
			key := keyFromChannel(msg.Channel)
			if key == "" {
				continue
			}
			h.deliver(key, env.Payload)
		}
	}
}

func redisChannel(key string) string {
	return channelPrefix + key + channelSuffix
}

func keyFromChannel(ch string) string {
	// pathtrack:{key}:snapshots
	if len(ch) <= len(channelPrefix)+len(channelSuffix) ||
		!strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
