package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/castlegate/arena/internal/obslog"
)

// Topic layout. Per-game topics preserve publish order; cross-topic ordering
// is not guaranteed, so handlers dedupe (by move seq for game events, by
// snapshot timestamp for presence).
const TopicPresence = "arena:presence"

func TopicGame(gameID string) string    { return "arena:game:" + strings.TrimSpace(gameID) }
func TopicGameCmd(gameID string) string { return "arena:gamecmd:" + strings.TrimSpace(gameID) }
func TopicIdentity(id string) string    { return "arena:ident:" + strings.TrimSpace(id) }

// Handler receives the decoded payload of one bus frame.
type Handler func(topic string, payload []byte)

type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Bus fans events out across server instances through Redis pub/sub.
// Delivery is at-least-once from the consumer's point of view; frames
// published by this instance are filtered out on receive so local state is
// never double-applied.
type Bus struct {
	rdb      *redis.Client
	serverID string

	mu     sync.Mutex
	closed bool
	subs   []*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func New(rdb *redis.Client, serverID string) *Bus {
	return &Bus{rdb: rdb, serverID: serverID}
}

// Publish marshals v and broadcasts it on topic.
func (b *Bus) Publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus marshal: %w", err)
	}
	raw, err := json.Marshal(envelope{Origin: b.serverID, Payload: payload})
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, topic, raw).Err(); err != nil {
		return fmt.Errorf("bus publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts consuming topic until the returned cancel func runs or the
// bus closes. Frames originating from this instance are dropped.
func (b *Bus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.rdb.Subscribe(ctx, topic)
	sub := &subscription{pubsub: pubsub, cancel: cancel}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	// Wait for the subscription to be established so callers can publish
	// immediately after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("bus subscribe %s: %w", topic, err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				obslog.L().Warn("bus_bad_frame", zap.String("topic", msg.Channel), zap.Error(err))
				continue
			}
			if env.Origin == b.serverID {
				continue
			}
			h(msg.Channel, env.Payload)
		}
	}()

	once := sync.Once{}
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}, nil
}

// Close tears down every live subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.cancel()
		_ = s.pubsub.Close()
	}
	b.subs = nil
}

// ParseRedisURL turns redis:// or rediss:// URLs into client options.
func ParseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
