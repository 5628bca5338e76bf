package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	redispkg "github.com/crestdesk/notify/pkg/redis"
)

// Stream abstracts the change-feed transport the manager subscribes to.
type Stream interface {
	Subscribe(ctx context.Context, userID uuid.UUID) (Subscription, error)
}

// Subscription is one open, row-filtered channel on the feed.
type Subscription interface {
	// Events yields raw payloads until the subscription closes.
	Events() <-chan []byte
	// Ping verifies the underlying channel is still live.
	Ping(ctx context.Context) error
	Close() error
}

// Publisher pushes row events onto the feed. Repositories use it after
// successful writes so same-process subscribers observe their own changes.
type Publisher interface {
	Publish(ctx context.Context, userID uuid.UUID, event Event) error
}

// RedisStream serves the change feed over per-user Redis pub/sub channels.
type RedisStream struct {
	client *redispkg.Client
}

// NewRedisStream wraps the shared redis client as a Stream and Publisher.
func NewRedisStream(client *redispkg.Client) (*RedisStream, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &RedisStream{client: client}, nil
}

func (s *RedisStream) Subscribe(ctx context.Context, userID uuid.UUID) (Subscription, error) {
	pubsub := s.client.SubscribeChanges(ctx, userID.String())
	// Receive forces the SUBSCRIBE handshake so failures surface here
	// instead of on the first read.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe changes for %s: %w", userID, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan []byte),
		done:   make(chan struct{}),
	}
	go sub.pump(pubsub.Channel())
	return sub, nil
}

func (s *RedisStream) Publish(ctx context.Context, userID uuid.UUID, event Event) error {
	payload, err := EncodeEvent(event)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	return s.client.PublishChange(ctx, userID.String(), payload)
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan []byte
	done   chan struct{}
	once   sync.Once
}

// pump copies feed payloads to the subscriber until the source closes or the
// subscription is closed. The select keeps an in-flight send from blocking
// past Close once the receiver is gone.
func (s *redisSubscription) pump(source <-chan *redis.Message) {
	defer close(s.events)
	for msg := range source {
		select {
		case s.events <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Events() <-chan []byte {
	return s.events
}

func (s *redisSubscription) Ping(ctx context.Context) error {
	return s.pubsub.Ping(ctx)
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	if s.pubsub == nil {
		return nil
	}
	return s.pubsub.Close()
}
