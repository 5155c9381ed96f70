package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is the session directory shared with transports running in other
// processes. They register their sessions in a set and receive messages on
// a per-session pub/sub channel.
//
//	<namespace>:sessions        SET of live session ids
//	<namespace>:session:<id>    pub/sub channel of outbound messages
type Redis struct {
	rdb       *redis.Client
	namespace string
}

// NewRedis connects to Redis. The namespace keeps several supervisors apart.
func NewRedis(opts *redis.Options, namespace string) (*Redis, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &Redis{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) setKey() string { return r.namespace + ":sessions" }

// Channel returns the pub/sub channel for a session.
func (r *Redis) Channel(id string) string { return r.namespace + ":session:" + id }

// Register marks a session live.
func (r *Redis) Register(ctx context.Context, id string) error {
	if err := r.rdb.SAdd(ctx, r.setKey(), id).Err(); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

// Unregister marks a session gone.
func (r *Redis) Unregister(ctx context.Context, id string) error {
	if err := r.rdb.SRem(ctx, r.setKey(), id).Err(); err != nil {
		return fmt.Errorf("unregister session: %w", err)
	}
	return nil
}

func (r *Redis) LiveSessions(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Send publishes msg to a registered session's channel.
func (r *Redis) Send(ctx context.Context, id string, msg json.RawMessage) error {
	live, err := r.rdb.SIsMember(ctx, r.setKey(), id).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !live {
		return ErrSessionNotFound
	}
	if err := r.rdb.Publish(ctx, r.Channel(id), []byte(msg)).Err(); err != nil {
		return fmt.Errorf("publish to session: %w", err)
	}
	return nil
}

// Subscription receives messages published for one session.
// Caller must call Close() when done.
type Subscription struct {
	messages <-chan json.RawMessage
	cancel   func()
	once     sync.Once
}

func (s *Subscription) Messages() <-chan json.RawMessage { return s.messages }

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe is the transport side: it receives what Send publishes for id.
// Delivery is at-most-once, as with any Redis pub/sub.
func (r *Redis) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, r.Channel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to session: %w", err)
	}

	out := make(chan json.RawMessage, 16)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- json.RawMessage(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{messages: out, cancel: cancel}, nil
}
