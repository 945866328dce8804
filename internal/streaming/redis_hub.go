package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "genchain:events:"

// RedisHub is an EventHub over Redis pub/sub, so an event recorded by the
// instance that took a webhook reaches subscribers on every instance.
type RedisHub struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisHub(client *redis.Client, logger *slog.Logger) *RedisHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, logger: logger}
}

func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, redisChannelPrefix+event.SubjectID, data).Err()
}

// Subscribe listens on one subject's channel, or on all of them when the
// filter names no subject. The subscription is confirmed before returning.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var ps *redis.PubSub
	if filter.SubjectID != "" {
		ps = h.client.Subscribe(ctx, redisChannelPrefix+filter.SubjectID)
	} else {
		ps = h.client.PSubscribe(ctx, redisChannelPrefix+"*")
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					h.logger.Warn("drop malformed stream event", "channel", msg.Channel, "error", err)
					continue
				}
				if !filter.Matches(event) {
					continue
				}
				select {
				case out <- event:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}
