package clients

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "shelter:clients"

// RedisRelay fans broadcasts out to every replica subscribed to Channel.
type RedisRelay struct {
	Client  *redis.Client
	Channel string
	Hub     *Hub
}

func (r *RedisRelay) channel() string {
	if r.Channel == "" {
		return DefaultChannel
	}
	return r.Channel
}

func (r *RedisRelay) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.Client.Publish(ctx, r.channel(), raw).Err()
}

// Run delivers relayed messages to the local hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.Client.Subscribe(ctx, r.channel())
	defer sub.Close()

	// wait for the subscription so early publishes are not lost
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.Hub.log.Warn("dropping malformed relayed message", "error", err)
				continue
			}
			r.Hub.Deliver(msg)
		}
	}
}
