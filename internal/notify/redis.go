package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"courier/internal/redis"
)

// RepliesChannel is the pub/sub channel replies are published on.
const RepliesChannel = "courier:replies"

// RedisPublisher publishes replies for out-of-process front-ends. Each
// published reply carries the publisher's origin so a process relaying the
// channel back into its own hub can drop what it already delivered.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	origin  string
}

func NewRedisPublisher(client *redis.Client, origin string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: RepliesChannel, origin: origin}
}

func (p *RedisPublisher) Deliver(ctx context.Context, r Reply) error {
	if r.Origin == "" {
		r.Origin = p.origin
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload); err != nil {
		return fmt.Errorf("publish reply: %w", err)
	}
	return nil
}

// Listen decodes replies from the channel until ctx ends.
func Listen(ctx context.Context, client *redis.Client, handle func(Reply)) error {
	sub, err := client.Subscribe(ctx, RepliesChannel)
	if err != nil {
		return err
	}
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var r Reply
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				continue
			}
			handle(r)
		}
	}
}

// Relay returns a Listen handler that hands replies published by other
// processes to local. Replies stamped with origin are skipped.
func Relay(ctx context.Context, origin string, local Notifier) func(Reply) {
	return func(r Reply) {
		if r.Origin == origin {
			return
		}
		_ = local.Deliver(ctx, r)
	}
}
