package reactive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

type changeMessage struct {
	Topics []string `json:"topics"`
}

// RedisRelay carries change topics between API instances over a Redis pub/sub
// channel. Every instance, including the sender, re-publishes received topics
// into its local Hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	retry   time.Duration
}

func NewRedisRelay(redisURL, channel string, hub *Hub) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRelayWithClient(client, channel, hub), nil
}

func NewRedisRelayWithClient(client *redis.Client, channel string, hub *Hub) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, hub: hub, retry: time.Second}
}

// Notify publishes topics to the shared channel. When Redis is unreachable the
// topics are still delivered to local subscribers.
func (r *RedisRelay) Notify(ctx context.Context, topics ...string) {
	if len(topics) == 0 {
		return
	}
	data, err := json.Marshal(changeMessage{Topics: topics})
	if err == nil {
		err = r.client.Publish(ctx, r.channel, data).Err()
	}
	if err != nil {
		log.WithError(err).WithField("topics", topics).Warn("relay publish failed, notifying locally")
		r.hub.Notify(ctx, topics...)
	}
}

// Run forwards relayed topics into the local hub until ctx is done,
// resubscribing when the pub/sub connection drops.
func (r *RedisRelay) Run(ctx context.Context) {
	for {
		r.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		log.WithField("channel", r.channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change changeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.WithError(err).Warn("unable to parse relayed change")
				continue
			}
			r.hub.Notify(ctx, change.Topics...)
		}
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
