package objectstore

import (
	"context"
	"fmt"
)

// Message is one item delivered to a Subscribe channel.
type Message struct {
	Topic   string
	Payload []byte
}

// Publish fans data out to every current subscriber of topic. Delivery is
// at-most-once: a subscriber that isn't listening when Publish runs never
// sees the message, matching Redis pub/sub semantics (no durable queue).
func (s *Store) Publish(ctx context.Context, topic string, data []byte) error {
	if err := s.rdb.Publish(ctx, topicChannel(topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns a channel of messages for topic. The caller must
// cancel ctx (or call the returned close func) to release the underlying
// Redis connection.
func (s *Store) Subscribe(ctx context.Context, topic string) (<-chan Message, func(), error) {
	sub := s.rdb.Subscribe(ctx, topicChannel(topic))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan Message, 64)
	redisCh := sub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				out <- Message{Topic: topic, Payload: []byte(msg.Payload)}
			}
		}
	}()

	return out, func() { sub.Close() }, nil
}

// Topics lists the topics the store currently has at least one active
// subscriber for.
func (s *Store) Topics(ctx context.Context) ([]string, error) {
	channels, err := s.rdb.PubSubChannels(ctx, topicChannel("*")).Result()
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	topics := make([]string, 0, len(channels))
	for _, c := range channels {
		topics = append(topics, topicFromChannel(c))
	}
	return topics, nil
}

// Peers reports the subscriber count for topic, the closest Redis
// equivalent to "how many peers are listening".
func (s *Store) Peers(ctx context.Context, topic string) (int, error) {
	counts, err := s.rdb.PubSubNumSub(ctx, topicChannel(topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("peers %s: %w", topic, err)
	}
	return int(counts[topicChannel(topic)]), nil
}

func topicChannel(topic string) string  { return "dim:topic:" + topic }
func topicFromChannel(ch string) string { return ch[len("dim:topic:"):] }
