package streams

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Consumer reads a stream through a consumer group.
type Consumer struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	stream   string
	group    string
	name     string
	logger   *log.Logger
}

func NewConsumer(client redis.Cmdable, registry *SchemaRegistry, stream, group, name string) *Consumer {
	return &Consumer{
		client:   client,
		registry: registry,
		stream:   stream,
		group:    group,
		name:     name,
		logger:   log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// EnsureGroup creates the group at start, creating the stream if needed.
// An existing group is left untouched.
func (c *Consumer) EnsureGroup(ctx context.Context, start string) error {
	if start == "" {
		start = "$"
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Read returns up to count new entries, blocking at most block. Entries that
// fail to decode or validate are acknowledged and skipped.
func (c *Consumer) Read(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			env, err := c.decode(msg)
			if err != nil {
				c.logger.Printf("skip %s/%s: %v", c.stream, msg.ID, err)
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			out = append(out, Message{ID: msg.ID, Envelope: env})
		}
	}
	return out, nil
}

// Ack acknowledges processed entries.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// Tail reads until ctx ends, passing each message to fn and acknowledging
// it when fn succeeds.
func (c *Consumer) Tail(ctx context.Context, block time.Duration, fn func(Message) error) error {
	for {
		msgs, err := c.Read(ctx, 16, block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, m := range msgs {
			if err := fn(m); err != nil {
				return err
			}
			if err := c.Ack(ctx, m.ID); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) decode(msg redis.XMessage) (Envelope, error) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Envelope{}, fmt.Errorf("entry has no envelope field")
	}
	env, err := Decode(raw)
	if err != nil {
		return Envelope{}, err
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return Envelope{}, err
		}
	}
	return env, nil
}
