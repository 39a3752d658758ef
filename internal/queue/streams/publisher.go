package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher appends schema checked envelopes to one Redis stream.
type Publisher struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	stream   string
	maxLen   int64
}

// NewPublisher writes to stream, trimming it to roughly maxLen entries when
// maxLen is positive. A nil registry skips payload validation.
func NewPublisher(client redis.Cmdable, registry *SchemaRegistry, stream string, maxLen int64) *Publisher {
	return &Publisher{client: client, registry: registry, stream: stream, maxLen: maxLen}
}

// Publish validates env and XADDs it, returning the stream entry id.
func (p *Publisher) Publish(ctx context.Context, env Envelope) (string, error) {
	if p.stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if err := env.Check(); err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return "", err
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{"envelope": raw, "event_type": env.EventType},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// PublishPayload wraps payload in a fresh envelope and publishes it.
func (p *Publisher) PublishPayload(ctx context.Context, eventType, version string, payload any) (string, error) {
	env, err := NewEnvelope(ctx, eventType, version, payload)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, env)
}
