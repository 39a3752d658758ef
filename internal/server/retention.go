package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/queue/streams"
	"github.com/redis/go-redis/v9"
)

const retentionLockKey = "council:retention:lock"

// releaseLock deletes the lock only while it still holds our token, so an
// expired lock taken over by another replica is left alone.
var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Retainer deletes conversations older than a cutoff.
type Retainer interface {
	DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically deletes old conversations. With several replicas a
// Redis lock keeps a single sweep per tick.
type Sweeper struct {
	Store     Retainer
	Rdb       redis.Cmdable
	Publisher *streams.Publisher
	MaxAge    time.Duration
	LockTTL   time.Duration

	schedule *cronexpr.Expression
	now      func() time.Time
	logger   *log.Logger
}

func NewSweeper(cfg config.RetentionConfig, st Retainer, rdb redis.Cmdable, pub *streams.Publisher) (*Sweeper, error) {
	expr, err := cronexpr.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("retention.cron: %w", err)
	}
	return &Sweeper{
		Store:     st,
		Rdb:       rdb,
		Publisher: pub,
		MaxAge:    cfg.MaxAge,
		LockTTL:   5 * time.Minute,
		schedule:  expr,
		now:       time.Now,
		logger:    log.New(log.Writer(), "[RETENTION] ", log.LstdFlags),
	}, nil
}

// Next returns the next sweep time after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Run sweeps on schedule until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		next := s.Next(s.now())
		if next.IsZero() {
			return fmt.Errorf("retention schedule has no future run")
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Printf("sweep failed: %v", err)
		}
	}
}

// Sweep deletes conversations older than MaxAge. It returns 0 without
// error when another replica holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.Rdb != nil {
		token := uuid.NewString()
		ok, err := s.Rdb.SetNX(ctx, retentionLockKey, token, s.LockTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			s.logger.Printf("sweep skipped, lock held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := releaseLock.Run(context.WithoutCancel(ctx), s.Rdb, []string{retentionLockKey}, token).Err(); err != nil {
				s.logger.Printf("release lock: %v", err)
			}
		}()
	}
	cutoff := s.now().Add(-s.MaxAge).UTC()
	deleted, err := s.Store.DeleteConversationsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Printf("deleted %d conversations created before %s", deleted, cutoff.Format(time.RFC3339))
	if s.Publisher != nil {
		payload := streams.RetentionSwept{Cutoff: cutoff, Deleted: deleted}
		if _, err := s.Publisher.PublishPayload(ctx, streams.EventRetentionSwept, streams.VersionV1, payload); err != nil {
			s.logger.Printf("publish sweep: %v", err)
		}
	}
	return deleted, nil
}
