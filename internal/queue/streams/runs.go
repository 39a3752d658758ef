package streams

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/council/internal/council"
)

// RunFinished is the v1 payload of council.run.finished.
type RunFinished struct {
	RunID          string    `json:"run_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Outcome        string    `json:"outcome"`
	Agents         []string  `json:"agents"`
	Responded      []string  `json:"responded"`
	Chairman       string    `json:"chairman"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DurationMS     int64     `json:"duration_ms"`
}

// RetentionSwept is the v1 payload of council.retention.swept.
type RetentionSwept struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
}

// RunObserver publishes every finished council run. Publish failures are
// logged; they never affect the run.
type RunObserver struct {
	pub    *Publisher
	logger *log.Logger
}

func NewRunObserver(pub *Publisher) *RunObserver {
	return &RunObserver{pub: pub, logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags)}
}

func (o *RunObserver) RunFinished(ctx context.Context, s council.RunSummary) {
	payload := RunFinished{
		RunID:          s.RunID,
		ConversationID: s.ConversationID,
		Outcome:        s.Outcome.String(),
		Agents:         nonNil(s.Agents),
		Responded:      nonNil(s.Responded),
		Chairman:       s.Chairman,
		Error:          s.Err,
		StartedAt:      s.StartedAt.UTC(),
		FinishedAt:     s.FinishedAt.UTC(),
		DurationMS:     s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := o.pub.PublishPayload(ctx, EventRunFinished, VersionV1, payload); err != nil {
		o.logger.Printf("publish run %s: %v", s.RunID, err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
