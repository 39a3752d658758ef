package council

import (
	"log"
	"time"
)

// Reporter turns a stage 1 completion sequence into progress events.
type Reporter struct {
	Logger *log.Logger
	// Observe, when set, sees every completion including failures.
	Observe func(Completion)
}

// Consume drains seq, calling emit with stage1_start, one stage1_progress per
// successful agent and, unless the run was cancelled, stage1_complete. It
// returns the successful results in completion order and whether the
// sequence ended by cancellation.
func (r *Reporter) Consume(seq *Sequence, emit func(Event)) ([]Stage1Result, bool) {
	total := seq.Total()
	emit(Event{Type: EventStage1Start, Data: StageStart{Total: total}})

	results := make([]Stage1Result, 0, total)
	seen := make(map[string]struct{}, total)
	completed := make([]string, 0, total)
	for {
		c, ok := seq.Next()
		if !ok {
			break
		}
		if r.Observe != nil {
			r.Observe(c)
		}
		if _, dup := seen[c.Agent]; dup {
			continue
		}
		if c.Err != nil {
			r.logf("stage1: agent %s failed after %s: %v", c.Agent, c.Elapsed.Round(time.Millisecond), c.Err)
			continue
		}
		seen[c.Agent] = struct{}{}
		completed = append(completed, c.Agent)
		results = append(results, Stage1Result{Model: c.Agent, Response: c.Response.Content})
		emit(Event{Type: EventStage1Progress, Data: Progress{
			Model:           c.Agent,
			Completed:       len(completed),
			Total:           total,
			CompletedAgents: append([]string(nil), completed...),
		}})
	}
	if seq.Cancelled() {
		return results, true
	}
	emit(Event{Type: EventStage1Complete, Data: results})
	return results, false
}

func (r *Reporter) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
