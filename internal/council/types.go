// Package council runs a three stage deliberation over one user query: every
// selected agent answers independently, every agent ranks the anonymized
// answers of its peers, and a chairman agent synthesizes the final answer.
package council

import (
	"context"
	"errors"
	"time"
)

// Message is one chat turn sent to an agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the textual output of a single agent invocation.
type Response struct {
	Content          string `json:"content"`
	ReasoningDetails any    `json:"reasoning_details,omitempty"`
}

// Stage1Result is one agent's raw answer.
type Stage1Result struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// Stage2Ranking is one ranking agent's evaluation of the anonymized answers.
type Stage2Ranking struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking"`
}

// Stage3Result is the chairman's synthesized answer.
type Stage3Result struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// AggregateRanking is one agent's consensus score across all peer rankings.
type AggregateRanking struct {
	Model         string  `json:"model"`
	Score         int     `json:"score"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata accompanies stage 2 results; it is returned to clients but the
// label map is never reused across runs.
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// AssistantMessage is the persisted outcome of a completed run.
type AssistantMessage struct {
	Stage1   []Stage1Result  `json:"stage1"`
	Stage2   []Stage2Ranking `json:"stage2"`
	Stage3   Stage3Result    `json:"stage3"`
	Metadata Metadata        `json:"metadata"`
}

// Invoker performs one request/response exchange with an agent. Timeouts are
// owned by the implementation.
type Invoker interface {
	Invoke(ctx context.Context, agent string, messages []Message) (Response, error)
}

// TitleGenerator produces a short conversation title from the first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, firstMessage string) (string, error)
}

// Recorder persists the outcome of a completed run.
type Recorder interface {
	AppendAssistantMessage(ctx context.Context, conversationID string, msg AssistantMessage) error
	SetTitle(ctx context.Context, conversationID, title string) error
}

// RunObserver is told about every finished run, whatever its outcome.
type RunObserver interface {
	RunFinished(ctx context.Context, summary RunSummary)
}

// RunSummary describes a finished run for observers.
type RunSummary struct {
	RunID          string
	ConversationID string
	Outcome        State
	Agents         []string
	Responded      []string
	Chairman       string
	Err            string
	StartedAt      time.Time
	FinishedAt     time.Time
}

var (
	// ErrAgentTimeout marks an agent invocation that exceeded its deadline.
	ErrAgentTimeout = errors.New("agent timeout")
	// ErrBadResponse marks an agent reply that could not be used.
	ErrBadResponse = errors.New("agent bad response")
	// ErrTransport marks a failure to reach the agent at all.
	ErrTransport = errors.New("agent transport error")
	// ErrCorruptLabelMap is returned when labels and agents are not a bijection.
	ErrCorruptLabelMap = errors.New("corrupt label map")
	// ErrNoAgents is returned when a run is requested without any agent.
	ErrNoAgents = errors.New("no agents selected")
)

// failureKind maps an invocation error to a low cardinality label.
func failureKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAgentTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "transport"
	}
}

// dedupe keeps the first occurrence of every non-empty agent id.
func dedupe(agents []string) []string {
	seen := make(map[string]struct{}, len(agents))
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
