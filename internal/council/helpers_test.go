package council

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

type stageKind int

const (
	kindAnswer stageKind = iota
	kindRanking
	kindChairman
	kindTitle
)

func kindOf(messages []Message) stageKind {
	if len(messages) == 0 {
		return kindAnswer
	}
	content := messages[len(messages)-1].Content
	switch {
	case strings.Contains(content, "Chairman of an LLM Council"):
		return kindChairman
	case strings.Contains(content, rankingMarker):
		return kindRanking
	case strings.Contains(content, "Generate a very short title"):
		return kindTitle
	default:
		return kindAnswer
	}
}

// fakeInvoker answers per agent and stage with optional delays and errors.
type fakeInvoker struct {
	mu       sync.Mutex
	calls    map[stageKind][]string
	answer   func(ctx context.Context, kind stageKind, agent string) (Response, error)
	inflight int
	peak     int
}

func newFakeInvoker(answer func(ctx context.Context, kind stageKind, agent string) (Response, error)) *fakeInvoker {
	return &fakeInvoker{calls: map[stageKind][]string{}, answer: answer}
}

func (f *fakeInvoker) Invoke(ctx context.Context, agent string, messages []Message) (Response, error) {
	kind := kindOf(messages)
	f.mu.Lock()
	f.calls[kind] = append(f.calls[kind], agent)
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()
	return f.answer(ctx, kind, agent)
}

func (f *fakeInvoker) callsFor(kind stageKind) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[kind]...)
}

// sleepOrDone waits d or until ctx ends.
func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeRecorder struct {
	mu        sync.Mutex
	messages  []AssistantMessage
	titles    []string
	appendErr error
}

func (r *fakeRecorder) AppendAssistantMessage(_ context.Context, _ string, msg AssistantMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *fakeRecorder) SetTitle(_ context.Context, _ string, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}

func (r *fakeRecorder) persisted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type fakeTitler struct {
	title string
	err   error
}

func (t fakeTitler) GenerateTitle(context.Context, string) (string, error) {
	return t.title, t.err
}

type observerFunc func(RunSummary)

func (f observerFunc) RunFinished(_ context.Context, s RunSummary) { f(s) }

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func countType(events []Event, t EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func findEvent(events []Event, t EventType) (Event, bool) {
	for _, ev := range events {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}

var errBoom = errors.New("boom")
