package council

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExecutorYieldsInCompletionOrder(t *testing.T) {
	delays := map[string]time.Duration{"a": 60 * time.Millisecond, "b": 5 * time.Millisecond, "c": 30 * time.Millisecond}
	inv := newFakeInvoker(func(ctx context.Context, _ stageKind, agent string) (Response, error) {
		if err := sleepOrDone(ctx, delays[agent]); err != nil {
			return Response{}, err
		}
		return Response{Content: "answer " + agent}, nil
	})
	ex := &Executor{Invoker: inv}
	seq := ex.Run(context.Background(), NewFlag(), []string{"a", "b", "c"}, []Message{{Role: "user", Content: "q"}})

	var order []string
	for {
		c, ok := seq.Next()
		if !ok {
			break
		}
		if c.Err != nil {
			t.Fatalf("unexpected error for %s: %v", c.Agent, c.Err)
		}
		if c.Response.Content != "answer "+c.Agent {
			t.Fatalf("response mismatch for %s: %q", c.Agent, c.Response.Content)
		}
		order = append(order, c.Agent)
	}
	if seq.Cancelled() {
		t.Fatalf("sequence should not be cancelled")
	}
	if fmt.Sprint(order) != "[b c a]" {
		t.Fatalf("expected completion order [b c a], got %v", order)
	}
	if _, ok := seq.Next(); ok {
		t.Fatalf("exhausted sequence must stay exhausted")
	}
}

func TestExecutorEmptyAgentSet(t *testing.T) {
	ex := &Executor{Invoker: newFakeInvoker(nil)}
	seq := ex.Run(context.Background(), NewFlag(), nil, nil)
	if _, ok := seq.Next(); ok {
		t.Fatalf("expected no completions")
	}
	if seq.Cancelled() {
		t.Fatalf("empty sequence is not cancelled")
	}
}

func TestExecutorFailureIsolatedToAgent(t *testing.T) {
	inv := newFakeInvoker(func(_ context.Context, _ stageKind, agent string) (Response, error) {
		if agent == "bad" {
			return Response{}, errBoom
		}
		return Response{Content: "ok"}, nil
	})
	seq := (&Executor{Invoker: inv}).Run(context.Background(), NewFlag(), []string{"good", "bad"}, nil)
	got := map[string]error{}
	for {
		c, ok := seq.Next()
		if !ok {
			break
		}
		got[c.Agent] = c.Err
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(got))
	}
	if got["good"] != nil {
		t.Fatalf("good agent failed: %v", got["good"])
	}
	if !errors.Is(got["bad"], ErrTransport) || !errors.Is(got["bad"], errBoom) {
		t.Fatalf("expected transport-classified error, got %v", got["bad"])
	}
}

func TestExecutorCancellationStopsDelivery(t *testing.T) {
	stopped := make(chan string, 2)
	inv := newFakeInvoker(func(ctx context.Context, _ stageKind, agent string) (Response, error) {
		if agent == "fast" {
			return Response{Content: "fast"}, nil
		}
		<-ctx.Done()
		stopped <- agent
		return Response{}, ctx.Err()
	})
	flag := NewFlag()
	seq := (&Executor{Invoker: inv}).Run(context.Background(), flag, []string{"fast", "slow1", "slow2"}, nil)

	c, ok := seq.Next()
	if !ok || c.Agent != "fast" {
		t.Fatalf("expected fast completion first, got %+v ok=%v", c, ok)
	}
	flag.Set()
	if _, ok := seq.Next(); ok {
		t.Fatalf("no completion may be delivered after cancellation")
	}
	if !seq.Cancelled() {
		t.Fatalf("sequence should report cancellation")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatalf("in-flight invocations were not cancelled")
		}
	}
}

func TestExecutorRespectsConcurrencyLimit(t *testing.T) {
	inv := newFakeInvoker(func(ctx context.Context, _ stageKind, _ string) (Response, error) {
		if err := sleepOrDone(ctx, 20*time.Millisecond); err != nil {
			return Response{}, err
		}
		return Response{Content: "x"}, nil
	})
	agents := []string{"a", "b", "c", "d", "e"}
	seq := (&Executor{Invoker: inv, MaxConcurrent: 2}).Run(context.Background(), NewFlag(), agents, nil)
	n := 0
	for {
		if _, ok := seq.Next(); !ok {
			break
		}
		n++
	}
	if n != len(agents) {
		t.Fatalf("expected %d completions, got %d", len(agents), n)
	}
	inv.mu.Lock()
	peak := inv.peak
	inv.mu.Unlock()
	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent invocations, saw %d", peak)
	}
}

func TestExecutorRecoversInvokerPanic(t *testing.T) {
	inv := newFakeInvoker(func(context.Context, stageKind, string) (Response, error) {
		panic("kaboom")
	})
	seq := (&Executor{Invoker: inv}).Run(context.Background(), NewFlag(), []string{"a"}, nil)
	c, ok := seq.Next()
	if !ok {
		t.Fatalf("expected a completion")
	}
	if !errors.Is(c.Err, ErrBadResponse) {
		t.Fatalf("expected bad response error, got %v", c.Err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		in   error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("wrapped: %w", ErrBadResponse), "bad_response"},
		{errBoom, "transport"},
		{context.Canceled, "cancelled"},
	}
	for _, tc := range cases {
		if got := failureKind(classify(tc.in)); got != tc.want {
			t.Fatalf("classify(%v): expected %s, got %s", tc.in, tc.want, got)
		}
	}
}
