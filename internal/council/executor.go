package council

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Completion is the outcome of one agent invocation.
type Completion struct {
	Agent    string
	Response Response
	Err      error
	Elapsed  time.Duration
}

// Executor fans one message list out to many agents concurrently.
type Executor struct {
	Invoker Invoker
	// MaxConcurrent bounds in-flight invocations; zero means unbounded.
	MaxConcurrent int
}

// Sequence yields completions in the order they finish. It is lazy, finite
// and cannot be restarted.
type Sequence struct {
	flag      *Flag
	ch        <-chan Completion
	cancel    context.CancelFunc
	total     int
	done      bool
	cancelled bool
}

// Run starts one invocation per agent and returns immediately. The run
// context of every in-flight invocation is cancelled as soon as flag is set.
func (e *Executor) Run(ctx context.Context, flag *Flag, agents []string, messages []Message) *Sequence {
	if flag == nil {
		flag = NewFlag()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Completion, len(agents))
	seq := &Sequence{flag: flag, ch: ch, cancel: cancel, total: len(agents)}
	if len(agents) == 0 {
		close(ch)
		seq.done = true
		cancel()
		return seq
	}

	go func() {
		select {
		case <-flag.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	var sem chan struct{}
	if e.MaxConcurrent > 0 {
		sem = make(chan struct{}, e.MaxConcurrent)
	}

	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-runCtx.Done():
					ch <- Completion{Agent: agent, Err: runCtx.Err()}
					return
				}
			}
			ch <- e.invoke(runCtx, agent, messages)
		}(agent)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return seq
}

func (e *Executor) invoke(ctx context.Context, agent string, messages []Message) (c Completion) {
	start := time.Now()
	c.Agent = agent
	defer func() {
		if r := recover(); r != nil {
			c.Response = Response{}
			c.Err = fmt.Errorf("%w: invoker panic: %v", ErrBadResponse, r)
		}
		c.Elapsed = time.Since(start)
	}()
	if e.Invoker == nil {
		c.Err = fmt.Errorf("%w: no invoker configured", ErrTransport)
		return c
	}
	local := make([]Message, len(messages))
	copy(local, messages)
	resp, err := e.Invoker.Invoke(ctx, agent, local)
	if err != nil {
		c.Err = classify(err)
		return c
	}
	c.Response = resp
	return c
}

// classify wraps an invoker error with the matching sentinel unless it
// already carries one.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrAgentTimeout), errors.Is(err, ErrBadResponse), errors.Is(err, ErrTransport):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrAgentTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

// Next returns the next completion. It returns false once every invocation
// has been delivered or the flag is set. The flag is checked before every
// delivery, so completions buffered after cancellation are never returned.
func (s *Sequence) Next() (Completion, bool) {
	if s.done {
		return Completion{}, false
	}
	if s.flag.IsSet() {
		s.finish(true)
		return Completion{}, false
	}
	select {
	case c, ok := <-s.ch:
		if !ok {
			s.finish(false)
			return Completion{}, false
		}
		if s.flag.IsSet() {
			s.finish(true)
			return Completion{}, false
		}
		return c, true
	case <-s.flag.Done():
		s.finish(true)
		return Completion{}, false
	}
}

// Total is the number of agents the sequence was started with.
func (s *Sequence) Total() int { return s.total }

// Cancelled reports whether the sequence ended because the flag was set.
func (s *Sequence) Cancelled() bool { return s.cancelled }

// Close abandons the sequence and cancels any invocation still running.
func (s *Sequence) Close() {
	if !s.done {
		s.finish(s.flag.IsSet())
	}
}

func (s *Sequence) finish(cancelled bool) {
	s.done = true
	s.cancelled = cancelled
	s.cancel()
}
