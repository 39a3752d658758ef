package council

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var councilTracer = otel.Tracer("council/orchestrator")

// ErrCancelled is returned by Run when the run was cancelled.
var ErrCancelled = errors.New("run cancelled")

// State is the orchestrator's position in a run.
type State int

const (
	StateIdle State = iota
	StateStage1
	StateStage2
	StateStage3
	StateDone
	StateCancelled
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStage1:
		return "stage1"
	case StateStage2:
		return "stage2"
	case StateStage3:
		return "stage3"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request describes one council run.
type Request struct {
	RunID          string
	ConversationID string
	// Query is sent to every agent, already augmented with attachments.
	Query string
	// TitleFrom, when non-empty, starts title generation from this text.
	TitleFrom string
	Agents    []string
	Chairman  string
	// Probe reports whether the client is still connected. Optional.
	Probe Probe
	// Flag lets the transport cancel the run directly. Optional.
	Flag *Flag
}

// Options wires an Orchestrator.
type Options struct {
	Invoker         Invoker
	Titler          TitleGenerator
	Recorder        Recorder
	Observer        RunObserver
	Logger          *log.Logger
	DefaultAgents   []string
	DefaultChairman string
	MaxConcurrent   int
	PollInterval    time.Duration
	EventBuffer     int
}

// Orchestrator drives runs through the three stages.
type Orchestrator struct {
	executor        *Executor
	titler          TitleGenerator
	recorder        Recorder
	observer        RunObserver
	logger          *log.Logger
	defaultAgents   []string
	defaultChairman string
	pollInterval    time.Duration
	eventBuffer     int

	// beforeStage is called on the run goroutine before each stage starts.
	beforeStage func(State)
}

// NewOrchestrator returns an orchestrator with defaults filled in.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[COUNCIL] ", log.LstdFlags)
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Orchestrator{
		executor:        &Executor{Invoker: opts.Invoker, MaxConcurrent: opts.MaxConcurrent},
		titler:          opts.Titler,
		recorder:        opts.Recorder,
		observer:        opts.Observer,
		logger:          logger,
		defaultAgents:   dedupe(opts.DefaultAgents),
		defaultChairman: opts.DefaultChairman,
		pollInterval:    opts.PollInterval,
		eventBuffer:     buffer,
	}
}

// run holds everything owned by one run's producer goroutine.
type run struct {
	o         *Orchestrator
	req       Request
	agents    []string
	chairman  string
	flag      *Flag
	out       chan<- Event
	state     State
	terminal  bool
	err       error
	responded []string
	result    AssistantMessage
	title     string
}

// Stream starts a run and returns its events. The channel is closed after
// the terminal event; callers must drain it until then. The run is detached
// from ctx cancellation: only the flag or the probe can cancel it.
func (o *Orchestrator) Stream(ctx context.Context, req Request) <-chan Event {
	ch, _ := o.start(ctx, req)
	return ch
}

// Run executes a run to completion without streaming and returns the
// persisted assistant message.
func (o *Orchestrator) Run(ctx context.Context, req Request) (AssistantMessage, error) {
	ch, r := o.start(ctx, req)
	for range ch {
	}
	switch r.state {
	case StateDone:
		return r.result, nil
	case StateCancelled:
		return AssistantMessage{}, ErrCancelled
	default:
		if r.err == nil {
			r.err = errors.New("run ended unexpectedly")
		}
		return AssistantMessage{}, r.err
	}
}

func (o *Orchestrator) start(ctx context.Context, req Request) (<-chan Event, *run) {
	out := make(chan Event, o.eventBuffer)
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	flag := req.Flag
	if flag == nil {
		flag = NewFlag()
	}
	r := &run{o: o, req: req, flag: flag, out: out}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		started := time.Now()
		r.execute(runCtx)
		close(out)
		finished := time.Now()
		recordRun(runCtx, r.state, finished.Sub(started))
		if o.observer != nil {
			o.observer.RunFinished(runCtx, r.summary(started, finished))
		}
	}()
	return out, r
}

func (r *run) execute(ctx context.Context) {
	ctx, span := councilTracer.Start(ctx, "council.run", trace.WithAttributes(
		attribute.String("run.id", r.req.RunID),
		attribute.String("conversation.id", r.req.ConversationID),
	))
	defer span.End()

	monitor := StartMonitor(ctx, r.flag, r.req.Probe, r.o.pollInterval)
	defer monitor.Stop()

	defer func() {
		if p := recover(); p != nil {
			r.o.logger.Printf("run %s: panic: %v", r.req.RunID, p)
			r.fail(fmt.Errorf("internal error: %v", p))
		}
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
		}
		span.SetAttributes(attribute.String("run.outcome", r.state.String()))
	}()

	r.agents = dedupe(r.req.Agents)
	if len(r.agents) == 0 {
		r.agents = r.o.defaultAgents
	}
	r.chairman = r.req.Chairman
	if r.chairman == "" {
		r.chairman = r.o.defaultChairman
	}
	if len(r.agents) == 0 {
		r.fail(ErrNoAgents)
		return
	}
	if r.chairman == "" {
		r.fail(errors.New("no chairman configured"))
		return
	}

	titleCtx, cancelTitle := context.WithCancel(ctx)
	defer cancelTitle()
	titleCh := r.startTitle(titleCtx)

	if !r.stage1(ctx) {
		return
	}
	if !r.stage2(ctx) {
		return
	}
	if !r.stage3(ctx) {
		return
	}
	r.finish(ctx, titleCh)
}

func (r *run) emit(ev Event) {
	if r.terminal {
		return
	}
	r.terminal = ev.Type.Terminal()
	r.out <- ev
}

// checkCancelled moves the run to CANCELLED if the flag is set.
func (r *run) checkCancelled() bool {
	if !r.flag.IsSet() {
		return false
	}
	r.cancel()
	return true
}

func (r *run) cancel() {
	if r.terminal {
		return
	}
	r.o.logger.Printf("run %s: cancelled during %s", r.req.RunID, r.state)
	r.state = StateCancelled
	r.emit(cancelledEvent())
}

func (r *run) fail(err error) {
	if r.terminal {
		return
	}
	r.state = StateError
	r.err = err
	r.o.logger.Printf("run %s: %v", r.req.RunID, err)
	r.emit(errorEvent(err))
}

// enter moves the run into next unless it was cancelled first.
func (r *run) enter(next State) bool {
	if r.o.beforeStage != nil {
		r.o.beforeStage(next)
	}
	if r.checkCancelled() {
		return false
	}
	r.state = next
	return true
}

func (r *run) startTitle(ctx context.Context) <-chan string {
	if r.req.TitleFrom == "" || r.o.titler == nil {
		return nil
	}
	ch := make(chan string, 1)
	go func() {
		title, err := r.o.titler.GenerateTitle(ctx, r.req.TitleFrom)
		if err != nil || title == "" {
			if err != nil && ctx.Err() == nil {
				r.o.logger.Printf("run %s: title generation failed: %v", r.req.RunID, err)
			}
			title = defaultTitle
		}
		ch <- title
	}()
	return ch
}

func (r *run) stage1(ctx context.Context) bool {
	if !r.enter(StateStage1) {
		return false
	}
	ctx, span := councilTracer.Start(ctx, "council.stage1", trace.WithAttributes(attribute.Int("agents", len(r.agents))))
	defer span.End()

	seq := r.o.executor.Run(ctx, r.flag, r.agents, []Message{{Role: "user", Content: r.req.Query}})
	defer seq.Close()
	reporter := &Reporter{
		Logger:  r.o.logger,
		Observe: func(c Completion) { recordInvocation(ctx, "stage1", c) },
	}
	results, cancelled := reporter.Consume(seq, r.emit)
	if cancelled {
		r.cancel()
		return false
	}
	r.result.Stage1 = results
	for _, res := range results {
		r.responded = append(r.responded, res.Model)
	}
	span.SetAttributes(attribute.Int("responded", len(results)))
	return true
}

func (r *run) stage2(ctx context.Context) bool {
	if !r.enter(StateStage2) {
		return false
	}
	ctx, span := councilTracer.Start(ctx, "council.stage2")
	defer span.End()
	r.emit(Event{Type: EventStage2Start})

	labeled := r.inSelectionOrder(r.result.Stage1)
	labels := NewLabelMap(labeled)
	rankings := make([]Stage2Ranking, 0, len(r.agents))
	if len(labeled) > 0 {
		seq := r.o.executor.Run(ctx, r.flag, r.agents, RankingMessages(r.req.Query, labeled))
		defer seq.Close()
		for {
			c, ok := seq.Next()
			if !ok {
				break
			}
			recordInvocation(ctx, "stage2", c)
			if c.Err != nil {
				r.o.logger.Printf("run %s: stage2: agent %s failed: %v", r.req.RunID, c.Agent, c.Err)
				continue
			}
			rankings = append(rankings, Stage2Ranking{
				Model:         c.Agent,
				Ranking:       c.Response.Content,
				ParsedRanking: ParseRanking(c.Response.Content),
			})
		}
		if seq.Cancelled() {
			r.cancel()
			return false
		}
	}
	rankings = r.rankingsInSelectionOrder(rankings)

	aggregate, err := Aggregate(rankings, labels)
	if err != nil {
		r.fail(fmt.Errorf("aggregate rankings: %w", err))
		return false
	}
	r.result.Stage2 = rankings
	r.result.Metadata = Metadata{LabelToModel: labels, AggregateRankings: aggregate}
	span.SetAttributes(attribute.Int("rankings", len(rankings)))
	if r.checkCancelled() {
		return false
	}
	meta := r.result.Metadata
	r.emit(Event{Type: EventStage2Complete, Data: rankings, Metadata: &meta})
	return true
}

func (r *run) stage3(ctx context.Context) bool {
	if !r.enter(StateStage3) {
		return false
	}
	ctx, span := councilTracer.Start(ctx, "council.stage3", trace.WithAttributes(attribute.String("chairman", r.chairman)))
	defer span.End()
	r.emit(Event{Type: EventStage3Start})

	seq := r.o.executor.Run(ctx, r.flag, []string{r.chairman}, ChairmanMessages(r.req.Query, r.result.Stage1, r.result.Stage2))
	defer seq.Close()
	c, ok := seq.Next()
	if !ok {
		r.cancel()
		return false
	}
	recordInvocation(ctx, "stage3", c)
	if c.Err != nil {
		r.fail(fmt.Errorf("chairman %s: %w", r.chairman, c.Err))
		return false
	}
	if r.checkCancelled() {
		return false
	}
	r.result.Stage3 = Stage3Result{Model: r.chairman, Response: c.Response.Content}
	r.emit(Event{Type: EventStage3Complete, Data: r.result.Stage3})
	return true
}

func (r *run) finish(ctx context.Context, titleCh <-chan string) {
	if titleCh != nil {
		select {
		case r.title = <-titleCh:
		case <-r.flag.Done():
		}
	}
	if r.checkCancelled() {
		return
	}
	if rec := r.o.recorder; rec != nil && r.req.ConversationID != "" {
		if err := rec.AppendAssistantMessage(ctx, r.req.ConversationID, r.result); err != nil {
			r.fail(fmt.Errorf("persist assistant message: %w", err))
			return
		}
		if r.title != "" {
			if err := rec.SetTitle(ctx, r.req.ConversationID, r.title); err != nil {
				r.o.logger.Printf("run %s: set title: %v", r.req.RunID, err)
			}
		}
	}
	r.state = StateDone
	if r.title != "" {
		r.emit(Event{Type: EventTitleComplete, Data: TitleData{Title: r.title}})
	}
	r.emit(Event{Type: EventComplete})
}

// inSelectionOrder sorts results by the position of their agent in the
// selection so labels do not depend on completion timing.
func (r *run) inSelectionOrder(results []Stage1Result) []Stage1Result {
	pos := r.positions()
	out := append([]Stage1Result(nil), results...)
	sort.SliceStable(out, func(i, j int) bool { return pos[out[i].Model] < pos[out[j].Model] })
	return out
}

func (r *run) rankingsInSelectionOrder(rankings []Stage2Ranking) []Stage2Ranking {
	pos := r.positions()
	sort.SliceStable(rankings, func(i, j int) bool { return pos[rankings[i].Model] < pos[rankings[j].Model] })
	return rankings
}

func (r *run) positions() map[string]int {
	pos := make(map[string]int, len(r.agents))
	for i, a := range r.agents {
		pos[a] = i
	}
	return pos
}

func (r *run) summary(started, finished time.Time) RunSummary {
	s := RunSummary{
		RunID:          r.req.RunID,
		ConversationID: r.req.ConversationID,
		Outcome:        r.state,
		Agents:         append([]string(nil), r.agents...),
		Responded:      append([]string(nil), r.responded...),
		Chairman:       r.chairman,
		StartedAt:      started,
		FinishedAt:     finished,
	}
	if r.err != nil {
		s.Err = r.err.Error()
	}
	return s
}
