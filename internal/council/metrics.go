package council

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	councilMetricsOnce sync.Once
	runsTotal          otelmetric.Int64Counter
	invocationsTotal   otelmetric.Int64Counter
	invocationLatency  otelmetric.Float64Histogram
	runDuration        otelmetric.Float64Histogram
)

func initCouncilMetrics() {
	meter := otel.Meter("council/orchestrator")
	var err error
	runsTotal, err = meter.Int64Counter(
		"council_runs_total",
		otelmetric.WithDescription("Council runs by terminal outcome"),
	)
	if err != nil {
		log.Printf("council metrics init: runs counter: %v", err)
	}
	invocationsTotal, err = meter.Int64Counter(
		"council_agent_invocations_total",
		otelmetric.WithDescription("Agent invocations by stage and result"),
	)
	if err != nil {
		log.Printf("council metrics init: invocations counter: %v", err)
	}
	invocationLatency, err = meter.Float64Histogram(
		"council_agent_latency_seconds",
		otelmetric.WithDescription("Latency of a single agent invocation"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("council metrics init: latency histogram: %v", err)
	}
	runDuration, err = meter.Float64Histogram(
		"council_run_duration_seconds",
		otelmetric.WithDescription("Wall time of a council run"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("council metrics init: run histogram: %v", err)
	}
}

func recordInvocation(ctx context.Context, stage string, c Completion) {
	councilMetricsOnce.Do(initCouncilMetrics)
	attrs := otelmetric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("result", failureKind(c.Err)),
	)
	if invocationsTotal != nil {
		invocationsTotal.Add(ctx, 1, attrs)
	}
	if invocationLatency != nil {
		invocationLatency.Record(ctx, c.Elapsed.Seconds(), attrs)
	}
}

func recordRun(ctx context.Context, outcome State, elapsed time.Duration) {
	councilMetricsOnce.Do(initCouncilMetrics)
	attrs := otelmetric.WithAttributes(attribute.String("outcome", outcome.String()))
	if runsTotal != nil {
		runsTotal.Add(ctx, 1, attrs)
	}
	if runDuration != nil {
		runDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
