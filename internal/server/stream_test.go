package server

import (
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// brokenWriter accepts the headers and fails every body write.
type brokenWriter struct {
	header http.Header
	writes int
}

func (b *brokenWriter) Header() http.Header { return b.header }
func (b *brokenWriter) WriteHeader(int)     {}
func (b *brokenWriter) Flush()              {}
func (b *brokenWriter) Write([]byte) (int, error) {
	b.writes++
	return 0, errors.New("broken pipe")
}

func sendAll(events ...council.Event) <-chan council.Event {
	ch := make(chan council.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestSSEWriterFramesEvents(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	reg := prometheus.NewRegistry()
	m := newStreamMetrics(reg)
	w, err := newSSEWriter(echo.NewResponse(rec, e), m, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("newSSEWriter: %v", err)
	}
	w.pump(sendAll(
		council.Event{Type: council.EventStage1Start, Data: council.StageStart{Total: 1}},
		council.Event{Type: council.EventComplete},
	), council.NewFlag(), 0)

	body := rec.Body.String()
	if !strings.Contains(body, "data: {\"type\":\"stage1_start\",\"data\":{\"total\":1}}\n\n") {
		t.Fatalf("unexpected framing %q", body)
	}
	if rec.Header().Get(echo.HeaderCacheControl) != "no-cache" {
		t.Fatalf("missing cache header")
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("complete")); got != 1 {
		t.Fatalf("expected 1 complete event counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.active); got != 0 {
		t.Fatalf("active streams not released: %v", got)
	}
}

func TestSSEWriterSetsFlagOnWriteFailure(t *testing.T) {
	e := echo.New()
	bw := &brokenWriter{header: http.Header{}}
	m := newStreamMetrics(nil)
	// headers flush through WriteHeader; the first body write fails
	w, err := newSSEWriter(echo.NewResponse(bw, e), m, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("newSSEWriter: %v", err)
	}
	flag := council.NewFlag()
	w.pump(sendAll(
		council.Event{Type: council.EventStage1Start},
		council.Event{Type: council.EventStage1Progress},
		council.Event{Type: council.EventCancelled},
	), flag, 0)

	if !flag.IsSet() {
		t.Fatalf("write failure must set the cancellation flag")
	}
	if bw.writes != 1 {
		t.Fatalf("expected writes to stop after the failure, got %d", bw.writes)
	}
	if got := testutil.ToFloat64(m.drops); got != 1 {
		t.Fatalf("expected one disconnect, got %v", got)
	}
}

func TestSSEWriterHeartbeat(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	w, err := newSSEWriter(echo.NewResponse(rec, e), newStreamMetrics(nil), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("newSSEWriter: %v", err)
	}
	ch := make(chan council.Event)
	go func() {
		time.Sleep(60 * time.Millisecond)
		ch <- council.Event{Type: council.EventComplete}
		close(ch)
	}()
	w.pump(ch, council.NewFlag(), 10*time.Millisecond)
	if !strings.Contains(rec.Body.String(), ": keep-alive\n\n") {
		t.Fatalf("expected heartbeat comment in %q", rec.Body.String())
	}
}
