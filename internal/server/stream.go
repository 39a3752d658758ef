package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/council/internal/council"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type streamMetrics struct {
	active prometheus.Gauge
	events *prometheus.CounterVec
	drops  prometheus.Counter
}

func newStreamMetrics(reg prometheus.Registerer) *streamMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &streamMetrics{
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "council",
			Name:      "sse_active_streams",
			Help:      "Council event streams currently open.",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "council",
			Name:      "sse_events_written_total",
			Help:      "Council events written to clients by type.",
		}, []string{"type"}),
		drops: f.NewCounter(prometheus.CounterOpts{
			Namespace: "council",
			Name:      "sse_client_disconnects_total",
			Help:      "Streams whose client went away before the terminal event.",
		}),
	}
}

// sseWriter frames council events as `data: <json>\n\n`.
type sseWriter struct {
	resp    *echo.Response
	flusher http.Flusher
	metrics *streamMetrics
	logger  *log.Logger
	broken  bool
}

func newSSEWriter(resp *echo.Response, m *streamMetrics, logger *log.Logger) (*sseWriter, error) {
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{resp: resp, flusher: flusher, metrics: m, logger: logger}, nil
}

// pump writes events until the channel is closed. A failed write sets flag
// so the run cancels; the channel is still drained to its end.
func (w *sseWriter) pump(events <-chan council.Event, flag *council.Flag, heartbeat time.Duration) {
	w.metrics.active.Inc()
	defer w.metrics.active.Dec()

	var tick <-chan time.Time
	if heartbeat > 0 {
		t := time.NewTicker(heartbeat)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if w.broken {
				continue
			}
			if err := w.send(ev); err != nil {
				w.disconnect(flag, err)
			}
		case <-tick:
			if w.broken {
				continue
			}
			if err := w.write([]byte(": keep-alive\n\n")); err != nil {
				w.disconnect(flag, err)
			}
		}
	}
}

func (w *sseWriter) send(ev council.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		data, _ = json.Marshal(council.Event{Type: council.EventError, Message: fmt.Sprintf("encode %s: %v", ev.Type, err)})
	}
	if err := w.write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	w.metrics.events.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

func (w *sseWriter) write(b []byte) error {
	if _, err := w.resp.Write(b); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) disconnect(flag *council.Flag, err error) {
	w.broken = true
	w.metrics.drops.Inc()
	w.logger.Printf("stream client gone: %v", err)
	if flag != nil {
		flag.Set()
	}
}
