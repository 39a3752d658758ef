package council

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how often the monitor probes the client connection.
const DefaultPollInterval = 500 * time.Millisecond

// Flag is a set-once cancellation flag shared by every operation of a run.
type Flag struct {
	set  atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewFlag returns an unset flag.
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set marks the run cancelled. Calls after the first are no-ops.
func (f *Flag) Set() {
	f.once.Do(func() {
		f.set.Store(true)
		close(f.done)
	})
}

// IsSet reports whether the run was cancelled.
func (f *Flag) IsSet() bool { return f.set.Load() }

// Done is closed once the flag is set.
func (f *Flag) Done() <-chan struct{} { return f.done }

// Probe reports whether the client is still connected.
type Probe func(ctx context.Context) bool

// Monitor polls a Probe and sets the flag on the first disconnect.
type Monitor struct {
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// StartMonitor launches the polling goroutine. A nil probe yields a monitor
// that only waits to be stopped.
func StartMonitor(ctx context.Context, flag *Flag, probe Probe, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	m := &Monitor{stop: make(chan struct{})}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if probe == nil {
			<-m.stop
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-flag.Done():
				return
			case <-ticker.C:
				if !probe(ctx) {
					flag.Set()
					return
				}
			}
		}
	}()
	return m
}

// Stop ends polling and waits for the goroutine to exit. Safe to call twice.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}
