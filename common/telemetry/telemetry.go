package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/lyzr/analyzer/common/logger"
)

// Telemetry holds observability components. A nil *Telemetry is valid and records nothing.
type Telemetry struct {
	log       *logger.Logger
	pprofAddr string
	server    *http.Server

	mu     sync.Mutex
	phases map[string]*PhaseStats
	events map[string]int64
}

// PhaseStats aggregates durations for one operation
type PhaseStats struct {
	Count int64
	Total time.Duration
	Max   time.Duration
}

// New creates telemetry components
func New(pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:       log,
		pprofAddr: fmt.Sprintf("localhost:%d", pprofPort),
		phases:    make(map[string]*PhaseStats),
		events:    make(map[string]int64),
	}
}

// Start starts the pprof endpoint on localhost
func (t *Telemetry) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	t.server = &http.Server{Addr: t.pprofAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("pprof server error", "error", err)
		}
	}()

	return nil
}

// Shutdown stops the pprof endpoint
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.server == nil {
		return nil
	}
	return t.server.Shutdown(ctx)
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	if t == nil {
		return
	}
	duration := time.Since(start)

	t.mu.Lock()
	st, ok := t.phases[operation]
	if !ok {
		st = &PhaseStats{}
		t.phases[operation] = st
	}
	st.Count++
	st.Total += duration
	if duration > st.Max {
		st.Max = duration
	}
	t.mu.Unlock()

	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

// RecordEvent counts a named event and logs it with attrs
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.events[event]++
	t.mu.Unlock()

	t.log.Info("telemetry_event",
		"event", event,
		"attrs", attrs,
	)
}

// EventCount returns how many times event was recorded
func (t *Telemetry) EventCount(event string) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events[event]
}

// Snapshot returns a copy of the per-operation stats
func (t *Telemetry) Snapshot() map[string]PhaseStats {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]PhaseStats, len(t.phases))
	for k, v := range t.phases {
		out[k] = *v
	}
	return out
}
