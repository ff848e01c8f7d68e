// Package metrics holds the process-wide counters and the live per-worker
// task table consumed by the periodic reporter. Everything here is
// in-memory only; nothing survives a restart.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric names tracked by the pipeline.
const (
	SglangInputTokens    = "sglang_input_tokens"
	SglangOutputTokens   = "sglang_output_tokens"
	FinishedInputTokens  = "finished_input_tokens"
	FinishedOutputTokens = "finished_output_tokens"
)

type sample struct {
	at     time.Time
	name   string
	amount int64
}

// MetricsKeeper accumulates named counters with lifetime totals and a
// sliding-window rate. Safe for concurrent increment.
type MetricsKeeper struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	start   time.Time
	totals  map[string]int64
	samples []sample
}

// NewMetricsKeeper creates a keeper with the given rate window.
func NewMetricsKeeper(window time.Duration) *MetricsKeeper {
	m := &MetricsKeeper{
		window: window,
		now:    time.Now,
		totals: make(map[string]int64),
	}
	m.start = m.now()
	return m
}

// Add increments a named counter.
func (m *MetricsKeeper) Add(name string, amount int64) {
	if amount == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.totals[name] += amount
	m.samples = append(m.samples, sample{at: now, name: name, amount: amount})
	m.prune(now)
}

// Total returns the lifetime total for a counter.
func (m *MetricsKeeper) Total(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[name]
}

func (m *MetricsKeeper) prune(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for ; i < len(m.samples); i++ {
		if m.samples[i].at.After(cutoff) {
			break
		}
	}
	m.samples = m.samples[i:]
}

// String renders a table of totals and windowed per-second rates.
func (m *MetricsKeeper) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.prune(now)

	windowed := make(map[string]int64)
	for _, s := range m.samples {
		windowed[s.name] += s.amount
	}

	names := make([]string, 0, len(m.totals))
	for name := range m.totals {
		names = append(names, name)
	}
	sort.Strings(names)

	elapsed := now.Sub(m.start).Seconds()
	windowSec := m.window.Seconds()
	if span := now.Sub(m.start).Seconds(); span < windowSec {
		windowSec = span
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %14s %14s\n", "metric", "total", "rate/s")
	for _, name := range names {
		rate := 0.0
		if windowSec > 0 {
			rate = float64(windowed[name]) / windowSec
		}
		fmt.Fprintf(&b, "%-24s %14d %14.1f\n", name, m.totals[name], rate)
	}
	fmt.Fprintf(&b, "uptime: %.0fs", elapsed)
	return b.String()
}
