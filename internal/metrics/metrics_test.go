package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsKeeperTotals(t *testing.T) {
	m := NewMetricsKeeper(time.Minute)
	m.Add(SglangInputTokens, 100)
	m.Add(SglangInputTokens, 50)
	m.Add(SglangOutputTokens, 10)

	assert.Equal(t, int64(150), m.Total(SglangInputTokens))
	assert.Equal(t, int64(10), m.Total(SglangOutputTokens))
	assert.Zero(t, m.Total(FinishedInputTokens))
}

func TestMetricsKeeperWindowPruning(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMetricsKeeper(time.Minute)
	m.now = func() time.Time { return clock }
	m.start = clock

	m.Add(SglangInputTokens, 100)
	clock = clock.Add(2 * time.Minute)
	m.Add(SglangInputTokens, 30)

	// The old sample fell out of the window; the lifetime total keeps it.
	assert.Equal(t, int64(130), m.Total(SglangInputTokens))
	assert.Len(t, m.samples, 1)
}

func TestMetricsKeeperString(t *testing.T) {
	m := NewMetricsKeeper(time.Minute)
	m.Add(SglangInputTokens, 42)

	out := m.String()
	assert.Contains(t, out, SglangInputTokens)
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "uptime")
}

func TestStatusTrackerLifecycle(t *testing.T) {
	tr := NewStatusTracker()
	tr.Track(1, "doc.pdf-1", TaskStarted)
	tr.Track(1, "doc.pdf-1", TaskFinished)
	tr.Track(1, "doc.pdf-2", TaskErrored)

	state, ok := tr.State(1, "doc.pdf-1")
	assert.True(t, ok)
	assert.Equal(t, TaskFinished, state)

	table := tr.StatusTable()
	assert.True(t, strings.HasPrefix(table, "worker"))
	assert.Contains(t, table, "1")

	tr.ClearWork(1)
	_, ok = tr.State(1, "doc.pdf-1")
	assert.False(t, ok)
	assert.Contains(t, tr.StatusTable(), "no active workers")
}
