package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock hands the monitor a controllable time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(t *testing.T, capacity int) (*backlogMonitor, *Gate, *fakeClock, *bool) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	gate := NewGate(capacity)
	fatal := false
	m := newBacklogMonitor(gate, clock.now, func() { fatal = true })
	return m, gate, clock, &fatal
}

// saturate drains every available permit so the gate reports saturation.
func saturate(t *testing.T, gate *Gate) {
	t.Helper()
	for !gate.Saturated() {
		require.NoError(t, gate.Acquire(context.Background()))
	}
}

func TestMonitorGrantsNothingBeforeReady(t *testing.T) {
	m, gate, clock, _ := newTestMonitor(t, 4)
	saturate(t, gate)

	m.ProcessLine("#running-req: 1, #queue-req: 0,")
	clock.advance(time.Hour)
	m.MaybeGrant()

	assert.Equal(t, 1, gate.Permits())
}

func TestMonitorGrantsAfterCooldown(t *testing.T) {
	m, gate, clock, _ := newTestMonitor(t, 4)
	saturate(t, gate)

	m.ProcessLine(readyMarker)
	m.ProcessLine("#running-req: 1, #queue-req: 0,")

	// Ready just now: inside the cooldown window, no grant.
	clock.advance(29 * time.Second)
	m.MaybeGrant()
	assert.Equal(t, 1, gate.Permits())

	clock.advance(2 * time.Second)
	m.MaybeGrant()
	assert.Equal(t, 2, gate.Permits())
}

func TestMonitorCooldownRestartsAfterEachGrant(t *testing.T) {
	m, gate, clock, _ := newTestMonitor(t, 4)
	saturate(t, gate)

	m.ProcessLine(readyMarker)
	clock.advance(31 * time.Second)
	m.MaybeGrant()
	saturate(t, gate)
	require.Equal(t, 2, gate.Permits())

	// Immediately after a grant the window is fresh again.
	m.MaybeGrant()
	assert.Equal(t, 2, gate.Permits())

	clock.advance(31 * time.Second)
	m.MaybeGrant()
	assert.Equal(t, 3, gate.Permits())
}

func TestMonitorHoldsWhileRequestsQueued(t *testing.T) {
	m, gate, clock, _ := newTestMonitor(t, 4)
	saturate(t, gate)

	m.ProcessLine(readyMarker)
	m.ProcessLine("#running-req: 7, #queue-req: 3,")
	clock.advance(time.Hour)
	m.MaybeGrant()
	assert.Equal(t, 1, gate.Permits())

	// Queue drains: growth resumes.
	m.ProcessLine("#running-req: 7, #queue-req: 0,")
	m.MaybeGrant()
	assert.Equal(t, 2, gate.Permits())
}

func TestMonitorHoldsWhileGateUnsaturated(t *testing.T) {
	m, gate, clock, _ := newTestMonitor(t, 4)

	// Nobody holds the permit, so there is no demand to grow for.
	m.ProcessLine(readyMarker)
	clock.advance(time.Hour)
	m.MaybeGrant()
	assert.Equal(t, 1, gate.Permits())
}

func TestMonitorFatalMarker(t *testing.T) {
	m, _, _, fatal := newTestMonitor(t, 4)

	m.ProcessLine("some prefix " + fatalCorruptionMarker + " some suffix")
	assert.True(t, *fatal)
}

func TestMonitorResetReady(t *testing.T) {
	m, gate, clock, _ := newTestMonitor(t, 4)
	saturate(t, gate)

	m.ProcessLine(readyMarker)
	clock.advance(time.Hour)
	m.resetReady()
	m.MaybeGrant()
	assert.Equal(t, 1, gate.Permits())
}

func TestMonitorParsesBacklogCounts(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, 4)

	m.ProcessLine("Decode batch. #running-req: 12, #token: 480, token usage: 0.02, #queue-req: 5,")
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 12, m.runningReq)
	assert.Equal(t, 5, m.queuedReq)
}
