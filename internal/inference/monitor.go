package inference

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Log markers emitted by the serving subprocess.
const (
	fatalCorruptionMarker = "Detected errors during sampling"
	readyMarker           = "The server is fired up and ready to roll!"
)

var (
	runningReqRe = regexp.MustCompile(`#running-req: (\d+)`)
	queueReqRe   = regexp.MustCompile(`#queue-req: (\d+)`)
)

// grantCooldown is how long the server must report an empty queue after the
// last grant before the gate is widened again. It caps how fast concurrency
// ramps up against a just-started or just-recovered server.
const grantCooldown = 30 * time.Second

// backlogMonitor consumes the serving subprocess's log stream and adapts the
// admission gate to the server's self-reported backlog. A background ticker
// calls MaybeGrant once a second.
type backlogMonitor struct {
	gate *Gate
	now  func() time.Time

	// onFatal fires when the fatal-corruption marker appears; the pipeline
	// cannot continue past it.
	onFatal func()

	mu         sync.Mutex
	ready      bool
	lastGrant  time.Time
	runningReq int
	queuedReq  int
}

func newBacklogMonitor(gate *Gate, now func() time.Time, onFatal func()) *backlogMonitor {
	return &backlogMonitor{gate: gate, now: now, onFatal: onFatal}
}

// ProcessLine inspects one line of subprocess output.
func (m *backlogMonitor) ProcessLine(line string) {
	slog.Debug("sglang", "line", line)

	if strings.Contains(line, fatalCorruptionMarker) {
		slog.Error("Cannot continue, sampling errors detected, model is probably corrupt.")
		m.onFatal()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready && strings.Contains(line, readyMarker) {
		m.ready = true
		m.lastGrant = m.now()
	}

	if match := runningReqRe.FindStringSubmatch(line); match != nil {
		m.runningReq, _ = strconv.Atoi(match[1])
	}
	if match := queueReqRe.FindStringSubmatch(line); match != nil {
		m.queuedReq, _ = strconv.Atoi(match[1])
		slog.Info("Inference server backlog.", "running", m.runningReq, "queued", m.queuedReq)
	}
}

// MaybeGrant widens the gate by one permit when the server has been ready
// with an empty queue for a full cooldown window while every permit is held.
func (m *backlogMonitor) MaybeGrant() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready || m.queuedReq != 0 || !m.gate.Saturated() {
		return
	}
	if m.now().Sub(m.lastGrant) < grantCooldown {
		return
	}
	if m.gate.Grant() {
		m.lastGrant = m.now()
		slog.Info("Admission gate widened, allowing another worker to proceed.", "permits", m.gate.Permits())
	}
}

// resetReady marks the server not ready, used when the subprocess exits.
func (m *backlogMonitor) resetReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	m.runningReq = 0
	m.queuedReq = 0
}
