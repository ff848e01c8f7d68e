package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TaskState is the lifecycle state of one page task as seen by the tracker.
type TaskState string

const (
	TaskStarted   TaskState = "started"
	TaskFinished  TaskState = "finished"
	TaskErrored   TaskState = "errored"
	TaskCancelled TaskState = "cancelled"
)

// StatusTracker keeps a live table of what each worker's page tasks are
// doing. Workers clear their slice of the table when they claim a new item.
type StatusTracker struct {
	mu      sync.Mutex
	workers map[int]map[string]TaskState
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{workers: make(map[int]map[string]TaskState)}
}

// Track records the state of a task, keyed by worker id and task name
// (source key plus page number).
func (t *StatusTracker) Track(workerID int, task string, state TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tasks, ok := t.workers[workerID]
	if !ok {
		tasks = make(map[string]TaskState)
		t.workers[workerID] = tasks
	}
	tasks[task] = state
}

// ClearWork drops all task state for a worker, called at the start of each
// claimed work item.
func (t *StatusTracker) ClearWork(workerID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.workers, workerID)
}

// State returns the recorded state for one task, with ok reporting whether
// the task is known.
func (t *StatusTracker) State(workerID int, task string) (TaskState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.workers[workerID][task]
	return state, ok
}

// StatusTable renders per-worker counts of tasks by state.
func (t *StatusTracker) StatusTable() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int, 0, len(t.workers))
	for id := range t.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %9s %9s %9s %9s\n", "worker", "started", "finished", "errored", "cancelled")
	for _, id := range ids {
		counts := map[TaskState]int{}
		for _, state := range t.workers[id] {
			counts[state]++
		}
		fmt.Fprintf(&b, "%-8d %9d %9d %9d %9d\n", id,
			counts[TaskStarted], counts[TaskFinished], counts[TaskErrored], counts[TaskCancelled])
	}
	if len(ids) == 0 {
		b.WriteString("(no active workers)")
	}
	return strings.TrimRight(b.String(), "\n")
}
