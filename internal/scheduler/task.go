// Package scheduler launches DataRequest tasks on a fixed interval and
// drives each one through posting, oracle await, and result hand-off.
// Task bookkeeping lives in a registry owned by this package; nothing
// else writes task state.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sedaprotocol/seda-push-solver-sub001/internal/seda"
)

// ErrTaskNotFound reports a registry lookup for an unknown task ID.
var ErrTaskNotFound = errors.New("scheduler: task not found")

// State names a task's position in its lifecycle. COMPLETED and FAILED
// are absorbing.
type State string

const (
	StatePosting   State = "POSTING"
	StatePosted    State = "POSTED"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Task is one tracked DataRequest submission. Callers always receive
// copies; the registry keeps the only live record.
type Task struct {
	ID    string
	State State

	// RequestID is the content-derived DataRequest ID. It is known as
	// soon as the posting attempt stamps its memo, even when the chain
	// reports the request as already existing.
	RequestID  seda.Hash
	TxHash     string
	PostHeight uint64

	// Sequence is the Cosmos account sequence the posting ran under.
	// It is recorded at most once; HasSequence guards the zero value.
	Sequence    uint64
	HasSequence bool

	CreatedAt  time.Time
	PostedAt   time.Time
	FinishedAt time.Time

	Err error
}

// Registry tracks every task the scheduler has launched. All methods
// are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Register creates a new task in the POSTING state.
func (r *Registry) Register(id string) Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	task := &Task{ID: id, State: StatePosting, CreatedAt: r.now()}
	r.tasks[id] = task
	return *task
}

// RecordSequence pins the coordinator-assigned sequence on a task.
// Only the first call sticks; later calls are ignored so a retry can
// never rewrite history.
func (r *Registry) RecordSequence(id string, sequence uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if !task.HasSequence {
		task.Sequence = sequence
		task.HasSequence = true
	}
	return nil
}

// MarkPosted moves a task from POSTING to POSTED and records what the
// chain returned.
func (r *Registry) MarkPosted(id string, requestID seda.Hash, txHash string, postHeight uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.State != StatePosting {
		return fmt.Errorf("scheduler: task %s is %s, cannot mark posted", id, task.State)
	}
	task.State = StatePosted
	task.RequestID = requestID
	task.TxHash = txHash
	task.PostHeight = postHeight
	task.PostedAt = r.now()
	return nil
}

// MarkCompleted moves a POSTED task to COMPLETED.
func (r *Registry) MarkCompleted(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.State != StatePosted {
		return fmt.Errorf("scheduler: task %s is %s, cannot mark completed", id, task.State)
	}
	task.State = StateCompleted
	task.FinishedAt = r.now()
	return nil
}

// MarkFailed moves a live task to FAILED and records the cause.
// Terminal tasks are left alone.
func (r *Registry) MarkFailed(id string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if task.State.Terminal() {
		return fmt.Errorf("scheduler: task %s is already %s", id, task.State)
	}
	task.State = StateFailed
	task.Err = cause
	task.FinishedAt = r.now()
	return nil
}

// Get returns a copy of the task.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// Len is the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// All returns copies of every tracked task, ordered by ID. Task IDs
// are ULID-based, so the order is also chronological.
func (r *Registry) All() []Task {
	return r.filter(func(*Task) bool { return true })
}

// Active returns tasks that have not reached a terminal state.
func (r *Registry) Active() []Task {
	return r.filter(func(t *Task) bool { return !t.State.Terminal() })
}

// ByState returns tasks currently in the given state.
func (r *Registry) ByState(state State) []Task {
	return r.filter(func(t *Task) bool { return t.State == state })
}

func (r *Registry) filter(keep func(*Task) bool) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		if keep(task) {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cleanup drops terminal tasks that finished more than horizon ago and
// reports how many were removed. Live tasks are never dropped.
func (r *Registry) Cleanup(horizon time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-horizon)
	removed := 0
	for id, task := range r.tasks {
		if task.State.Terminal() && task.FinishedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}
