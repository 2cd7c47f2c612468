package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a pipeline run executing in the background for one job.
type Task struct {
	JobID     string
	StartedAt time.Time

	done  chan struct{}
	err   error
	pause atomic.Bool
}

// Done is closed when the run returns.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the run's result. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the run returns or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestPause asks the run to stop at the next step boundary.
func (t *Task) RequestPause() {
	t.pause.Store(true)
}

// PauseRequested reports whether RequestPause was called.
func (t *Task) PauseRequested() bool {
	return t.pause.Load()
}

// TaskManager tracks background runs. At most one run per job is live.
type TaskManager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	logger *slog.Logger
}

// NewTaskManager creates an empty manager.
func NewTaskManager(logger *slog.Logger) *TaskManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskManager{tasks: make(map[string]*Task), logger: logger}
}

// Launch starts fn in a goroutine for jobID. It fails with ErrInvalidState
// while a previous run of the job is still live. A panic in fn becomes a
// *PanicError result.
func (m *TaskManager) Launch(jobID string, fn func(t *Task) error) (*Task, error) {
	m.mu.Lock()
	if prev, ok := m.tasks[jobID]; ok {
		select {
		case <-prev.done:
		default:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: job %s is already running", ErrInvalidState, jobID)
		}
	}
	task := &Task{JobID: jobID, StartedAt: time.Now(), done: make(chan struct{})}
	m.tasks[jobID] = task
	m.mu.Unlock()

	go func() {
		defer close(task.done)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("job goroutine panicked", "job_id", jobID, "panic", r, "stack", string(debug.Stack()))
				task.err = &PanicError{Value: r}
			}
		}()
		task.err = fn(task)
	}()
	return task, nil
}

// Get returns the most recent run of jobID, live or finished.
func (m *TaskManager) Get(jobID string) *Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tasks[jobID]
}

// Live returns the run of jobID if it has not returned yet.
func (m *TaskManager) Live(jobID string) *Task {
	t := m.Get(jobID)
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	default:
		return t
	}
}

// Running lists the job IDs with a live run, sorted.
func (m *TaskManager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, t := range m.tasks {
		select {
		case <-t.done:
		default:
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Forget drops a finished run from the manager.
func (m *TaskManager) Forget(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[jobID]; ok {
		select {
		case <-t.done:
			delete(m.tasks, jobID)
		default:
		}
	}
}

// WaitAll blocks until every live run returns or ctx ends.
func (m *TaskManager) WaitAll(ctx context.Context) error {
	m.mu.RLock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.RUnlock()

	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
