package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskTypeIngest TaskType = "ingest"
	TaskTypeDedup  TaskType = "dedup"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
)

// DefaultMaxAttempts is the first attempt plus three retries.
const DefaultMaxAttempts = 4

type TaskInterface interface {
	Execute(ctx context.Context) error
	GetID() string
	GetType() TaskType
	Begin()
	Complete()
	Fail(err error) bool
	Abort()
	Attempts() int
	Status() Status
}

// Status is a point in time copy of a task, safe to hand to the API while a
// worker keeps running it.
type Status struct {
	ID         string     `json:"id"`
	Type       TaskType   `json:"type"`
	State      State      `json:"state"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	Note       string     `json:"note,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     any        `json:"result,omitempty"`
}

// Task carries the bookkeeping shared by ingest and dedup tasks. Workers
// drive it through Begin, Complete and Fail; the task body may Skip, Abort
// or SetResult along the way.
type Task struct {
	ID          string
	Type        TaskType
	MaxAttempts int

	mu         sync.Mutex
	state      State
	attempts   int
	final      bool
	lastErr    error
	note       string
	result     any
	queuedAt   time.Time
	startedAt  *time.Time
	finishedAt *time.Time
}

func NewTask(taskType TaskType) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		MaxAttempts: DefaultMaxAttempts,
		state:       StateQueued,
		queuedAt:    time.Now().UTC(),
	}
}

func (t *Task) GetID() string {
	return t.ID
}

func (t *Task) GetType() TaskType {
	return t.Type
}

// Begin starts an attempt.
func (t *Task) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	if t.startedAt == nil {
		t.startedAt = &now
	}
	t.attempts++
	t.state = StateRunning
}

// Complete finishes a successful attempt unless the body already skipped.
func (t *Task) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateRunning {
		t.state = StateSucceeded
	}
	t.lastErr = nil
	t.finish()
}

// Skip marks the attempt as a no-op that needs no retry.
func (t *Task) Skip(note string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = StateSkipped
	t.note = note
}

// Abort makes the current failure final regardless of attempts left.
func (t *Task) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.final = true
}

// Fail records err and reports whether another attempt may follow.
func (t *Task) Fail(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastErr = err
	if t.final || t.attempts >= t.MaxAttempts {
		t.state = StateFailed
		t.finish()
		return false
	}
	t.state = StateRetrying
	return true
}

func (t *Task) SetResult(result any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.result = result
}

func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.attempts
}

// Duration is the time since the first attempt started, or the total run
// time once finished.
func (t *Task) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.startedAt == nil:
		return 0
	case t.finishedAt != nil:
		return t.finishedAt.Sub(*t.startedAt)
	default:
		return time.Since(*t.startedAt)
	}
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Status{
		ID:         t.ID,
		Type:       t.Type,
		State:      t.state,
		Attempts:   t.attempts,
		Note:       t.note,
		QueuedAt:   t.queuedAt,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
		Result:     t.result,
	}
	if t.lastErr != nil {
		s.Error = t.lastErr.Error()
	}
	return s
}

func (t *Task) finish() {
	now := time.Now().UTC()
	t.finishedAt = &now
}
