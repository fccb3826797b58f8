package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Priority is a scheduling class. Workers always prefer a ready task in a
// higher-numbered class over any task in a lower one.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "LOW"
	case Normal:
		return "NORMAL"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// priorityOrder lists priority classes from most to least urgent, the order
// workers drain queues in.
var priorityOrder = []Priority{Critical, High, Normal, Low}

// Status is a task's position in its lifecycle.
type Status int

const (
	PendingDeps Status = iota
	Queued
	Running
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case PendingDeps:
		return "PENDING_DEPS"
	case Queued:
		return "QUEUED"
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is one of COMPLETED, FAILED, CANCELLED.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// WorkFunc is the opaque unit of work a Task executes. It must respect
// ctx cancellation promptly when the task's timeout expires.
type WorkFunc func(ctx context.Context) (interface{}, error)

// CompletionFunc is invoked exactly once, after a task's terminal state is
// recorded. A panic inside it is recovered and logged through the
// pipeline's logger, never propagated to the worker; no metric counts it.
type CompletionFunc func(Outcome)

// TaskSpec is the caller-supplied description of work to schedule. Submit
// copies it into an internal task record; the spec itself is not mutated.
type TaskSpec struct {
	ID           string
	Priority     Priority
	Work         WorkFunc
	Timeout      time.Duration
	MaxRetries   int
	Dependencies []string
	OnComplete   CompletionFunc
}

// Outcome is the terminal result of a task, delivered to AwaitOne callers
// and completion callbacks.
type Outcome struct {
	TaskID string
	Status Status
	Result interface{}
	Err    error
	// RetryCount is the total number of attempts made (the initial run
	// plus every retry), so a task that fails after exhausting
	// MaxRetries=2 reports RetryCount=3. A task that never ran (cancelled
	// before it started, or failed by a dependency) still reports 1.
	RetryCount int
}

// TaskInfo is a read-only snapshot of a task's bookkeeping fields, returned
// by GetTaskStatus.
type TaskInfo struct {
	ID       string
	Priority Priority
	Status   Status
	// RetryCount is the total number of attempts made so far; see
	// Outcome.RetryCount.
	RetryCount    int
	CreatedAt     time.Time
	FirstStarted  time.Time
	LastStarted   time.Time
	CompletedAt   time.Time
	UnresolvedDep int
}

// taskRecord is the pipeline's internal bookkeeping for one task. All
// fields are guarded by the owning Pipeline's mutex except done, which is
// closed exactly once under that same mutex and safe to select on
// afterward without holding it.
type taskRecord struct {
	spec TaskSpec

	status         Status
	unresolvedDeps map[string]struct{}
	retryCount     int // number of retries scheduled so far, excluding the initial attempt

	createdAt    time.Time
	firstStarted time.Time
	lastStarted  time.Time
	completedAt  time.Time

	result interface{}
	err    error

	done       chan struct{}
	cancelFunc context.CancelFunc
	retryDelay backoff.BackOff
}

// attemptCount is the total number of times this task has been run,
// counting the initial attempt plus every retry scheduled since.
func (t *taskRecord) attemptCount() int {
	return t.retryCount + 1
}

func (t *taskRecord) outcome() Outcome {
	return Outcome{
		TaskID:     t.spec.ID,
		Status:     t.status,
		Result:     t.result,
		Err:        t.err,
		RetryCount: t.attemptCount(),
	}
}

func (t *taskRecord) info() TaskInfo {
	return TaskInfo{
		ID:            t.spec.ID,
		Priority:      t.spec.Priority,
		Status:        t.status,
		RetryCount:    t.attemptCount(),
		CreatedAt:     t.createdAt,
		FirstStarted:  t.firstStarted,
		LastStarted:   t.lastStarted,
		CompletedAt:   t.completedAt,
		UnresolvedDep: len(t.unresolvedDeps),
	}
}
