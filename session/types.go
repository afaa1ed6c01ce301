// Package session implements the SessionRegistry of spec.md section
// 4.5: a registry of batch-id -> Batch, with TTL reaping and summary
// listing. A Batch's result is guarded by a short-critical-section mutex,
// the same pattern the teacher's worker uses for its snapshotBlock/
// snapshotState pair (updateSnapshot taking snapshotMu only for the
// copy, never across the whole commit).
package session

import (
	"sync"
	"time"

	"github.com/pborman/uuid"
)

// Status is a Batch's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExtracting Status = "extracting"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TaskStatus is a single task's lifecycle state within a batch.
type TaskStatus string

const (
	TaskQueued         TaskStatus = "queued"
	TaskCloningRepo    TaskStatus = "cloning_repo"
	TaskInstallingDeps TaskStatus = "installing_deps"
	TaskRunningAgent   TaskStatus = "running_agent"
	TaskRunningTests   TaskStatus = "running_tests"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
)

// TestScriptResult is the outcome of one executed tests/*.sh script.
type TestScriptResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// TaskResult is the per-task record of spec.md section 3.
type TaskResult struct {
	TaskID      string             `json:"task_id"`
	Status      TaskStatus         `json:"status"`
	Passed      bool               `json:"passed"`
	Reward      float64            `json:"reward"`
	TestResults []TestScriptResult `json:"test_results"`
	AgentOutput string             `json:"agent_output"`
	TestOutput  string             `json:"test_output"`
	Error       string             `json:"error,omitempty"`
	DurationMs  int64              `json:"duration_ms"`
}

// BatchResult is the aggregate record returned by GET /batch/{id}.
type BatchResult struct {
	BatchID        string       `json:"batch_id"`
	Status         Status       `json:"status"`
	TotalTasks     int          `json:"total_tasks"`
	CompletedTasks int          `json:"completed_tasks"`
	PassedTasks    int          `json:"passed_tasks"`
	FailedTasks    int          `json:"failed_tasks"`
	AggregateReward float64     `json:"aggregate_reward"`
	Error          string       `json:"error,omitempty"`
	DurationMs     int64        `json:"duration_ms"`
	Tasks          []TaskResult `json:"tasks"`
}

// Summary is the per-batch row returned by GET /batches.
type Summary struct {
	BatchID   string    `json:"batch_id"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
}

// Batch is one submission's lifecycle: admission through result.
type Batch struct {
	ID             string
	CreatedAt      time.Time
	ConcurrentLimit int

	mu     sync.Mutex
	status Status
	result BatchResult

	cancelOnce sync.Once
	cancelCh   chan struct{}
}

// newBatch constructs a Batch with a fresh v4 UUID, mirroring the
// teacher's go.mod choice of github.com/pborman/uuid for identifiers.
func newBatch(concurrentLimit int) *Batch {
	id := uuid.NewRandom().String()
	return &Batch{
		ID:              id,
		CreatedAt:       time.Now(),
		ConcurrentLimit: concurrentLimit,
		status:          StatusPending,
		result:          BatchResult{BatchID: id, Status: StatusPending},
		cancelCh:        make(chan struct{}),
	}
}

// Cancel signals this batch's cancel channel exactly once. Safe to call
// repeatedly (TTL reaper racing an already-completed batch).
func (b *Batch) Cancel() {
	b.cancelOnce.Do(func() { close(b.cancelCh) })
}

// Done returns the channel workers select on at each phase boundary.
func (b *Batch) Done() <-chan struct{} {
	return b.cancelCh
}

// Status returns the current lifecycle status.
func (b *Batch) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus transitions the batch's status.
func (b *Batch) SetStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
	b.result.Status = s
}

// Snapshot returns a copy of the current BatchResult, released
// immediately after the copy so readers never hold the lock across I/O.
func (b *Batch) Snapshot() BatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.result
	out.Tasks = append([]TaskResult(nil), b.result.Tasks...)
	return out
}

// InitTasks seeds the result's task list before the engine starts
// scheduling, so readers immediately see the expected total.
func (b *Batch) InitTasks(taskIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.TotalTasks = len(taskIDs)
	b.result.Tasks = make([]TaskResult, len(taskIDs))
	for i, id := range taskIDs {
		b.result.Tasks[i] = TaskResult{TaskID: id, Status: TaskQueued}
	}
}

// UpdateTask applies fn to the task at index i under the short
// critical section, then recomputes the aggregate counters.
func (b *Batch) UpdateTask(i int, fn func(*TaskResult)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.result.Tasks) {
		return
	}
	fn(&b.result.Tasks[i])
	b.recomputeLocked()
}

func (b *Batch) recomputeLocked() {
	completed, passed, failed := 0, 0, 0
	sumReward := 0.0
	for _, t := range b.result.Tasks {
		switch t.Status {
		case TaskCompleted, TaskFailed:
			completed++
			if t.Passed {
				passed++
			} else {
				failed++
			}
			sumReward += t.Reward
		}
	}
	b.result.CompletedTasks = completed
	b.result.PassedTasks = passed
	b.result.FailedTasks = failed
	if completed > 0 {
		b.result.AggregateReward = sumReward / float64(completed)
	}
}

// Finish marks the batch complete or failed and stamps its duration.
func (b *Batch) Finish(status Status, errMsg string, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
	b.result.Status = status
	b.result.Error = errMsg
	b.result.DurationMs = duration.Milliseconds()
}
