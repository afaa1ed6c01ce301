// Package engine implements the BatchEngine of spec.md section 4.7: a
// bounded-concurrency scheduler that drives every task of a batch
// through the clone/install/agent/test phase pipeline, grounded on the
// teacher's work package (Agent/CpuAgent dispatch a bounded set of
// mining workers over channels; here a semaphore bounds workers instead,
// since task count is dynamic and not a fixed worker pool).
package engine

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/PlatformNetwork/term-executor/archive"
	"github.com/PlatformNetwork/term-executor/config"
	"github.com/PlatformNetwork/term-executor/eventbus"
	"github.com/PlatformNetwork/term-executor/log"
	"github.com/PlatformNetwork/term-executor/metrics"
	"github.com/PlatformNetwork/term-executor/session"
)

var logger = log.NewModuleLogger(log.ModuleEngine)

// BatchEngine runs batches to completion against the shared registry,
// event bus, and metrics.
type BatchEngine struct {
	cfg      config.Config
	registry *session.Registry
	bus      *eventbus.Bus
	metrics  *metrics.Registry
}

// New builds a BatchEngine wired to the process-wide registry, bus, and
// metrics registry.
func New(cfg config.Config, registry *session.Registry, bus *eventbus.Bus, m *metrics.Registry) *BatchEngine {
	return &BatchEngine{cfg: cfg, registry: registry, bus: bus, metrics: m}
}

// Spawn schedules batch's tasks on a background goroutine and returns
// immediately, per spec.md section 4.7's spawn/run_batch split.
func (e *BatchEngine) Spawn(batch *session.Batch, ex *archive.ExtractedArchive, concurrentLimit int) {
	e.metrics.BatchesTotal.Inc()
	e.metrics.BatchesActive.Inc()
	go e.runBatch(batch, ex, concurrentLimit)
}

func (e *BatchEngine) runBatch(batch *session.Batch, ex *archive.ExtractedArchive, concurrentLimit int) {
	start := time.Now()
	defer e.metrics.BatchesActive.Dec()

	batch.SetStatus(session.StatusExtracting)
	taskIDs := make([]string, len(ex.Tasks))
	for i, t := range ex.Tasks {
		taskIDs[i] = t.TaskID
	}
	batch.InitTasks(taskIDs)

	batch.SetStatus(session.StatusRunning)

	if cancelled(batch.Done()) {
		ex.Cleanup()
		e.finishCancelled(batch, start)
		return
	}

	sem := semaphore.NewWeighted(int64(concurrentLimit))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, task := range ex.Tasks {
		i, task := i, task

		if cancelled(batch.Done()) {
			break
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			// Synthesize a failed result rather than panic or block
			// forever if the semaphore context is ever cancelled.
			batch.UpdateTask(i, func(tr *session.TaskResult) {
				tr.Status = session.TaskFailed
				tr.Error = "scheduler_unavailable"
			})
			continue
		}

		wg.Add(1)
		e.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskStarted, BatchID: batch.ID, TaskID: task.TaskID})
		e.metrics.TasksTotal.Inc()

		go func() {
			defer wg.Done()
			defer sem.Release(1)

			workDir := filepath.Join(e.cfg.WorkspaceBase, batch.ID, task.TaskID)
			result := runSingleTask(batch.Done(), e.cfg, workDir, task, ex.AgentCode, ex.AgentLang)

			batch.UpdateTask(i, func(tr *session.TaskResult) { *tr = result })
			e.recordTaskMetrics(result)
			e.bus.Publish(eventbus.Event{Kind: eventbus.KindTaskComplete, BatchID: batch.ID, TaskID: task.TaskID, Data: result})
		}()
	}
	wg.Wait()
	ex.Cleanup()

	if cancelled(batch.Done()) {
		e.finishCancelled(batch, start)
		return
	}

	duration := time.Since(start)
	snapshot := batch.Snapshot()
	e.registry.MarkCompleted(batch.ID, duration)
	e.metrics.BatchesCompleted.Inc()
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindBatchComplete, BatchID: batch.ID, Data: snapshot})
	logger.Info("batch completed", "batch_id", batch.ID, "passed", snapshot.PassedTasks, "failed", snapshot.FailedTasks)
}

func (e *BatchEngine) finishCancelled(batch *session.Batch, start time.Time) {
	for i, t := range batch.Snapshot().Tasks {
		if t.Status == session.TaskCompleted || t.Status == session.TaskFailed {
			continue
		}
		i := i
		batch.UpdateTask(i, func(tr *session.TaskResult) {
			tr.Status = session.TaskFailed
			tr.Error = "cancelled"
		})
	}

	duration := time.Since(start)
	e.registry.MarkFailed(batch.ID, "cancelled", duration)
	e.metrics.BatchesFailed.Inc()
	snapshot := batch.Snapshot()
	e.bus.Publish(eventbus.Event{Kind: eventbus.KindBatchComplete, BatchID: batch.ID, Data: snapshot})
	logger.Warn("batch cancelled", "batch_id", batch.ID)
}

func (e *BatchEngine) recordTaskMetrics(result session.TaskResult) {
	if result.Passed {
		e.metrics.RecordTaskPassed()
	} else {
		e.metrics.RecordTaskFailed()
	}
	e.metrics.DurationSumMs.Add(float64(result.DurationMs))
}
