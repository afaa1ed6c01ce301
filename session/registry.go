package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/PlatformNetwork/term-executor/log"
)

var logger = log.NewModuleLogger(log.ModuleSession)

// Stats are the atomic batch counters the registry maintains alongside
// the keyed map, independent of the Metrics package's Prometheus
// counters (this is the in-process view GET /status reads).
type Stats struct {
	Created   int64
	Active    int64
	Completed int64
	Failed    int64
}

// Registry is the batch-id -> Batch map. Reads (GET /batch/...) go
// straight through Get, matching spec.md's "Reads read directly from
// SessionRegistry" control-flow note.
type Registry struct {
	mu      sync.RWMutex
	batches map[string]*Batch

	stats Stats

	onExpire func(batchID string)
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{batches: make(map[string]*Batch)}
}

// OnExpire registers a callback invoked with each batch-id the reaper
// removes, after its cancel signal has fired. Used to release
// collaborator bookkeeping keyed by batch-id (the event bus's per-
// batch subscriber topic) once the registry itself forgets the batch.
func (r *Registry) OnExpire(fn func(batchID string)) {
	r.onExpire = fn
}

// Create allocates a new Batch with a fresh UUID and registers it.
func (r *Registry) Create(concurrentLimit int) *Batch {
	b := newBatch(concurrentLimit)

	r.mu.Lock()
	r.batches[b.ID] = b
	r.mu.Unlock()

	atomic.AddInt64(&r.stats.Created, 1)
	atomic.AddInt64(&r.stats.Active, 1)
	logger.Info("batch created", "batch_id", b.ID, "concurrent_limit", concurrentLimit)
	return b
}

// Get returns a snapshot of the batch's current result, or false if
// the batch_id is unknown (already reaped, or never existed).
func (r *Registry) Get(batchID string) (BatchResult, bool) {
	r.mu.RLock()
	b, ok := r.batches[batchID]
	r.mu.RUnlock()
	if !ok {
		return BatchResult{}, false
	}
	return b.Snapshot(), true
}

// GetBatch returns the live *Batch for engine/event-bus wiring.
func (r *Registry) GetBatch(batchID string) (*Batch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[batchID]
	return b, ok
}

// List returns a summary row per tracked batch.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, Summary{BatchID: b.ID, CreatedAt: b.CreatedAt, Status: b.Status()})
	}
	return out
}

// HasActiveBatch reports whether any tracked batch is pending,
// extracting, or running — the process-wide single-flight gate of
// invariant I4.
func (r *Registry) HasActiveBatch() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.batches {
		switch b.Status() {
		case StatusPending, StatusExtracting, StatusRunning:
			return true
		}
	}
	return false
}

// MarkCompleted transitions batchID to completed and updates counters.
func (r *Registry) MarkCompleted(batchID string, duration time.Duration) {
	r.mu.RLock()
	b, ok := r.batches[batchID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	b.Finish(StatusCompleted, "", duration)
	atomic.AddInt64(&r.stats.Active, -1)
	atomic.AddInt64(&r.stats.Completed, 1)
}

// MarkFailed transitions batchID to failed with reason and updates
// counters.
func (r *Registry) MarkFailed(batchID, reason string, duration time.Duration) {
	r.mu.RLock()
	b, ok := r.batches[batchID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	b.Finish(StatusFailed, reason, duration)
	atomic.AddInt64(&r.stats.Active, -1)
	atomic.AddInt64(&r.stats.Failed, 1)
}

// Stats returns a copy of the current atomic counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Created:   atomic.LoadInt64(&r.stats.Created),
		Active:    atomic.LoadInt64(&r.stats.Active),
		Completed: atomic.LoadInt64(&r.stats.Completed),
		Failed:    atomic.LoadInt64(&r.stats.Failed),
	}
}

// Reaper removes batches older than ttl every period, firing their
// cancel signal first so in-flight workers observe it at the next
// phase boundary (invariant I5, scenario 6).
func (r *Registry) Reaper(stop <-chan struct{}, ttl time.Duration, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.reapOnce(ttl)
		}
	}
}

func (r *Registry) reapOnce(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	expired := make([]*Batch, 0)
	for id, b := range r.batches {
		if b.CreatedAt.Before(cutoff) {
			expired = append(expired, b)
			delete(r.batches, id)
		}
	}
	r.mu.Unlock()

	for _, b := range expired {
		wasActive := false
		switch b.Status() {
		case StatusPending, StatusExtracting, StatusRunning:
			wasActive = true
		}
		b.Cancel()
		if wasActive {
			atomic.AddInt64(&r.stats.Active, -1)
		}
		if r.onExpire != nil {
			r.onExpire(b.ID)
		}
		logger.Info("reaped expired batch", "batch_id", b.ID)
	}
}
