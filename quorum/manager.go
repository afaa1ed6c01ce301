// Package quorum tallies votes for a submitted payload hash and fires a
// single "reached" signal at threshold, per spec.md section 4.4. The
// read-modify-remove-if-reached sequence mirrors the atomic
// Refresh()-under-lock pattern of the teacher's weightedCouncil: every
// mutation holds one lock across the full decision, so no two callers
// can ever both observe Reached for the same hash.
package quorum

import (
	"math"
	"sync"
	"time"

	set "gopkg.in/fatih/set.v0"

	"github.com/PlatformNetwork/term-executor/common"
	"github.com/PlatformNetwork/term-executor/log"
)

var logger = log.NewModuleLogger(log.ModuleQuorum)

// Outcome is the result of a single RecordVote call.
type Outcome int

const (
	// Pending means the hash has not yet reached its required votes.
	Pending Outcome = iota
	// Reached means this call's vote pushed the hash over the
	// threshold; the entry has been atomically removed and no later
	// call will ever see Reached for this hash again.
	Reached
	// AlreadyVoted means this identity already voted for this hash.
	AlreadyVoted
	// AtCapacity means the manager already tracks MAX_PENDING hashes
	// and cannot accept a new one.
	AtCapacity
)

// pendingEntry tracks one hash's voters in a non-thread-safe fatih/set,
// the same set type the teacher's worker package reuses for uncle/
// ancestor bookkeeping; safe here because every access happens with
// Manager.mu held.
type pendingEntry struct {
	voters    *set.SetNonTS
	createdAt time.Time
}

// Manager is the consensus vote tally keyed by payload hash.
type Manager struct {
	maxPending int

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New builds a Manager accepting at most maxPending distinct hashes at
// once (spec.md's MAX_PENDING, default 100).
func New(maxPending int) *Manager {
	return &Manager{
		maxPending: maxPending,
		pending:    make(map[string]*pendingEntry),
	}
}

// VoteResult carries the outcome plus the vote counters a caller needs
// to render the 202 pending_consensus response.
type VoteResult struct {
	Outcome  Outcome
	Votes    int
	Required int
}

// RecordVote tallies voter's vote for hash, given the currently-computed
// required threshold. required is recomputed by the caller from the
// live validator count on every call (ceil(threshold * validatorCount)),
// since the validator set can churn between votes.
func (m *Manager) RecordVote(hash string, voter common.Identity, required int) VoteResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[hash]
	if !ok {
		if len(m.pending) >= m.maxPending {
			return VoteResult{Outcome: AtCapacity}
		}
		entry = &pendingEntry{
			voters:    set.NewNonTS(voter),
			createdAt: time.Now(),
		}
		m.pending[hash] = entry
		return m.maybeReached(hash, entry, required)
	}

	if entry.voters.Has(voter) {
		return VoteResult{Outcome: AlreadyVoted, Votes: entry.voters.Size(), Required: required}
	}
	entry.voters.Add(voter)
	return m.maybeReached(hash, entry, required)
}

// maybeReached must be called with mu held. It atomically removes the
// entry and returns Reached when the vote count has met required,
// otherwise returns Pending with the current tally.
func (m *Manager) maybeReached(hash string, entry *pendingEntry, required int) VoteResult {
	votes := entry.voters.Size()
	if votes >= required {
		delete(m.pending, hash)
		logger.Info("consensus reached", "hash", hash, "votes", votes, "required", required)
		return VoteResult{Outcome: Reached, Votes: votes, Required: required}
	}
	return VoteResult{Outcome: Pending, Votes: votes, Required: required}
}

// IsAtCapacity reports whether the manager is tracking MAX_PENDING
// hashes already.
func (m *Manager) IsAtCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) >= m.maxPending
}

// Reaper drops entries older than ttl every period, until stop closes.
func (m *Manager) Reaper(stop <-chan struct{}, ttl, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.reapOnce(ttl)
		}
	}
}

func (m *Manager) reapOnce(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, entry := range m.pending {
		if entry.createdAt.Before(cutoff) {
			delete(m.pending, hash)
		}
	}
}

// RequiredVotes computes ceil(threshold * validatorCount) with a
// saturating conversion, per spec.md section 4.4.
func RequiredVotes(threshold float64, validatorCount int) int {
	if validatorCount <= 0 {
		return 1
	}
	req := math.Ceil(threshold * float64(validatorCount))
	if req < 1 {
		req = 1
	}
	if req > float64(validatorCount) {
		req = float64(validatorCount)
	}
	return int(req)
}
