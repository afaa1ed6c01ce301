package quorum

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PlatformNetwork/term-executor/common"
)

func TestRecordVotePendingThenReached(t *testing.T) {
	m := New(100)

	r1 := m.RecordVote("hash1", "v1", 2)
	require.Equal(t, Pending, r1.Outcome)
	require.Equal(t, 1, r1.Votes)

	r2 := m.RecordVote("hash1", "v2", 2)
	require.Equal(t, Reached, r2.Outcome)
	require.Equal(t, 2, r2.Votes)
}

func TestRecordVoteSingleVoterReachesThreshold(t *testing.T) {
	m := New(100)
	r := m.RecordVote("hash1", "v1", 1)
	require.Equal(t, Reached, r.Outcome)
}

func TestRecordVoteAlreadyVoted(t *testing.T) {
	m := New(100)
	m.RecordVote("hash1", "v1", 3)
	r := m.RecordVote("hash1", "v1", 3)
	require.Equal(t, AlreadyVoted, r.Outcome)
}

// TestRecordVoteAfterReachedStartsFreshEntry documents the Open
// Question resolution recorded in DESIGN.md: once an entry is removed
// by Reached, a further vote for that same hash starts a brand new
// pending entry rather than erroring, since PayloadHash is content-
// addressed and batches are identified by their own UUID, not by hash.
func TestRecordVoteAfterReachedStartsFreshEntry(t *testing.T) {
	m := New(100)
	require.Equal(t, Reached, m.RecordVote("hash1", "v1", 1).Outcome)

	r := m.RecordVote("hash1", "v2", 1)
	require.Equal(t, Reached, r.Outcome)
}

func TestIsAtCapacity(t *testing.T) {
	m := New(2)
	require.False(t, m.IsAtCapacity())

	m.RecordVote("h1", "v1", 100)
	m.RecordVote("h2", "v1", 100)
	require.True(t, m.IsAtCapacity())

	r := m.RecordVote("h3", "v1", 100)
	require.Equal(t, AtCapacity, r.Outcome)
}

// TestRecordVoteExactlyOneReached is the quantified invariant of
// spec.md section 8: for n >= required distinct voters racing the same
// hash, exactly one call returns Reached.
func TestRecordVoteExactlyOneReached(t *testing.T) {
	m := New(100)
	const n = 50
	const required = 30

	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			voter := common.Identity(fmt.Sprintf("voter-%d", i))
			outcomes[i] = m.RecordVote("hash1", voter, required).Outcome
		}(i)
	}
	wg.Wait()

	reachedCount := 0
	for _, o := range outcomes {
		if o == Reached {
			reachedCount++
		}
	}
	require.Equal(t, 1, reachedCount)
}

func TestReaperDropsExpiredEntries(t *testing.T) {
	m := New(100)
	m.RecordVote("hash1", "v1", 100)
	require.True(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.pending["hash1"]
		return ok
	}())

	time.Sleep(10 * time.Millisecond)
	m.reapOnce(5 * time.Millisecond)

	m.mu.Lock()
	_, ok := m.pending["hash1"]
	m.mu.Unlock()
	require.False(t, ok)
}

func TestRequiredVotes(t *testing.T) {
	require.Equal(t, 1, RequiredVotes(0.5, 2))
	require.Equal(t, 3, RequiredVotes(0.75, 4))
	require.Equal(t, 1, RequiredVotes(0.5, 1))
	require.Equal(t, 1, RequiredVotes(0.5, 0))
	require.Equal(t, 2, RequiredVotes(1.0, 2))
}
