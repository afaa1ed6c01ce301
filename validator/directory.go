// Package validator holds the read-mostly, periodically-refreshed set
// of authorized signer identities (spec.md section 4.2), modeled on the
// teacher's weightedCouncil: a sync.RWMutex-guarded set replaced
// wholesale on refresh so readers never observe a half-updated set.
package validator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/PlatformNetwork/term-executor/common"
	"github.com/PlatformNetwork/term-executor/log"
)

var logger = log.NewModuleLogger(log.ModuleValidator)

// Entry is one row of the external validator directory (e.g. a
// blockchain metagraph), before the activity/permit/stake filter.
type Entry struct {
	Identity           common.Identity
	Active             bool
	HasValidatorPermit bool
	StakeTao           uint64
}

// Source is the external collaborator spec.md section 1 places out of
// scope: a blockchain RPC client, modeled abstractly.
type Source interface {
	FetchAll(ctx context.Context) ([]Entry, error)
}

// Directory is the authorized-identity set. The zero value is not
// usable; construct with New.
type Directory struct {
	minStake uint64

	mu  sync.RWMutex
	set map[common.Identity]struct{}

	source Source

	retryBase time.Duration
}

// New builds an empty Directory. Per spec.md section 4.2, the set
// starts empty and stays empty until the first successful refresh.
func New(source Source, minStake uint64) *Directory {
	return &Directory{
		source:    source,
		minStake:  minStake,
		set:       make(map[common.Identity]struct{}),
		retryBase: time.Second,
	}
}

// Contains reports whether identity currently holds a validator slot.
// Readers never block each other or a concurrent refresh's read phase.
func (d *Directory) Contains(identity common.Identity) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.set[identity]
	return ok
}

// Len reports the current set size.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.set)
}

// RefreshOnce fetches the external directory once, filters to active
// permitted validators meeting the stake floor, and atomically replaces
// the set. The existing set is left untouched on error.
func (d *Directory) RefreshOnce(ctx context.Context) error {
	entries, err := d.source.FetchAll(ctx)
	if err != nil {
		return err
	}

	next := make(map[common.Identity]struct{}, len(entries))
	for _, e := range entries {
		if e.Active && e.HasValidatorPermit && e.StakeTao >= d.minStake {
			next[e.Identity] = struct{}{}
		}
	}

	d.mu.Lock()
	d.set = next
	d.mu.Unlock()

	logger.Info("validator directory refreshed", "count", len(next))
	return nil
}

// RefreshLoop runs RefreshOnce every interval until ctx is cancelled.
// On failure it retries up to 3 times with base^attempt backoff before
// giving up on that cycle and retaining the existing set, per spec.md
// section 4.2.
func (d *Directory) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refreshWithRetry(ctx)
		}
	}
}

func (d *Directory) refreshWithRetry(ctx context.Context) {
	const maxAttempts = 1 + 3 // the first try plus up to 3 retries
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := d.RefreshOnce(ctx); err == nil {
			return
		} else {
			lastErr = err
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * d.retryBase
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
	logger.Warn("validator directory refresh failed, retaining existing set", "err", lastErr)
}
