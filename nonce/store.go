// Package nonce implements the replay-protection set of spec.md
// section 4.1: an atomic check-and-insert over (identity, nonce) pairs
// with TTL-based reaping. Built on sync.Map's LoadOrStore, the
// standard library's indivisible entry API — the spec explicitly
// forbids a read-then-write sequence, and no pack repo's registries
// (peer sets, subscriber sets) reach for a third-party concurrent-map
// package either; they use sync.Map or a mutex-guarded map directly.
package nonce

import (
	"sync"
	"time"

	"github.com/PlatformNetwork/term-executor/common"
	"github.com/PlatformNetwork/term-executor/log"
)

var logger = log.NewModuleLogger(log.ModuleNonce)

type key struct {
	identity common.Identity
	nonce    string
}

// Store is the (identity, nonce) -> first-seen-instant registry.
type Store struct {
	ttl time.Duration
	m   sync.Map // key -> time.Time
}

// New builds a Store that reaps entries older than ttl.
func New(ttl time.Duration) *Store {
	return &Store{ttl: ttl}
}

// CheckAndInsert atomically records (identity, nonce) if it has not
// been seen before. It returns true for Fresh, false for Replayed.
// sync.Map.LoadOrStore is the indivisible primitive: exactly one
// concurrent caller observes "loaded == false" for a given key.
func (s *Store) CheckAndInsert(identity common.Identity, n string) bool {
	_, loaded := s.m.LoadOrStore(key{identity, n}, time.Now())
	return !loaded
}

// Reaper scans and removes entries older than the store's TTL every
// period, until the caller closes stop — callers should run this in
// its own goroutine.
func (s *Store) Reaper(stop <-chan struct{}, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Store) reapOnce() {
	cutoff := time.Now().Add(-s.ttl)
	reaped := 0
	s.m.Range(func(k, v interface{}) bool {
		if seen, ok := v.(time.Time); ok && seen.Before(cutoff) {
			s.m.Delete(k)
			reaped++
		}
		return true
	})
	if reaped > 0 {
		logger.Debug("reaped expired nonces", "count", reaped)
	}
}
