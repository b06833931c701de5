// Package store provides storage backends for github.com/jassus213/go-route-limiter.
//
// Currently supported backends:
//   - MemoryStore: in-memory store for single-instance applications
//   - RedisStore: Redis-based store for distributed applications
//
// Stores implement the ratelimiter.Store interface, providing atomic counter
// operations for the fixed window controller.
//
// Example usage:
//
//	mem := store.NewMemory(store.WithCleanupInterval(time.Minute))
//	defer mem.Close()
//	limiter := ratelimiter.New(mem, registry)
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	ratelimiter "github.com/jassus213/go-route-limiter"
)

// DefaultCleanupInterval is how often MemoryStore sweeps expired counters.
const DefaultCleanupInterval = time.Minute

// ErrInvalidTTL is returned by Increment and Set when ttl is not positive.
// Every counter in a store expires.
var ErrInvalidTTL = errors.New("ttl must be positive")

// counterEntry stores the counter and expiration time for a window key.
type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of ratelimiter.Store.
//
// Expired entries are treated as absent on every read and write, and a
// background sweep removes them. The sweep runs until Close is called.
//
// Note: MemoryStore is suitable for single-instance applications.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]counterEntry
	now     func() time.Time

	cleanupInterval time.Duration
	done            chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

var _ ratelimiter.Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCleanupInterval sets the sweep interval. Pass 0 to disable the sweep.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.cleanupInterval = d }
}

// WithMemoryClock overrides the time source used for expiry. Intended for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemory creates a new MemoryStore instance and starts its cleanup sweep.
//
// Example:
//
//	mem := store.NewMemory()
//	defer mem.Close()
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]counterEntry),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		s.wg.Add(1)
		go s.runCleanup()
	}

	return s
}

// Increment atomically increases the counter for a given key.
//
// Returns the new counter value. A missing or expired key starts at 1 and
// expires after ttl.
func (s *MemoryStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if ttl <= 0 {
		return 0, ErrInvalidTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, found := s.lookupLocked(key, now)
	if !found {
		e = counterEntry{
			count:     1,
			expiresAt: now.Add(ttl),
		}
	} else {
		e.count++
	}

	s.entries[key] = e
	return e.count, nil
}

// Get returns the counter for key, treating expired entries as absent.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.lookupLocked(key, s.now())
	if !found {
		return 0, false, nil
	}
	return e.count, true, nil
}

// Set overwrites the counter for key. ttl must be positive.
func (s *MemoryStore) Set(ctx context.Context, key string, value int64, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = counterEntry{count: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Decrement lowers an unexpired counter by one, stopping at zero.
// The expiration is left unchanged.
func (s *MemoryStore) Decrement(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.lookupLocked(key, s.now())
	if !found {
		return 0, nil
	}
	if e.count > 0 {
		e.count--
	}
	s.entries[key] = e
	return e.count, nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every expired entry and returns how many were deleted.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deleted := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted
}

// Close stops the background sweep and waits for it to exit.
// It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// lookupLocked returns the live entry for key, deleting it if expired.
// Caller must hold s.mu.
func (s *MemoryStore) lookupLocked(key string, now time.Time) (counterEntry, bool) {
	e, found := s.entries[key]
	if !found {
		return counterEntry{}, false
	}
	if !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return counterEntry{}, false
	}
	return e, true
}

// runCleanup periodically removes expired entries until Close is called.
func (s *MemoryStore) runCleanup() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}
