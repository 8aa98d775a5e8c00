package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentaku/authserver/instrumentation"
	"github.com/sentaku/authserver/storage"
)

var _ storage.ConsumedCodeStore = (*ConsumedCodes)(nil)

// DefaultMaxConsumedCodes bounds the consumed-code set. Codes expire after a
// few minutes, so the bound only matters under attack.
const DefaultMaxConsumedCodes = 100000

// ErrCapacity is returned when the set is full of unexpired entries.
var ErrCapacity = errors.New("consumed code store is full")

// ConsumedCodes is an in-memory storage.ConsumedCodeStore.
type ConsumedCodes struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	size    atomic.Int64

	maxEntries      int
	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	obs             observer
}

// NewConsumedCodes returns a store with a one minute cleanup interval.
func NewConsumedCodes() *ConsumedCodes {
	return NewConsumedCodesWithInterval(time.Minute)
}

// NewConsumedCodesWithInterval returns a store that purges expired entries
// every interval. A non-positive interval selects one minute.
func NewConsumedCodesWithInterval(interval time.Duration) *ConsumedCodes {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &ConsumedCodes{
		entries:         make(map[string]time.Time),
		maxEntries:      DefaultMaxConsumedCodes,
		now:             time.Now,
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}
	go s.cleanupLoop()
	return s
}

// SetLogger sets a custom logger
func (s *ConsumedCodes) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation enables spans, storage metrics and the size gauge.
func (s *ConsumedCodes) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.obs.set(inst)
	logger := s.logger
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterConsumedCodesCallback(s.size.Load); err != nil {
			logger.Warn("Failed to register consumed code gauge", "error", err)
		}
	}
}

// MarkConsumed implements storage.ConsumedCodeStore.
func (s *ConsumedCodes) MarkConsumed(ctx context.Context, key string, ttl time.Duration) (seen bool, err error) {
	started := time.Now()
	ctx, span := s.obs.start(ctx, "mark_consumed")
	defer func() { s.obs.finish(ctx, span, "mark_consumed", err, started) }()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ttl <= 0 {
		// already expired; the envelope check rejects it anyway
		return false, nil
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return true, nil
	}

	if len(s.entries) >= s.maxEntries {
		s.purgeLocked(now)
		if len(s.entries) >= s.maxEntries {
			return false, ErrCapacity
		}
	}

	s.entries[key] = now.Add(ttl)
	s.size.Store(int64(len(s.entries)))
	return false, nil
}

// Len returns the number of tracked codes, including expired ones not yet purged.
func (s *ConsumedCodes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop gracefully stops the cleanup goroutine
func (s *ConsumedCodes) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *ConsumedCodes) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *ConsumedCodes) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if removed := s.purgeLocked(s.now()); removed > 0 {
		s.logger.Debug("Cleaned up expired consumed codes",
			"removed", removed,
			"remaining", len(s.entries))
	}
}

// must be called with mu held
func (s *ConsumedCodes) purgeLocked(now time.Time) int {
	removed := 0
	for key, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, key)
			removed++
		}
	}
	s.size.Store(int64(len(s.entries)))
	return removed
}
