// Package tiered layers a fast hot store over a durable cold store. Traffic
// counters and concurrency slots stay hot-only; quota records read through
// and write through; generation consumes are enforced on the hot tier and
// replayed onto the cold tier, either inline or through an async worker.
// Rules, metrics and audit events do not pass through this adapter; wire
// those dependencies straight to the durable store.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// HotStore is the fast tier. The redis store satisfies it; so does the
// memory store.
type HotStore interface {
	ratekeeper.CounterStore
	ratekeeper.ConcurrencyStore
	ratekeeper.QuotaRepository
}

// Config configures the tiered store behavior.
type Config struct {
	// Hot is the low-latency tier (e.g. Redis, memory) that enforces
	// counters and consumes.
	Hot HotStore

	// Cold is the durable tier (e.g. Postgres, Firestore) and the source of
	// truth for quota records.
	Cold ratekeeper.QuotaRepository

	// AsyncConsumeSync replays consumes onto the cold tier from a background
	// worker instead of inline. Faster, at the cost of cold-tier lag.
	AsyncConsumeSync bool

	// SyncBufferSize is the size of the buffered channel for async replays.
	// Default: 1000
	SyncBufferSize int

	// SyncErrorHandler is called when a cold-tier replay fails or is
	// dropped. Essential for monitoring consistency drift.
	SyncErrorHandler func(error)
}

// Store implements ratekeeper.CounterStore, ratekeeper.ConcurrencyStore and
// ratekeeper.QuotaRepository over a hot/cold pair with a strategy per
// operation type:
//   - Hot-Only: counters and concurrency slots
//   - Read-Through: quota reads (hot → cold → repair hot)
//   - Write-Through: quota writes (cold first, hot best effort)
//   - Hot-Primary: generation consumes (hot atomic + cold replay)
type Store struct {
	hot  HotStore
	cold ratekeeper.QuotaRepository
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered store.
func New(config Config) (*Store, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered store: both hot and cold tiers are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Store{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncConsumeSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Store) Close() error {
	if s.conf.AsyncConsumeSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background replay loop. Jobs run sequentially to keep
// causal ordering per user.
func (s *Store) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					if s.conf.SyncErrorHandler != nil {
						s.conf.SyncErrorHandler(fmt.Errorf("tiered replay failed: %w", err))
					}
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

// --- Strategy: Hot-Only ---
// Window state is ephemeral and latency-critical.

// IncrementAndExpire implements ratekeeper.CounterStore on the hot tier.
func (s *Store) IncrementAndExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.hot.IncrementAndExpire(ctx, key, window)
}

// SlidingAllow implements ratekeeper.CounterStore on the hot tier.
func (s *Store) SlidingAllow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, time.Time, error) {
	return s.hot.SlidingAllow(ctx, key, limit, window)
}

// AcquireSlot implements ratekeeper.ConcurrencyStore on the hot tier.
func (s *Store) AcquireSlot(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.hot.AcquireSlot(ctx, key, ttl)
}

// ReleaseSlot implements ratekeeper.ConcurrencyStore on the hot tier.
func (s *Store) ReleaseSlot(ctx context.Context, key string) (int64, error) {
	return s.hot.ReleaseSlot(ctx, key)
}

// SlotCount implements ratekeeper.ConcurrencyStore on the hot tier.
func (s *Store) SlotCount(ctx context.Context, key string) (int64, error) {
	return s.hot.SlotCount(ctx, key)
}

// --- Strategy: Read-Through (hot → cold → repair hot) ---

// GetQuota implements ratekeeper.QuotaRepository with a read-through
// strategy.
func (s *Store) GetQuota(ctx context.Context, userID string) (*ratekeeper.UserQuota, error) {
	quota, err := s.hot.GetQuota(ctx, userID)
	if err == nil {
		return quota, nil
	}

	quota, err = s.cold.GetQuota(ctx, userID)
	if err != nil {
		return nil, err
	}

	_ = s.hot.SaveQuota(ctx, quota) //nolint:errcheck // Cache fill - errors are non-critical
	return quota, nil
}

// --- Strategy: Write-Through (cold first, hot best effort) ---
// Quota records must be durable before they are fast.

// SaveQuota implements ratekeeper.QuotaRepository with a write-through
// strategy.
func (s *Store) SaveQuota(ctx context.Context, quota *ratekeeper.UserQuota) error {
	if err := s.cold.SaveQuota(ctx, quota); err != nil {
		return err
	}
	_ = s.hot.SaveQuota(ctx, quota) //nolint:errcheck // Best effort - cold is the source of truth
	return nil
}

// UpdateQuota implements ratekeeper.QuotaRepository. The patch is applied to
// the cold tier first and then replayed on the hot tier. Replaying the patch
// rather than copying the record keeps hot-tier consume counters intact.
func (s *Store) UpdateQuota(ctx context.Context, userID string, patch ratekeeper.QuotaPatch) (*ratekeeper.UserQuota, error) {
	quota, err := s.cold.UpdateQuota(ctx, userID, patch)
	if err != nil {
		return nil, err
	}
	_, _ = s.hot.UpdateQuota(ctx, userID, patch) //nolint:errcheck // Best effort - cold is the source of truth
	return quota, nil
}

// ResetUsage implements ratekeeper.QuotaRepository with a write-through
// strategy.
func (s *Store) ResetUsage(ctx context.Context, userID string, usage ratekeeper.QuotaUsage) error {
	if err := s.cold.ResetUsage(ctx, userID, usage); err != nil {
		return err
	}
	_ = s.hot.ResetUsage(ctx, userID, usage) //nolint:errcheck // Best effort - cold is the source of truth
	return nil
}

// --- Strategy: Hot-Primary (hot atomic + cold replay) ---

// ConsumeGeneration implements ratekeeper.QuotaRepository. The ceiling is
// enforced atomically on the hot tier; admitted consumes are replayed onto
// the cold tier so the durable counters converge. A record missing from the
// hot tier is rehydrated from cold and retried once.
func (s *Store) ConsumeGeneration(ctx context.Context, req ratekeeper.ConsumeRequest) (*ratekeeper.ConsumeResult, error) {
	res, err := s.hot.ConsumeGeneration(ctx, req)
	if err == ratekeeper.ErrQuotaNotFound {
		quota, coldErr := s.cold.GetQuota(ctx, req.UserID)
		if coldErr != nil {
			return nil, coldErr
		}
		if saveErr := s.hot.SaveQuota(ctx, quota); saveErr != nil {
			return nil, fmt.Errorf("failed to rehydrate hot tier: %w", saveErr)
		}
		res, err = s.hot.ConsumeGeneration(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if !res.Consumed {
		return res, nil
	}

	s.replayConsume(ctx, req)
	return res, nil
}

// replayConsume pushes an admitted consume onto the cold tier. A cold-tier
// denial at this point is drift between the tiers and goes to the error
// handler rather than the caller.
func (s *Store) replayConsume(ctx context.Context, req ratekeeper.ConsumeRequest) {
	if s.conf.AsyncConsumeSync {
		job := func() error {
			// Background context ensures completion even if the request cancels.
			res, err := s.cold.ConsumeGeneration(context.Background(), req)
			if err != nil {
				return err
			}
			if !res.Consumed {
				return fmt.Errorf("cold tier refused consume for %s: %s", req.UserID, res.Exceeded)
			}
			return nil
		}
		select {
		case s.syncQueue <- job:
		default:
			if s.conf.SyncErrorHandler != nil {
				s.conf.SyncErrorHandler(errors.New("tiered store: replay queue full, dropping cold write"))
			}
		}
		return
	}

	res, err := s.cold.ConsumeGeneration(ctx, req)
	switch {
	case err != nil:
		if s.conf.SyncErrorHandler != nil {
			s.conf.SyncErrorHandler(fmt.Errorf("tiered store: cold replay failed: %w", err))
		}
	case !res.Consumed:
		if s.conf.SyncErrorHandler != nil {
			s.conf.SyncErrorHandler(fmt.Errorf("tiered store: cold tier refused consume for %s: %s", req.UserID, res.Exceeded))
		}
	}
}
