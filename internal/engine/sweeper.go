package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stash/internal/index"
)

// DefaultSweepInterval matches the original deployment cadence of one check
// per minute.
const DefaultSweepInterval = time.Minute

// Sweeper periodically purges uploads whose last access is older than the
// expiry threshold. It holds the same per-hash locks as the upload path, so
// a sweep only contends with operations on the specific hash being deleted.
type Sweeper struct {
	engine   *Engine
	expiry   time.Duration
	interval time.Duration
}

// NewSweeper creates a sweeper that expires uploads idle for longer than
// expiry, checking every interval. A zero interval falls back to
// DefaultSweepInterval.
func NewSweeper(engine *Engine, expiry time.Duration, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{engine: engine, expiry: expiry, interval: interval}
}

// Run executes sweep cycles until ctx is cancelled. It always returns nil on
// cancellation so it can run directly under an errgroup.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Expiry sweep", "err", err)
			}
		}
	}
}

// Sweep runs one expiry cycle: every record idle beyond the threshold loses
// its storage object first and its index record second, so an interrupted
// sweep can leave an orphaned object (cleaned up by Reconcile) but never a
// record pointing at a missing object.
func (s *Sweeper) Sweep(ctx context.Context) error {
	slog.Debug("Running upload expiry check")

	expired, err := s.engine.idx.ListExpired(ctx, s.expiry, s.engine.now())
	if err != nil {
		return err
	}

	for _, rec := range expired {
		if err := s.sweepOne(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sweeper) sweepOne(ctx context.Context, rec index.Record) error {
	release := s.engine.locks.acquire(rec.ID)
	defer release()

	// The record may have been touched or re-uploaded while we waited for
	// the lock; re-check before destroying anything.
	current, err := s.engine.idx.Get(ctx, rec.ID)
	if errors.Is(err, index.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.engine.now().Sub(current.LastAccessedAt) < s.expiry {
		return nil
	}

	slog.Info("Upload expired, deleting from storage", "id", current.Locator())

	if err := s.engine.backend.Delete(ctx, current.Locator()); err != nil {
		return err
	}
	return s.engine.idx.Remove(ctx, current.ID)
}
