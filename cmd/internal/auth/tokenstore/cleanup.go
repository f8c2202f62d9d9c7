package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultCleanupBatch bounds the records removed per CleanupExpired call.
	DefaultCleanupBatch = 500

	deleteChunk = 64
)

// CleanupExpired removes at most batch records whose expires_at has passed,
// regardless of status. The write lock is held per chunk, not per sweep.
// Revocation blacklist entries are kept.
func (s *Store) CleanupExpired(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = DefaultCleanupBatch
	}
	now := s.now()

	ids := make([]string, 0, batch)
	s.mu.RLock()
	for id, r := range s.tokens {
		if len(ids) == batch {
			break
		}
		if !now.Before(r.ExpiresAt) && r.Status != StatusPending {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	if len(ids) == 0 {
		return 0, nil
	}

	if s.backend != nil {
		if err := s.backend.DeleteTokens(ctx, ids); err != nil {
			return 0, fmt.Errorf("tokenstore.CleanupExpired: persist: %w", err)
		}
	}

	removed := 0
	for start := 0; start < len(ids); start += deleteChunk {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		end := min(start+deleteChunk, len(ids))

		s.mu.Lock()
		for _, id := range ids[start:end] {
			if r, ok := s.tokens[id]; ok && !now.Before(r.ExpiresAt) {
				delete(s.tokens, id)
				removed++
			}
		}
		s.mu.Unlock()
	}

	s.metrics.CleanedUp(removed)
	return removed, nil
}

// RunCleanup sweeps every interval until ctx is done. Each tick drains
// full batches until a short one is seen.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration, batch int) error {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		var errs *multierror.Error
		total := 0
		for {
			n, err := s.CleanupExpired(ctx, batch)
			total += n
			if err != nil {
				errs = multierror.Append(errs, err)
				break
			}
			if n < batch || batch <= 0 {
				break
			}
		}
		if err := errs.ErrorOrNil(); err != nil {
			s.log.Warnw("tokenstore.cleanup.fail", "removed", total, "err", err)
			continue
		}
		if total > 0 {
			s.log.Infow("tokenstore.cleanup", "removed", total)
		}
	}
}
