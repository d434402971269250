package persist

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/core"
	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/store"
)

// Retrying wraps a SnapshotStore and retries failed saves with
// exponential backoff. Loads pass through; a stale load is handled by
// the caller falling back to an empty room.
type Retrying struct {
	inner    core.SnapshotStore
	attempts int
	backoff  time.Duration
}

func WithRetry(inner core.SnapshotStore, attempts int, backoff time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Retrying{inner: inner, attempts: attempts, backoff: backoff}
}

func (r *Retrying) Save(ctx context.Context, room domain.RoomID, d store.Dump) error {
	var err error
	delay := r.backoff
	for i := 0; i < r.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = r.inner.Save(ctx, room, d); err == nil {
			return nil
		}
		log.Warn().Err(err).Str("module", "adapters.persist").
			Str("room", string(room)).Int("attempt", i+1).Msg("snapshot save failed")
	}
	return err
}

func (r *Retrying) Load(ctx context.Context, room domain.RoomID) (*store.Dump, error) {
	return r.inner.Load(ctx, room)
}
