package arena

import (
	"context"
	"errors"
	"time"

	"modelarena/internal/logging"
)

// Store is the shared battle store capability the engine mutates
// through. Implementations live in internal/store; this mirror avoids
// an import cycle and keeps the engine testable against any adapter.
//
// Get returns a clone of the record plus the version the clone was read
// at. Update applies the record only if the stored version still equals
// the given one, returning ErrStaleWrite otherwise. Every server
// instance must see every committed Update (process-external store);
// the in-memory adapter is a declared degradation for dev mode only.
type Store interface {
	Create(ctx context.Context, b *BattleSession) error
	Get(ctx context.Context, battleID string) (*BattleSession, uint64, error)
	Update(ctx context.Context, b *BattleSession, version uint64) error
	Sweep(ctx context.Context) (int, error)
	Degraded() bool
	Close() error
}

// maxCASRetries bounds the read-modify-write loop. Contention on a
// single battle is a user double-click, not a hot key; a handful of
// retries is enough before surfacing the conflict.
const maxCASRetries = 5

// errNoWrite is returned by a mutation closure to commit nothing and
// hand back the freshly read state (the idempotent-vote path).
var errNoWrite = errors.New("no write")

// mutate runs fn inside a bounded compare-and-set loop: read the
// freshest record, apply fn, write back at the read version. On
// ErrStaleWrite the loop re-reads and re-applies fn against the newer
// record. fn must be side-effect free apart from mutating its argument.
func mutate(ctx context.Context, st Store, battleID string, fn func(*BattleSession) error) (*BattleSession, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		b, version, err := st.Get(ctx, battleID)
		if err != nil {
			return nil, err
		}

		if err := fn(b); err != nil {
			if errors.Is(err, errNoWrite) {
				return b, nil
			}
			return nil, err
		}

		b.LastUpdated = time.Now().UTC()
		err = st.Update(ctx, b, version)
		if err == nil {
			return b, nil
		}
		if errors.Is(err, ErrStaleWrite) {
			logging.VoteWarn("battle %s: stale write at version %d, retrying (%d/%d)",
				battleID, version, attempt+1, maxCASRetries)
			continue
		}
		return nil, err
	}
	return nil, ErrConflictRetryExceeded
}
