package store

import (
	"context"
	"sync"
	"time"

	"modelarena/internal/arena"
	"modelarena/internal/logging"
)

// MemoryStore keeps battle records in process memory with the same
// versioning semantics as the SQLite adapter. It cannot provide
// cross-instance visibility, so it reports Degraded; the server refuses
// to run on it unless dev mode explicitly allows the degradation.
type MemoryStore struct {
	mu  sync.Mutex
	ttl time.Duration
	rec map[string]*memRecord
}

type memRecord struct {
	session     *arena.BattleSession
	version     uint64
	lastUpdated time.Time
}

// NewMemoryStore builds an in-memory store with the given TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, rec: make(map[string]*memRecord)}
}

// Create inserts a new record at version 1.
func (s *MemoryStore) Create(ctx context.Context, b *arena.BattleSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rec[b.BattleID]; exists {
		return arena.ErrBattleExists
	}
	s.rec[b.BattleID] = &memRecord{
		session:     b.Clone(),
		version:     1,
		lastUpdated: time.Now(),
	}
	return nil
}

// Get returns a clone of the record and its version.
func (s *MemoryStore) Get(ctx context.Context, battleID string) (*arena.BattleSession, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rec[battleID]
	if !ok || time.Since(r.lastUpdated) > s.ttl {
		return nil, 0, arena.ErrInvalidBattle
	}
	return r.session.Clone(), r.version, nil
}

// Update commits iff the stored version matches.
func (s *MemoryStore) Update(ctx context.Context, b *arena.BattleSession, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rec[b.BattleID]
	if !ok {
		return arena.ErrInvalidBattle
	}
	if r.version != version {
		return arena.ErrStaleWrite
	}
	r.session = b.Clone()
	r.version++
	r.lastUpdated = time.Now()
	return nil
}

// Sweep drops expired records.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.rec {
		if time.Since(r.lastUpdated) > s.ttl {
			delete(s.rec, id)
			n++
		}
	}
	if n > 0 {
		logging.Store("swept %d expired battles (memory)", n)
	}
	return n, nil
}

// Degraded reports true: state is invisible to other instances.
func (s *MemoryStore) Degraded() bool { return true }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
