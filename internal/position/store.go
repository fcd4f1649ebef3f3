package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/pkg/db"
)

// Store keeps an in-memory view of open positions persisted to the database
// for durability. Mutation of a given key must run inside WithLock so a
// read-evaluate-write cycle is never interleaved with another writer.
type Store struct {
	mu        sync.RWMutex
	positions map[Key]Position
	db        *db.Database

	lockMu sync.Mutex
	locks  map[Key]*sync.Mutex
}

// NewStore creates a store; database may be nil (memory only, used in tests).
func NewStore(database *db.Database) *Store {
	return &Store{
		positions: make(map[Key]Position),
		db:        database,
		locks:     make(map[Key]*sync.Mutex),
	}
}

// Load seeds in-memory state from the database on startup.
func (s *Store) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		p := fromRow(r)
		s.positions[p.Key] = p
	}
	return nil
}

// keyLock returns the mutex guarding one position key.
func (s *Store) keyLock(k Key) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

// WithLock runs fn while holding the per-key lock. Every mutation path
// (manual close, scheduled monitor, reconciliation) goes through here.
func (s *Store) WithLock(k Key, fn func() error) error {
	l := s.keyLock(k)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Get returns the position for a key, if present.
func (s *Store) Get(k Key) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[k]
	return p, ok
}

// List returns a snapshot of all tracked positions.
func (s *Store) List() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

// ListByUser returns a snapshot of one user's positions.
func (s *Store) ListByUser(userID string) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

// Upsert writes a position to memory and the database. Callers hold the
// per-key lock.
func (s *Store) Upsert(ctx context.Context, p Position) error {
	p.UpdatedAt = time.Now()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = p.UpdatedAt
	}

	if s.db != nil {
		if err := s.db.UpsertPosition(ctx, p.toRow()); err != nil {
			return fmt.Errorf("persist position %v: %w", p.Key, err)
		}
	}

	s.mu.Lock()
	s.positions[p.Key] = p
	s.mu.Unlock()
	return nil
}

// Delete removes a position row without archiving (used when an open order
// never filled). Callers hold the per-key lock.
func (s *Store) Delete(ctx context.Context, k Key) error {
	if s.db != nil {
		if err := s.db.DeletePosition(ctx, k.UserID, k.Symbol, string(k.AccountType), k.Exchange); err != nil {
			return fmt.Errorf("delete position %v: %w", k, err)
		}
	}
	s.mu.Lock()
	delete(s.positions, k)
	s.mu.Unlock()
	return nil
}

// Archive writes the final snapshot with realized PnL to the trade archive
// and destroys the position row. Callers hold the per-key lock.
func (s *Store) Archive(ctx context.Context, p Position, exitPrice, realizedPnL float64, reason string) error {
	if s.db != nil {
		err := s.db.InsertArchive(ctx, db.ArchivedTrade{
			ID:          uuid.NewString(),
			UserID:      p.UserID,
			Symbol:      p.Symbol,
			AccountType: string(p.AccountType),
			Exchange:    p.Exchange,
			Side:        string(p.Side),
			Size:        p.Size,
			EntryPrice:  p.EntryPrice,
			ExitPrice:   exitPrice,
			RealizedPnL: realizedPnL,
			Leverage:    p.Leverage,
			Strategy:    p.Strategy,
			CloseReason: reason,
			OpenedAt:    p.OpenedAt,
		})
		if err != nil {
			return fmt.Errorf("archive position %v: %w", p.Key, err)
		}
	}
	return s.Delete(ctx, p.Key)
}
