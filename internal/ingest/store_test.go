package ingest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/pricewatch/pricewatch/internal/retry"
)

// memoryStore mimics the row-locking behaviour of the Postgres repository:
// GetProductForUpdate locks existing rows, InsertProduct waits on a
// concurrent insert of the same key and reports ErrKeyConflict once that
// insert has committed. Writes become visible on commit.
type memoryStore struct {
	mu       sync.Mutex
	rowLocks map[Key]*sync.Mutex
	products map[Key]Product
	history  []PriceHistoryEntry
	nextID   int64
	updates  int
	txCount  int

	// failures makes the next n transactions fail with failErr before running fn.
	failures int
	failErr  error
}

type memoryTx struct {
	store    *memoryStore
	held     map[Key]bool
	products map[Key]Product
	history  []PriceHistoryEntry
	updates  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		rowLocks: make(map[Key]*sync.Mutex),
		products: make(map[Key]Product),
	}
}

func (s *memoryStore) failNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

func (s *memoryStore) rowLock(key Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[key] = l
	}
	return l
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	s.mu.Lock()
	s.txCount++
	if s.failures > 0 {
		s.failures--
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	tx := &memoryTx{store: s, held: make(map[Key]bool), products: make(map[Key]Product)}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.mu.Lock()
	for k, p := range tx.products {
		s.products[k] = p
	}
	s.history = append(s.history, tx.history...)
	s.updates += tx.updates
	s.mu.Unlock()
	return nil
}

func (tx *memoryTx) lock(key Key) {
	if tx.held[key] {
		return
	}
	tx.store.rowLock(key).Lock()
	tx.held[key] = true
}

func (tx *memoryTx) unlock(key Key) {
	if !tx.held[key] {
		return
	}
	delete(tx.held, key)
	tx.store.rowLock(key).Unlock()
}

func (tx *memoryTx) release() {
	for key := range tx.held {
		tx.unlock(key)
	}
}

func (tx *memoryTx) committed(key Key) (Product, bool) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	p, ok := tx.store.products[key]
	return p, ok
}

func (tx *memoryTx) GetProductForUpdate(_ context.Context, key Key) (Product, error) {
	if p, ok := tx.products[key]; ok {
		return p, nil
	}
	tx.lock(key)
	p, ok := tx.committed(key)
	if !ok {
		// Postgres takes no lock on a missing row.
		tx.unlock(key)
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (tx *memoryTx) InsertProduct(_ context.Context, p Product) (int64, error) {
	tx.lock(p.Key)
	if _, ok := tx.committed(p.Key); ok {
		return 0, ErrKeyConflict
	}
	tx.store.mu.Lock()
	tx.store.nextID++
	p.ID = tx.store.nextID
	tx.store.mu.Unlock()
	tx.products[p.Key] = p
	return p.ID, nil
}

func (tx *memoryTx) UpdateProduct(_ context.Context, p Product) error {
	if !tx.held[p.Key] {
		return errors.New("memory store: update without row lock")
	}
	tx.products[p.Key] = p
	tx.updates++
	return nil
}

func (tx *memoryTx) InsertHistory(_ context.Context, h PriceHistoryEntry) error {
	tx.history = append(tx.history, h)
	return nil
}

func (s *memoryStore) product(key Key) (Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[key]
	return p, ok
}

func (s *memoryStore) historyFor(productID int64) []PriceHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PriceHistoryEntry
	for _, h := range s.history {
		if h.ProductID == productID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out
}

func (s *memoryStore) productCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.products)
}

func (s *memoryStore) historyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *memoryStore) transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

func transientStoreError() error {
	return retry.Transient(ErrPoolExhausted)
}
