// Package outbox provides a durable queue for pending mutations.
//
// Queue persists optimistic transactions that have been submitted but not
// yet confirmed by the server, so they survive restarts and can be replayed
// into the local store before live results arrive. Records are keyed by
// their ULID transaction id, so a prefix scan returns them in submission
// order without a secondary index.
package outbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/orneryd/bifrost/pkg/schema"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixMutation = byte(0x01) // mutation:txID -> JSON(PendingMutation)
)

// Common errors returned by the queue.
var (
	// ErrClosed is returned when operating on a closed queue.
	ErrClosed = errors.New("outbox closed")

	// ErrInvalidID is returned when a transaction id is empty.
	ErrInvalidID = errors.New("invalid transaction id")
)

// Options configures the outbox queue.
type Options struct {
	// DataDir is the directory for storing queue files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs the queue in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each enqueue.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, Badger's logging is silenced.
	Logger badger.Logger
}

// Queue is a Badger-backed pending-mutation queue.
//
// Key Structure:
//   - Mutations: 0x01 + txID -> JSON(PendingMutation)
//
// ULID transaction ids are lexically ordered by creation time, so the
// single prefix doubles as a time-ordered index.
//
// Example:
//
//	q, err := outbox.New("./data/outbox")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer q.Close()
//
//	txID, _ := q.Enqueue(schema.PendingMutation{Ops: ops})
//	// ... server acknowledges ...
//	q.Confirm(txID)
type Queue struct {
	db       *badger.DB
	mu       sync.RWMutex // Protects closed flag
	closed   bool
	inMemory bool

	// Cached counters for O(1) stats lookups
	enqueued  atomic.Int64
	confirmed atomic.Int64
}

// New creates a persistent queue with default settings.
func New(dataDir string) (*Queue, error) {
	return NewWithOptions(Options{DataDir: dataDir})
}

// NewWithOptions creates a Queue with custom configuration.
// InMemory takes precedence over DataDir; Badger rejects disk paths in
// disk-less mode.
func NewWithOptions(opts Options) (*Queue, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(opts.Logger)
	} else {
		// Use a quiet logger by default
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	// The queue holds at most a handful of unconfirmed transactions,
	// so it runs with low-memory settings.
	badgerOpts = badgerOpts.
		WithMemTableSize(8 << 20).      // 8MB memtable
		WithValueLogFileSize(32 << 20). // 32MB value log
		WithNumMemtables(1).            // Single memtable
		WithBlockCacheSize(8 << 20).    // 8MB block cache
		WithIndexCacheSize(4 << 20)     // 4MB index cache

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	return &Queue{db: db, inMemory: opts.InMemory}, nil
}

// NewInMemory creates an in-memory queue for testing.
//
// Data is not persisted and is lost when the queue is closed.
func NewInMemory() (*Queue, error) {
	return NewWithOptions(Options{InMemory: true})
}

// IsInMemory returns true if the queue is running in memory-only mode.
func (q *Queue) IsInMemory() bool {
	return q.inMemory
}

// mutationKey creates a key for a queued mutation.
// Format: prefix + txID
func mutationKey(txID string) []byte {
	return append([]byte{prefixMutation}, []byte(txID)...)
}

// Enqueue persists a pending mutation and returns its transaction id.
// A mutation without a transaction id is assigned a fresh ULID.
func (q *Queue) Enqueue(m schema.PendingMutation) (string, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return "", ErrClosed
	}
	q.mu.RUnlock()

	if m.TxID == "" {
		m.TxID = ulid.Make().String()
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode mutation: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(mutationKey(m.TxID), data)
	})
	if err != nil {
		return "", err
	}

	q.enqueued.Add(1)
	return m.TxID, nil
}

// Pending returns all queued mutations in submission order.
func (q *Queue) Pending() ([]schema.PendingMutation, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrClosed
	}
	q.mu.RUnlock()

	var pending []schema.PendingMutation
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixMutation}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m schema.PendingMutation
				if err := json.Unmarshal(val, &m); err != nil {
					return fmt.Errorf("failed to decode mutation: %w", err)
				}
				pending = append(pending, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return pending, err
}

// Confirm removes a mutation once the server has acknowledged it.
// Confirming an id that is not queued is a no-op.
func (q *Queue) Confirm(txID string) error {
	if txID == "" {
		return ErrInvalidID
	}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	q.mu.RUnlock()

	found := false
	err := q.db.Update(func(txn *badger.Txn) error {
		key := mutationKey(txID)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return txn.Delete(key)
	})

	if err == nil && found {
		q.confirmed.Add(1)
	}
	return err
}

// QueueStats provides observability into queue state.
type QueueStats struct {
	Pending   int
	Enqueued  int64
	Confirmed int64
}

// Stats reports current queue counters.
func (q *Queue) Stats() (QueueStats, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return QueueStats{}, ErrClosed
	}
	q.mu.RUnlock()

	var count int
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixMutation}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return QueueStats{}, err
	}

	return QueueStats{
		Pending:   count,
		Enqueued:  q.enqueued.Load(),
		Confirmed: q.confirmed.Load(),
	}, nil
}

// Close shuts down the queue and releases the underlying database.
// Further operations return ErrClosed. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	return q.db.Close()
}
