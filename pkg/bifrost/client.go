// Package bifrost provides the main API for embedded Bifrost usage.
//
// This package wires the sync core together: the normalized triple store,
// the reactor that coordinates live queries and optimistic transactions,
// and an optional durable outbox for pending mutations. Applications open
// a Client over a connection, subscribe to queries, and submit
// transactions; everything else happens inside.
//
// Key Features:
//   - Live queries with continuously updated, typed results
//   - Optimistic writes visible before any network round trip
//   - Last-write-wins merging of server and local state
//   - Durable pending-mutation queue surviving restarts
//   - Fully offline operation against an in-memory connection
//
// Architecture:
//   - Store: normalized triple storage with per-entity observers
//   - Reactor: subscription registry and the optimistic write path
//   - Transport: the connection boundary (MemoryConn included)
//   - Outbox: Badger-backed journal for unconfirmed transactions
//
// Example Usage:
//
//	conn := transport.NewMemoryConn(attrs)
//	conn.Connect(ctx)
//
//	client, err := bifrost.Open(conn, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	sub, err := client.Subscribe(ctx, transport.Query{
//		Namespace: "todos",
//		OrderBy:   "createdAt",
//		Direction: transport.Descending,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	go func() {
//		for todos := range sub.Updates() {
//			fmt.Printf("now showing %d todos\n", len(todos))
//		}
//	}()
//
//	err = client.Transact(ctx, []schema.Chunk{
//		reactor.CreateOp("todos", reactor.NewEntityID(), map[string]any{
//			"title": "Buy milk",
//			"done":  false,
//		}),
//	})
//
// Data Flow:
//  1. Server pushes arrive on the connection's live queries
//  2. The reactor normalizes them into the store and reconciles ids
//  3. Transactions apply to the store first, then queue for submission
//  4. Subscriptions re-materialize and emit on every relevant change
//
// ELI12 (Explain Like I'm 12):
//
// Think of the Client like a notebook that syncs with a shared whiteboard:
//
//  1. **Write first, sync later**: When you jot something down, it shows up
//     in your notebook instantly, even with no connection to the board.
//
//  2. **The board wins fights**: If the board and your notebook disagree
//     about the same line, whichever was written most recently sticks.
//
//  3. **Nothing gets lost**: Notes that haven't reached the board yet are
//     kept in a safe pile, and the pile survives closing the notebook.
package bifrost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/bifrost/pkg/config"
	"github.com/orneryd/bifrost/pkg/logger"
	"github.com/orneryd/bifrost/pkg/outbox"
	"github.com/orneryd/bifrost/pkg/reactor"
	"github.com/orneryd/bifrost/pkg/schema"
	"github.com/orneryd/bifrost/pkg/store"
	"github.com/orneryd/bifrost/pkg/transport"
)

// Errors returned by Client operations.
var (
	ErrClosed   = errors.New("client is closed")
	ErrNilConn  = errors.New("nil connection")
	ErrBadQuery = errors.New("invalid query")
)

// journalConn is satisfied by connections that can persist their pending
// queue in an attached journal.
type journalConn interface {
	SetJournal(transport.Journal)
}

// Client is an opened Bifrost instance.
//
// The Client owns the store, the reactor and (when enabled) the outbox; it
// does not own the connection. Closing the Client cancels every
// subscription and releases local resources but leaves the connection to
// its creator.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Client struct {
	config *config.Config
	log    *zap.SugaredLogger

	mu     sync.Mutex
	closed bool

	conn    transport.Conn
	store   *store.Store
	reactor *reactor.Reactor
	outbox  *outbox.Queue
}

// Open wires a Client over the given connection.
//
// Initialization order:
//  1. Applies config.LoadFromEnv() if cfg is nil, then validates
//  2. Creates the normalized store (catalog installs once schema arrives)
//  3. Opens the outbox and attaches it to the connection's pending queue,
//     when the config enables it and the connection supports a journal
//  4. Starts the reactor with the configured timeouts
//
// The connection may still be disconnected at Open time; subscriptions and
// transactions wait for the authenticated state up to the connect timeout.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	cfg.Outbox.InMemory = true
//
//	client, err := bifrost.Open(conn, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
func Open(conn transport.Conn, cfg *config.Config) (*Client, error) {
	if conn == nil {
		return nil, ErrNilConn
	}
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	zlog := logger.New(cfg.Logging.Level, logger.LogFormat(strings.ToUpper(cfg.Logging.Format))).Sugar()

	client := &Client{
		config: cfg,
		log:    zlog.Named(logger.ComponentClient),
		conn:   conn,
	}

	client.store = store.New(nil)

	if cfg.Outbox.Enabled {
		queue, err := outbox.NewWithOptions(outbox.Options{
			DataDir:    cfg.Outbox.DataDir,
			InMemory:   cfg.Outbox.InMemory,
			SyncWrites: cfg.Outbox.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open outbox: %w", err)
		}
		client.outbox = queue

		if jc, ok := conn.(journalConn); ok {
			jc.SetJournal(queue)
			client.log.Infow("outbox attached to connection",
				"dir", cfg.Outbox.DataDir,
				"in_memory", cfg.Outbox.InMemory)
		} else {
			client.log.Debugw("connection manages its own durability, outbox runs standalone")
		}
	}

	client.reactor = reactor.New(client.store, conn, reactor.Options{
		ConnectTimeout: cfg.Sync.ConnectTimeout,
		SchemaTimeout:  cfg.Sync.SchemaTimeout,
		Logger:         zlog.Named(logger.ComponentReactor),
	})

	client.log.Infow("client opened",
		"connect_timeout", cfg.Sync.ConnectTimeout,
		"schema_timeout", cfg.Sync.SchemaTimeout,
		"outbox", cfg.Outbox.Enabled)
	return client, nil
}

// Subscribe starts a live query and returns its subscription handle.
//
// The first emission arrives once the initial state is known; it already
// includes unconfirmed local writes replayed from the pending queue. See
// reactor.Reactor.Subscribe for the full contract.
func (c *Client) Subscribe(ctx context.Context, q transport.Query) (*reactor.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	if q.Namespace == "" {
		return nil, fmt.Errorf("%w: query has no namespace", ErrBadQuery)
	}
	return c.reactor.Subscribe(ctx, q)
}

// Transact applies a transaction optimistically and submits it.
//
// The chunks land in the local store before any network round trip;
// affected subscriptions re-emit immediately. Submission failures are
// returned but do not roll the local state back, matching the pending
// queue's retry-forever semantics.
func (c *Client) Transact(ctx context.Context, chunks []schema.Chunk) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	return c.reactor.Transact(ctx, chunks)
}

// Store exposes the normalized store for direct reads.
func (c *Client) Store() *store.Store {
	return c.store
}

// Conn returns the connection the client was opened over.
func (c *Client) Conn() transport.Conn {
	return c.conn
}

// Outbox returns the durable pending-mutation queue, or nil when the
// outbox is disabled.
func (c *Client) Outbox() *outbox.Queue {
	return c.outbox
}

// ClientStats aggregates the counters of every owned component.
type ClientStats struct {
	Store   store.StoreStats
	Reactor reactor.ReactorStats
	Outbox  *outbox.QueueStats
}

// Stats reports a snapshot of store, reactor and outbox counters.
// The outbox entry is nil when the outbox is disabled or already closed.
func (c *Client) Stats() ClientStats {
	stats := ClientStats{
		Store:   c.store.Stats(),
		Reactor: c.reactor.Stats(),
	}
	if c.outbox != nil {
		if qs, err := c.outbox.Stats(); err == nil {
			stats.Outbox = &qs
		}
	}
	return stats
}

// Close cancels every subscription and releases local resources.
// The connection itself stays open. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.closeInternal()
}

// closeInternal performs cleanup without requiring the lock.
func (c *Client) closeInternal() error {
	var errs []error

	if err := c.reactor.Close(); err != nil {
		errs = append(errs, err)
	}

	// The outbox closes after the reactor so in-flight submissions finish
	// journaling first.
	if c.outbox != nil {
		if err := c.outbox.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	c.log.Infow("client closed")
	return nil
}
