// Package transport defines the boundary to the connection layer: the
// lifecycle, live-query, transaction and schema surfaces the sync core is
// built against. The core never frames packets or speaks the auth protocol;
// it only consumes this contract.
//
// MemoryConn implements the contract in memory with scripted pushes, for
// tests and for running the engine fully offline.
package transport

import (
	"context"

	"github.com/orneryd/bifrost/pkg/schema"
)

// ConnectionState is the connection lifecycle as the core sees it.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateAuthenticated ConnectionState = "authenticated"
	StateError         ConnectionState = "error"
)

// Direction orders a live query by its order-by field.
type Direction string

const (
	Ascending  Direction = "asc"
	Descending Direction = "desc"
)

// Query describes one live query.
//
// Where is opaque to the connection layer and passed through to the server.
// The optimistic layer only understands the equality-on-id shape natively;
// anything richer is evaluated server-side only.
type Query struct {
	Namespace string
	OrderBy   string
	Direction Direction
	Where     map[string]any
	Limit     int
	Links     schema.LinkSelection
}

// Result is one delivery on a live-query stream. The first delivery is a
// loading signal carrying no data; consumers must ignore it rather than
// treat it as an empty result set.
type Result struct {
	Loading  bool
	Entities []map[string]any
	Err      error
}

// ResultFunc consumes live-query deliveries. Called at least once per
// server push.
type ResultFunc func(Result)

// Conn is the connection boundary the sync core runs against.
//
// SubmitTransaction must durably queue chunks while offline and flush them
// on reconnect; that durability is assumed here, not reimplemented.
// PendingMutations exposes the queued-but-unconfirmed transactions so the
// core can replay them after a restart.
type Conn interface {
	// State returns the current lifecycle state.
	State() ConnectionState

	// Attributes returns the current schema catalog. Empty until the
	// schema has loaded.
	Attributes() []schema.Attribute

	// SubscribeQuery starts a live query. fn is called with a loading
	// signal first, then once per server push, until cancel is called or
	// ctx ends.
	SubscribeQuery(ctx context.Context, q Query, fn ResultFunc) (cancel func(), err error)

	// SubmitTransaction durably queues and submits a transaction.
	SubmitTransaction(ctx context.Context, chunks []schema.Chunk) error

	// PendingMutations returns the submitted-but-unconfirmed transactions
	// in submission order.
	PendingMutations() []schema.PendingMutation
}

// Journal is the durable backing a connection keeps its pending mutations
// in. A connection with a journal survives restarts: unconfirmed
// transactions reload from the journal and replay into new subscriptions.
type Journal interface {
	// Enqueue persists a pending mutation, assigning a transaction id if
	// the mutation carries none.
	Enqueue(m schema.PendingMutation) (string, error)

	// Pending returns the journaled mutations in submission order.
	Pending() ([]schema.PendingMutation, error)

	// Confirm drops an acknowledged mutation. Unknown ids are a no-op.
	Confirm(txID string) error
}
