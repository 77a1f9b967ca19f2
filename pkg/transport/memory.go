package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/oklog/ulid/v2"

	"github.com/orneryd/bifrost/pkg/normalize"
	"github.com/orneryd/bifrost/pkg/schema"
)

const (
	eventDial         = "dial"
	eventAuthenticate = "authenticate"
	eventFail         = "fail"
	eventDisconnect   = "disconnect"
)

// MemoryConn is an in-memory Conn for tests and offline runs. Pushes are
// scripted: the caller decides when a "server" result arrives and what it
// contains. Submitted transactions queue as pending mutations until
// Confirm drops them, mirroring the durable queue a real connection keeps.
type MemoryConn struct {
	mu sync.Mutex

	machine *fsm.FSM

	attrs   []schema.Attribute
	catalog *schema.Catalog

	subs    map[uint64]*memorySub
	nextSub uint64

	pending   []schema.PendingMutation
	submitted [][]schema.Chunk
	journal   Journal

	submitErr error
	now       func() int64
}

type memorySub struct {
	query     Query
	fn        ResultFunc
	cancelled bool
}

// NewMemoryConn creates a disconnected in-memory connection publishing the
// given attributes as its schema.
func NewMemoryConn(attrs []schema.Attribute) *MemoryConn {
	c := &MemoryConn{
		subs: make(map[uint64]*memorySub),
		now:  func() int64 { return time.Now().UnixMilli() },
	}
	c.machine = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateDisconnected), string(StateError)}, Dst: string(StateConnecting)},
			{Name: eventAuthenticate, Src: []string{string(StateConnecting)}, Dst: string(StateAuthenticated)},
			{Name: eventFail, Src: []string{string(StateDisconnected), string(StateConnecting), string(StateAuthenticated)}, Dst: string(StateError)},
			{Name: eventDisconnect, Src: []string{string(StateConnecting), string(StateAuthenticated), string(StateError)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{},
	)
	c.setAttrs(attrs)
	return c
}

func (c *MemoryConn) setAttrs(attrs []schema.Attribute) {
	c.attrs = attrs
	if len(attrs) > 0 {
		c.catalog = schema.NewCatalog(attrs)
	} else {
		c.catalog = nil
	}
}

// State returns the current lifecycle state.
func (c *MemoryConn) State() ConnectionState {
	return ConnectionState(c.machine.Current())
}

// Connect dials and authenticates in one step.
func (c *MemoryConn) Connect(ctx context.Context) error {
	if err := c.machine.Event(ctx, eventDial); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := c.machine.Event(ctx, eventAuthenticate); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// Disconnect drops the connection. Subscriptions stay registered; a real
// connection re-delivers after reconnect and so does this one.
func (c *MemoryConn) Disconnect(ctx context.Context) error {
	return c.machine.Event(ctx, eventDisconnect)
}

// Fail forces the error state.
func (c *MemoryConn) Fail(ctx context.Context) error {
	return c.machine.Event(ctx, eventFail)
}

// Attributes returns the published schema.
func (c *MemoryConn) Attributes() []schema.Attribute {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.Attribute, len(c.attrs))
	copy(out, c.attrs)
	return out
}

// SetAttributes replaces the published schema, simulating a late or
// updated catalog.
func (c *MemoryConn) SetAttributes(attrs []schema.Attribute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAttrs(attrs)
}

// SetNow overrides the write-stamp clock for deterministic tests.
func (c *MemoryConn) SetNow(now func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetSubmitError makes every subsequent SubmitTransaction fail with err.
func (c *MemoryConn) SetSubmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

// SetJournal attaches a durable journal. Once attached, the journal is the
// source of truth for pending mutations: submissions enqueue into it and
// PendingMutations reads from it, so queued transactions survive a restart
// of the process that owns the journal's storage.
func (c *MemoryConn) SetJournal(j Journal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal = j
}

// SubscribeQuery registers a live query and synchronously delivers the
// initial loading signal.
func (c *MemoryConn) SubscribeQuery(ctx context.Context, q Query, fn ResultFunc) (func(), error) {
	if q.Namespace == "" {
		return nil, fmt.Errorf("query has no namespace")
	}
	if fn == nil {
		return nil, fmt.Errorf("nil result callback")
	}

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	sub := &memorySub{query: q, fn: fn}
	c.subs[id] = sub
	c.mu.Unlock()

	fn(Result{Loading: true})

	stop := context.AfterFunc(ctx, func() { c.dropSub(id) })
	cancel := func() {
		stop()
		c.dropSub(id)
	}
	return cancel, nil
}

func (c *MemoryConn) dropSub(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[id]; ok {
		sub.cancelled = true
		delete(c.subs, id)
	}
}

// Push delivers a scripted server result to every live query on the
// namespace. Callbacks run synchronously on the caller's goroutine.
func (c *MemoryConn) Push(namespace string, entities []map[string]any) {
	for _, sub := range c.snapshotSubs(namespace) {
		sub.fn(Result{Entities: entities})
	}
}

// PushError delivers a scripted stream error to every live query on the
// namespace.
func (c *MemoryConn) PushError(namespace string, err error) {
	for _, sub := range c.snapshotSubs(namespace) {
		sub.fn(Result{Err: err})
	}
}

func (c *MemoryConn) snapshotSubs(namespace string) []*memorySub {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*memorySub
	for _, sub := range c.subs {
		if sub.query.Namespace == namespace && !sub.cancelled {
			out = append(out, sub)
		}
	}
	return out
}

// SubscriberCount reports the live queries currently registered on the
// namespace.
func (c *MemoryConn) SubscriberCount(namespace string) int {
	return len(c.snapshotSubs(namespace))
}

// SubmitTransaction records the chunks and queues a pending mutation with
// the derived raw ops, like the durable queue a real connection maintains.
// Submissions are accepted in any lifecycle state; offline submissions are
// exactly what the queue exists for.
func (c *MemoryConn) SubmitTransaction(_ context.Context, chunks []schema.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.submitErr != nil {
		return c.submitErr
	}

	stamp := c.now()
	var ops []schema.RawOp
	for _, chunk := range chunks {
		res, err := normalize.Chunk(c.catalog, chunk, stamp)
		if err != nil {
			return fmt.Errorf("expand chunk: %w", err)
		}
		ops = append(ops, normalize.RawOps(c.catalog, res)...)
	}

	c.submitted = append(c.submitted, chunks)
	mutation := schema.PendingMutation{
		TxID: ulid.Make().String(),
		Ops:  ops,
	}
	if c.journal != nil {
		if _, err := c.journal.Enqueue(mutation); err != nil {
			return fmt.Errorf("journal mutation: %w", err)
		}
		return nil
	}
	c.pending = append(c.pending, mutation)
	return nil
}

// PendingMutations returns the queued-but-unconfirmed transactions in
// submission order. With a journal attached the journal is read instead of
// the in-memory list; a journal read failure reports no pending mutations.
func (c *MemoryConn) PendingMutations() []schema.PendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal != nil {
		pending, err := c.journal.Pending()
		if err != nil {
			return nil
		}
		return pending
	}
	out := make([]schema.PendingMutation, len(c.pending))
	copy(out, c.pending)
	return out
}

// Confirm drops a pending mutation, simulating a server acknowledgment.
func (c *MemoryConn) Confirm(txID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal != nil {
		c.journal.Confirm(txID)
		return
	}
	for i, m := range c.pending {
		if m.TxID == txID {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			return
		}
	}
}

// ConfirmAll drops every pending mutation.
func (c *MemoryConn) ConfirmAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journal != nil {
		if pending, err := c.journal.Pending(); err == nil {
			for _, m := range pending {
				c.journal.Confirm(m.TxID)
			}
		}
		return
	}
	c.pending = nil
}

// Submitted returns every submitted transaction's chunks, oldest first.
func (c *MemoryConn) Submitted() [][]schema.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]schema.Chunk, len(c.submitted))
	copy(out, c.submitted)
	return out
}

// Verify MemoryConn implements the connection boundary
var _ Conn = (*MemoryConn)(nil)
