// Package reactor coordinates live queries and optimistic transactions over
// the normalized store.
//
// Subscribe turns a query into a continuously updated result stream: raw
// server pushes are normalized into the store and a per-query reconciler
// merges server-confirmed ids with locally optimistic ones. Transact applies
// a transaction to the store before any network round trip, fans the change
// out to affected subscriptions, then hands the chunks to the connection
// layer for durable submission. Unconfirmed mutations found at subscribe
// time are replayed first, so the first paint after a restart already shows
// unsynced local writes.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/bifrost/pkg/logger"
	"github.com/orneryd/bifrost/pkg/normalize"
	"github.com/orneryd/bifrost/pkg/schema"
	"github.com/orneryd/bifrost/pkg/store"
	"github.com/orneryd/bifrost/pkg/transport"
)

// Common errors returned by the reactor.
var (
	// ErrNotAuthenticated is returned when the connection did not reach the
	// authenticated state within the connect timeout.
	ErrNotAuthenticated = errors.New("connection not authenticated")

	// ErrSchemaUnavailable means the attribute catalog never arrived within
	// the schema timeout. Subscribe and Transact log it and proceed;
	// normalization drops unknown fields until the catalog lands.
	ErrSchemaUnavailable = errors.New("schema catalog unavailable")

	// ErrReactorClosed is returned after Close.
	ErrReactorClosed = errors.New("reactor is closed")
)

// Default bounds for the two waits a subscribe or transact call may block on.
const (
	DefaultConnectTimeout = 8 * time.Second
	DefaultSchemaTimeout  = 5 * time.Second
)

// Options configures a Reactor.
type Options struct {
	// ConnectTimeout bounds the wait for the authenticated state.
	// Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// SchemaTimeout bounds the wait for the attribute catalog.
	// Zero means DefaultSchemaTimeout.
	SchemaTimeout time.Duration

	// Logger overrides the default component logger.
	Logger *zap.SugaredLogger
}

// errStillWaiting drives the backoff polling loops.
var errStillWaiting = errors.New("still waiting")

// reactorCounters aggregates statistics across all reconcilers.
type reactorCounters struct {
	transactions atomic.Int64
	recomputes   atomic.Int64
	emissions    atomic.Int64
}

// Reactor owns the subscription registry and the optimistic write path.
//
// The registry is the reactor's single serialization point: registration,
// deregistration and fan-out iterate it under one mutex. Result computation
// never happens under that mutex; each reconciler does its own work on its
// own goroutine, fed through an ordered mailbox.
type Reactor struct {
	store *store.Store
	conn  transport.Conn
	log   *zap.SugaredLogger

	connectTimeout time.Duration
	schemaTimeout  time.Duration

	mu     sync.Mutex
	subs   map[string]*registration
	closed bool

	counters reactorCounters
}

// registration pairs a reconciler with the transport-level cancel for its
// live query.
type registration struct {
	rec        *reconciler
	cancelLive func()
}

// New creates a Reactor over the given store and connection.
func New(st *store.Store, conn transport.Conn, opts Options) *Reactor {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.SchemaTimeout <= 0 {
		opts.SchemaTimeout = DefaultSchemaTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logger.For(logger.ComponentReactor)
	}
	return &Reactor{
		store:          st,
		conn:           conn,
		log:            log,
		connectTimeout: opts.ConnectTimeout,
		schemaTimeout:  opts.SchemaTimeout,
		subs:           make(map[string]*registration),
	}
}

// Subscription is a live query handle. Updates delivers the freshest result
// list; an undelivered stale list is replaced, not queued, so a slow reader
// only ever skips intermediate states. The channel closes after Cancel.
type Subscription struct {
	id      string
	query   transport.Query
	updates <-chan []store.Entity
	cancel  func()
	once    sync.Once
}

// ID returns the registry handle id.
func (s *Subscription) ID() string { return s.id }

// Query returns the query this subscription serves.
func (s *Subscription) Query() transport.Query { return s.query }

// Updates returns the result stream.
func (s *Subscription) Updates() <-chan []store.Entity { return s.updates }

// Cancel tears the subscription down: the live query stops, the registry
// entry and the store observers are released, and Updates closes. Safe to
// call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Subscribe starts a live query and returns its subscription handle.
//
// The call waits (bounded) for the connection to authenticate and for the
// attribute catalog; a missing catalog is logged and tolerated, a missing
// connection is not. Unconfirmed pending mutations are replayed into the
// store before the live query is issued, so the first emission reflects
// local writes that have not synced yet. Cancelling ctx cancels the
// subscription.
func (r *Reactor) Subscribe(ctx context.Context, q transport.Query) (*Subscription, error) {
	if q.Namespace == "" {
		return nil, errors.New("query has no namespace")
	}
	if err := r.awaitAuthenticated(ctx); err != nil {
		return nil, err
	}
	if err := r.awaitSchema(ctx); err != nil {
		// Lossy but not fatal. Unknown fields drop until the catalog lands.
		r.log.Warnw("proceeding without schema catalog",
			"namespace", q.Namespace,
			"timeout", r.schemaTimeout,
			"error", err)
	}

	handle := uuid.NewString()
	rec := newReconciler(handle, q, r.store, r.conn, r.log, &r.counters)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrReactorClosed
	}
	r.subs[handle] = &registration{rec: rec}
	r.mu.Unlock()

	go rec.run()
	r.replayPending(rec)

	cancelLive, err := r.conn.SubscribeQuery(ctx, q, func(res transport.Result) {
		r.onPush(rec, res)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.subs, handle)
		r.mu.Unlock()
		rec.stop()
		return nil, fmt.Errorf("subscribe %s: %w", q.Namespace, err)
	}

	r.mu.Lock()
	reg, ok := r.subs[handle]
	if !ok {
		// Close raced us between registration and here.
		r.mu.Unlock()
		cancelLive()
		rec.stop()
		return nil, ErrReactorClosed
	}
	reg.cancelLive = cancelLive
	r.mu.Unlock()
	rec.start()

	sub := &Subscription{
		id:      handle,
		query:   q,
		updates: rec.out,
		cancel:  func() { r.unsubscribe(handle) },
	}
	context.AfterFunc(ctx, sub.Cancel)

	r.log.Debugw("subscription registered",
		"subscription", handle,
		"namespace", q.Namespace,
		"filter", rec.filter.class.String())
	return sub, nil
}

// unsubscribe removes the registry entry, stops the live query, and waits
// for the reconciler to release its observers.
func (r *Reactor) unsubscribe(handle string) {
	r.mu.Lock()
	reg, ok := r.subs[handle]
	if ok {
		delete(r.subs, handle)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if reg.cancelLive != nil {
		reg.cancelLive()
	}
	reg.rec.stop()
}

// onPush handles one live-query delivery: normalize into the store, then
// hand the server's id order to the reconciler.
func (r *Reactor) onPush(rec *reconciler, res transport.Result) {
	if res.Loading {
		// The transport's initial loading signal carries no data. Treating
		// it as an empty result would wipe the optimistic first paint.
		return
	}
	if res.Err != nil {
		r.log.Warnw("live query delivery failed",
			"namespace", rec.namespace,
			"error", res.Err)
		return
	}

	norm := normalize.Entities(r.store.Catalog(), rec.namespace, res.Entities, time.Now().UnixMilli(), schema.OriginServer)
	if norm.Skipped > 0 {
		r.log.Debugw("push entities skipped during normalization",
			"namespace", rec.namespace,
			"skipped", norm.Skipped)
	}
	if _, err := r.store.AddTriples(norm.Triples); err != nil {
		r.log.Warnw("failed to merge push", "namespace", rec.namespace, "error", err)
		return
	}

	rec.mailbox.put(signal{kind: signalServerPush, ids: norm.Roots})
}

// replayPending re-derives triples from every unconfirmed mutation and
// merges them into the store, then tells the new reconciler which ids in
// its namespace were touched. Merging is idempotent, so a second
// subscription replaying the same mutations changes nothing.
func (r *Reactor) replayPending(rec *reconciler) {
	pending := r.conn.PendingMutations()
	if len(pending) == 0 {
		return
	}
	catalog := r.store.Catalog()

	for _, m := range pending {
		var batch []schema.Triple
		flush := func() {
			if len(batch) == 0 {
				return
			}
			if _, err := r.store.AddTriples(batch); err != nil {
				r.log.Warnw("pending mutation replay failed", "tx", m.TxID, "error", err)
			}
			batch = nil
		}

		for _, op := range m.Ops {
			switch op.Kind {
			case schema.RawAddTriple:
				if tr, ok := normalize.TripleFromRaw(catalog, op); ok {
					batch = append(batch, tr)
				}
			case schema.RawRetractTriple:
				flush()
				if tr, ok := normalize.TripleFromRaw(catalog, op); ok {
					if err := r.store.RetractTriple(tr); err != nil {
						r.log.Warnw("pending retract replay failed", "tx", m.TxID, "error", err)
					}
				}
			case schema.RawDeleteEntity:
				flush()
				if err := r.store.DeleteEntity(op.EntityID); err != nil {
					r.log.Warnw("pending delete replay failed", "tx", m.TxID, "error", err)
				}
			default:
				// Schema ops ride along in the queue; replay ignores them.
			}
		}
		flush()

		for _, op := range m.Ops {
			if op.Namespace != rec.namespace || op.EntityID == "" {
				continue
			}
			switch op.Kind {
			case schema.RawAddTriple, schema.RawRetractTriple:
				if rec.filter.accepts(op.EntityID) {
					rec.mailbox.put(signal{kind: signalUpsert, id: op.EntityID})
				}
			case schema.RawDeleteEntity:
				if rec.filter.accepts(op.EntityID) {
					rec.mailbox.put(signal{kind: signalDelete, id: op.EntityID})
				}
			}
		}
	}
}

// Transact applies a transaction optimistically and submits it.
//
// The store merge, the per-subscription notifications and the recompute
// broadcast all happen before the connection layer sees the chunks, so a
// matching subscription reflects the write with no network round trip. A
// failed submission is returned to the caller but the optimistic state
// stays; the durable queue reconciles it on the next sync.
func (r *Reactor) Transact(ctx context.Context, chunks []schema.Chunk) error {
	if len(chunks) == 0 {
		return errors.New("transaction has no chunks")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrReactorClosed
	}
	r.mu.Unlock()

	if err := r.awaitAuthenticated(ctx); err != nil {
		return err
	}
	if err := r.awaitSchema(ctx); err != nil {
		r.log.Warnw("transacting without schema catalog", "error", err)
	}
	catalog := r.store.Catalog()

	stamp := time.Now().UnixMilli()
	var upserts, deletes []normalize.EntityRef

	for _, chunk := range chunks {
		res, err := normalize.Chunk(catalog, chunk, stamp)
		if err != nil {
			return fmt.Errorf("expand chunk: %w", err)
		}
		if res.Skipped > 0 {
			r.log.Debugw("transaction ops skipped", "namespace", chunk.Namespace, "skipped", res.Skipped)
		}

		if _, err := r.store.AddTriples(res.Adds); err != nil {
			return fmt.Errorf("apply transaction: %w", err)
		}
		for _, tr := range res.Retracts {
			if err := r.store.RetractTriple(tr); err != nil {
				return fmt.Errorf("apply transaction: %w", err)
			}
		}
		for _, del := range res.Deletes {
			if err := r.store.DeleteEntity(del.ID); err != nil {
				return fmt.Errorf("apply transaction: %w", err)
			}
		}

		deleted := make(map[string]struct{}, len(res.Deletes))
		for _, del := range res.Deletes {
			deleted[del.Namespace+"\x00"+del.ID] = struct{}{}
			deletes = append(deletes, del)
		}
		for namespace, ids := range res.Touched {
			for _, id := range ids {
				if _, gone := deleted[namespace+"\x00"+id]; gone {
					continue
				}
				upserts = append(upserts, normalize.EntityRef{Namespace: namespace, ID: id})
			}
		}
	}

	r.notifyReconcilers(upserts, deletes)
	r.counters.transactions.Add(1)

	if err := r.conn.SubmitTransaction(ctx, chunks); err != nil {
		return fmt.Errorf("submit transaction: %w", err)
	}
	return nil
}

// notifyReconcilers fans a transaction's touched ids out to matching
// subscriptions, then broadcasts a recompute to every subscription. A link
// op changes both sides of a relationship and the far side's subscription
// cannot be predicted from the op alone, so everyone re-derives; redundant
// recomputation is the price of not missing one.
func (r *Reactor) notifyReconcilers(upserts, deletes []normalize.EntityRef) {
	r.mu.Lock()
	recs := make([]*reconciler, 0, len(r.subs))
	for _, reg := range r.subs {
		recs = append(recs, reg.rec)
	}
	r.mu.Unlock()

	for _, rec := range recs {
		for _, ref := range upserts {
			if ref.Namespace == rec.namespace && rec.filter.accepts(ref.ID) {
				rec.mailbox.put(signal{kind: signalUpsert, id: ref.ID})
			}
		}
		for _, ref := range deletes {
			if ref.Namespace == rec.namespace && rec.filter.accepts(ref.ID) {
				rec.mailbox.put(signal{kind: signalDelete, id: ref.ID})
			}
		}
	}
	for _, rec := range recs {
		rec.mailbox.put(signal{kind: signalRecomputeAll})
	}
}

// awaitAuthenticated polls the connection state until authenticated, the
// context ends, or the connect timeout elapses.
func (r *Reactor) awaitAuthenticated(ctx context.Context) error {
	if r.conn.State() == transport.StateAuthenticated {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = r.connectTimeout

	err := backoff.Retry(func() error {
		if r.conn.State() != transport.StateAuthenticated {
			return errStillWaiting
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrNotAuthenticated
}

// awaitSchema polls for the attribute catalog and installs it in the store
// when it arrives. Callers log the returned ErrSchemaUnavailable and carry
// on; a missing schema degrades normalization, it does not stop the world.
func (r *Reactor) awaitSchema(ctx context.Context) error {
	if attrs := r.conn.Attributes(); len(attrs) > 0 {
		r.refreshCatalog(attrs)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = r.schemaTimeout

	err := backoff.Retry(func() error {
		if len(r.conn.Attributes()) == 0 {
			return errStillWaiting
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err == nil {
		r.refreshCatalog(r.conn.Attributes())
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrSchemaUnavailable
}

// refreshCatalog installs the published attributes into the store. The
// catalog only ever grows or gets replaced wholesale, so a matching length
// means nothing changed.
func (r *Reactor) refreshCatalog(attrs []schema.Attribute) {
	if len(attrs) == 0 {
		return
	}
	if current := r.store.Catalog(); current != nil && current.Len() == len(attrs) {
		return
	}
	r.store.UpdateAttributes(schema.NewCatalog(attrs))
	r.log.Debugw("attribute catalog installed", "attributes", len(attrs))
}

// ReactorStats provides observability into subscription and write activity.
type ReactorStats struct {
	ActiveSubscriptions int
	Transactions        int64
	Recomputes          int64
	Emissions           int64
}

// Stats reports current reactor counters.
func (r *Reactor) Stats() ReactorStats {
	r.mu.Lock()
	active := len(r.subs)
	r.mu.Unlock()

	return ReactorStats{
		ActiveSubscriptions: active,
		Transactions:        r.counters.transactions.Load(),
		Recomputes:          r.counters.recomputes.Load(),
		Emissions:           r.counters.emissions.Load(),
	}
}

// Close cancels every subscription and rejects further calls.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	regs := make([]*registration, 0, len(r.subs))
	for _, reg := range r.subs {
		regs = append(regs, reg)
	}
	r.subs = make(map[string]*registration)
	r.mu.Unlock()

	for _, reg := range regs {
		if reg.cancelLive != nil {
			reg.cancelLive()
		}
		reg.rec.stop()
	}
	return nil
}
