package reactor

import (
	"context"
	"strings"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/orneryd/bifrost/pkg/logger"
	"github.com/orneryd/bifrost/pkg/schema"
	"github.com/orneryd/bifrost/pkg/store"
	"github.com/orneryd/bifrost/pkg/transport"
)

// Reconciler lifecycle states and events.
const (
	stateIdle          = "idle"
	stateAwaitingFirst = "awaiting_first_result"
	stateSteady        = "steady"
	stateClosed        = "closed"

	eventStart       = "start"
	eventFirstResult = "first_result"
	eventClose       = "close"
)

// reconciler merges server-confirmed and locally optimistic ids for one live
// query and re-materializes its result list whenever either side moves.
//
// State is two ordered id lists: merged, the emission order (still-pending
// optimistic ids at the "most recent" end for the query's direction, then
// the last server-reported order), and optimistic, the subset the server has
// not yet echoed back. All state is owned by the run goroutine; the rest of
// the reactor only talks to the mailbox, which preserves per-subscription
// signal order.
type reconciler struct {
	id        string
	query     transport.Query
	namespace string
	filter    queryFilter

	store *store.Store
	conn  transport.Conn
	log   *zap.SugaredLogger

	machine *fsm.FSM
	mailbox *mailbox

	merged     []string
	optimistic []string

	// store observer tokens, one per merged id
	tokens map[string]store.ObserverToken

	out    chan []store.Entity
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	counters *reactorCounters
}

func newReconciler(id string, q transport.Query, st *store.Store, conn transport.Conn, log *zap.SugaredLogger, counters *reactorCounters) *reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	r := &reconciler{
		id:        id,
		query:     q,
		namespace: q.Namespace,
		filter:    classifyFilter(q.Where),
		store:     st,
		conn:      conn,
		log:       log.Named(logger.ComponentReconciler).With("namespace", q.Namespace),
		mailbox:   newMailbox(),
		tokens:    make(map[string]store.ObserverToken),
		out:       make(chan []store.Entity, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		counters:  counters,
	}
	r.machine = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{stateIdle}, Dst: stateAwaitingFirst},
			{Name: eventFirstResult, Src: []string{stateAwaitingFirst}, Dst: stateSteady},
			{Name: eventClose, Src: []string{stateIdle, stateAwaitingFirst, stateSteady}, Dst: stateClosed},
		},
		fsm.Callbacks{},
	)
	return r
}

// start marks the live query as issued.
func (r *reconciler) start() {
	if err := r.machine.Event(context.Background(), eventStart); err != nil {
		r.log.Debugw("reconciler start ignored", "state", r.machine.Current())
	}
}

// stop tears the reconciler down and waits for the run loop to finish, so
// store observers and the output channel are released before it returns.
func (r *reconciler) stop() {
	r.cancel()
	<-r.done
}

// run drains the mailbox until cancelled. Signals are applied in arrival
// order; one recompute covers a whole drained batch, so bursts conflate
// into a single emission without reordering.
func (r *reconciler) run() {
	defer close(r.done)

	for {
		select {
		case <-r.ctx.Done():
			r.teardown()
			return
		case <-r.mailbox.wake:
			sigs := r.mailbox.drain()
			if len(sigs) == 0 {
				continue
			}
			for _, sig := range sigs {
				r.apply(sig)
			}
			r.emit(r.recompute())
		}
	}
}

func (r *reconciler) apply(sig signal) {
	switch sig.kind {
	case signalServerPush:
		r.applyServerPush(sig.ids)
	case signalUpsert:
		r.applyUpsert(sig.id)
	case signalDelete:
		r.applyDelete(sig.id)
	case signalRecomputeAll, signalEntityChanged:
		// Recompute only, id lists stand.
	}
}

// applyServerPush installs a server result order. Optimistic ids the server
// now echoes are confirmed and dropped from the pending set; the rest stay
// at the most-recent end until the server catches up.
func (r *reconciler) applyServerPush(ids []string) {
	var pending []string
	for _, opt := range r.optimistic {
		if !containsFold(ids, opt) {
			pending = append(pending, opt)
		}
	}
	r.optimistic = pending

	merged := make([]string, 0, len(ids)+len(pending))
	if r.ascending() {
		merged = append(merged, ids...)
		merged = append(merged, pending...)
	} else {
		merged = append(merged, pending...)
		merged = append(merged, ids...)
	}
	r.merged = merged

	if r.machine.Is(stateAwaitingFirst) {
		if err := r.machine.Event(context.Background(), eventFirstResult); err == nil {
			r.log.Debugw("subscription steady", "ids", len(ids))
		}
	}
}

// applyUpsert introduces a locally written id at the most-recent end. Ids
// already tracked are left where they are; the recompute that follows picks
// up their field changes.
func (r *reconciler) applyUpsert(id string) {
	if containsFold(r.merged, id) {
		return
	}
	if r.ascending() {
		r.merged = append(r.merged, id)
	} else {
		r.merged = append([]string{id}, r.merged...)
	}
	r.optimistic = append(r.optimistic, id)
}

func (r *reconciler) applyDelete(id string) {
	r.merged = removeFold(r.merged, id)
	r.optimistic = removeFold(r.optimistic, id)
}

// recompute materializes the merged list in order. Ids that fail to
// materialize are skipped, never fatal; a live stream outlives any one bad
// record. Field values from still-unconfirmed pending mutations overlay the
// materialized entities so a local edit shows even before the store's own
// merge catches up.
func (r *reconciler) recompute() []store.Entity {
	r.counters.recomputes.Add(1)

	overlay := r.pendingOverlay()
	out := make([]store.Entity, 0, len(r.merged))
	for _, id := range r.merged {
		ent, err := r.store.Get(r.namespace, id, r.query.Links)
		if err != nil {
			// Not arrived yet, or deleted underneath us.
			continue
		}
		if fields := overlay[strings.ToLower(id)]; fields != nil {
			for label, value := range fields {
				ent[label] = value
			}
		}
		out = append(out, ent)
	}

	r.syncObservers()
	return out
}

// pendingOverlay collects cardinality-one scalar values from unconfirmed
// pending mutations in this namespace, newest submission last so later
// writes win. Reference and identity attributes never overlay; link shape
// comes from the store alone.
func (r *reconciler) pendingOverlay() map[string]map[string]any {
	catalog := r.store.Catalog()
	if catalog == nil {
		return nil
	}

	var overlay map[string]map[string]any
	for _, m := range r.conn.PendingMutations() {
		for _, op := range m.Ops {
			if op.Kind != schema.RawAddTriple || op.Namespace != r.namespace {
				continue
			}
			attr, ok := catalog.Attribute(op.AttrID)
			if !ok || attr.IsRef() || attr.Cardinality != schema.CardinalityOne {
				continue
			}
			if attr.ForwardLabel == "id" {
				continue
			}
			key := strings.ToLower(op.EntityID)
			if overlay == nil {
				overlay = make(map[string]map[string]any)
			}
			if overlay[key] == nil {
				overlay[key] = make(map[string]any)
			}
			overlay[key][attr.ForwardLabel] = op.Value
		}
	}
	return overlay
}

// syncObservers keeps one store observer per merged id, adding for ids that
// joined the list and releasing ids that left it. Observer callbacks only
// drop a signal in the mailbox; the run loop does the actual work.
func (r *reconciler) syncObservers() {
	want := make(map[string]struct{}, len(r.merged))
	for _, id := range r.merged {
		want[id] = struct{}{}
	}

	for id, token := range r.tokens {
		if _, ok := want[id]; !ok {
			r.store.RemoveObserver(id, token)
			delete(r.tokens, id)
		}
	}

	for id := range want {
		if _, ok := r.tokens[id]; ok {
			continue
		}
		token, err := r.store.AddObserver(id, func(entityID string) {
			r.mailbox.put(signal{kind: signalEntityChanged, id: entityID})
		})
		if err != nil {
			continue
		}
		r.tokens[id] = token
	}
}

// emit hands a result list to the subscriber through the one-slot output
// channel. A stale undelivered list is replaced rather than queued; the
// subscriber always reads the state that reflects every signal applied so
// far, never an older one after a newer one.
func (r *reconciler) emit(list []store.Entity) {
	r.counters.emissions.Add(1)
	select {
	case r.out <- list:
	default:
		select {
		case <-r.out:
		default:
		}
		select {
		case r.out <- list:
		default:
		}
	}
}

// teardown runs exactly once, from the run goroutine, after cancellation.
func (r *reconciler) teardown() {
	r.mailbox.close()
	for id, token := range r.tokens {
		r.store.RemoveObserver(id, token)
	}
	r.tokens = nil
	if err := r.machine.Event(context.Background(), eventClose); err == nil {
		r.log.Debugw("subscription closed", "subscription", r.id)
	}
	close(r.out)
}

func (r *reconciler) ascending() bool {
	return r.query.Direction == transport.Ascending
}

func containsFold(ids []string, id string) bool {
	for _, candidate := range ids {
		if strings.EqualFold(candidate, id) {
			return true
		}
	}
	return false
}

func removeFold(ids []string, id string) []string {
	out := ids[:0]
	for _, candidate := range ids {
		if !strings.EqualFold(candidate, id) {
			out = append(out, candidate)
		}
	}
	return out
}
