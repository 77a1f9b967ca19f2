// Package store holds the normalized replica: every known fact as a triple,
// indexed for merge, retraction, per-entity observation and typed
// materialization.
//
// The store is the single serialization point for local state. All mutation
// goes through one write lock; observer callbacks run after the lock is
// released so they may freely call back into the store. Conflicts between a
// local optimistic write and a server push resolve per attribute by
// last-write-wins, with the server winning stamp ties.
package store

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/orneryd/bifrost/pkg/schema"
)

var (
	// ErrNotFound is returned when an entity has no current triples.
	ErrNotFound = errors.New("entity not found")
	// ErrInvalidID is returned for empty entity ids.
	ErrInvalidID = errors.New("invalid entity ID")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store is closed")
	// ErrDecode wraps typed-decode failures. Result assembly recovers these
	// per entity instead of failing the whole list.
	ErrDecode = errors.New("entity decode failed")
)

// ObserverToken identifies a registered observer for removal.
type ObserverToken uint64

// ObserverFunc is called with the id of an entity whose visible state
// actually changed. Called outside the store lock; re-entering the store
// from the callback is allowed.
type ObserverFunc func(entityID string)

// Store is the in-memory triple store.
//
// State is a mapping entity id → attribute id → current triples. Cardinality
// one attributes keep exactly one triple per slot; cardinality many
// attributes accumulate a value-distinct set. A reverse index tracks which
// entities reference a given target so reverse links materialize without a
// full scan.
type Store struct {
	mu sync.RWMutex

	// entityID → attrID → current triples (len 1 for cardinality one)
	entities map[string]map[string][]schema.Triple

	// targetID → attrID → set of source entity ids holding a reference
	reverse map[string]map[string]map[string]struct{}

	observers map[string]map[ObserverToken]ObserverFunc
	nextToken ObserverToken

	catalog atomic.Pointer[schema.Catalog]

	closed bool
}

// New creates an empty store. catalog may be nil; lookups miss until
// UpdateAttributes swaps a real one in.
func New(catalog *schema.Catalog) *Store {
	s := &Store{
		entities:  make(map[string]map[string][]schema.Triple),
		reverse:   make(map[string]map[string]map[string]struct{}),
		observers: make(map[string]map[ObserverToken]ObserverFunc),
	}
	if catalog != nil {
		s.catalog.Store(catalog)
	}
	return s
}

// UpdateAttributes hot-swaps the attribute catalog. Existing triples are not
// re-normalized; the new catalog only affects future merges and reads.
func (s *Store) UpdateAttributes(catalog *schema.Catalog) {
	s.catalog.Store(catalog)
}

// Catalog returns the current attribute catalog. May be nil before the
// schema has arrived; schema.Catalog lookups are nil-safe.
func (s *Store) Catalog() *schema.Catalog {
	return s.catalog.Load()
}

// AddTriples merges a batch of facts and returns the ids of entities whose
// visible state changed. Re-merging an identical batch changes nothing and
// wakes no observers.
//
// For cardinality-one attributes the incoming triple replaces the current
// one only if it supersedes it under last-write-wins; a superseding write
// with an equal value refreshes the stamp silently. Cardinality-many
// attributes accumulate values, deduplicated by value equality.
func (s *Store) AddTriples(batch []schema.Triple) ([]string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}

	catalog := s.catalog.Load()
	var changed []string
	seen := make(map[string]struct{})
	for _, tr := range batch {
		if tr.EntityID == "" || tr.AttrID == "" {
			continue
		}
		if s.mergeLocked(catalog, tr) {
			if _, dup := seen[tr.EntityID]; !dup {
				seen[tr.EntityID] = struct{}{}
				changed = append(changed, tr.EntityID)
			}
		}
	}

	callbacks := s.callbacksLocked(changed)
	s.mu.Unlock()

	notify(callbacks)
	return changed, nil
}

// mergeLocked merges one triple and reports whether the entity's visible
// state changed. Caller holds the write lock.
func (s *Store) mergeLocked(catalog *schema.Catalog, tr schema.Triple) bool {
	attrs := s.entities[tr.EntityID]
	if attrs == nil {
		attrs = make(map[string][]schema.Triple)
		s.entities[tr.EntityID] = attrs
	}
	current := attrs[tr.AttrID]

	// Unknown attributes merge as cardinality one. Replayed mutations can
	// arrive before the schema does.
	many := false
	if attr, ok := catalog.Attribute(tr.AttrID); ok {
		many = attr.Cardinality == schema.CardinalityMany
	}

	if many {
		for i, existing := range current {
			if existing.Value.Equal(tr.Value) {
				// Same value already present. Refresh its stamp if the
				// newcomer supersedes, but the visible state is unchanged.
				if tr.Supersedes(existing) {
					current[i] = tr
				}
				return false
			}
		}
		attrs[tr.AttrID] = append(current, tr)
		s.indexRefLocked(tr, true)
		return true
	}

	if len(current) == 0 {
		attrs[tr.AttrID] = []schema.Triple{tr}
		s.indexRefLocked(tr, true)
		return true
	}
	existing := current[0]
	if !tr.Supersedes(existing) {
		return false
	}
	attrs[tr.AttrID][0] = tr
	if existing.Value.Equal(tr.Value) {
		// Stamp refresh only. No retraction, no observer wake-up.
		return false
	}
	s.indexRefLocked(existing, false)
	s.indexRefLocked(tr, true)
	return true
}

// RetractTriple removes one specific fact, matched by entity, attribute and
// value equality. Removing an absent fact is a no-op.
func (s *Store) RetractTriple(tr schema.Triple) error {
	if tr.EntityID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	removed := false
	if attrs := s.entities[tr.EntityID]; attrs != nil {
		current := attrs[tr.AttrID]
		for i, existing := range current {
			if existing.Value.Equal(tr.Value) {
				s.indexRefLocked(existing, false)
				attrs[tr.AttrID] = append(current[:i:i], current[i+1:]...)
				removed = true
				break
			}
		}
		if len(attrs[tr.AttrID]) == 0 {
			delete(attrs, tr.AttrID)
		}
		if len(attrs) == 0 {
			delete(s.entities, tr.EntityID)
		}
	}

	var callbacks []entityCallbacks
	if removed {
		callbacks = s.callbacksLocked([]string{tr.EntityID})
	}
	s.mu.Unlock()

	notify(callbacks)
	return nil
}

// DeleteEntity removes every triple for the id. Inbound references held by
// other entities are left dangling on purpose; the server behaves the same
// way and callers unlink explicitly.
func (s *Store) DeleteEntity(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}

	attrs, exists := s.entities[id]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	for _, triples := range attrs {
		for _, tr := range triples {
			s.indexRefLocked(tr, false)
		}
	}
	delete(s.entities, id)

	callbacks := s.callbacksLocked([]string{id})
	s.mu.Unlock()

	notify(callbacks)
	return nil
}

// Has reports whether the entity currently holds any triples.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	_, ok := s.entities[id]
	return ok
}

// Triples returns a copy of the entity's current triples in stable order
// (attribute id, then insertion order). Mostly useful for tests and
// debugging output.
func (s *Store) Triples(id string) ([]schema.Triple, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	attrs, exists := s.entities[id]
	if !exists {
		return nil, ErrNotFound
	}

	attrIDs := make([]string, 0, len(attrs))
	for attrID := range attrs {
		attrIDs = append(attrIDs, attrID)
	}
	sort.Strings(attrIDs)

	var out []schema.Triple
	for _, attrID := range attrIDs {
		out = append(out, attrs[attrID]...)
	}
	return out, nil
}

// AddObserver registers a callback fired whenever the entity's visible
// state changes. The returned token deregisters it.
func (s *Store) AddObserver(entityID string, fn ObserverFunc) (ObserverToken, error) {
	if entityID == "" {
		return 0, ErrInvalidID
	}
	if fn == nil {
		return 0, errors.New("nil observer callback")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	s.nextToken++
	token := s.nextToken
	if s.observers[entityID] == nil {
		s.observers[entityID] = make(map[ObserverToken]ObserverFunc)
	}
	s.observers[entityID][token] = fn
	return token, nil
}

// RemoveObserver deregisters a callback. Unknown tokens are ignored.
func (s *Store) RemoveObserver(entityID string, token ObserverToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obs := s.observers[entityID]; obs != nil {
		delete(obs, token)
		if len(obs) == 0 {
			delete(s.observers, entityID)
		}
	}
}

// EntityCount returns the number of entities holding at least one triple.
func (s *Store) EntityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// TripleCount returns the total number of current triples.
func (s *Store) TripleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, attrs := range s.entities {
		for _, triples := range attrs {
			n += len(triples)
		}
	}
	return n
}

// StoreStats provides observability into store contents.
type StoreStats struct {
	Entities  int
	Triples   int
	Observers int
}

// Stats reports current store counters.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	triples := 0
	for _, attrs := range s.entities {
		for _, t := range attrs {
			triples += len(t)
		}
	}
	observers := 0
	for _, obs := range s.observers {
		observers += len(obs)
	}
	return StoreStats{
		Entities:  len(s.entities),
		Triples:   triples,
		Observers: observers,
	}
}

// Close releases the store. Further mutation and reads fail with
// ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.entities = nil
	s.reverse = nil
	s.observers = nil
	return nil
}

// indexRefLocked maintains the reverse index for a reference-valued triple.
// add=false removes the entry. Caller holds the write lock.
func (s *Store) indexRefLocked(tr schema.Triple, add bool) {
	target, ok := tr.Value.RefID()
	if !ok {
		return
	}
	if add {
		byAttr := s.reverse[target]
		if byAttr == nil {
			byAttr = make(map[string]map[string]struct{})
			s.reverse[target] = byAttr
		}
		sources := byAttr[tr.AttrID]
		if sources == nil {
			sources = make(map[string]struct{})
			byAttr[tr.AttrID] = sources
		}
		sources[tr.EntityID] = struct{}{}
		return
	}
	if byAttr := s.reverse[target]; byAttr != nil {
		if sources := byAttr[tr.AttrID]; sources != nil {
			delete(sources, tr.EntityID)
			if len(sources) == 0 {
				delete(byAttr, tr.AttrID)
			}
		}
		if len(byAttr) == 0 {
			delete(s.reverse, target)
		}
	}
}

// entityCallbacks pairs an entity id with a snapshot of its observers taken
// under the lock, so notification runs without it.
type entityCallbacks struct {
	id  string
	fns []ObserverFunc
}

func (s *Store) callbacksLocked(changed []string) []entityCallbacks {
	var out []entityCallbacks
	for _, id := range changed {
		obs := s.observers[id]
		if len(obs) == 0 {
			continue
		}
		tokens := make([]ObserverToken, 0, len(obs))
		for token := range obs {
			tokens = append(tokens, token)
		}
		sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
		fns := make([]ObserverFunc, 0, len(tokens))
		for _, token := range tokens {
			fns = append(fns, obs[token])
		}
		out = append(out, entityCallbacks{id: id, fns: fns})
	}
	return out
}

func notify(callbacks []entityCallbacks) {
	for _, cb := range callbacks {
		for _, fn := range cb.fns {
			fn(cb.id)
		}
	}
}
