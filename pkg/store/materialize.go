package store

import (
	"sort"

	"github.com/orneryd/bifrost/pkg/schema"
)

// Entity is a materialized view of one entity's current triples: field
// labels to plain Go values, resolved links to nested entities.
type Entity map[string]any

// ID returns the entity's id field.
func (e Entity) ID() string {
	id, _ := e["id"].(string)
	return id
}

// Get materializes the entity's current triples into a typed view.
//
// Scalar attributes map to their labels; cardinality-many scalars become
// []any in insertion order. Relationship attributes are resolved only when
// their label appears in links: forward labels follow the stored references,
// reverse labels walk the reverse index. Referenced entities that have no
// triples yet are skipped, so dangling references never fail a read.
//
// entityType scopes label resolution; it is the namespace the caller is
// reading from, and nested resolution derives each child's type from the
// relationship attribute itself.
func (s *Store) Get(entityType, id string, links schema.LinkSelection) (Entity, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	catalog := s.catalog.Load()
	ent, ok := s.getLocked(catalog, entityType, id, links)
	if !ok {
		return nil, ErrNotFound
	}
	return ent, nil
}

// getLocked materializes without taking the lock. Recursion consumes the
// selection, which bounds traversal depth.
func (s *Store) getLocked(catalog *schema.Catalog, entityType, id string, links schema.LinkSelection) (Entity, bool) {
	attrs, exists := s.entities[id]
	if !exists {
		return nil, false
	}

	out := Entity{"id": id}

	for attrID, triples := range attrs {
		attr, ok := catalog.Attribute(attrID)
		if !ok || attr.IsRef() {
			// References materialize through the selection below; triples
			// whose attribute the catalog no longer knows have no label to
			// surface under.
			continue
		}
		if attr.Cardinality == schema.CardinalityMany {
			vals := make([]any, 0, len(triples))
			for _, tr := range triples {
				vals = append(vals, tr.Value.Interface())
			}
			out[attr.ForwardLabel] = vals
			continue
		}
		if len(triples) > 0 {
			out[attr.ForwardLabel] = triples[0].Value.Interface()
		}
	}

	for label, sub := range links {
		if attr, ok := catalog.Forward(entityType, label); ok && attr.IsRef() {
			s.resolveForwardLocked(catalog, out, attr, label, attrs[attr.ID], sub)
			continue
		}
		if attr, ok := catalog.Reverse(entityType, label); ok {
			s.resolveReverseLocked(catalog, out, attr, label, id, sub)
		}
		// Unknown selection labels are dropped like unknown fields.
	}

	return out, true
}

// resolveForwardLocked follows stored references from the owning side.
// Cardinality one yields a single nested entity (omitted when dangling),
// cardinality many always yields a slice.
func (s *Store) resolveForwardLocked(catalog *schema.Catalog, out Entity, attr *schema.Attribute, label string, triples []schema.Triple, sub schema.LinkSelection) {
	if attr.Cardinality == schema.CardinalityMany {
		children := make([]Entity, 0, len(triples))
		for _, tr := range triples {
			target, ok := tr.Value.RefID()
			if !ok {
				continue
			}
			if child, found := s.getLocked(catalog, attr.ReverseEntity, target, sub); found {
				children = append(children, child)
			}
		}
		out[label] = children
		return
	}
	for _, tr := range triples {
		target, ok := tr.Value.RefID()
		if !ok {
			continue
		}
		if child, found := s.getLocked(catalog, attr.ReverseEntity, target, sub); found {
			out[label] = child
		}
		return
	}
}

// resolveReverseLocked walks the reverse index: every entity holding a
// reference to id through attr. Reverse traversal is inherently a set, so
// the result is always a slice, sorted by id for stable output.
func (s *Store) resolveReverseLocked(catalog *schema.Catalog, out Entity, attr *schema.Attribute, label, id string, sub schema.LinkSelection) {
	var sourceIDs []string
	if byAttr := s.reverse[id]; byAttr != nil {
		for src := range byAttr[attr.ID] {
			sourceIDs = append(sourceIDs, src)
		}
	}
	sort.Strings(sourceIDs)

	children := make([]Entity, 0, len(sourceIDs))
	for _, src := range sourceIDs {
		if child, found := s.getLocked(catalog, attr.ForwardEntity, src, sub); found {
			children = append(children, child)
		}
	}
	out[label] = children
}
