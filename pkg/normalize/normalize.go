// Package normalize flattens nested entity trees into fact triples.
//
// A tree is the dictionary shape the server and transaction payloads speak:
// field labels mapped to scalar values, with linked entities embedded inline
// (as child objects or bare id strings) under forward or reverse relationship
// labels. Normalization resolves every label through the attribute catalog
// and emits one triple per fact, recursing into inline children.
//
// Unknown labels are dropped, not rejected. The schema may lag the data in
// either direction and a live stream must keep flowing, so drift tolerance
// is part of the contract here.
package normalize

import (
	"fmt"

	"github.com/orneryd/bifrost/pkg/schema"
)

// Result is the output of a normalization pass.
type Result struct {
	// Triples holds the flattened facts in emission order.
	Triples []schema.Triple

	// Roots lists the ids of the top-level entities in input order.
	// Entities that failed to normalize are absent.
	Roots []string

	// EntityIDs lists every id touched, keyed by namespace, in first-seen
	// order. Covers roots and inline children both.
	EntityIDs map[string][]string

	// Skipped counts entities dropped for shape errors (missing id,
	// non-object child). The caller decides whether that is worth a log
	// line; normalization itself never fails a whole pass over one record.
	Skipped int

	seen map[string]struct{}
}

func newResult() *Result {
	return &Result{
		EntityIDs: make(map[string][]string),
		seen:      make(map[string]struct{}),
	}
}

// Empty reports whether the pass produced no triples and touched no ids.
func (r *Result) Empty() bool {
	return len(r.Triples) == 0 && len(r.EntityIDs) == 0
}

func (r *Result) touch(namespace, id string) {
	key := namespace + "\x00" + id
	if _, ok := r.seen[key]; ok {
		return
	}
	r.seen[key] = struct{}{}
	r.EntityIDs[namespace] = append(r.EntityIDs[namespace], id)
}

// Entity flattens a single entity tree of the given type into triples.
// The tree must carry a string "id"; every other key resolves through the
// catalog (forward label first, then reverse label) or is dropped.
//
// stamp and origin are threaded onto every emitted triple so one pass shares
// one write time, which is what the merge rule expects of a single payload.
func Entity(catalog *schema.Catalog, entityType string, tree map[string]any, stamp int64, origin schema.Origin) (*Result, error) {
	res := newResult()
	id, err := walkEntity(catalog, entityType, tree, stamp, origin, res)
	if err != nil {
		return nil, err
	}
	res.Roots = append(res.Roots, id)
	return res, nil
}

// Entities flattens a list of entity trees, as delivered by a live-query
// push. Trees that fail to normalize are skipped and counted rather than
// failing the batch.
func Entities(catalog *schema.Catalog, entityType string, trees []map[string]any, stamp int64, origin schema.Origin) *Result {
	res := newResult()
	for _, tree := range trees {
		id, err := walkEntity(catalog, entityType, tree, stamp, origin, res)
		if err != nil {
			res.Skipped++
			continue
		}
		res.Roots = append(res.Roots, id)
	}
	return res
}

// walkEntity normalizes one entity in place, appending to res, and returns
// the entity's id.
func walkEntity(catalog *schema.Catalog, entityType string, tree map[string]any, stamp int64, origin schema.Origin, res *Result) (string, error) {
	rawID, ok := tree["id"]
	if !ok {
		return "", fmt.Errorf("entity in namespace %q has no id", entityType)
	}
	id, ok := rawID.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("entity in namespace %q has non-string id %v", entityType, rawID)
	}

	res.touch(entityType, id)

	// The id itself is an attribute when the schema publishes one, so a
	// bare create with no other fields still lands a triple and the entity
	// becomes materializable.
	if idAttr, ok := catalog.Forward(entityType, "id"); ok {
		res.Triples = append(res.Triples, schema.Triple{
			EntityID: id,
			AttrID:   idAttr.ID,
			Value:    schema.String(id),
			Stamp:    stamp,
			Origin:   origin,
		})
	}

	for label, raw := range tree {
		if label == "id" {
			continue
		}

		// Forward wins when a label matches both directions. The server
		// names fields with the same rule, so flipping this would break
		// round-trips.
		if attr, ok := catalog.Forward(entityType, label); ok {
			if attr.IsRef() {
				walkForwardLink(catalog, attr, id, raw, stamp, origin, res)
			} else {
				walkScalar(attr, id, raw, stamp, origin, res)
			}
			continue
		}
		if attr, ok := catalog.Reverse(entityType, label); ok {
			walkReverseLink(catalog, attr, id, raw, stamp, origin, res)
			continue
		}
		// Unknown label: schema drift, drop it.
	}

	return id, nil
}

// walkScalar emits triples for a non-relationship attribute. Cardinality
// many iterates the elements, one triple each; cardinality one emits a
// single triple. Values the tagged union cannot carry are dropped.
func walkScalar(attr *schema.Attribute, entityID string, raw any, stamp int64, origin schema.Origin, res *Result) {
	if attr.Cardinality == schema.CardinalityMany {
		if elems, ok := raw.([]any); ok {
			for _, elem := range elems {
				v, err := schema.FromAny(elem)
				if err != nil {
					continue
				}
				res.Triples = append(res.Triples, schema.Triple{
					EntityID: entityID, AttrID: attr.ID, Value: v, Stamp: stamp, Origin: origin,
				})
			}
			return
		}
	}
	v, err := schema.FromAny(raw)
	if err != nil {
		return
	}
	res.Triples = append(res.Triples, schema.Triple{
		EntityID: entityID, AttrID: attr.ID, Value: v, Stamp: stamp, Origin: origin,
	})
}

// walkForwardLink handles a relationship seen from its owning side: the
// local entity references each child. Children may be inline objects (which
// are normalized recursively) or bare id strings.
func walkForwardLink(catalog *schema.Catalog, attr *schema.Attribute, parentID string, raw any, stamp int64, origin schema.Origin, res *Result) {
	for _, child := range children(raw) {
		childID := childIdentity(catalog, attr.ReverseEntity, child, stamp, origin, res)
		if childID == "" {
			res.Skipped++
			continue
		}
		res.Triples = append(res.Triples, schema.Triple{
			EntityID: parentID, AttrID: attr.ID, Value: schema.Ref(childID), Stamp: stamp, Origin: origin,
		})
	}
}

// walkReverseLink handles a relationship seen from its target side: each
// child is the owner and references the local entity, so the reference
// triple lands on the child.
func walkReverseLink(catalog *schema.Catalog, attr *schema.Attribute, targetID string, raw any, stamp int64, origin schema.Origin, res *Result) {
	for _, child := range children(raw) {
		childID := childIdentity(catalog, attr.ForwardEntity, child, stamp, origin, res)
		if childID == "" {
			res.Skipped++
			continue
		}
		res.Triples = append(res.Triples, schema.Triple{
			EntityID: childID, AttrID: attr.ID, Value: schema.Ref(targetID), Stamp: stamp, Origin: origin,
		})
	}
}

// children coerces a link payload into its one-or-many element form.
func children(raw any) []any {
	switch t := raw.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

// childIdentity resolves one link element to an entity id, normalizing
// inline objects along the way. Returns "" when the element has no usable
// identity.
func childIdentity(catalog *schema.Catalog, childType string, child any, stamp int64, origin schema.Origin, res *Result) string {
	switch c := child.(type) {
	case string:
		if c == "" {
			return ""
		}
		res.touch(childType, c)
		return c
	case map[string]any:
		id, err := walkEntity(catalog, childType, c, stamp, origin, res)
		if err != nil {
			return ""
		}
		return id
	default:
		return ""
	}
}
