package normalize

import (
	"fmt"

	"github.com/orneryd/bifrost/pkg/schema"
)

// EntityRef names one entity inside its namespace.
type EntityRef struct {
	Namespace string
	ID        string
}

// OpResult is the flattened form of a transaction chunk: the triples to
// merge, the triples to retract, the entities to delete, and every
// (namespace, id) pair the chunk touches, link targets included.
type OpResult struct {
	Adds     []schema.Triple
	Retracts []schema.Triple
	Deletes  []EntityRef

	// Touched lists affected ids by namespace in first-seen order. Both
	// sides of a link count as touched.
	Touched map[string][]string

	// Skipped counts ops dropped for shape errors.
	Skipped int

	seen map[string]struct{}
}

func newOpResult() *OpResult {
	return &OpResult{
		Touched: make(map[string][]string),
		seen:    make(map[string]struct{}),
	}
}

func (r *OpResult) touch(namespace, id string) {
	key := namespace + "\x00" + id
	if _, ok := r.seen[key]; ok {
		return
	}
	r.seen[key] = struct{}{}
	r.Touched[namespace] = append(r.Touched[namespace], id)
}

func (r *OpResult) absorb(res *Result) {
	r.Adds = append(r.Adds, res.Triples...)
	for namespace, ids := range res.EntityIDs {
		for _, id := range ids {
			r.touch(namespace, id)
		}
	}
	r.Skipped += res.Skipped
}

// Chunk expands a transaction chunk into store operations. Every derived
// triple is stamped with the given write time and marked as a local write;
// chunk expansion only ever runs on the optimistic path.
//
// create, update and link all merge fields through entity normalization, so
// inline child objects in a payload behave exactly like inline children in
// a server result. unlink retracts the named references and delete removes
// the entity. Malformed ops are counted in Skipped rather than failing the
// chunk.
func Chunk(catalog *schema.Catalog, chunk schema.Chunk, stamp int64) (*OpResult, error) {
	if chunk.Namespace == "" {
		return nil, fmt.Errorf("chunk has no namespace")
	}
	res := newOpResult()

	for _, op := range chunk.Ops {
		namespace := op.Namespace
		if namespace == "" {
			namespace = chunk.Namespace
		}
		id := op.EntityID
		if id == "" {
			id = chunk.EntityID
		}
		if id == "" {
			res.Skipped++
			continue
		}

		switch op.Action {
		case schema.OpCreate, schema.OpUpdate, schema.OpLink:
			tree := make(map[string]any, len(op.Fields)+1)
			for k, v := range op.Fields {
				tree[k] = v
			}
			tree["id"] = id
			entRes, err := Entity(catalog, namespace, tree, stamp, schema.OriginLocal)
			if err != nil {
				res.Skipped++
				continue
			}
			res.absorb(entRes)

		case schema.OpUnlink:
			unlinkOp(catalog, namespace, id, op.Fields, stamp, res)

		case schema.OpDelete:
			res.Deletes = append(res.Deletes, EntityRef{Namespace: namespace, ID: id})
			res.touch(namespace, id)

		default:
			res.Skipped++
		}
	}

	return res, nil
}

// unlinkOp emits retractions for the named references, on whichever side of
// the relationship holds the triple.
func unlinkOp(catalog *schema.Catalog, namespace, id string, fields map[string]any, stamp int64, res *OpResult) {
	res.touch(namespace, id)
	for label, raw := range fields {
		if attr, ok := catalog.Forward(namespace, label); ok && attr.IsRef() {
			for _, target := range refTargets(raw) {
				res.Retracts = append(res.Retracts, schema.Triple{
					EntityID: id, AttrID: attr.ID, Value: schema.Ref(target), Stamp: stamp, Origin: schema.OriginLocal,
				})
				res.touch(attr.ReverseEntity, target)
			}
			continue
		}
		if attr, ok := catalog.Reverse(namespace, label); ok {
			for _, target := range refTargets(raw) {
				res.Retracts = append(res.Retracts, schema.Triple{
					EntityID: target, AttrID: attr.ID, Value: schema.Ref(id), Stamp: stamp, Origin: schema.OriginLocal,
				})
				res.touch(attr.ForwardEntity, target)
			}
		}
	}
}

// refTargets extracts entity ids from an unlink payload value: a bare id,
// an object carrying an id, or a list of either.
func refTargets(raw any) []string {
	var out []string
	for _, elem := range children(raw) {
		switch c := elem.(type) {
		case string:
			if c != "" {
				out = append(out, c)
			}
		case map[string]any:
			if id, ok := c["id"].(string); ok && id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

// RawOps converts an expanded chunk into the low-level op list the durable
// queue persists. Reference values flatten to their id strings; replay
// restores them through the catalog, which knows which attributes are
// references.
func RawOps(catalog *schema.Catalog, res *OpResult) []schema.RawOp {
	out := make([]schema.RawOp, 0, len(res.Adds)+len(res.Retracts)+len(res.Deletes))
	for _, tr := range res.Adds {
		out = append(out, schema.RawOp{
			Kind:      schema.RawAddTriple,
			Namespace: attrNamespace(catalog, tr.AttrID),
			EntityID:  tr.EntityID,
			AttrID:    tr.AttrID,
			Value:     tr.Value.Interface(),
			Stamp:     tr.Stamp,
		})
	}
	for _, tr := range res.Retracts {
		out = append(out, schema.RawOp{
			Kind:      schema.RawRetractTriple,
			Namespace: attrNamespace(catalog, tr.AttrID),
			EntityID:  tr.EntityID,
			AttrID:    tr.AttrID,
			Value:     tr.Value.Interface(),
			Stamp:     tr.Stamp,
		})
	}
	for _, del := range res.Deletes {
		out = append(out, schema.RawOp{
			Kind:      schema.RawDeleteEntity,
			Namespace: del.Namespace,
			EntityID:  del.ID,
		})
	}
	return out
}

// TripleFromRaw rebuilds the triple a queued add or retract op stands for.
// Reference attributes turn their id strings back into references. Returns
// false for op kinds that carry no triple.
func TripleFromRaw(catalog *schema.Catalog, op schema.RawOp) (schema.Triple, bool) {
	if op.Kind != schema.RawAddTriple && op.Kind != schema.RawRetractTriple {
		return schema.Triple{}, false
	}
	if op.EntityID == "" || op.AttrID == "" {
		return schema.Triple{}, false
	}
	value, err := ValueFromRaw(catalog, op.AttrID, op.Value)
	if err != nil {
		return schema.Triple{}, false
	}
	return schema.Triple{
		EntityID: op.EntityID,
		AttrID:   op.AttrID,
		Value:    value,
		Stamp:    op.Stamp,
		Origin:   schema.OriginLocal,
	}, true
}

// ValueFromRaw converts a persisted op value back into the tagged union,
// restoring reference-ness from the attribute's declared kind.
func ValueFromRaw(catalog *schema.Catalog, attrID string, raw any) (schema.Value, error) {
	if attr, ok := catalog.Attribute(attrID); ok && attr.IsRef() {
		if id, ok := raw.(string); ok {
			return schema.Ref(id), nil
		}
	}
	return schema.FromAny(raw)
}

// attrNamespace resolves the namespace a triple's entity lives in: the
// forward entity of its attribute.
func attrNamespace(catalog *schema.Catalog, attrID string) string {
	if attr, ok := catalog.Attribute(attrID); ok {
		return attr.ForwardEntity
	}
	return ""
}
