package schema

// OpAction names the mutation kinds a transaction chunk may carry.
type OpAction string

const (
	// OpCreate merges a field map into a new entity.
	OpCreate OpAction = "create"
	// OpUpdate merges a field map into an existing entity.
	OpUpdate OpAction = "update"
	// OpLink adds one or more relationship references.
	OpLink OpAction = "link"
	// OpUnlink removes one or more relationship references.
	OpUnlink OpAction = "unlink"
	// OpDelete removes the entity and all its triples.
	OpDelete OpAction = "delete"
)

// Op is one mutation inside a chunk. Namespace and EntityID default to the
// enclosing chunk's when empty; the wire format allows either placement.
//
// Fields carries the payload: a label→value map for create/update, or a
// label→reference map for link/unlink (references as id strings, inline
// objects, or lists of those). Delete needs no payload.
type Op struct {
	Action    OpAction       `json:"action"`
	Namespace string         `json:"namespace,omitempty"`
	EntityID  string         `json:"id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Chunk targets one entity with an ordered list of ops. A transaction is an
// ordered list of chunks; chunks are the unit of optimistic application and
// of durable queuing.
type Chunk struct {
	Namespace string `json:"namespace"`
	EntityID  string `json:"id"`
	Ops       []Op   `json:"ops"`
}

// RawOpKind names the low-level operations a queued mutation exposes for
// replay. Only the three triple-level kinds are interpreted on replay;
// schema mutations ride along untouched.
type RawOpKind string

const (
	RawAddTriple     RawOpKind = "add-triple"
	RawRetractTriple RawOpKind = "retract-triple"
	RawDeleteEntity  RawOpKind = "delete-entity"
	RawAddAttr       RawOpKind = "add-attr"
)

// RawOp is one low-level operation inside a pending mutation, the flattened
// form a chunk's ops take once triples have been derived.
type RawOp struct {
	Kind      RawOpKind `json:"kind"`
	Namespace string    `json:"namespace,omitempty"`
	EntityID  string    `json:"id,omitempty"`
	AttrID    string    `json:"attr,omitempty"`
	Value     any       `json:"value,omitempty"`
	Stamp     int64     `json:"stamp,omitempty"`
}

// PendingMutation is a submitted transaction the server has not yet
// confirmed. It lives in the durable queue owned by the connection layer;
// the core only re-derives its triples for replay and overlays, and stops
// treating it as pending once server results include the affected ids.
type PendingMutation struct {
	TxID string  `json:"tx_id"`
	Ops  []RawOp `json:"ops"`
}

// EntityIDs returns the distinct entity ids the mutation touches in the
// given namespace, in op order. An empty namespace matches every op.
func (m PendingMutation) EntityIDs(namespace string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, op := range m.Ops {
		if op.EntityID == "" {
			continue
		}
		if namespace != "" && op.Namespace != namespace {
			continue
		}
		if _, dup := seen[op.EntityID]; dup {
			continue
		}
		seen[op.EntityID] = struct{}{}
		out = append(out, op.EntityID)
	}
	return out
}
