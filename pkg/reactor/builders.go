package reactor

import (
	"github.com/google/uuid"

	"github.com/orneryd/bifrost/pkg/schema"
)

// NewEntityID returns a fresh id for an optimistic create. Server ids are
// UUID-shaped, so locally generated ones are too.
func NewEntityID() string {
	return uuid.NewString()
}

// CreateOp builds a single-op chunk that creates an entity. An empty id is
// replaced with a fresh UUID; the returned chunk carries the id either way.
func CreateOp(namespace, id string, fields map[string]any) schema.Chunk {
	if id == "" {
		id = NewEntityID()
	}
	return schema.Chunk{
		Namespace: namespace,
		EntityID:  id,
		Ops:       []schema.Op{{Action: schema.OpCreate, Fields: fields}},
	}
}

// UpdateOp builds a single-op chunk that merges fields into an entity.
func UpdateOp(namespace, id string, fields map[string]any) schema.Chunk {
	return schema.Chunk{
		Namespace: namespace,
		EntityID:  id,
		Ops:       []schema.Op{{Action: schema.OpUpdate, Fields: fields}},
	}
}

// LinkOp builds a single-op chunk that adds references under a relationship
// label.
func LinkOp(namespace, id, label string, targets ...string) schema.Chunk {
	return schema.Chunk{
		Namespace: namespace,
		EntityID:  id,
		Ops:       []schema.Op{{Action: schema.OpLink, Fields: map[string]any{label: idList(targets)}}},
	}
}

// UnlinkOp builds a single-op chunk that removes references under a
// relationship label.
func UnlinkOp(namespace, id, label string, targets ...string) schema.Chunk {
	return schema.Chunk{
		Namespace: namespace,
		EntityID:  id,
		Ops:       []schema.Op{{Action: schema.OpUnlink, Fields: map[string]any{label: idList(targets)}}},
	}
}

// DeleteOp builds a single-op chunk that deletes an entity.
func DeleteOp(namespace, id string) schema.Chunk {
	return schema.Chunk{
		Namespace: namespace,
		EntityID:  id,
		Ops:       []schema.Op{{Action: schema.OpDelete}},
	}
}

func idList(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
