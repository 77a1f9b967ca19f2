package reactor

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/bifrost/pkg/schema"
)

func TestNewEntityID(t *testing.T) {
	id := NewEntityID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, NewEntityID())
}

func TestCreateOpGeneratesID(t *testing.T) {
	chunk := CreateOp("todos", "", map[string]any{"title": "x"})
	assert.Equal(t, "todos", chunk.Namespace)
	_, err := uuid.Parse(chunk.EntityID)
	require.NoError(t, err, "an empty id gets a generated UUID")

	explicit := CreateOp("todos", "t1", nil)
	assert.Equal(t, "t1", explicit.EntityID)
}

func TestCreateOpShape(t *testing.T) {
	chunk := CreateOp("todos", "t1", map[string]any{"title": "x"})
	require.Len(t, chunk.Ops, 1)
	assert.Equal(t, schema.OpCreate, chunk.Ops[0].Action)
	assert.Equal(t, "x", chunk.Ops[0].Fields["title"])
}

func TestUpdateOpShape(t *testing.T) {
	chunk := UpdateOp("todos", "t1", map[string]any{"done": true})
	assert.Equal(t, "t1", chunk.EntityID)
	require.Len(t, chunk.Ops, 1)
	assert.Equal(t, schema.OpUpdate, chunk.Ops[0].Action)
}

func TestLinkOpShape(t *testing.T) {
	chunk := LinkOp("todos", "t1", "owner", "u1", "u2")
	require.Len(t, chunk.Ops, 1)
	assert.Equal(t, schema.OpLink, chunk.Ops[0].Action)
	assert.Equal(t, []any{"u1", "u2"}, chunk.Ops[0].Fields["owner"])

	unlink := UnlinkOp("todos", "t1", "owner", "u1")
	assert.Equal(t, schema.OpUnlink, unlink.Ops[0].Action)
	assert.Equal(t, []any{"u1"}, unlink.Ops[0].Fields["owner"])
}

func TestDeleteOpShape(t *testing.T) {
	chunk := DeleteOp("todos", "t1")
	assert.Equal(t, "todos", chunk.Namespace)
	assert.Equal(t, "t1", chunk.EntityID)
	require.Len(t, chunk.Ops, 1)
	assert.Equal(t, schema.OpDelete, chunk.Ops[0].Action)
	assert.Nil(t, chunk.Ops[0].Fields)
}
