package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/bifrost/pkg/schema"
)

// seedTodoGraph loads one user with two todos referencing it.
func seedTodoGraph(t *testing.T) *Store {
	t.Helper()
	s := New(todoCatalog())
	_, err := s.AddTriples([]schema.Triple{
		scalar("u1", "users/id", schema.String("u1"), 100),
		scalar("u1", "users/name", schema.String("Ada"), 100),
		scalar("t1", "todos/id", schema.String("t1"), 100),
		scalar("t1", "todos/title", schema.String("Buy milk"), 100),
		scalar("t1", "todos/done", schema.Bool(false), 100),
		scalar("t1", "todos/owner", schema.Ref("u1"), 100),
		scalar("t2", "todos/id", schema.String("t2"), 100),
		scalar("t2", "todos/title", schema.String("Walk dog"), 100),
		scalar("t2", "todos/owner", schema.Ref("u1"), 100),
	})
	require.NoError(t, err)
	return s
}

func TestGetScalars(t *testing.T) {
	s := seedTodoGraph(t)

	ent, err := s.Get("todos", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "t1", ent.ID())
	assert.Equal(t, "Buy milk", ent["title"])
	assert.Equal(t, false, ent["done"])
	_, hasOwner := ent["owner"]
	assert.False(t, hasOwner, "references stay hidden without a selection")
}

func TestGetMisses(t *testing.T) {
	s := seedTodoGraph(t)

	_, err := s.Get("todos", "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("todos", "", nil)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestGetForwardLink(t *testing.T) {
	s := seedTodoGraph(t)

	ent, err := s.Get("todos", "t1", schema.Links("owner"))
	require.NoError(t, err)

	owner, ok := ent["owner"].(Entity)
	require.True(t, ok, "a cardinality-one link nests a single entity")
	assert.Equal(t, "Ada", owner["name"])
	_, hasTodos := owner["todos"]
	assert.False(t, hasTodos, "nested links need their own selection")
}

func TestGetForwardLinkDangling(t *testing.T) {
	s := New(todoCatalog())
	_, err := s.AddTriples([]schema.Triple{
		scalar("t1", "todos/title", schema.String("orphan"), 100),
		scalar("t1", "todos/owner", schema.Ref("ghost"), 100),
	})
	require.NoError(t, err)

	ent, err := s.Get("todos", "t1", schema.Links("owner"))
	require.NoError(t, err)
	_, hasOwner := ent["owner"]
	assert.False(t, hasOwner, "an unresolved cardinality-one link is omitted")
}

func TestGetForwardLinkMany(t *testing.T) {
	s := New(todoCatalog())
	_, err := s.AddTriples([]schema.Triple{
		scalar("p1", "projects/id", schema.String("p1"), 100),
		scalar("p1", "projects/members", schema.Ref("u2"), 100),
		scalar("p1", "projects/members", schema.Ref("u1"), 101),
		scalar("p1", "projects/members", schema.Ref("ghost"), 102),
		scalar("u1", "users/name", schema.String("Ada"), 100),
		scalar("u2", "users/name", schema.String("Grace"), 100),
	})
	require.NoError(t, err)

	ent, err := s.Get("projects", "p1", schema.Links("members"))
	require.NoError(t, err)

	members, ok := ent["members"].([]Entity)
	require.True(t, ok)
	require.Len(t, members, 2, "dangling members are skipped")
	assert.Equal(t, "Grace", members[0]["name"], "insertion order is preserved")
	assert.Equal(t, "Ada", members[1]["name"])
}

func TestGetForwardLinkManyEmpty(t *testing.T) {
	s := New(todoCatalog())
	_, err := s.AddTriples([]schema.Triple{scalar("p1", "projects/id", schema.String("p1"), 100)})
	require.NoError(t, err)

	ent, err := s.Get("projects", "p1", schema.Links("members"))
	require.NoError(t, err)

	members, ok := ent["members"].([]Entity)
	require.True(t, ok, "a selected many-link is present even when empty")
	assert.Empty(t, members)
}

func TestGetReverseLink(t *testing.T) {
	s := seedTodoGraph(t)

	ent, err := s.Get("users", "u1", schema.Links("todos"))
	require.NoError(t, err)

	todos, ok := ent["todos"].([]Entity)
	require.True(t, ok, "reverse links always materialize as a list")
	require.Len(t, todos, 2)
	assert.Equal(t, "t1", todos[0].ID(), "reverse results sort by id")
	assert.Equal(t, "t2", todos[1].ID())
	assert.Equal(t, "Buy milk", todos[0]["title"])
}

func TestGetCycleSafety(t *testing.T) {
	s := seedTodoGraph(t)

	// t1 → u1 via owner, u1 → t1 via the reverse index. The selection
	// bounds the walk: one hop down, one hop back, then stop.
	ent, err := s.Get("todos", "t1", schema.LinkSelection{"owner": schema.LinkSelection{"todos": nil}})
	require.NoError(t, err)

	owner, ok := ent["owner"].(Entity)
	require.True(t, ok)
	todos, ok := owner["todos"].([]Entity)
	require.True(t, ok)
	require.Len(t, todos, 2)
	for _, back := range todos {
		_, deeper := back["owner"]
		assert.False(t, deeper, "the back-reference must not resolve beyond the selection")
	}
}

func TestGetUnknownSelectionLabelIgnored(t *testing.T) {
	s := seedTodoGraph(t)

	ent, err := s.Get("todos", "t1", schema.Links("owner", "nonsense"))
	require.NoError(t, err)
	_, has := ent["nonsense"]
	assert.False(t, has)
	_, has = ent["owner"]
	assert.True(t, has)
}

func TestGetRetractedLinkDisappears(t *testing.T) {
	s := seedTodoGraph(t)

	require.NoError(t, s.RetractTriple(schema.Triple{EntityID: "t2", AttrID: "todos/owner", Value: schema.Ref("u1")}))

	ent, err := s.Get("users", "u1", schema.Links("todos"))
	require.NoError(t, err)
	todos := ent["todos"].([]Entity)
	require.Len(t, todos, 1, "the reverse index follows retraction")
	assert.Equal(t, "t1", todos[0].ID())
}

func TestGetReverseAfterOwnerRelinked(t *testing.T) {
	s := seedTodoGraph(t)

	// Re-point t1's owner at u2. u1's reverse set must shrink, u2's grow.
	_, err := s.AddTriples([]schema.Triple{
		scalar("u2", "users/name", schema.String("Grace"), 100),
		scalar("t1", "todos/owner", schema.Ref("u2"), 200),
	})
	require.NoError(t, err)

	u1, err := s.Get("users", "u1", schema.Links("todos"))
	require.NoError(t, err)
	require.Len(t, u1["todos"].([]Entity), 1)
	assert.Equal(t, "t2", u1["todos"].([]Entity)[0].ID())

	u2, err := s.Get("users", "u2", schema.Links("todos"))
	require.NoError(t, err)
	require.Len(t, u2["todos"].([]Entity), 1)
	assert.Equal(t, "t1", u2["todos"].([]Entity)[0].ID())
}

func TestNormalizationRoundTrip(t *testing.T) {
	// Flat entities survive normalize-then-materialize with their field
	// values intact.
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{
		scalar("t1", "todos/id", schema.String("t1"), 1000),
		scalar("t1", "todos/title", schema.String("Buy milk"), 1000),
		scalar("t1", "todos/done", schema.Bool(false), 1000),
		scalar("t1", "todos/createdAt", schema.Number(1000), 1000),
	})
	require.NoError(t, err)

	ent, err := s.Get("todos", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, Entity{
		"id":        "t1",
		"title":     "Buy milk",
		"done":      false,
		"createdAt": float64(1000),
	}, ent)
}
