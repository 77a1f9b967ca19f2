package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/bifrost/pkg/schema"
)

func todoCatalog() *schema.Catalog {
	return schema.NewCatalog([]schema.Attribute{
		{ID: "todos/id", ForwardEntity: "todos", ForwardLabel: "id", Cardinality: schema.CardinalityOne, Kind: schema.AttrScalar},
		{ID: "todos/title", ForwardEntity: "todos", ForwardLabel: "title", Cardinality: schema.CardinalityOne, Kind: schema.AttrScalar},
		{ID: "todos/done", ForwardEntity: "todos", ForwardLabel: "done", Cardinality: schema.CardinalityOne, Kind: schema.AttrScalar},
		{ID: "todos/createdAt", ForwardEntity: "todos", ForwardLabel: "createdAt", Cardinality: schema.CardinalityOne, Kind: schema.AttrScalar},
		{ID: "todos/tags", ForwardEntity: "todos", ForwardLabel: "tags", Cardinality: schema.CardinalityMany, Kind: schema.AttrScalar},
		{ID: "todos/owner", ForwardEntity: "todos", ForwardLabel: "owner", ReverseEntity: "users", ReverseLabel: "todos", Cardinality: schema.CardinalityOne, Kind: schema.AttrRef},
		{ID: "users/id", ForwardEntity: "users", ForwardLabel: "id", Cardinality: schema.CardinalityOne, Kind: schema.AttrScalar},
		{ID: "users/name", ForwardEntity: "users", ForwardLabel: "name", Cardinality: schema.CardinalityOne, Kind: schema.AttrScalar},
		{ID: "projects/id", ForwardEntity: "projects", ForwardLabel: "id", Cardinality: schema.CardinalityOne, Kind: schema.AttrScalar},
		{ID: "projects/members", ForwardEntity: "projects", ForwardLabel: "members", ReverseEntity: "users", ReverseLabel: "projects", Cardinality: schema.CardinalityMany, Kind: schema.AttrRef},
	})
}

func scalar(entityID, attrID string, v schema.Value, stamp int64) schema.Triple {
	return schema.Triple{EntityID: entityID, AttrID: attrID, Value: v, Stamp: stamp, Origin: schema.OriginServer}
}

func TestNew(t *testing.T) {
	s := New(todoCatalog())
	require.NotNil(t, s)
	assert.NotNil(t, s.entities)
	assert.NotNil(t, s.reverse)
	assert.NotNil(t, s.observers)
	assert.Zero(t, s.EntityCount())
}

func TestAddTriplesBasic(t *testing.T) {
	s := New(todoCatalog())

	changed, err := s.AddTriples([]schema.Triple{
		scalar("t1", "todos/title", schema.String("Buy milk"), 100),
		scalar("t1", "todos/done", schema.Bool(false), 100),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, changed)
	assert.True(t, s.Has("t1"))
	assert.Equal(t, 1, s.EntityCount())
	assert.Equal(t, 2, s.TripleCount())
}

func TestCardinalityOneOverwrite(t *testing.T) {
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("old"), 100)})
	require.NoError(t, err)
	_, err = s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("new"), 200)})
	require.NoError(t, err)

	assert.Equal(t, 1, s.TripleCount(), "exactly one current value per cardinality-one slot")
	ent, err := s.Get("todos", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "new", ent["title"])
}

func TestStaleWriteIgnored(t *testing.T) {
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("current"), 200)})
	require.NoError(t, err)
	changed, err := s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("stale"), 100)})
	require.NoError(t, err)

	assert.Empty(t, changed, "an older write must not displace a newer value")
	ent, err := s.Get("todos", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "current", ent["title"])
}

func TestServerWinsStampTie(t *testing.T) {
	s := New(todoCatalog())

	local := schema.Triple{EntityID: "t1", AttrID: "todos/title", Value: schema.String("local"), Stamp: 100, Origin: schema.OriginLocal}
	server := schema.Triple{EntityID: "t1", AttrID: "todos/title", Value: schema.String("server"), Stamp: 100, Origin: schema.OriginServer}

	_, err := s.AddTriples([]schema.Triple{local})
	require.NoError(t, err)
	_, err = s.AddTriples([]schema.Triple{server})
	require.NoError(t, err)

	ent, err := s.Get("todos", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "server", ent["title"], "confirmed state wins the tie")

	// And the loser direction: a local write at the same stamp bounces off.
	_, err = s.AddTriples([]schema.Triple{local})
	require.NoError(t, err)
	ent, err = s.Get("todos", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "server", ent["title"])
}

func TestPartialUpdateDoesNotClobberSiblings(t *testing.T) {
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{
		scalar("t1", "todos/title", schema.String("Buy milk"), 100),
		scalar("t1", "todos/done", schema.Bool(false), 100),
	})
	require.NoError(t, err)

	// A later partial update touches only done.
	_, err = s.AddTriples([]schema.Triple{scalar("t1", "todos/done", schema.Bool(true), 200)})
	require.NoError(t, err)

	ent, err := s.Get("todos", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", ent["title"], "last-write-wins is per attribute, not per entity")
	assert.Equal(t, true, ent["done"])
}

func TestIdempotentMerge(t *testing.T) {
	s := New(todoCatalog())
	batch := []schema.Triple{
		scalar("t1", "todos/title", schema.String("Buy milk"), 100),
		scalar("t1", "todos/done", schema.Bool(false), 100),
	}

	calls := 0
	_, err := s.AddTriples(batch)
	require.NoError(t, err)
	_, err = s.AddObserver("t1", func(string) { calls++ })
	require.NoError(t, err)

	changed, err := s.AddTriples(batch)
	require.NoError(t, err)
	assert.Empty(t, changed, "re-merging an identical batch changes nothing")
	assert.Zero(t, calls, "no observer wake-up on a no-op merge")
	assert.Equal(t, 2, s.TripleCount())
}

func TestStampRefreshIsSilent(t *testing.T) {
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("same"), 100)})
	require.NoError(t, err)

	calls := 0
	_, err = s.AddObserver("t1", func(string) { calls++ })
	require.NoError(t, err)

	// Newer stamp, identical value: the stamp advances but nothing visible
	// changed, so nobody is woken.
	changed, err := s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("same"), 500)})
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Zero(t, calls)

	// The refreshed stamp now wins against writes between the two.
	changed, err = s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("middle"), 300)})
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestCardinalityManyAccumulates(t *testing.T) {
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{
		scalar("t1", "todos/tags", schema.String("home"), 100),
		scalar("t1", "todos/tags", schema.String("urgent"), 100),
	})
	require.NoError(t, err)

	changed, err := s.AddTriples([]schema.Triple{scalar("t1", "todos/tags", schema.String("home"), 200)})
	require.NoError(t, err)
	assert.Empty(t, changed, "an identical value does not accumulate twice")

	ent, err := s.Get("todos", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"home", "urgent"}, ent["tags"])
}

func TestRetractTriple(t *testing.T) {
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{
		scalar("t1", "todos/tags", schema.String("home"), 100),
		scalar("t1", "todos/tags", schema.String("urgent"), 100),
	})
	require.NoError(t, err)

	calls := 0
	_, err = s.AddObserver("t1", func(string) { calls++ })
	require.NoError(t, err)

	err = s.RetractTriple(scalar("t1", "todos/tags", schema.String("home"), 0))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	ent, err := s.Get("todos", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"urgent"}, ent["tags"])

	// Retracting an absent fact is a no-op and wakes nobody.
	err = s.RetractTriple(scalar("t1", "todos/tags", schema.String("home"), 0))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetractLastTripleRemovesEntity(t *testing.T) {
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("only"), 100)})
	require.NoError(t, err)

	err = s.RetractTriple(scalar("t1", "todos/title", schema.String("only"), 0))
	require.NoError(t, err)

	assert.False(t, s.Has("t1"))
	_, err = s.Get("todos", "t1", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteEntity(t *testing.T) {
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{
		scalar("t1", "todos/title", schema.String("Buy milk"), 100),
		scalar("t1", "todos/done", schema.Bool(false), 100),
	})
	require.NoError(t, err)

	calls := 0
	_, err = s.AddObserver("t1", func(string) { calls++ })
	require.NoError(t, err)

	require.NoError(t, s.DeleteEntity("t1"))
	assert.Equal(t, 1, calls)
	assert.False(t, s.Has("t1"))
	assert.Zero(t, s.TripleCount())

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteEntity("t1"))
	assert.Equal(t, 1, calls)

	assert.ErrorIs(t, s.DeleteEntity(""), ErrInvalidID)
}

func TestDeleteLeavesInboundReferencesDangling(t *testing.T) {
	s := New(todoCatalog())

	_, err := s.AddTriples([]schema.Triple{
		scalar("t1", "todos/title", schema.String("Buy milk"), 100),
		scalar("t1", "todos/owner", schema.Ref("u1"), 100),
		scalar("u1", "users/name", schema.String("Ada"), 100),
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteEntity("u1"))

	// The reference on t1 survives; resolving it just finds nothing.
	triples, err := s.Triples("t1")
	require.NoError(t, err)
	assert.Len(t, triples, 2)

	ent, err := s.Get("todos", "t1", schema.Links("owner"))
	require.NoError(t, err)
	_, hasOwner := ent["owner"]
	assert.False(t, hasOwner, "a dangling reference resolves to not-found, not an error")
}

func TestObserverTokens(t *testing.T) {
	s := New(todoCatalog())

	var got []string
	tok1, err := s.AddObserver("t1", func(id string) { got = append(got, "first:"+id) })
	require.NoError(t, err)
	_, err = s.AddObserver("t1", func(id string) { got = append(got, "second:"+id) })
	require.NoError(t, err)

	_, err = s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("x"), 100)})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:t1", "second:t1"}, got, "observers fire in registration order")

	s.RemoveObserver("t1", tok1)
	got = nil
	_, err = s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("y"), 200)})
	require.NoError(t, err)
	assert.Equal(t, []string{"second:t1"}, got)

	// Removing twice or with a bogus token is harmless.
	s.RemoveObserver("t1", tok1)
	s.RemoveObserver("missing", 999)
}

func TestObserverMayReenterStore(t *testing.T) {
	s := New(todoCatalog())

	var seen Entity
	_, err := s.AddObserver("t1", func(id string) {
		ent, getErr := s.Get("todos", id, nil)
		require.NoError(t, getErr)
		seen = ent
	})
	require.NoError(t, err)

	_, err = s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("fresh"), 100)})
	require.NoError(t, err)

	require.NotNil(t, seen, "callbacks run after the lock is released")
	assert.Equal(t, "fresh", seen["title"], "the callback sees the committed state")
}

func TestUpdateAttributesAffectsFutureMergesOnly(t *testing.T) {
	// Start with no catalog: the tags attribute is unknown and merges as
	// cardinality one.
	s := New(nil)

	_, err := s.AddTriples([]schema.Triple{
		scalar("t1", "todos/tags", schema.String("home"), 100),
		scalar("t1", "todos/tags", schema.String("urgent"), 101),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.TripleCount(), "unknown attributes overwrite")

	s.UpdateAttributes(todoCatalog())
	require.NotNil(t, s.Catalog())

	_, err = s.AddTriples([]schema.Triple{scalar("t1", "todos/tags", schema.String("later"), 102)})
	require.NoError(t, err)
	assert.Equal(t, 2, s.TripleCount(), "after the swap the attribute accumulates")
}

func TestClosedStore(t *testing.T) {
	s := New(todoCatalog())
	require.NoError(t, s.Close())

	_, err := s.AddTriples([]schema.Triple{scalar("t1", "todos/title", schema.String("x"), 100)})
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.RetractTriple(scalar("t1", "todos/title", schema.String("x"), 0)), ErrStoreClosed)
	assert.ErrorIs(t, s.DeleteEntity("t1"), ErrStoreClosed)
	_, err = s.Get("todos", "t1", nil)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.AddObserver("t1", func(string) {})
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.False(t, s.Has("t1"))
}

func TestValidation(t *testing.T) {
	s := New(todoCatalog())

	changed, err := s.AddTriples([]schema.Triple{
		{EntityID: "", AttrID: "todos/title", Value: schema.String("x")},
		{EntityID: "t1", AttrID: "", Value: schema.String("x")},
	})
	require.NoError(t, err)
	assert.Empty(t, changed, "malformed triples are skipped, not fatal")

	assert.ErrorIs(t, s.RetractTriple(schema.Triple{}), ErrInvalidID)
	_, err = s.Get("todos", "", nil)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = s.AddObserver("", func(string) {})
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = s.Triples("")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestConcurrentWriteBurst(t *testing.T) {
	// Bursts of rapid writes from many goroutines must not corrupt or lose
	// updates.
	s := New(todoCatalog())

	const writers = 20
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("t%d-%d", w, i)
				_, err := s.AddTriples([]schema.Triple{
					scalar(id, "todos/title", schema.String("burst"), int64(i)),
				})
				assert.NoError(t, err)
			}
		}(w)
	}

	// Concurrent readers alongside the writers.
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.EntityCount()
				_, _ = s.Get("todos", "t0-0", nil)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, writers*perWriter, s.EntityCount())
	assert.Equal(t, writers*perWriter, s.TripleCount())
}
