package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/bifrost/pkg/schema"
)

func testAttrs() []schema.Attribute {
	return []schema.Attribute{
		{ID: "todos/id", ForwardEntity: "todos", ForwardLabel: "id", Cardinality: schema.CardinalityOne, Kind: schema.AttrScalar},
		{ID: "todos/title", ForwardEntity: "todos", ForwardLabel: "title", Cardinality: schema.CardinalityOne, Kind: schema.AttrScalar},
		{ID: "todos/owner", ForwardEntity: "todos", ForwardLabel: "owner", ReverseEntity: "users", ReverseLabel: "todos", Cardinality: schema.CardinalityOne, Kind: schema.AttrRef},
	}
}

func TestConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	conn := NewMemoryConn(testAttrs())

	assert.Equal(t, StateDisconnected, conn.State())

	require.NoError(t, conn.Connect(ctx))
	assert.Equal(t, StateAuthenticated, conn.State())

	require.NoError(t, conn.Fail(ctx))
	assert.Equal(t, StateError, conn.State())

	require.NoError(t, conn.Connect(ctx), "reconnect from the error state")
	assert.Equal(t, StateAuthenticated, conn.State())

	require.NoError(t, conn.Disconnect(ctx))
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnectRequiresDisconnectedState(t *testing.T) {
	ctx := context.Background()
	conn := NewMemoryConn(nil)

	require.NoError(t, conn.Connect(ctx))
	assert.Error(t, conn.Connect(ctx), "dialing an authenticated connection is a transition error")
}

func TestSubscribeDeliversLoadingFirst(t *testing.T) {
	conn := NewMemoryConn(testAttrs())

	var got []Result
	cancel, err := conn.SubscribeQuery(context.Background(), Query{Namespace: "todos"}, func(r Result) {
		got = append(got, r)
	})
	require.NoError(t, err)
	defer cancel()

	require.Len(t, got, 1)
	assert.True(t, got[0].Loading, "the first delivery is the loading signal")
	assert.Empty(t, got[0].Entities)
}

func TestPushRoutesByNamespace(t *testing.T) {
	conn := NewMemoryConn(testAttrs())

	var todos, users int
	cancelTodos, err := conn.SubscribeQuery(context.Background(), Query{Namespace: "todos"}, func(r Result) {
		if !r.Loading {
			todos++
		}
	})
	require.NoError(t, err)
	defer cancelTodos()

	cancelUsers, err := conn.SubscribeQuery(context.Background(), Query{Namespace: "users"}, func(r Result) {
		if !r.Loading {
			users++
		}
	})
	require.NoError(t, err)
	defer cancelUsers()

	conn.Push("todos", []map[string]any{{"id": "t1", "title": "x"}})
	conn.Push("todos", nil)

	assert.Equal(t, 2, todos)
	assert.Zero(t, users, "pushes stay inside their namespace")
	assert.Equal(t, 1, conn.SubscriberCount("todos"))
}

func TestCancelStopsDeliveries(t *testing.T) {
	conn := NewMemoryConn(testAttrs())

	count := 0
	cancel, err := conn.SubscribeQuery(context.Background(), Query{Namespace: "todos"}, func(r Result) {
		if !r.Loading {
			count++
		}
	})
	require.NoError(t, err)

	conn.Push("todos", nil)
	cancel()
	conn.Push("todos", nil)

	assert.Equal(t, 1, count)
	assert.Zero(t, conn.SubscriberCount("todos"))
	cancel() // double cancel is harmless
}

func TestContextCancelStopsDeliveries(t *testing.T) {
	conn := NewMemoryConn(testAttrs())
	ctx, cancelCtx := context.WithCancel(context.Background())

	_, err := conn.SubscribeQuery(ctx, Query{Namespace: "todos"}, func(Result) {})
	require.NoError(t, err)
	require.Equal(t, 1, conn.SubscriberCount("todos"))

	cancelCtx()
	assert.Eventually(t, func() bool {
		return conn.SubscriberCount("todos") == 0
	}, time.Second, 5*time.Millisecond, "context cancellation drops the subscription")
}

func TestPushError(t *testing.T) {
	conn := NewMemoryConn(testAttrs())
	boom := errors.New("stream failed")

	var got error
	cancel, err := conn.SubscribeQuery(context.Background(), Query{Namespace: "todos"}, func(r Result) {
		if r.Err != nil {
			got = r.Err
		}
	})
	require.NoError(t, err)
	defer cancel()

	conn.PushError("todos", boom)
	assert.Equal(t, boom, got)
}

func TestSubscribeValidation(t *testing.T) {
	conn := NewMemoryConn(testAttrs())

	_, err := conn.SubscribeQuery(context.Background(), Query{}, func(Result) {})
	assert.Error(t, err)
	_, err = conn.SubscribeQuery(context.Background(), Query{Namespace: "todos"}, nil)
	assert.Error(t, err)
}

func TestSubmitQueuesPendingMutation(t *testing.T) {
	conn := NewMemoryConn(testAttrs())
	conn.SetNow(func() int64 { return 1000 })

	chunks := []schema.Chunk{{
		Namespace: "todos",
		EntityID:  "t1",
		Ops: []schema.Op{
			{Action: schema.OpCreate, Fields: map[string]any{"title": "Buy milk", "owner": "u1"}},
		},
	}}
	require.NoError(t, conn.SubmitTransaction(context.Background(), chunks))

	pending := conn.PendingMutations()
	require.Len(t, pending, 1)
	assert.NotEmpty(t, pending[0].TxID)

	kinds := make(map[schema.RawOpKind]int)
	values := make(map[string]any)
	for _, op := range pending[0].Ops {
		kinds[op.Kind]++
		values[op.AttrID] = op.Value
		assert.Equal(t, int64(1000), op.Stamp)
	}
	assert.Equal(t, 3, kinds[schema.RawAddTriple], "id, title and owner each land a triple")
	assert.Equal(t, "Buy milk", values["todos/title"])
	assert.Equal(t, "u1", values["todos/owner"], "references queue as plain id strings")

	require.Len(t, conn.Submitted(), 1)
	assert.Equal(t, chunks, conn.Submitted()[0])
}

func TestSubmitWhileDisconnectedStillQueues(t *testing.T) {
	conn := NewMemoryConn(testAttrs())
	require.Equal(t, StateDisconnected, conn.State())

	err := conn.SubmitTransaction(context.Background(), []schema.Chunk{{
		Namespace: "todos", EntityID: "t1",
		Ops: []schema.Op{{Action: schema.OpCreate, Fields: map[string]any{"title": "offline"}}},
	}})
	require.NoError(t, err, "offline submissions queue durably")
	assert.Len(t, conn.PendingMutations(), 1)
}

func TestConfirmDropsPending(t *testing.T) {
	conn := NewMemoryConn(testAttrs())

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.SubmitTransaction(context.Background(), []schema.Chunk{{
			Namespace: "todos", EntityID: "t1",
			Ops: []schema.Op{{Action: schema.OpUpdate, Fields: map[string]any{"title": "v"}}},
		}}))
	}
	pending := conn.PendingMutations()
	require.Len(t, pending, 3)

	conn.Confirm(pending[1].TxID)
	left := conn.PendingMutations()
	require.Len(t, left, 2)
	assert.Equal(t, pending[0].TxID, left[0].TxID)
	assert.Equal(t, pending[2].TxID, left[1].TxID)

	conn.Confirm("unknown") // no-op
	assert.Len(t, conn.PendingMutations(), 2)

	conn.ConfirmAll()
	assert.Empty(t, conn.PendingMutations())
}

func TestSubmitErrorSurfaces(t *testing.T) {
	conn := NewMemoryConn(testAttrs())
	boom := errors.New("switchboard on fire")
	conn.SetSubmitError(boom)

	err := conn.SubmitTransaction(context.Background(), []schema.Chunk{{
		Namespace: "todos", EntityID: "t1",
		Ops: []schema.Op{{Action: schema.OpDelete}},
	}})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, conn.PendingMutations())
}

func TestSetAttributesReplacesSchema(t *testing.T) {
	conn := NewMemoryConn(nil)
	assert.Empty(t, conn.Attributes())

	conn.SetAttributes(testAttrs())
	assert.Len(t, conn.Attributes(), 3)
}

// fakeJournal records mutations in a slice, standing in for the durable
// queue.
type fakeJournal struct {
	entries []schema.PendingMutation
}

func (j *fakeJournal) Enqueue(m schema.PendingMutation) (string, error) {
	j.entries = append(j.entries, m)
	return m.TxID, nil
}

func (j *fakeJournal) Pending() ([]schema.PendingMutation, error) {
	out := make([]schema.PendingMutation, len(j.entries))
	copy(out, j.entries)
	return out, nil
}

func (j *fakeJournal) Confirm(txID string) error {
	for i, m := range j.entries {
		if m.TxID == txID {
			j.entries = append(j.entries[:i:i], j.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func TestJournalBackedPending(t *testing.T) {
	conn := NewMemoryConn(testAttrs())
	journal := &fakeJournal{}
	conn.SetJournal(journal)

	require.NoError(t, conn.SubmitTransaction(context.Background(), []schema.Chunk{{
		Namespace: "todos", EntityID: "t1",
		Ops: []schema.Op{{Action: schema.OpCreate, Fields: map[string]any{"title": "journaled"}}},
	}}))

	require.Len(t, journal.entries, 1, "submissions enqueue into the journal")
	pending := conn.PendingMutations()
	require.Len(t, pending, 1)
	assert.Equal(t, journal.entries[0].TxID, pending[0].TxID)

	conn.Confirm(pending[0].TxID)
	assert.Empty(t, journal.entries, "confirmation reaches the journal")
	assert.Empty(t, conn.PendingMutations())

	require.NoError(t, conn.SubmitTransaction(context.Background(), []schema.Chunk{{
		Namespace: "todos", EntityID: "t2",
		Ops: []schema.Op{{Action: schema.OpDelete}},
	}}))
	conn.ConfirmAll()
	assert.Empty(t, conn.PendingMutations())
}
