package wait

import (
	"context"
	"testing"
	"time"

	"github.com/MITRECND/d20/internal/blackboard"
	"github.com/MITRECND/d20/internal/d20err"
	"github.com/MITRECND/d20/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoard(t *testing.T) *blackboard.Store {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(struct{}{}, "hash", nil, map[string]registry.FieldSchema{
		"value": {Kind: registry.KindString},
	}))
	return blackboard.New(reg)
}

// drainEvents forwards store events into the wait Registry, the job the
// scheduler's dispatch loop performs in production.
func drainEvents(ctx context.Context, store *blackboard.Store, r *Registry) {
	for {
		select {
		case ev := <-store.Events():
			r.Notify(ev)
		case <-ctx.Done():
			return
		}
	}
}

func TestBacklogThenLiveWait(t *testing.T) {
	store := newTestBoard(t)
	r := New(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drainEvents(ctx, store, r)

	for i := 0; i < 3; i++ {
		_, err := store.AddFact(blackboard.NewEntryDescriptor{Type: "hash", Creator: "npc", Fields: map[string]any{"value": "x"}})
		require.NoError(t, err)
	}

	ch, err := r.WaitOnEntries(ctx, blackboard.KindFact, []string{"hash"}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m := <-ch
		assert.Equal(t, i, m.ID)
	}

	_, err = store.AddFact(blackboard.NewEntryDescriptor{Type: "hash", Creator: "npc", Fields: map[string]any{"value": "y"}})
	require.NoError(t, err)

	select {
	case m := <-ch:
		assert.Equal(t, 3, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live entry")
	}
}

func TestWaitTillEntryTimeout(t *testing.T) {
	store := newTestBoard(t)
	r := New(store)
	ctx := context.Background()

	start := time.Now()
	_, err := r.WaitTillEntry(ctx, blackboard.KindFact, "sha1", 100*time.Millisecond, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, d20err.IsKind(err, d20err.KindTimeout))
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestWaitTillEntryZeroTimeoutNoEntry(t *testing.T) {
	store := newTestBoard(t)
	r := New(store)
	_, err := r.WaitTillEntry(context.Background(), blackboard.KindFact, "hash", 0, nil)
	require.Error(t, err)
	assert.True(t, d20err.IsKind(err, d20err.KindTimeout))
}

func TestWaitTillEntryZeroTimeoutExistingEntry(t *testing.T) {
	store := newTestBoard(t)
	_, err := store.AddFact(blackboard.NewEntryDescriptor{Type: "hash", Creator: "npc", Fields: map[string]any{"value": "x"}})
	require.NoError(t, err)

	r := New(store)
	m, err := r.WaitTillEntry(context.Background(), blackboard.KindFact, "hash", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.ID)
}

func TestCancellationClosesSink(t *testing.T) {
	store := newTestBoard(t)
	r := New(store)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := r.WaitOnEntries(ctx, blackboard.KindFact, []string{"hash"}, nil)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("sink was not closed on cancellation")
	}
}

func TestWaitOnChildEntriesUnknownParentFailsFast(t *testing.T) {
	store := newTestBoard(t)
	r := New(store)
	_, err := r.WaitOnChildEntries(context.Background(), blackboard.KindFact, blackboard.KindObject, 99, nil)
	require.Error(t, err)
	assert.True(t, d20err.IsKind(err, d20err.KindNotFound))
}

func TestWaitOnChildEntriesFiltersByParent(t *testing.T) {
	store := newTestBoard(t)
	objID, _, err := store.AddObject([]byte("abc"), "gm", blackboard.Parents{})
	require.NoError(t, err)
	otherObjID, _, err := store.AddObject([]byte("xyz"), "gm", blackboard.Parents{})
	require.NoError(t, err)

	_, err = store.AddFact(blackboard.NewEntryDescriptor{
		Type: "hash", Creator: "npc", Fields: map[string]any{"value": "x"},
		Parents: blackboard.Parents{Objects: []int{objID}},
	})
	require.NoError(t, err)
	_, err = store.AddFact(blackboard.NewEntryDescriptor{
		Type: "hash", Creator: "npc", Fields: map[string]any{"value": "y"},
		Parents: blackboard.Parents{Objects: []int{otherObjID}},
	})
	require.NoError(t, err)

	r := New(store)
	ch, err := r.WaitOnChildEntries(context.Background(), blackboard.KindFact, blackboard.KindObject, objID, nil)
	require.NoError(t, err)

	m := <-ch
	assert.Equal(t, 0, m.ID)

	select {
	case <-ch:
		t.Fatal("should not receive the fact belonging to the other parent")
	case <-time.After(100 * time.Millisecond):
	}
}
