package chromem_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/store/chromem"
)

func newStore(t *testing.T) *chromem.Store {
	t.Helper()
	store, err := chromem.New(mock.New())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(userID string, memType memory.Type, content string, ts int64) memory.Record {
	return memory.NewRecord(memType, content, memory.Metadata{UserID: userID, Timestamp: ts})
}

func TestStore_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	amount := 42.5
	rec := memory.NewRecord(memory.TypeTransaction, "paid rent to landlord", memory.Metadata{
		UserID:    "u1",
		Timestamp: 1000,
		ThreadID:  "t1",
		Amount:    &amount,
		Extra:     map[string]any{"currency": "USD"},
	})
	require.NoError(t, store.AddMemory(ctx, rec))
	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypePreference, "prefers monthly budget review", 2000)))

	results, err := store.SearchMemories(ctx, "paid rent", memory.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, rec.ID, top.Record.ID)
	assert.Equal(t, "paid rent to landlord", top.Record.Content)
	assert.Equal(t, "t1", top.Record.Metadata.ThreadID)
	require.NotNil(t, top.Record.Metadata.Amount)
	assert.Equal(t, 42.5, *top.Record.Metadata.Amount)
	assert.Equal(t, "USD", top.Record.Metadata.Extra["currency"])
	assert.GreaterOrEqual(t, top.Score, memory.DefaultMinScore)
	assert.LessOrEqual(t, top.Score, 1.0)
}

func TestStore_SearchOrderedByScore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypeConversation, "monthly budget", 1)))
	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypeConversation, "monthly budget review for groceries", 2)))
	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypeConversation, "weekly savings goal", 3)))

	results, err := store.SearchMemories(ctx, "monthly budget", memory.SearchOptions{UserID: "u1", MinScore: -1})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
	assert.Equal(t, "monthly budget", results[0].Record.Content)
}

func TestStore_FiltersBeforeLimit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	// Other users' near-identical memories must not crowd out u1's.
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AddMemory(ctx, record("u2", memory.TypePreference, "monthly budget review", int64(i+1))))
	}
	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypePreference, "monthly budget review please", 10)))
	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypeConversation, "monthly budget review chat", 11)))

	results, err := store.SearchMemories(ctx, "monthly budget review", memory.SearchOptions{
		UserID: "u1",
		Type:   memory.TypePreference,
		Limit:  1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "u1", results[0].Record.Metadata.UserID)
	assert.Equal(t, memory.TypePreference, results[0].Record.Type)
}

func TestStore_MinScore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypeConversation, "send money to alice", 1)))

	results, err := store.SearchMemories(ctx, "monthly budget", memory.SearchOptions{UserID: "u1", MinScore: 0.8})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_SearchEmpty(t *testing.T) {
	results, err := newStore(t).SearchMemories(context.Background(), "anything", memory.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_GetUserMemories(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypePreference, "likes dark mode", 1)))
	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypeConversation, "hello", 2)))
	require.NoError(t, store.AddMemory(ctx, record("u2", memory.TypePreference, "likes light mode", 3)))

	all, err := store.GetUserMemories(ctx, "u1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	prefs, err := store.GetUserMemories(ctx, "u1", memory.TypePreference)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "likes dark mode", prefs[0].Content)

	none, err := store.GetUserMemories(ctx, "nobody", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_AddMemoryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid record", func(t *testing.T) {
		err := newStore(t).AddMemory(ctx, memory.Record{Type: memory.TypeConversation, Content: "x"})
		assert.ErrorIs(t, err, memory.ErrStoreWrite)
		assert.ErrorIs(t, err, memory.ErrInvalidRecord)
	})

	t.Run("provider failure", func(t *testing.T) {
		boom := errors.New("provider down")
		store, err := chromem.New(mock.Failing(boom))
		require.NoError(t, err)

		err = store.AddMemory(ctx, record("u1", memory.TypeConversation, "x", 1))
		assert.ErrorIs(t, err, memory.ErrStoreWrite)
		assert.ErrorIs(t, err, boom)
	})
}

func TestStore_DeleteMemories(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	err := store.DeleteMemories(ctx, memory.DeleteCriteria{})
	assert.ErrorIs(t, err, memory.ErrInvalidCriteria)

	for _, c := range []memory.DeleteCriteria{
		{UserID: "u1"},
		{Type: memory.TypeConversation},
		{Before: 1000},
		{UserID: "u1", Type: memory.TypePreference, Before: 1000},
	} {
		err := store.DeleteMemories(ctx, c)
		assert.ErrorIs(t, err, memory.ErrNotSupported)
	}
}

func TestStore_UnrelatedMemoryExcluded(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.AddMemory(ctx, record("u1", memory.TypeTransaction, "paid rent to landlord", 1)))

	results, err := store.SearchMemories(ctx, "weekly grocery budget", memory.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, results)

	exact, err := store.SearchMemories(ctx, "paid rent to landlord", memory.SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.InDelta(t, 1.0, exact[0].Score, 1e-6)
}
