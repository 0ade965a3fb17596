package local

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/alanyoungcy/veilbook/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nonce(n uint64) *uint64 { return &n }

func TestOrderCache_LegacyIsolation(t *testing.T) {
	ctx := context.Background()
	c := NewOrderCache(nil, testLogger())
	t.Cleanup(c.Close)

	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "ok", Owner: "alice", Nonce: nonce(1), Status: domain.OrderStatusOpen}))
	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "legacy", Owner: "alice", Status: domain.OrderStatusOpen}))
	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "done", Owner: "alice", Nonce: nonce(2), Status: domain.OrderStatusFilled}))

	legacy, ok := c.Get("legacy")
	require.True(t, ok)
	assert.True(t, legacy.IsLegacyBroken)

	cancellable := c.Cancellable("alice")
	require.Len(t, cancellable, 1)
	assert.Equal(t, "ok", cancellable[0].ID)

	counts := c.Counts("alice")
	assert.Equal(t, 3, counts.Total)
	assert.Equal(t, 1, counts.Active)
	assert.Equal(t, 1, counts.Legacy)
}

func TestOrderCache_AddDuplicate(t *testing.T) {
	ctx := context.Background()
	c := NewOrderCache(nil, testLogger())

	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "x", Nonce: nonce(1)}))
	assert.ErrorIs(t, c.Add(ctx, domain.SubmittedOrder{ID: "x", Nonce: nonce(1)}), domain.ErrAlreadyExists)
}

func TestOrderCache_WriteThroughAndLoad(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOrderStore()
	c := NewOrderCache(store, testLogger())

	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "a", Owner: "alice", Nonce: nonce(9), Status: domain.OrderStatusOpen}))
	require.NoError(t, store.Upsert(ctx, domain.SubmittedOrder{ID: "old", Owner: "alice", Status: domain.OrderStatusOpen}))

	reloaded := NewOrderCache(store, testLogger())
	require.NoError(t, reloaded.Load(ctx))

	a, ok := reloaded.Get("a")
	require.True(t, ok)
	assert.False(t, a.IsLegacyBroken)
	require.NotNil(t, a.Nonce)
	assert.Equal(t, uint64(9), *a.Nonce)

	old, ok := reloaded.Get("old")
	require.True(t, ok)
	assert.True(t, old.IsLegacyBroken)
}

func TestOrderCache_RemoveMarksStoreCancelled(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOrderStore()
	c := NewOrderCache(store, testLogger())
	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "a", Nonce: nonce(1), Status: domain.OrderStatusOpen}))

	require.NoError(t, c.Remove(ctx, "a"))
	_, ok := c.Get("a")
	assert.False(t, ok)

	persisted, err := store.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, persisted.Status)

	assert.ErrorIs(t, c.Remove(ctx, "a"), domain.ErrNotFound)
}

func TestOrderCache_ApplyFill(t *testing.T) {
	ctx := context.Background()
	c := NewOrderCache(nil, testLogger())
	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "a", Nonce: nonce(1), Status: domain.OrderStatusOpen}))

	filled := domain.EncryptedField{Version: domain.FieldVersionPure, Bytes: []byte{1, 2, 3}}
	require.NoError(t, c.ApplyFill(ctx, "a", filled, false))
	o, _ := c.Get("a")
	assert.Equal(t, domain.OrderStatusPartial, o.Status)
	assert.Equal(t, filled, o.EncryptedFilled)

	require.NoError(t, c.ApplyFill(ctx, "a", filled, true))
	o, _ = c.Get("a")
	assert.Equal(t, domain.OrderStatusFilled, o.Status)
	assert.False(t, o.Cancellable())

	assert.ErrorIs(t, c.ApplyFill(ctx, "missing", filled, true), domain.ErrNotFound)
}

func TestOrderCache_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	c := NewOrderCache(nil, testLogger())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "first", Owner: "alice", CreatedAt: base}))
	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "second", Owner: "alice", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, c.Add(ctx, domain.SubmittedOrder{ID: "other", Owner: "bob", CreatedAt: base}))

	list := c.List("alice")
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].ID)
	assert.Equal(t, "first", list[1].ID)
}

func TestPositionCache_AddAndLoad(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	c := NewPositionCache(store, testLogger())
	t.Cleanup(c.Close)

	require.NoError(t, c.Add(ctx, domain.Position{ID: "p1", Owner: "alice"}))
	assert.ErrorIs(t, c.Add(ctx, domain.Position{ID: "p1", Owner: "alice"}), domain.ErrAlreadyExists)

	reloaded := NewPositionCache(store, testLogger())
	require.NoError(t, reloaded.Load(ctx, "alice"))
	p, ok := reloaded.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "alice", p.Owner)
	assert.Len(t, reloaded.List("alice"), 1)
}
