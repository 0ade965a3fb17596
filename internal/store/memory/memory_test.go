package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStore_ListActive(t *testing.T) {
	ctx := context.Background()
	s := NewOrderStore()
	require.NoError(t, s.Upsert(ctx, domain.SubmittedOrder{ID: "a", Owner: "alice", Status: domain.OrderStatusOpen}))
	require.NoError(t, s.Upsert(ctx, domain.SubmittedOrder{ID: "b", Owner: "alice", Status: domain.OrderStatusFilled}))
	require.NoError(t, s.Upsert(ctx, domain.SubmittedOrder{ID: "c", Owner: "bob", Status: domain.OrderStatusPending}))

	alice, err := s.ListActive(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "a", alice[0].ID)

	all, err := s.ListActive(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.UpdateStatus(ctx, "a", domain.OrderStatusCancelled))
	alice, err = s.ListActive(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, alice)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "zzz", domain.OrderStatusOpen), domain.ErrNotFound)
}

func TestSagaStore_ListUnfinished(t *testing.T) {
	ctx := context.Background()
	s := NewSagaStore()
	now := time.Now()
	require.NoError(t, s.Upsert(ctx, domain.PositionSaga{ID: "1", Stage: domain.SagaStageVerified, UpdatedAt: now}))
	require.NoError(t, s.Upsert(ctx, domain.PositionSaga{ID: "2", Stage: domain.SagaStageOpened, UpdatedAt: now}))
	require.NoError(t, s.Upsert(ctx, domain.PositionSaga{ID: "3", Stage: domain.SagaStagePendingVerify, UpdatedAt: now.Add(-time.Minute)}))

	sagas, err := s.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, sagas, 2)
	assert.Equal(t, "3", sagas[0].ID)
	assert.Equal(t, "1", sagas[1].ID)
}

func TestAuditStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	require.NoError(t, s.Log(ctx, "order_submitted", map[string]any{"id": "1"}))
	require.NoError(t, s.Log(ctx, "order_cancelled", map[string]any{"id": "1"}))

	entries, err := s.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "order_cancelled", entries[0].Event)
}
