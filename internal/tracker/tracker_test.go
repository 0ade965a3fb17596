package tracker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := New(Config{CompareDuration: 8 * time.Second, FillDuration: 20 * time.Second})
	tr.now = clock.now
	return tr, clock
}

func TestTracker_RegisterAndResolve(t *testing.T) {
	tr, clock := newTestTracker()

	e := tr.Register("r1", domain.ComputationCompare, "o1")
	assert.Equal(t, domain.ComputationPending, e.Status)
	assert.Equal(t, clock.t, e.CreatedAt)

	matched := true
	clock.advance(time.Second)
	resolved, err := tr.Resolve("r1", domain.ComputationResult{Matched: &matched})
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationCompleted, resolved.Status)
	require.NotNil(t, resolved.Result)
	assert.True(t, *resolved.Result.Matched)

	_, err = tr.Resolve("missing", domain.ComputationResult{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTracker_ResolveFailure(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Register("r1", domain.ComputationFill, "")

	e, err := tr.Resolve("r1", domain.ComputationResult{Err: "cluster aborted"})
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationFailed, e.Status)

	// Terminal entries stay put.
	e, err = tr.Resolve("r1", domain.ComputationResult{})
	require.NoError(t, err)
	assert.Equal(t, domain.ComputationFailed, e.Status)
}

func TestTracker_RegisterIsIdempotent(t *testing.T) {
	tr, clock := newTestTracker()
	first := tr.Register("r1", domain.ComputationCompare, "o1")
	clock.advance(time.Minute)
	again := tr.Register("r1", domain.ComputationFill, "o2")
	assert.Equal(t, first, again)
}

func TestTracker_EstimateRemaining(t *testing.T) {
	tr, clock := newTestTracker()
	e := tr.Register("r1", domain.ComputationCompare, "")

	assert.Equal(t, 8*time.Second, tr.EstimateRemaining(e))
	clock.advance(3 * time.Second)
	assert.Equal(t, 5*time.Second, tr.EstimateRemaining(e))
	clock.advance(time.Hour)
	assert.Zero(t, tr.EstimateRemaining(e))

	// Overdue entries are not failed automatically.
	got, ok := tr.Get("r1")
	require.True(t, ok)
	assert.Equal(t, domain.ComputationPending, got.Status)

	fill := tr.Register("r2", domain.ComputationFill, "")
	assert.Equal(t, 20*time.Second, tr.EstimateRemaining(fill))
}

func TestTracker_CountsAndPrune(t *testing.T) {
	tr, clock := newTestTracker()
	tr.Register("a", domain.ComputationCompare, "")
	tr.Register("b", domain.ComputationCompare, "")
	tr.Register("c", domain.ComputationFill, "")
	_, err := tr.Resolve("b", domain.ComputationResult{})
	require.NoError(t, err)
	_, err = tr.Resolve("c", domain.ComputationResult{Err: "boom"})
	require.NoError(t, err)

	assert.Equal(t, domain.ComputationCounts{Pending: 1, Completed: 1, Failed: 1}, tr.Counts())
	assert.Len(t, tr.List(), 3)

	clock.advance(2 * time.Minute)
	assert.Equal(t, 2, tr.Prune(time.Minute))
	assert.Equal(t, domain.ComputationCounts{Pending: 1}, tr.Counts())
}

type fillRecorder struct {
	id       string
	filled   domain.EncryptedField
	complete bool
	calls    int
}

func (r *fillRecorder) ApplyFill(_ context.Context, id string, filled domain.EncryptedField, complete bool) error {
	r.id, r.filled, r.complete = id, filled, complete
	r.calls++
	return nil
}

func TestFeed_HandleFillReconcilesOrder(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Register("req-1", domain.ComputationFill, "order-1")
	sink := &fillRecorder{}
	feed := NewFeed(tr, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	blob := domain.EncryptedField{Version: domain.FieldVersionPure, Bytes: []byte{4, 5, 6}}
	payload, err := json.Marshal(domain.ComputationEvent{
		RequestID:    "req-1",
		Kind:         domain.ComputationFill,
		Result:       blob.Encode(),
		FillComplete: true,
	})
	require.NoError(t, err)

	require.NoError(t, feed.Handle(context.Background(), payload))
	assert.Equal(t, 1, sink.calls)
	assert.Equal(t, "order-1", sink.id)
	assert.Equal(t, blob, sink.filled)
	assert.True(t, sink.complete)

	e, ok := tr.Get("req-1")
	require.True(t, ok)
	assert.Equal(t, domain.ComputationCompleted, e.Status)
}

func TestFeed_RunRegistersUnknownRequests(t *testing.T) {
	tr, _ := newTestTracker()
	feed := NewFeed(tr, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ch := make(chan []byte, 3)
	ch <- []byte(`{"request_id":"x","kind":"compare","matched":false}`)
	ch <- []byte(`not json`)
	ch <- []byte(`{"request_id":""}`)
	close(ch)

	require.NoError(t, feed.Run(context.Background(), ch))
	e, ok := tr.Get("x")
	require.True(t, ok)
	assert.Equal(t, domain.ComputationCompleted, e.Status)
	assert.Len(t, tr.List(), 1)
}
