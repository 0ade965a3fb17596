package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgress_ForwardOnly(t *testing.T) {
	log := &progressLog{}
	bus := &fakeBus{}
	pr := newProgress("req", "order", log.record, bus, nopRecorder{}, testLogger(), time.Now)
	ctx := context.Background()

	assert.True(t, pr.advance(ctx, domain.ProgressGeneratingProof, ""))
	assert.True(t, pr.advance(ctx, domain.ProgressEncrypting, ""))
	assert.False(t, pr.advance(ctx, domain.ProgressProofReady, ""))
	assert.False(t, pr.advance(ctx, domain.ProgressEncrypting, ""))
	assert.Equal(t, domain.ProgressEncrypting, pr.state)

	pr.fail(ctx, &StepError{Step: StepEncryption, Message: "encryption failed"})
	assert.Equal(t, domain.ProgressError, pr.state)
	assert.False(t, pr.advance(ctx, domain.ProgressMPCQueued, ""))

	assert.Equal(t, []domain.ProgressState{
		domain.ProgressGeneratingProof,
		domain.ProgressEncrypting,
		domain.ProgressError,
	}, log.states())
	assert.Equal(t, 3, bus.count(domain.ChannelProgress))

	last := log.last()
	assert.Equal(t, "req", last.RequestID)
	assert.Equal(t, "order", last.Pipeline)
	assert.Equal(t, StepEncryption, last.Step)
}

func TestStepError_Unwrap(t *testing.T) {
	cause := errors.New("rpc down")
	err := error(&StepError{Step: StepSend, Message: "transaction could not be sent", Cause: cause})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "send: transaction could not be sent: rpc down", err.Error())
	assert.Equal(t, "proof: failed", (&StepError{Step: StepProof, Message: "failed"}).Error())
}

func TestDedup(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("k"))
	assert.True(t, d.IsDuplicate("k"))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.IsDuplicate("k"))

	d.Forget("k")
	assert.False(t, d.IsDuplicate("k"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Empty(t, d.seen)
}

type fakeLocks struct {
	held map[string]bool
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() { delete(f.held, key) }, nil
}

func TestLockGuard(t *testing.T) {
	g := NewLockGuard(&fakeLocks{held: map[string]bool{}}, time.Minute)
	ctx := context.Background()

	release, err := g.Acquire(ctx, "order:alice")
	require.NoError(t, err)
	_, err = g.Acquire(ctx, "order:alice")
	assert.ErrorIs(t, err, domain.ErrSubmissionInFlight)

	release()
	_, err = g.Acquire(ctx, "order:alice")
	assert.NoError(t, err)
}

func TestLocalGuard_ReleaseIsIdempotent(t *testing.T) {
	g := NewLocalGuard()
	ctx := context.Background()

	release, err := g.Acquire(ctx, "k")
	require.NoError(t, err)
	release()
	release()

	again, err := g.Acquire(ctx, "k")
	require.NoError(t, err)
	_, err = g.Acquire(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrSubmissionInFlight)
	again()
}
