package service

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_WrapAndOrder(t *testing.T) {
	h := newOrderHarness()

	res, err := h.svc.Submit(context.Background(), h.limitBuy("2", "100"))
	require.NoError(t, err)

	assert.Equal(t, []domain.TxKind{domain.TxKindWrapAndOrder}, h.builder.calls)
	assert.Equal(t, uint64(50_000000), h.builder.wrapAmount)
	assert.Equal(t, uint64(200_000000), res.Requirement.RequiredAmount)
	assert.True(t, res.Requirement.NeedsWrap)
	assert.False(t, res.Simulated)

	require.NotNil(t, res.Order.Nonce)
	assert.Equal(t, uint64(77), *res.Order.Nonce)
	assert.Equal(t, domain.OrderStatusOpen, res.Order.Status)
	assert.False(t, res.Order.IsLegacyBroken)
	assert.Equal(t, "sig-wrap_and_place_order", res.Signature)

	assert.Equal(t, []uint64{2_000_000_000, 100_000000}, h.encryptor.values)
	assert.Equal(t, []domain.ProgressState{
		domain.ProgressGeneratingProof,
		domain.ProgressProofReady,
		domain.ProgressEncrypting,
		domain.ProgressEncrypted,
		domain.ProgressSubmitting,
		domain.ProgressConfirming,
		domain.ProgressMPCQueued,
	}, h.progress.states())

	pending, ok := h.tracker.Get(res.Order.ID)
	require.True(t, ok)
	assert.Equal(t, domain.ComputationPending, pending.Status)
	assert.Equal(t, 1, h.balances.refreshes)
	assert.Equal(t, 1, h.bus.count(domain.ChannelOrders))
	assert.Equal(t, 7, h.bus.count(domain.ChannelProgress))

	entries, err := h.audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "order_placed", entries[0].Event)
}

func TestSubmit_PlainOrderWhenCustodialCovers(t *testing.T) {
	h := newOrderHarness()

	res, err := h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	require.NoError(t, err)

	assert.Equal(t, []domain.TxKind{domain.TxKindPlainOrder}, h.builder.calls)
	assert.False(t, res.Requirement.NeedsWrap)
}

func TestSubmit_InsufficientFundsBeforeAnyExternalCall(t *testing.T) {
	h := newOrderHarness()
	h.balances.balances["USDC"] = domain.Balances{Custodial: 150_000000}

	_, err := h.svc.Submit(context.Background(), h.limitBuy("2", "100"))
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepFunding, stepErr.Step)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Zero(t, h.prover.calls)
	assert.Empty(t, h.progress.states())
}

func TestSubmit_AutoWrapDisabled(t *testing.T) {
	h := newOrderHarness()
	req := h.limitBuy("2", "100")
	off := false
	req.AutoWrap = &off

	_, err := h.svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrAutoWrapDisabled)
	assert.Empty(t, h.builder.calls)
}

func TestSubmit_InvalidInput(t *testing.T) {
	h := newOrderHarness()
	req := h.limitBuy("0", "100")

	_, err := h.svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)
	assert.Zero(t, h.prover.calls)

	req = h.limitBuy("1", "100")
	req.Pair = "BTC/USDC"
	_, err = h.svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrUnknownMarket)
}

func TestSubmit_PartialEncryptionCommitsNothing(t *testing.T) {
	for _, failAt := range []int{1, 2} {
		h := newOrderHarness()
		h.encryptor.failAt = failAt

		_, err := h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
		require.Error(t, err)

		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, StepEncryption, stepErr.Step)
		assert.ErrorIs(t, err, domain.ErrEncryptionFailed)
		assert.Empty(t, h.builder.calls, "failAt=%d", failAt)
		assert.Empty(t, h.ledger.sent)
		assert.Empty(t, h.cache.List("alice"))
		assert.Equal(t, domain.ProgressError, h.progress.last().State)
	}
}

func TestSubmit_ProofFailure(t *testing.T) {
	h := newOrderHarness()
	h.prover.err = errors.New("prover timeout")

	_, err := h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	assert.ErrorIs(t, err, domain.ErrProofFailed)
	assert.Zero(t, h.encryptor.calls)

	last := h.progress.last()
	assert.Equal(t, domain.ProgressError, last.State)
	assert.Equal(t, StepProof, last.Step)
	assert.Equal(t, "proof generation failed", last.Message)
}

func TestSubmit_SimulationFailureStopsBeforeSigning(t *testing.T) {
	h := newOrderHarness()
	h.ledger.simulate[domain.TxKindPlainOrder] = domain.SimulationResult{
		Err:  errors.New("custom program error: 0x1"),
		Logs: []string{"Program log: insufficient allowance"},
	}

	_, err := h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepSimulation, stepErr.Step)
	assert.Equal(t, []string{"Program log: insufficient allowance"}, stepErr.Logs)
	assert.ErrorIs(t, err, domain.ErrSimulationFailed)
	assert.Empty(t, h.ledger.sent)
	assert.Empty(t, h.cache.List("alice"))
}

func TestSubmit_SimulationUnavailableIsAdvisory(t *testing.T) {
	h := newOrderHarness()
	h.ledger.simErr = errors.New("rpc: connection refused")

	res, err := h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	require.NoError(t, err)
	assert.Equal(t, []domain.TxKind{domain.TxKindPlainOrder}, h.ledger.sent)
	assert.NotEmpty(t, res.Order.ID)
}

func TestSubmit_UserRejectionIsBenign(t *testing.T) {
	h := newOrderHarness()
	h.ledger.sendErr[domain.TxKindPlainOrder] = errors.New("WalletSignTransactionError: User rejected the request.")

	_, err := h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.True(t, stepErr.Benign)
	assert.Equal(t, StepSignature, stepErr.Step)
	assert.True(t, h.progress.last().Benign)
	assert.Empty(t, h.cache.List("alice"))
	assert.Len(t, h.ledger.sent, 1)
}

func TestSubmit_SendAndConfirmFailuresLeaveNoOrder(t *testing.T) {
	h := newOrderHarness()
	h.ledger.sendErr[domain.TxKindPlainOrder] = errors.New("blockhash not found")

	_, err := h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepSend, stepErr.Step)
	assert.False(t, stepErr.Benign)

	h = newOrderHarness()
	h.ledger.confirmErr = domain.ErrNotConfirmed
	_, err = h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	assert.ErrorIs(t, err, domain.ErrNotConfirmed)
	assert.Empty(t, h.cache.List("alice"))
	assert.Zero(t, h.balances.refreshes)
}

func TestSubmit_FallbackWhenMarketNotDeployed(t *testing.T) {
	h := newOrderHarness()
	h.markets.ready = false

	res, err := h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	require.NoError(t, err)

	assert.True(t, res.Simulated)
	assert.True(t, res.Order.Simulated)
	assert.Nil(t, res.Order.Nonce)
	assert.False(t, res.Order.IsLegacyBroken)
	assert.Equal(t, descOrderSimulated, res.Description)
	assert.NotEqual(t, descOrderOnChain, res.Description)

	assert.Equal(t, 1, h.prover.calls)
	assert.Equal(t, 2, h.encryptor.calls)
	assert.Empty(t, h.builder.calls)
	assert.Empty(t, h.ledger.sent)

	last := h.progress.last()
	assert.Equal(t, domain.ProgressMPCQueued, last.State)
	assert.True(t, last.Simulated)

	cancel, err := h.svc.Cancel(context.Background(), "alice", res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CancelSimulated, cancel.Outcome)
}

func TestSubmit_UndeployedMarketIgnoresBalances(t *testing.T) {
	ctx := context.Background()

	t.Run("balance feed unavailable", func(t *testing.T) {
		h := newOrderHarness()
		h.markets.ready = false
		h.balances.err = errors.New("ledger: custodial balance: short return data (0 bytes)")

		res, err := h.svc.Submit(ctx, h.limitBuy("1", "100"))
		require.NoError(t, err)
		assert.True(t, res.Simulated)
		assert.Equal(t, 1, h.prover.calls)
		assert.Empty(t, h.ledger.sent)
	})

	t.Run("empty wallet", func(t *testing.T) {
		h := newOrderHarness()
		h.markets.ready = false
		h.balances.balances = map[string]domain.Balances{}

		res, err := h.svc.Submit(ctx, h.limitBuy("1", "100"))
		require.NoError(t, err)
		assert.True(t, res.Simulated)
		assert.Len(t, h.cache.List("alice"), 1)
	})

	t.Run("deployed market still checks funds", func(t *testing.T) {
		h := newOrderHarness()
		h.balances.balances = map[string]domain.Balances{}

		_, err := h.svc.Submit(ctx, h.limitBuy("1", "100"))
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, StepFunding, stepErr.Step)
		assert.Zero(t, h.prover.calls)
	})
}

func TestSubmit_ReadinessCheckFailure(t *testing.T) {
	h := newOrderHarness()
	h.markets.readyErr = errors.New("rpc unreachable")

	_, err := h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepReadiness, stepErr.Step)
	assert.Zero(t, h.prover.calls)
}

func TestSubmit_AtMostOneOrderPerCall(t *testing.T) {
	h := newOrderHarness()
	req := h.limitBuy("1", "100")
	req.IdempotencyKey = "click-1"

	_, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	_, err = h.svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	assert.Len(t, h.cache.List("alice"), 1)
	assert.Len(t, h.ledger.sent, 1)
}

func TestSubmit_FailedKeyCanBeRetried(t *testing.T) {
	h := newOrderHarness()
	h.prover.err = errors.New("prover down")
	req := h.limitBuy("1", "100")
	req.IdempotencyKey = "click-1"

	_, err := h.svc.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrProofFailed)

	h.prover.err = nil
	_, err = h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, h.cache.List("alice"), 1)
}

func TestSubmit_InFlightGuard(t *testing.T) {
	h := newOrderHarness()
	release, err := h.svc.guard.Acquire(context.Background(), "order:alice")
	require.NoError(t, err)

	_, err = h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	assert.ErrorIs(t, err, domain.ErrSubmissionInFlight)

	release()
	_, err = h.svc.Submit(context.Background(), h.limitBuy("1", "100"))
	assert.NoError(t, err)
}

func TestSubmit_MarketBuyWithoutReferencePrice(t *testing.T) {
	h := newOrderHarness()
	h.balances.balances["USDC"] = domain.Balances{}
	req := SubmitRequest{
		Owner: "alice",
		Pair:  solUSDC.Pair,
		Intent: domain.OrderIntent{
			Side:     domain.OrderSideBuy,
			Kind:     domain.OrderKindMarket,
			Quantity: decimal.RequireFromString("3"),
		},
	}

	res, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Requirement.CanProceed)
	assert.Zero(t, res.Requirement.WrapNeeded)
	assert.Equal(t, []uint64{3_000_000_000, 0}, h.encryptor.values)
	assert.Equal(t, []domain.TxKind{domain.TxKindPlainOrder}, h.builder.calls)
}

func addOpenOrder(t *testing.T, h *orderHarness, id string, nonce *uint64) {
	t.Helper()
	require.NoError(t, h.cache.Add(context.Background(), domain.SubmittedOrder{
		ID:     id,
		Owner:  "alice",
		Pair:   solUSDC.Pair,
		Nonce:  nonce,
		Status: domain.OrderStatusOpen,
	}))
}

func u64(n uint64) *uint64 { return &n }

func TestCancel_Confirmed(t *testing.T) {
	h := newOrderHarness()
	addOpenOrder(t, h, "o1", u64(5))

	res, err := h.svc.Cancel(context.Background(), "alice", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.CancelConfirmed, res.Outcome)
	assert.Equal(t, "sig-cancel_order", res.Signature)

	_, ok := h.cache.Get("o1")
	assert.False(t, ok)
	persisted, err := h.store.GetByID(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, persisted.Status)
}

func TestCancel_AlreadyInactiveFromSimulationLogs(t *testing.T) {
	h := newOrderHarness()
	addOpenOrder(t, h, "o1", u64(5))
	h.ledger.simulate[domain.TxKindCancelOrder] = domain.SimulationResult{
		Err:  errors.New("custom program error: 0x1771"),
		Logs: []string{"Program log: AnchorError occurred. Error Code: OrderNotActive."},
	}

	res, err := h.svc.Cancel(context.Background(), "alice", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.CancelAlreadyInactive, res.Outcome)
	assert.Empty(t, h.ledger.sent)

	_, ok := h.cache.Get("o1")
	assert.False(t, ok)
}

func TestCancel_AlreadyInactiveFromSendError(t *testing.T) {
	h := newOrderHarness()
	addOpenOrder(t, h, "o1", u64(5))
	h.ledger.sendErr[domain.TxKindCancelOrder] = errors.New("transaction failed: order already filled")

	res, err := h.svc.Cancel(context.Background(), "alice", "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.CancelAlreadyInactive, res.Outcome)
}

func TestCancel_OtherSimulationFailureSurfaces(t *testing.T) {
	h := newOrderHarness()
	addOpenOrder(t, h, "o1", u64(5))
	h.ledger.simulate[domain.TxKindCancelOrder] = domain.SimulationResult{
		Err:  errors.New("custom program error: 0x1"),
		Logs: []string{"Program log: Error: Unauthorized"},
	}

	_, err := h.svc.Cancel(context.Background(), "alice", "o1")
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, []string{"Program log: Error: Unauthorized"}, stepErr.Logs)

	_, ok := h.cache.Get("o1")
	assert.True(t, ok)
}

func TestCancel_LegacyOrderRemovedLocally(t *testing.T) {
	h := newOrderHarness()
	addOpenOrder(t, h, "legacy", nil)

	res, err := h.svc.Cancel(context.Background(), "alice", "legacy")
	require.NoError(t, err)
	assert.Equal(t, domain.CancelLocalOnly, res.Outcome)
	assert.Empty(t, h.builder.calls)
	assert.Contains(t, res.Message, "removed locally")
}

func TestCancel_UnknownOrWrongOwner(t *testing.T) {
	h := newOrderHarness()
	addOpenOrder(t, h, "o1", u64(5))

	_, err := h.svc.Cancel(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.Cancel(context.Background(), "mallory", "o1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrders_LegacyIsolation(t *testing.T) {
	h := newOrderHarness()
	addOpenOrder(t, h, "ok", u64(1))
	addOpenOrder(t, h, "legacy", nil)

	assert.Len(t, h.svc.Orders("alice"), 2)
	cancellable := h.svc.Cancellable("alice")
	require.Len(t, cancellable, 1)
	assert.Equal(t, "ok", cancellable[0].ID)
	assert.Equal(t, domain.OrderCounts{Total: 2, Active: 1, Legacy: 1}, h.svc.Counts("alice"))
}

func TestIsUserRejection(t *testing.T) {
	assert.True(t, IsUserRejection(domain.ErrUserRejected))
	assert.True(t, IsUserRejection(errors.New("User rejected the request")))
	assert.False(t, IsUserRejection(errors.New("insufficient funds for gas")))
	assert.False(t, IsUserRejection(nil))
}
