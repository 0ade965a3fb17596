// Package reconcile decides whether an order can be funded from the owner's
// custodial balance and how much must be wrapped first.
package reconcile

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/shopspring/decimal"
)

// Input is everything ComputeRequirement reads. Balances are of the mint the
// order spends: base for sells, quote for buys.
type Input struct {
	Intent         domain.OrderIntent
	BaseDecimals   int32
	QuoteDecimals  int32
	Balances       domain.Balances
	AutoWrap       bool
	ReferencePrice *decimal.Decimal // market buys only; nil when unknown
}

// SpendMint returns the mint an intent spends on m.
func SpendMint(intent domain.OrderIntent, m domain.Market) string {
	if intent.Side == domain.OrderSideSell {
		return m.BaseMint
	}
	return m.QuoteMint
}

// Units converts a decimal amount into smallest units, flooring toward zero.
// ok is false for negative amounts and amounts that do not fit in a uint64.
func Units(amount decimal.Decimal, decimals int32) (units uint64, ok bool) {
	if amount.IsNegative() {
		return 0, false
	}
	n := amount.Shift(decimals).Floor().BigInt()
	if !n.IsUint64() {
		return 0, false
	}
	return n.Uint64(), true
}

// ComputeRequirement derives the funding requirement of an order. It is pure
// and must be evaluated against the freshest balances right before a
// transaction is built.
func ComputeRequirement(in Input) domain.WrapRequirement {
	required, known, ok := requiredAmount(in)
	if !known {
		// Market buy without a reference price: validated later by execution.
		return domain.WrapRequirement{CanProceed: true}
	}
	if !ok {
		return domain.WrapRequirement{
			RequiredAmount: math.MaxUint64,
			Shortfall:      domain.ShortfallInsufficient,
		}
	}

	custodial := in.Balances.Custodial
	var wrap uint64
	if required > custodial {
		wrap = required - custodial
	}
	req := domain.WrapRequirement{
		RequiredAmount: required,
		WrapNeeded:     wrap,
	}

	switch {
	case in.Balances.Total() < required:
		req.Shortfall = domain.ShortfallInsufficient
	case wrap > 0 && !in.AutoWrap:
		req.Shortfall = domain.ShortfallAutoWrapDisabled
	default:
		req.CanProceed = true
		req.NeedsWrap = wrap > 0
	}
	return req
}

// requiredAmount returns the amount to spend in smallest units. known is
// false when the price is unavailable; ok is false on overflow.
func requiredAmount(in Input) (amount uint64, known, ok bool) {
	q := in.Intent.Quantity
	if in.Intent.Side == domain.OrderSideSell {
		amount, ok = Units(q, in.BaseDecimals)
		return amount, true, ok
	}

	var price decimal.Decimal
	switch {
	case in.Intent.Kind == domain.OrderKindLimit && in.Intent.LimitPrice != nil:
		price = *in.Intent.LimitPrice
	case in.ReferencePrice != nil && in.ReferencePrice.IsPositive():
		price = *in.ReferencePrice
	default:
		return 0, false, true
	}
	amount, ok = Units(q.Mul(price), in.QuoteDecimals)
	return amount, true, ok
}

// Message is the user-facing explanation of a blocked requirement. It is
// empty when the order can proceed.
func Message(w domain.WrapRequirement) string {
	if w.CanProceed {
		return ""
	}
	switch w.Shortfall {
	case domain.ShortfallAutoWrapDisabled:
		return fmt.Sprintf("Custodial balance is short by %d units. Enable auto-wrap to move them from your wallet, or wrap manually.", w.WrapNeeded)
	default:
		return "Insufficient balance: custodial and wallet funds together do not cover this order."
	}
}
