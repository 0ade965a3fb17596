package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderKind distinguishes priced orders from orders executed at the live price.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// OrderIntent is what the user asked for. It lives for one submission attempt
// and is never persisted.
type OrderIntent struct {
	Side       OrderSide
	Kind       OrderKind
	Quantity   decimal.Decimal
	LimitPrice *decimal.Decimal // nil for market orders
}

// Validate rejects intents that must never reach an external call.
func (i OrderIntent) Validate() error {
	switch i.Side {
	case OrderSideBuy, OrderSideSell:
	default:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidIntent, i.Side)
	}
	if !i.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidIntent)
	}
	switch i.Kind {
	case OrderKindLimit:
		if i.LimitPrice == nil {
			return fmt.Errorf("%w: limit order requires a price", ErrInvalidIntent)
		}
		if !i.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit price must be positive", ErrInvalidIntent)
		}
	case OrderKindMarket:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidIntent, i.Kind)
	}
	return nil
}

// Shortfall explains why a WrapRequirement cannot proceed.
type Shortfall string

const (
	ShortfallNone             Shortfall = ""
	ShortfallInsufficient     Shortfall = "insufficient"
	ShortfallAutoWrapDisabled Shortfall = "auto_wrap_disabled"
)

// WrapRequirement is derived from balances and an intent immediately before it
// is acted upon. Amounts are in the smallest unit of the mint being spent.
type WrapRequirement struct {
	RequiredAmount uint64
	WrapNeeded     uint64
	CanProceed     bool
	NeedsWrap      bool
	Shortfall      Shortfall
}

// Err converts a blocked requirement into the matching sentinel error.
func (w WrapRequirement) Err() error {
	if w.CanProceed {
		return nil
	}
	if w.Shortfall == ShortfallAutoWrapDisabled {
		return ErrAutoWrapDisabled
	}
	return ErrInsufficientFunds
}
