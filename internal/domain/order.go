package domain

import "time"

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Active reports whether the order can still be matched or cancelled.
func (s OrderStatus) Active() bool {
	switch s {
	case OrderStatusOpen, OrderStatusPartial, OrderStatusPending:
		return true
	default:
		return false
	}
}

// SubmittedOrder is the local record of an order accepted by the ledger (or
// simulated locally while the market is not deployed).
type SubmittedOrder struct {
	ID                string
	Owner             string
	Nonce             *uint64 // re-derives the on-chain order locator; nil on legacy records
	Side              OrderSide
	Kind              OrderKind
	Pair              string
	BaseMint          string
	QuoteMint         string
	EncryptedQuantity EncryptedField
	EncryptedPrice    EncryptedField
	EncryptedFilled   EncryptedField
	Status            OrderStatus
	Signature         string
	Simulated         bool
	IsLegacyBroken    bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Cancellable reports whether an interactive cancel may be offered.
func (o SubmittedOrder) Cancellable() bool {
	return o.Status.Active() && !o.IsLegacyBroken
}

// LegacyBroken reports whether a record lacks the data needed to build a
// cancel transaction. Simulated orders never had an on-chain record.
func LegacyBroken(o SubmittedOrder) bool {
	return !o.Simulated && o.Nonce == nil
}

// OrderCounts is the aggregate shown next to order lists.
type OrderCounts struct {
	Total  int // every record, legacy included
	Active int // active and cancel-enabled
	Legacy int // active but missing cancel data
}

// CancelOutcome describes how a cancel request ended.
type CancelOutcome string

const (
	// CancelConfirmed: the cancel transaction confirmed on-chain.
	CancelConfirmed CancelOutcome = "confirmed"
	// CancelAlreadyInactive: the on-chain order was already filled or closed.
	CancelAlreadyInactive CancelOutcome = "already_inactive"
	// CancelLocalOnly: the record lacks the nonce needed to build a cancel.
	CancelLocalOnly CancelOutcome = "local_only"
	// CancelSimulated: the order never existed on-chain.
	CancelSimulated CancelOutcome = "simulated"
)
