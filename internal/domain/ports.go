package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Proof is an eligibility proof as returned by the prover.
type Proof struct {
	Proof         []byte
	AuxiliaryRoot []byte
}

// EligibilityProver generates the proof that the owner may trade. Calls can
// take several seconds.
type EligibilityProver interface {
	GenerateProof(ctx context.Context, owner string) (Proof, error)
}

// Encryptor is the Encryption Provider. Initialize is idempotent.
// EphemeralPublicKey returns nil before the context is initialized.
// EncryptValue always produces the pure layout; EncryptCollateral may produce
// the hybrid one when the deployment still expects it.
type Encryptor interface {
	Initialize(ctx context.Context) error
	EncryptValue(ctx context.Context, v uint64) (EncryptedField, error)
	EncryptCollateral(ctx context.Context, v uint64) (EncryptedField, error)
	EphemeralPublicKey() []byte
}

// PlainOrderParams carries everything needed to place an order.
type PlainOrderParams struct {
	Owner             string
	Market            Market
	Side              OrderSide
	EncryptedQuantity EncryptedField
	EncryptedPrice    EncryptedField
	EphemeralKey      []byte
	Proof             Proof
}

// WrapAndOrderParams places an order after wrapping WrapAmount of WrapMint
// into custody in the same transaction.
type WrapAndOrderParams struct {
	PlainOrderParams
	WrapMint   string
	WrapAmount uint64
}

// OpenPositionParams carries the derived, encrypted position payload.
type OpenPositionParams struct {
	Owner               string
	Market              Market
	Side                PositionSide
	Leverage            int
	Nonce               uint64
	EncryptedSize       EncryptedField
	EncryptedEntryPrice EncryptedField
	EncryptedCollateral EncryptedField
	EphemeralKey        []byte
}

// VerifyEligibilityParams submits a proof for on-chain verification.
type VerifyEligibilityParams struct {
	Owner string
	Proof Proof
}

// CancelOrderParams identifies the on-chain order record to close.
type CancelOrderParams struct {
	Owner  string
	Market Market
	Nonce  uint64
}

// TxBuilder constructs signable transactions. Order builders choose the nonce
// that locates the on-chain order record and return it with the transaction.
type TxBuilder interface {
	BuildPlainOrder(ctx context.Context, p PlainOrderParams) (BuiltOrderTx, error)
	BuildWrapAndOrder(ctx context.Context, p WrapAndOrderParams) (BuiltOrderTx, error)
	BuildOpenPosition(ctx context.Context, p OpenPositionParams) (Transaction, error)
	BuildVerifyEligibility(ctx context.Context, p VerifyEligibilityParams) (Transaction, error)
	BuildCancelOrder(ctx context.Context, p CancelOrderParams) (Transaction, error)
}

// Ledger runs transactions against the custody ledger.
//
// Simulate returns a non-nil error only when the dry run could not be
// performed; a failed dry run is reported through SimulationResult.Err.
// Send returns ErrUserRejected when the signer declines.
type Ledger interface {
	Simulate(ctx context.Context, tx Transaction) (SimulationResult, error)
	Send(ctx context.Context, tx Transaction) (signature string, err error)
	Confirm(ctx context.Context, signature string) error
}

// MarketRegistry resolves pairs to markets and reports deployment state.
type MarketRegistry interface {
	Market(ctx context.Context, pair string) (Market, error)
	MarketReady(ctx context.Context, address string) (bool, error)
}

// BalanceFeed supplies custodial and non-custodial balances of one mint.
type BalanceFeed interface {
	Balances(ctx context.Context, owner, mint string) (Balances, error)
	Refresh(ctx context.Context, owner string) error
}

// PriceSource supplies a reference price for market orders. ok is false when
// no price is known.
type PriceSource interface {
	ReferencePrice(ctx context.Context, pair string) (price decimal.Decimal, ok bool, err error)
}
