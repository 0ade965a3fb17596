package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of a leveraged position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is a leveraged position opened through the perp market.
type Position struct {
	ID                  string
	Owner               string
	Pair                string
	Side                PositionSide
	Leverage            int
	Nonce               uint64
	EncryptedSize       EncryptedField
	EncryptedEntryPrice EncryptedField
	EncryptedCollateral EncryptedField
	// LiquidationEstimate is for display only; the cluster decides liquidation.
	LiquidationEstimate decimal.Decimal
	// ThresholdVerified is true only once both the eligibility verification and
	// the open-position transaction confirmed.
	ThresholdVerified bool
	Simulated         bool
	Signature         string
	OpenedAt          time.Time
}

// EligibilityRecord remembers that an owner passed eligibility verification.
type EligibilityRecord struct {
	Owner      string
	Verified   bool
	Signature  string
	VerifiedAt time.Time
}

// SagaStage is the progress of the verify-then-open protocol.
type SagaStage string

const (
	SagaStagePendingVerify SagaStage = "pending_verify"
	SagaStageVerified      SagaStage = "verified"
	SagaStageOpened        SagaStage = "opened"
	SagaStageLocal         SagaStage = "local"
	// SagaStageFailed ends an attempt that returned an error. It is never
	// resumed; the user retries by opening again.
	SagaStageFailed SagaStage = "failed"
)

// PositionDraft holds the user's form input so a saga can resume.
type PositionDraft struct {
	Pair       string          `json:"pair"`
	Side       PositionSide    `json:"side"`
	Leverage   int             `json:"leverage"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// PositionSaga is the durable record of one verify-then-open attempt.
type PositionSaga struct {
	ID        string
	Owner     string
	Stage     SagaStage
	Nonce     uint64
	Draft     PositionDraft
	UpdatedAt time.Time
}
