package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/alanyoungcy/veilbook/internal/reconcile"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionCache is the local position record the service commits to.
type PositionCache interface {
	Add(ctx context.Context, p domain.Position) error
	Get(id string) (domain.Position, bool)
	List(owner string) []domain.Position
}

// PositionConfig tunes the position pipeline.
type PositionConfig struct {
	MinLeverage           int
	MaxLeverage           int
	MaintenanceMarginRate decimal.Decimal
	FallbackDelay         time.Duration
}

// OpenPositionRequest is one user-triggered position opening.
type OpenPositionRequest struct {
	Owner      string
	Pair       string
	Side       domain.PositionSide
	Leverage   int
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	OnProgress ProgressFunc
}

// OpenPositionResult describes a committed position.
type OpenPositionResult struct {
	RequestID   string
	Position    domain.Position
	Signature   string
	Simulated   bool
	Description string
}

const (
	descPositionOnChain    = "Position opened on-chain; values are verified by the matching cluster."
	descPositionSimulated  = "Perp market not deployed yet: position simulated locally, no transaction was sent."
	descPositionUnverified = "Position saved locally as unverified; values are provisional until it is opened on-chain."
)

// PositionService runs the position opening pipeline: an eligibility check
// with its own verify transaction when needed, then encryption and the
// open-position transaction.
type PositionService struct {
	cfg         PositionConfig
	markets     domain.MarketRegistry
	prover      domain.EligibilityProver
	encryptor   domain.Encryptor
	builder     domain.TxBuilder
	ledger      domain.Ledger
	positions   PositionCache
	eligibility domain.EligibilityStore
	sagas       domain.SagaStore
	logger      *slog.Logger

	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	metrics  Recorder
	guard    Guard

	now   func() time.Time
	nonce func() (uint64, error)
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPositionService creates a PositionService.
func NewPositionService(
	cfg PositionConfig,
	markets domain.MarketRegistry,
	prover domain.EligibilityProver,
	encryptor domain.Encryptor,
	builder domain.TxBuilder,
	ledger domain.Ledger,
	positions PositionCache,
	eligibility domain.EligibilityStore,
	sagas domain.SagaStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		cfg:         cfg,
		markets:     markets,
		prover:      prover,
		encryptor:   encryptor,
		builder:     builder,
		ledger:      ledger,
		positions:   positions,
		eligibility: eligibility,
		sagas:       sagas,
		logger:      logger.With(slog.String("component", "position_service")),
		metrics:     nopRecorder{},
		guard:       NewLocalGuard(),
		now:         time.Now,
		nonce:       randomNonce,
		sleep:       sleepCtx,
	}
}

// WithBus publishes position and progress events.
func (s *PositionService) WithBus(b domain.SignalBus) *PositionService { s.bus = b; return s }

// WithAudit writes audit entries for verifications and positions.
func (s *PositionService) WithAudit(a domain.AuditStore) *PositionService { s.audit = a; return s }

// WithNotifier sends operator notifications.
func (s *PositionService) WithNotifier(n Notifier) *PositionService { s.notifier = n; return s }

// WithMetrics attaches a Recorder.
func (s *PositionService) WithMetrics(r Recorder) *PositionService { s.metrics = r; return s }

// WithGuard replaces the in-process in-flight guard.
func (s *PositionService) WithGuard(g Guard) *PositionService { s.guard = g; return s }

// LiquidationPrice estimates where a position would be liquidated. The value
// is for display only; the matching cluster decides liquidation.
func LiquidationPrice(side domain.PositionSide, entry decimal.Decimal, leverage int, mmr decimal.Decimal) decimal.Decimal {
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	one := decimal.NewFromInt(1)
	if side == domain.PositionSideShort {
		return entry.Mul(one.Add(inv).Sub(mmr))
	}
	return entry.Mul(one.Sub(inv).Add(mmr))
}

// Collateral returns floor(size * entry * 10^quoteDecimals / leverage).
func Collateral(size, entry decimal.Decimal, leverage int, quoteDecimals int32) (uint64, bool) {
	if leverage <= 0 {
		return 0, false
	}
	notional := size.Mul(entry).Shift(quoteDecimals).Floor().BigInt()
	if notional.Sign() < 0 {
		return 0, false
	}
	c := new(big.Int).Quo(notional, big.NewInt(int64(leverage)))
	if !c.IsUint64() {
		return 0, false
	}
	return c.Uint64(), true
}

// PositionID derives the position identifier from owner, pair and nonce.
func PositionID(owner, pair string, nonce uint64) string {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash([]byte(owner), []byte(pair), n[:]).Hex()
}

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("position_service: nonce: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (s *PositionService) validate(req OpenPositionRequest) error {
	switch {
	case strings.TrimSpace(req.Owner) == "":
		return fmt.Errorf("%w: owner required", domain.ErrInvalidPosition)
	case req.Side != domain.PositionSideLong && req.Side != domain.PositionSideShort:
		return fmt.Errorf("%w: unknown side %q", domain.ErrInvalidPosition, req.Side)
	case req.Leverage < s.cfg.MinLeverage || req.Leverage > s.cfg.MaxLeverage:
		return fmt.Errorf("%w: leverage %d outside [%d, %d]", domain.ErrInvalidPosition, req.Leverage, s.cfg.MinLeverage, s.cfg.MaxLeverage)
	case !req.Size.IsPositive():
		return fmt.Errorf("%w: size must be positive", domain.ErrInvalidPosition)
	case !req.EntryPrice.IsPositive():
		return fmt.Errorf("%w: entry price must be positive", domain.ErrInvalidPosition)
	}
	return nil
}

// Open runs one position opening. A verify-eligibility transaction runs first
// when the owner has no verified record. Once eligibility is settled, an
// on-chain failure commits the position locally as unverified instead of
// returning an error.
func (s *PositionService) Open(ctx context.Context, req OpenPositionRequest) (OpenPositionResult, error) {
	if err := s.validate(req); err != nil {
		return OpenPositionResult{}, &StepError{Step: StepValidation, Message: "check size, entry price and leverage", Cause: err}
	}
	if _, err := s.markets.Market(ctx, req.Pair); err != nil {
		return OpenPositionResult{}, fmt.Errorf("position_service: market %q: %w", req.Pair, err)
	}

	release, err := s.guard.Acquire(ctx, "position:"+req.Owner)
	if err != nil {
		return OpenPositionResult{}, err
	}
	defer release()

	nonce, err := s.nonce()
	if err != nil {
		return OpenPositionResult{}, err
	}
	saga := domain.PositionSaga{
		ID:    PositionID(req.Owner, req.Pair, nonce),
		Owner: req.Owner,
		Stage: domain.SagaStagePendingVerify,
		Nonce: nonce,
		Draft: domain.PositionDraft{
			Pair:       req.Pair,
			Side:       req.Side,
			Leverage:   req.Leverage,
			Size:       req.Size,
			EntryPrice: req.EntryPrice,
		},
	}
	s.saveSaga(ctx, &saga, domain.SagaStagePendingVerify)

	return s.run(ctx, saga, req.OnProgress)
}

// ResumePending continues sagas a previous process left verified but not
// opened, starting at encryption. Sagas interrupted before verification
// completed are marked failed without sending anything. It returns how many
// sagas reached a committed position.
func (s *PositionService) ResumePending(ctx context.Context) (int, error) {
	sagas, err := s.sagas.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("position_service: list sagas: %w", err)
	}
	done := 0
	for _, saga := range sagas {
		if _, ok := s.positions.Get(saga.ID); ok {
			s.saveSaga(ctx, &saga, domain.SagaStageOpened)
			continue
		}
		if saga.Stage != domain.SagaStageVerified {
			s.logger.InfoContext(ctx, "abandoning unverified position saga",
				slog.String("saga_id", saga.ID),
				slog.String("stage", string(saga.Stage)),
			)
			s.saveSaga(ctx, &saga, domain.SagaStageFailed)
			continue
		}
		if s.resume(ctx, saga) {
			done++
		}
	}
	return done, nil
}

func (s *PositionService) resume(ctx context.Context, saga domain.PositionSaga) bool {
	release, err := s.guard.Acquire(ctx, "position:"+saga.Owner)
	if err != nil {
		s.logger.WarnContext(ctx, "resume position saga skipped",
			slog.String("saga_id", saga.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	defer release()

	s.logger.InfoContext(ctx, "resuming position saga",
		slog.String("saga_id", saga.ID),
		slog.String("stage", string(saga.Stage)),
	)
	if _, err := s.run(ctx, saga, nil); err != nil {
		s.logger.WarnContext(ctx, "resume position saga failed",
			slog.String("saga_id", saga.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (s *PositionService) run(ctx context.Context, saga domain.PositionSaga, onProgress ProgressFunc) (OpenPositionResult, error) {
	requestID := uuid.NewString()
	pr := newProgress(requestID, "position", onProgress, s.bus, s.metrics, s.logger, s.now)
	res, err := s.pipeline(ctx, pr, saga)
	res.RequestID = requestID

	switch {
	case err != nil:
		s.saveSaga(ctx, &saga, domain.SagaStageFailed)
		s.metrics.SubmissionFinished("position", outcomeOf(err))
	case res.Simulated:
		s.metrics.SubmissionFinished("position", OutcomeSimulated)
	case !res.Position.ThresholdVerified:
		s.metrics.SubmissionFinished("position", OutcomeLocal)
	default:
		s.metrics.SubmissionFinished("position", OutcomeConfirmed)
	}
	return res, err
}

func (s *PositionService) pipeline(ctx context.Context, pr *progress, saga domain.PositionSaga) (OpenPositionResult, error) {
	d := saga.Draft
	market, err := s.markets.Market(ctx, d.Pair)
	if err != nil {
		return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepReadiness, Message: "unknown market", Cause: err})
	}
	address := market.PerpAddress
	if address == "" {
		address = market.Address
	}
	ready, err := s.markets.MarketReady(ctx, address)
	if err != nil {
		return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepReadiness, Message: "could not check market deployment", Cause: err})
	}

	sizeUnits, ok := reconcile.Units(d.Size, market.BaseDecimals)
	if !ok {
		return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepValidation, Message: "size out of range", Cause: domain.ErrInvalidPosition})
	}
	entryUnits, ok := reconcile.Units(d.EntryPrice, market.QuoteDecimals)
	if !ok {
		return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepValidation, Message: "entry price out of range", Cause: domain.ErrInvalidPosition})
	}
	collateral, ok := Collateral(d.Size, d.EntryPrice, d.Leverage, market.QuoteDecimals)
	if !ok {
		return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepValidation, Message: "collateral out of range", Cause: domain.ErrInvalidPosition})
	}

	verified := s.isVerified(ctx, saga.Owner)
	if !verified {
		pr.advance(ctx, domain.ProgressGeneratingProof, "")
		proof, err := s.prover.GenerateProof(ctx, saga.Owner)
		if err != nil {
			return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepProof, Message: "proof generation failed", Cause: fmt.Errorf("%w: %w", domain.ErrProofFailed, err)})
		}
		pr.advance(ctx, domain.ProgressProofReady, "")

		if ready {
			if err := s.verifyEligibility(ctx, pr, saga.Owner, proof); err != nil {
				return OpenPositionResult{}, err
			}
			s.saveSaga(ctx, &saga, domain.SagaStageVerified)
		}
	}

	pr.advance(ctx, domain.ProgressEncrypting, "")
	fields, err := s.encryptPosition(ctx, sizeUnits, entryUnits, collateral)
	if err != nil {
		return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepEncryption, Message: "encryption failed", Cause: err})
	}
	pr.advance(ctx, domain.ProgressEncrypted, "")

	pos := domain.Position{
		ID:                  saga.ID,
		Owner:               saga.Owner,
		Pair:                market.Pair,
		Side:                d.Side,
		Leverage:            d.Leverage,
		Nonce:               saga.Nonce,
		EncryptedSize:       fields[0],
		EncryptedEntryPrice: fields[1],
		EncryptedCollateral: fields[2],
		LiquidationEstimate: LiquidationPrice(d.Side, d.EntryPrice, d.Leverage, s.cfg.MaintenanceMarginRate),
	}

	if !ready {
		if err := s.sleep(ctx, s.cfg.FallbackDelay); err != nil {
			return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepSend, Message: "simulated submission interrupted", Cause: err})
		}
		pos.Simulated = true
		return s.commitLocal(ctx, pr, saga, pos, descPositionSimulated, nil)
	}

	tx, err := s.builder.BuildOpenPosition(ctx, domain.OpenPositionParams{
		Owner:               saga.Owner,
		Market:              market,
		Side:                d.Side,
		Leverage:            d.Leverage,
		Nonce:               saga.Nonce,
		EncryptedSize:       pos.EncryptedSize,
		EncryptedEntryPrice: pos.EncryptedEntryPrice,
		EncryptedCollateral: pos.EncryptedCollateral,
		EphemeralKey:        s.encryptor.EphemeralPublicKey(),
	})
	if err != nil {
		return s.commitLocal(ctx, pr, saga, pos, descPositionUnverified, err)
	}

	pr.advance(ctx, domain.ProgressSubmitting, "")
	signature, cause := s.openOnChain(ctx, pr, tx)
	if cause != nil {
		var stepErr *StepError
		if errors.As(cause, &stepErr) && stepErr.Benign {
			return OpenPositionResult{}, pr.fail(ctx, stepErr)
		}
		return s.commitLocal(ctx, pr, saga, pos, descPositionUnverified, cause)
	}

	pos.ThresholdVerified = true
	pos.Signature = signature
	pos.OpenedAt = s.now().UTC()
	if err := s.positions.Add(ctx, pos); err != nil {
		return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepConfirmation, Message: "position confirmed but could not be recorded locally", Cause: err})
	}
	s.saveSaga(ctx, &saga, domain.SagaStageOpened)
	s.afterCommit(ctx, "position_opened", pos)

	pr.advance(ctx, domain.ProgressMPCQueued, descPositionOnChain)
	return OpenPositionResult{
		Position:    pos,
		Signature:   signature,
		Description: descPositionOnChain,
	}, nil
}

// encryptPosition seals size, entry price and collateral in that order. Only
// collateral may use the hybrid layout.
func (s *PositionService) encryptPosition(ctx context.Context, size, entry, collateral uint64) ([]domain.EncryptedField, error) {
	fields, err := encryptAll(ctx, s.encryptor, size, entry)
	if err != nil {
		return nil, err
	}
	c, err := s.encryptor.EncryptCollateral(ctx, collateral)
	if err != nil {
		return nil, fmt.Errorf("%w: collateral: %w", domain.ErrEncryptionFailed, err)
	}
	return append(fields, c), nil
}

// verifyEligibility runs the separate verify-eligibility transaction and
// records the owner as verified.
func (s *PositionService) verifyEligibility(ctx context.Context, pr *progress, owner string, proof domain.Proof) error {
	pr.advance(ctx, domain.ProgressVerifyingEligibility, "")
	tx, err := s.builder.BuildVerifyEligibility(ctx, domain.VerifyEligibilityParams{Owner: owner, Proof: proof})
	if err != nil {
		return pr.fail(ctx, &StepError{Step: StepEligibility, Message: "could not build eligibility transaction", Cause: err})
	}
	if sim, err := s.ledger.Simulate(ctx, tx); err != nil {
		s.logger.WarnContext(ctx, "eligibility simulation unavailable, sending anyway",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
	} else if sim.Failed() {
		return pr.fail(ctx, &StepError{
			Step:    StepEligibility,
			Message: "eligibility verification failed: " + sim.Err.Error(),
			Cause:   fmt.Errorf("%w: %w", domain.ErrSimulationFailed, sim.Err),
			Logs:    sim.Logs,
		})
	}
	signature, err := s.ledger.Send(ctx, tx)
	if err != nil {
		if IsUserRejection(err) {
			return pr.fail(ctx, &StepError{Step: StepSignature, Message: "signature request was rejected", Cause: err, Benign: true})
		}
		return pr.fail(ctx, &StepError{Step: StepEligibility, Message: "eligibility transaction could not be sent", Cause: err})
	}
	if err := s.ledger.Confirm(ctx, signature); err != nil {
		return pr.fail(ctx, &StepError{Step: StepEligibility, Message: "eligibility transaction was not confirmed", Cause: err})
	}

	rec := domain.EligibilityRecord{Owner: owner, Verified: true, Signature: signature, VerifiedAt: s.now().UTC()}
	if err := s.eligibility.Upsert(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "persist eligibility failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
	}
	s.auditLog(ctx, "eligibility_verified", map[string]any{"owner": owner, "signature": signature})
	return nil
}

// openOnChain simulates, sends and confirms the open-position transaction.
// Failures are returned without touching progress so the caller can choose
// between a benign abort and a local commit.
func (s *PositionService) openOnChain(ctx context.Context, pr *progress, tx domain.Transaction) (string, error) {
	sim, err := s.ledger.Simulate(ctx, tx)
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "simulation unavailable, sending anyway",
			slog.String("tx_kind", string(tx.Kind)),
			slog.String("error", err.Error()),
		)
	case sim.Failed():
		return "", fmt.Errorf("%w: %w (logs: %s)", domain.ErrSimulationFailed, sim.Err, strings.Join(sim.Logs, "; "))
	}
	signature, err := s.ledger.Send(ctx, tx)
	if err != nil {
		if IsUserRejection(err) {
			return "", &StepError{Step: StepSignature, Message: "signature request was rejected", Cause: err, Benign: true}
		}
		return "", err
	}
	pr.advance(ctx, domain.ProgressConfirming, "")
	if err := s.ledger.Confirm(ctx, signature); err != nil {
		return "", err
	}
	return signature, nil
}

// commitLocal records pos without an on-chain open. cause is the on-chain
// failure, or nil for the not-deployed path.
func (s *PositionService) commitLocal(ctx context.Context, pr *progress, saga domain.PositionSaga, pos domain.Position, desc string, cause error) (OpenPositionResult, error) {
	pos.ThresholdVerified = false
	pos.OpenedAt = s.now().UTC()
	if cause != nil {
		s.logger.WarnContext(ctx, "open position failed on-chain, keeping it locally",
			slog.String("position_id", pos.ID),
			slog.String("error", cause.Error()),
		)
	}
	if err := s.positions.Add(ctx, pos); err != nil {
		return OpenPositionResult{}, pr.fail(ctx, &StepError{Step: StepConfirmation, Message: "could not record position locally", Cause: err})
	}
	s.saveSaga(ctx, &saga, domain.SagaStageLocal)
	event := "position_local"
	if pos.Simulated {
		event = "position_simulated"
	}
	s.afterCommit(ctx, event, pos)

	pr.advanceLocal(ctx, domain.ProgressMPCQueued, desc)
	return OpenPositionResult{
		Position:    pos,
		Simulated:   pos.Simulated,
		Description: desc,
	}, nil
}

// Positions lists owner's cached positions, newest first.
func (s *PositionService) Positions(owner string) []domain.Position {
	return s.positions.List(owner)
}

func (s *PositionService) isVerified(ctx context.Context, owner string) bool {
	rec, err := s.eligibility.Get(ctx, owner)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "eligibility lookup failed, verifying again",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	return rec.Verified
}

func (s *PositionService) saveSaga(ctx context.Context, saga *domain.PositionSaga, stage domain.SagaStage) {
	saga.Stage = stage
	saga.UpdatedAt = s.now().UTC()
	if err := s.sagas.Upsert(ctx, *saga); err != nil {
		s.logger.WarnContext(ctx, "persist saga failed",
			slog.String("saga_id", saga.ID),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
	}
}

type positionEvent struct {
	Event             string `json:"event"`
	PositionID        string `json:"position_id"`
	Owner             string `json:"owner"`
	Pair              string `json:"pair"`
	Side              string `json:"side"`
	Leverage          int    `json:"leverage"`
	Liquidation       string `json:"liquidation_estimate"`
	ThresholdVerified bool   `json:"threshold_verified"`
	Simulated         bool   `json:"simulated"`
}

func (s *PositionService) afterCommit(ctx context.Context, event string, pos domain.Position) {
	if s.bus != nil {
		payload, _ := json.Marshal(positionEvent{
			Event:             event,
			PositionID:        pos.ID,
			Owner:             pos.Owner,
			Pair:              pos.Pair,
			Side:              string(pos.Side),
			Leverage:          pos.Leverage,
			Liquidation:       pos.LiquidationEstimate.String(),
			ThresholdVerified: pos.ThresholdVerified,
			Simulated:         pos.Simulated,
		})
		if err := s.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
			s.logger.WarnContext(ctx, "publish event failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.auditLog(ctx, event, map[string]any{
		"position_id":        pos.ID,
		"owner":              pos.Owner,
		"pair":               pos.Pair,
		"side":               string(pos.Side),
		"leverage":           pos.Leverage,
		"threshold_verified": pos.ThresholdVerified,
		"simulated":          pos.Simulated,
		"signature":          pos.Signature,
	})
	if s.notifier != nil && event == "position_opened" {
		msg := fmt.Sprintf("%s %dx position %s on %s", pos.Side, pos.Leverage, pos.ID, pos.Pair)
		if err := s.notifier.Notify(ctx, event, "Position opened", msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.InfoContext(ctx, "position committed",
		slog.String("position_id", pos.ID),
		slog.String("event", event),
		slog.Bool("threshold_verified", pos.ThresholdVerified),
	)
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
