package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/alanyoungcy/veilbook/internal/reconcile"
	"github.com/alanyoungcy/veilbook/internal/tracker"
	"github.com/google/uuid"
)

// OrderCache is the local order record the service commits to.
type OrderCache interface {
	Add(ctx context.Context, o domain.SubmittedOrder) error
	Get(id string) (domain.SubmittedOrder, bool)
	Remove(ctx context.Context, id string) error
	List(owner string) []domain.SubmittedOrder
	Cancellable(owner string) []domain.SubmittedOrder
	Counts(owner string) domain.OrderCounts
}

// OrderConfig tunes the order pipeline.
type OrderConfig struct {
	// AutoWrap is the default when a request does not say.
	AutoWrap bool
	// FallbackDelay is how long a locally simulated order pretends to be in
	// flight when its market is not deployed yet.
	FallbackDelay time.Duration
	// ReceiptPrefix is the blob path prefix for submission receipts.
	ReceiptPrefix string
}

// SubmitRequest is one user-triggered order submission.
type SubmitRequest struct {
	Owner          string
	Pair           string
	Intent         domain.OrderIntent
	AutoWrap       *bool  // nil uses OrderConfig.AutoWrap
	IdempotencyKey string // optional client key
	OnProgress     ProgressFunc
}

// SubmitResult describes a committed order.
type SubmitResult struct {
	RequestID   string
	Order       domain.SubmittedOrder
	Requirement domain.WrapRequirement
	Signature   string
	Simulated   bool
	Description string
}

// CancelResult describes how a cancel ended.
type CancelResult struct {
	OrderID   string
	Outcome   domain.CancelOutcome
	Signature string
	Message   string
}

// Descriptions shown to the user. On-chain and simulated results never share
// wording.
const (
	descOrderOnChain   = "Order confirmed on-chain and queued for confidential matching."
	descOrderSimulated = "Market not deployed yet: order simulated locally, no transaction was sent."
)

// OrderService runs the order submission pipeline: proof, encryption,
// funding check, transaction selection, simulation, signing, confirmation
// and local commit.
type OrderService struct {
	cfg       OrderConfig
	markets   domain.MarketRegistry
	balances  domain.BalanceFeed
	prover    domain.EligibilityProver
	encryptor domain.Encryptor
	builder   domain.TxBuilder
	ledger    domain.Ledger
	orders    OrderCache
	tracker   *tracker.Tracker
	logger    *slog.Logger

	prices   domain.PriceSource
	bus      domain.SignalBus
	audit    domain.AuditStore
	receipts domain.BlobWriter
	notifier Notifier
	metrics  Recorder
	guard    Guard
	dedup    *Dedup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrderService creates an OrderService with its required collaborators.
// Optional collaborators are attached with the With* methods.
func NewOrderService(
	cfg OrderConfig,
	markets domain.MarketRegistry,
	balances domain.BalanceFeed,
	prover domain.EligibilityProver,
	encryptor domain.Encryptor,
	builder domain.TxBuilder,
	ledger domain.Ledger,
	orders OrderCache,
	computations *tracker.Tracker,
	logger *slog.Logger,
) *OrderService {
	if cfg.ReceiptPrefix == "" {
		cfg.ReceiptPrefix = "receipts"
	}
	return &OrderService{
		cfg:       cfg,
		markets:   markets,
		balances:  balances,
		prover:    prover,
		encryptor: encryptor,
		builder:   builder,
		ledger:    ledger,
		orders:    orders,
		tracker:   computations,
		logger:    logger.With(slog.String("component", "order_service")),
		metrics:   nopRecorder{},
		guard:     NewLocalGuard(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// WithPrices attaches the reference price source used to size market buys.
func (s *OrderService) WithPrices(p domain.PriceSource) *OrderService { s.prices = p; return s }

// WithBus publishes order and progress events.
func (s *OrderService) WithBus(b domain.SignalBus) *OrderService { s.bus = b; return s }

// WithAudit writes an audit entry per committed order and cancel.
func (s *OrderService) WithAudit(a domain.AuditStore) *OrderService { s.audit = a; return s }

// WithReceipts archives a JSON receipt per committed order.
func (s *OrderService) WithReceipts(w domain.BlobWriter) *OrderService { s.receipts = w; return s }

// WithNotifier sends operator notifications.
func (s *OrderService) WithNotifier(n Notifier) *OrderService { s.notifier = n; return s }

// WithMetrics attaches a Recorder.
func (s *OrderService) WithMetrics(r Recorder) *OrderService { s.metrics = r; return s }

// WithGuard replaces the in-process in-flight guard.
func (s *OrderService) WithGuard(g Guard) *OrderService { s.guard = g; return s }

// WithDedup enables idempotency-key deduplication.
func (s *OrderService) WithDedup(d *Dedup) *OrderService { s.dedup = d; return s }

// Submit runs one order submission. It commits at most one order and never
// retries a failed step; the caller re-invokes Submit to retry.
//
// Input and funding problems are returned before any external call. Pipeline
// failures are returned as *StepError after the error progress state is
// reported.
func (s *OrderService) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if strings.TrimSpace(req.Owner) == "" {
		return SubmitResult{}, &StepError{Step: StepValidation, Message: "connect a wallet first", Cause: domain.ErrInvalidIntent}
	}
	if err := req.Intent.Validate(); err != nil {
		return SubmitResult{}, &StepError{Step: StepValidation, Message: "enter a valid quantity and price", Cause: err}
	}
	market, err := s.markets.Market(ctx, req.Pair)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("order_service: market %q: %w", req.Pair, err)
	}
	qtyUnits, priceUnits, err := payloadUnits(req.Intent, market)
	if err != nil {
		return SubmitResult{}, &StepError{Step: StepValidation, Message: "quantity or price out of range", Cause: err}
	}

	if req.IdempotencyKey != "" && s.dedup != nil {
		key := req.Owner + ":" + req.IdempotencyKey
		if s.dedup.IsDuplicate(key) {
			return SubmitResult{}, fmt.Errorf("order_service: idempotency key %q: %w", req.IdempotencyKey, domain.ErrDuplicateRequest)
		}
		defer func() {
			if err != nil {
				s.dedup.Forget(key)
			}
		}()
	}

	release, err := s.guard.Acquire(ctx, "order:"+req.Owner)
	if err != nil {
		return SubmitResult{}, err
	}
	defer release()

	ready, err := s.markets.MarketReady(ctx, market.Address)
	if err != nil {
		err = &StepError{Step: StepReadiness, Message: "could not check market deployment", Cause: err}
		return SubmitResult{}, err
	}

	autoWrap := s.cfg.AutoWrap
	if req.AutoWrap != nil {
		autoWrap = *req.AutoWrap
	}
	// An undeployed market is simulated locally, so on-chain balances do not
	// gate it.
	if ready {
		var wrapReq domain.WrapRequirement
		wrapReq, err = s.requirement(ctx, req.Owner, market, req.Intent, autoWrap)
		if err != nil {
			return SubmitResult{}, err
		}
		if !wrapReq.CanProceed {
			err = &StepError{Step: StepFunding, Message: reconcile.Message(wrapReq), Cause: wrapReq.Err()}
			return SubmitResult{}, err
		}
	}

	requestID := uuid.NewString()
	pr := newProgress(requestID, "order", req.OnProgress, s.bus, s.metrics, s.logger, s.now)
	var res SubmitResult
	res, err = s.run(ctx, pr, req, market, ready, autoWrap, qtyUnits, priceUnits)
	res.RequestID = requestID

	switch {
	case err == nil && res.Simulated:
		s.metrics.SubmissionFinished("order", OutcomeSimulated)
	case err == nil:
		s.metrics.SubmissionFinished("order", OutcomeConfirmed)
	default:
		s.metrics.SubmissionFinished("order", outcomeOf(err))
	}
	return res, err
}

func (s *OrderService) run(ctx context.Context, pr *progress, req SubmitRequest, market domain.Market, ready, autoWrap bool, qtyUnits, priceUnits uint64) (SubmitResult, error) {
	pr.advance(ctx, domain.ProgressGeneratingProof, "")
	proof, err := s.prover.GenerateProof(ctx, req.Owner)
	if err != nil {
		return SubmitResult{}, pr.fail(ctx, &StepError{Step: StepProof, Message: "proof generation failed", Cause: fmt.Errorf("%w: %w", domain.ErrProofFailed, err)})
	}
	pr.advance(ctx, domain.ProgressProofReady, "")

	pr.advance(ctx, domain.ProgressEncrypting, "")
	encQty, encPrice, err := s.encryptPair(ctx, qtyUnits, priceUnits)
	if err != nil {
		return SubmitResult{}, pr.fail(ctx, &StepError{Step: StepEncryption, Message: "encryption failed", Cause: err})
	}
	pr.advance(ctx, domain.ProgressEncrypted, "")

	order := domain.SubmittedOrder{
		ID:                uuid.NewString(),
		Owner:             req.Owner,
		Side:              req.Intent.Side,
		Kind:              req.Intent.Kind,
		Pair:              market.Pair,
		BaseMint:          market.BaseMint,
		QuoteMint:         market.QuoteMint,
		EncryptedQuantity: encQty,
		EncryptedPrice:    encPrice,
		Status:            domain.OrderStatusOpen,
	}

	if !ready {
		return s.commitSimulated(ctx, pr, order)
	}

	// Balances may have moved since the up-front check.
	wrapReq, err := s.requirement(ctx, req.Owner, market, req.Intent, autoWrap)
	if err != nil {
		return SubmitResult{}, pr.fail(ctx, &StepError{Step: StepFunding, Message: "could not refresh balances", Cause: err})
	}
	if !wrapReq.CanProceed {
		return SubmitResult{}, pr.fail(ctx, &StepError{Step: StepFunding, Message: reconcile.Message(wrapReq), Cause: wrapReq.Err()})
	}

	params := domain.PlainOrderParams{
		Owner:             req.Owner,
		Market:            market,
		Side:              req.Intent.Side,
		EncryptedQuantity: encQty,
		EncryptedPrice:    encPrice,
		EphemeralKey:      s.encryptor.EphemeralPublicKey(),
		Proof:             proof,
	}
	var built domain.BuiltOrderTx
	if wrapReq.NeedsWrap && wrapReq.WrapNeeded > 0 {
		built, err = s.builder.BuildWrapAndOrder(ctx, domain.WrapAndOrderParams{
			PlainOrderParams: params,
			WrapMint:         reconcile.SpendMint(req.Intent, market),
			WrapAmount:       wrapReq.WrapNeeded,
		})
	} else {
		built, err = s.builder.BuildPlainOrder(ctx, params)
	}
	if err != nil {
		return SubmitResult{}, pr.fail(ctx, &StepError{Step: StepBuild, Message: "could not build order transaction", Cause: err})
	}
	nonce := built.Nonce
	order.Nonce = &nonce

	pr.advance(ctx, domain.ProgressSubmitting, "")
	signature, stepErr := s.execute(ctx, pr, built.Tx)
	if stepErr != nil {
		return SubmitResult{}, stepErr
	}
	order.Signature = signature

	if err := s.orders.Add(ctx, order); err != nil {
		return SubmitResult{}, pr.fail(ctx, &StepError{Step: StepConfirmation, Message: "order confirmed but could not be recorded locally", Cause: err})
	}
	committed, _ := s.orders.Get(order.ID)
	s.afterCommit(ctx, committed, wrapReq)

	pr.advance(ctx, domain.ProgressMPCQueued, descOrderOnChain)
	return SubmitResult{
		Order:       committed,
		Requirement: wrapReq,
		Signature:   signature,
		Description: descOrderOnChain,
	}, nil
}

// execute simulates, sends and confirms tx. The caller has already entered
// the submitting state.
func (s *OrderService) execute(ctx context.Context, pr *progress, tx domain.Transaction) (string, *StepError) {
	return executeTx(ctx, pr, s.ledger, s.logger, tx)
}

func executeTx(ctx context.Context, pr *progress, ledger domain.Ledger, logger *slog.Logger, tx domain.Transaction) (string, *StepError) {
	sim, err := ledger.Simulate(ctx, tx)
	switch {
	case err != nil:
		// Simulation is advisory; a transport failure does not block sending.
		logger.WarnContext(ctx, "simulation unavailable, sending anyway",
			slog.String("tx_kind", string(tx.Kind)),
			slog.String("error", err.Error()),
		)
	case sim.Failed():
		return "", pr.fail(ctx, &StepError{
			Step:    StepSimulation,
			Message: "transaction simulation failed: " + sim.Err.Error(),
			Cause:   fmt.Errorf("%w: %w", domain.ErrSimulationFailed, sim.Err),
			Logs:    sim.Logs,
		})
	}

	signature, err := ledger.Send(ctx, tx)
	if err != nil {
		if IsUserRejection(err) {
			return "", pr.fail(ctx, &StepError{Step: StepSignature, Message: "signature request was rejected", Cause: err, Benign: true})
		}
		return "", pr.fail(ctx, &StepError{Step: StepSend, Message: "transaction could not be sent", Cause: err})
	}

	pr.advance(ctx, domain.ProgressConfirming, "")
	if err := ledger.Confirm(ctx, signature); err != nil {
		return "", pr.fail(ctx, &StepError{Step: StepConfirmation, Message: "transaction was not confirmed", Cause: err})
	}
	return signature, nil
}

func (s *OrderService) commitSimulated(ctx context.Context, pr *progress, order domain.SubmittedOrder) (SubmitResult, error) {
	s.logger.InfoContext(ctx, "market not deployed, simulating order locally",
		slog.String("pair", order.Pair),
		slog.String("owner", order.Owner),
	)
	if err := s.sleep(ctx, s.cfg.FallbackDelay); err != nil {
		return SubmitResult{}, pr.fail(ctx, &StepError{Step: StepSend, Message: "simulated submission interrupted", Cause: err})
	}
	order.Simulated = true
	if err := s.orders.Add(ctx, order); err != nil {
		return SubmitResult{}, pr.fail(ctx, &StepError{Step: StepConfirmation, Message: "could not record simulated order", Cause: err})
	}
	committed, _ := s.orders.Get(order.ID)
	s.publish(ctx, domain.ChannelOrders, "order_simulated", committed)
	s.auditLog(ctx, "order_simulated", committed)

	pr.advanceLocal(ctx, domain.ProgressMPCQueued, descOrderSimulated)
	return SubmitResult{
		Order:       committed,
		Simulated:   true,
		Description: descOrderSimulated,
	}, nil
}

// afterCommit runs the non-fatal side effects of a confirmed order.
func (s *OrderService) afterCommit(ctx context.Context, order domain.SubmittedOrder, wrapReq domain.WrapRequirement) {
	if s.tracker != nil {
		s.tracker.Register(order.ID, domain.ComputationCompare, order.ID)
	}
	if err := s.balances.Refresh(ctx, order.Owner); err != nil {
		s.logger.WarnContext(ctx, "balance refresh failed",
			slog.String("owner", order.Owner),
			slog.String("error", err.Error()),
		)
	}
	s.publish(ctx, domain.ChannelOrders, "order_placed", order)
	s.auditLog(ctx, "order_placed", order)
	s.archiveReceipt(ctx, order, wrapReq)

	if s.notifier != nil {
		msg := fmt.Sprintf("%s %s order %s on %s (tx %s)", order.Side, order.Kind, order.ID, order.Pair, order.Signature)
		if err := s.notifier.Notify(ctx, "order_placed", "Order placed", msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID),
		slog.String("pair", order.Pair),
		slog.String("side", string(order.Side)),
		slog.String("signature", order.Signature),
		slog.Bool("wrapped", wrapReq.NeedsWrap),
	)
}

// Cancel cancels an order. Orders the ledger reports as already inactive are
// removed locally and reported without error.
func (s *OrderService) Cancel(ctx context.Context, owner, orderID string) (CancelResult, error) {
	order, ok := s.orders.Get(orderID)
	if !ok || (owner != "" && order.Owner != owner) {
		return CancelResult{}, fmt.Errorf("order_service: cancel %s: %w", orderID, domain.ErrNotFound)
	}

	release, err := s.guard.Acquire(ctx, "cancel:"+orderID)
	if err != nil {
		return CancelResult{}, err
	}
	defer release()

	switch {
	case order.Simulated:
		return s.finishCancel(ctx, order, domain.CancelSimulated, "", "Simulated order removed.")
	case order.Nonce == nil:
		return s.finishCancel(ctx, order, domain.CancelLocalOnly, "",
			"This order predates cancel support and was removed locally only. Its on-chain state was not changed.")
	}

	market, err := s.markets.Market(ctx, order.Pair)
	if err != nil {
		return CancelResult{}, fmt.Errorf("order_service: cancel %s: market: %w", orderID, err)
	}
	tx, err := s.builder.BuildCancelOrder(ctx, domain.CancelOrderParams{
		Owner:  order.Owner,
		Market: market,
		Nonce:  *order.Nonce,
	})
	if err != nil {
		return CancelResult{}, &StepError{Step: StepBuild, Message: "could not build cancel transaction", Cause: err}
	}

	sim, err := s.ledger.Simulate(ctx, tx)
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "cancel simulation unavailable, sending anyway",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	case sim.Failed():
		if alreadyInactive(sim.Err, sim.Logs) {
			return s.finishCancel(ctx, order, domain.CancelAlreadyInactive, "", "Order was already filled or closed.")
		}
		s.metrics.CancelFinished("failed")
		return CancelResult{}, &StepError{
			Step:    StepSimulation,
			Message: "cancel simulation failed: " + sim.Err.Error(),
			Cause:   fmt.Errorf("%w: %w", domain.ErrSimulationFailed, sim.Err),
			Logs:    sim.Logs,
		}
	}

	signature, err := s.ledger.Send(ctx, tx)
	if err != nil {
		if IsUserRejection(err) {
			return CancelResult{}, &StepError{Step: StepSignature, Message: "signature request was rejected", Cause: err, Benign: true}
		}
		if alreadyInactive(err, nil) {
			return s.finishCancel(ctx, order, domain.CancelAlreadyInactive, "", "Order was already filled or closed.")
		}
		s.metrics.CancelFinished("failed")
		return CancelResult{}, &StepError{Step: StepSend, Message: "cancel could not be sent", Cause: err}
	}
	if err := s.ledger.Confirm(ctx, signature); err != nil {
		s.metrics.CancelFinished("failed")
		return CancelResult{}, &StepError{Step: StepConfirmation, Message: "cancel was not confirmed", Cause: err}
	}
	return s.finishCancel(ctx, order, domain.CancelConfirmed, signature, "Order cancelled.")
}

func (s *OrderService) finishCancel(ctx context.Context, order domain.SubmittedOrder, outcome domain.CancelOutcome, signature, message string) (CancelResult, error) {
	if err := s.orders.Remove(ctx, order.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return CancelResult{}, fmt.Errorf("order_service: remove %s: %w", order.ID, err)
	}
	order.Status = domain.OrderStatusCancelled
	s.metrics.CancelFinished(outcome)
	s.publish(ctx, domain.ChannelOrders, "order_cancelled", order)
	s.auditLog(ctx, "order_cancelled", order, "outcome", string(outcome))

	s.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", order.ID),
		slog.String("outcome", string(outcome)),
		slog.String("signature", signature),
	)
	return CancelResult{
		OrderID:   order.ID,
		Outcome:   outcome,
		Signature: signature,
		Message:   message,
	}, nil
}

// Orders lists owner's cached orders, newest first.
func (s *OrderService) Orders(owner string) []domain.SubmittedOrder {
	return s.orders.List(owner)
}

// Cancellable lists the orders an interactive cancel may be offered for.
func (s *OrderService) Cancellable(owner string) []domain.SubmittedOrder {
	return s.orders.Cancellable(owner)
}

// Counts aggregates owner's orders.
func (s *OrderService) Counts(owner string) domain.OrderCounts {
	return s.orders.Counts(owner)
}

// requirement reads fresh balances and reference price and reconciles intent
// against them.
func (s *OrderService) requirement(ctx context.Context, owner string, market domain.Market, intent domain.OrderIntent, autoWrap bool) (domain.WrapRequirement, error) {
	bal, err := s.balances.Balances(ctx, owner, reconcile.SpendMint(intent, market))
	if err != nil {
		return domain.WrapRequirement{}, fmt.Errorf("order_service: balances: %w", err)
	}
	in := reconcile.Input{
		Intent:        intent,
		BaseDecimals:  market.BaseDecimals,
		QuoteDecimals: market.QuoteDecimals,
		Balances:      bal,
		AutoWrap:      autoWrap,
	}
	if intent.Side == domain.OrderSideBuy && intent.Kind == domain.OrderKindMarket && s.prices != nil {
		px, ok, err := s.prices.ReferencePrice(ctx, market.Pair)
		if err != nil {
			s.logger.WarnContext(ctx, "reference price unavailable",
				slog.String("pair", market.Pair),
				slog.String("error", err.Error()),
			)
		} else if ok {
			in.ReferencePrice = &px
		}
	}
	return reconcile.ComputeRequirement(in), nil
}

// encryptPair encrypts both order fields. Either failure fails the pair.
func (s *OrderService) encryptPair(ctx context.Context, qty, price uint64) (domain.EncryptedField, domain.EncryptedField, error) {
	fields, err := encryptAll(ctx, s.encryptor, qty, price)
	if err != nil {
		return domain.EncryptedField{}, domain.EncryptedField{}, err
	}
	return fields[0], fields[1], nil
}

// encryptAll initializes the encryption context and encrypts every value.
// Nothing is returned unless all values encrypted.
func encryptAll(ctx context.Context, enc domain.Encryptor, values ...uint64) ([]domain.EncryptedField, error) {
	if err := enc.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("%w: initialize: %w", domain.ErrEncryptionFailed, err)
	}
	out := make([]domain.EncryptedField, 0, len(values))
	for i, v := range values {
		f, err := enc.EncryptValue(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %d: %w", domain.ErrEncryptionFailed, i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// payloadUnits converts the intent into the integer values that get
// encrypted. Market orders carry a zero price.
func payloadUnits(intent domain.OrderIntent, market domain.Market) (qty, price uint64, err error) {
	qty, ok := reconcile.Units(intent.Quantity, market.BaseDecimals)
	if !ok || qty == 0 {
		return 0, 0, fmt.Errorf("%w: quantity %s not representable", domain.ErrInvalidIntent, intent.Quantity)
	}
	if intent.Kind == domain.OrderKindLimit && intent.LimitPrice != nil {
		price, ok = reconcile.Units(*intent.LimitPrice, market.QuoteDecimals)
		if !ok || price == 0 {
			return 0, 0, fmt.Errorf("%w: price %s not representable", domain.ErrInvalidIntent, intent.LimitPrice)
		}
	}
	return qty, price, nil
}

// alreadyInactiveMarkers are ledger messages meaning the order is already
// filled, cancelled or closed.
var alreadyInactiveMarkers = []string{
	"ordernotactive",
	"order not active",
	"order already inactive",
	"already cancelled",
	"already canceled",
	"already filled",
	"accountnotinitialized",
}

func alreadyInactive(err error, logs []string) bool {
	var texts []string
	if err != nil {
		texts = append(texts, err.Error())
	}
	texts = append(texts, logs...)
	for _, t := range texts {
		t = strings.ToLower(t)
		for _, m := range alreadyInactiveMarkers {
			if strings.Contains(t, m) {
				return true
			}
		}
	}
	return false
}

type orderEvent struct {
	Event     string `json:"event"`
	OrderID   string `json:"order_id"`
	Owner     string `json:"owner"`
	Pair      string `json:"pair"`
	Side      string `json:"side"`
	Status    string `json:"status"`
	Simulated bool   `json:"simulated"`
	Signature string `json:"signature,omitempty"`
}

func (s *OrderService) publish(ctx context.Context, channel, event string, o domain.SubmittedOrder) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(orderEvent{
		Event:     event,
		OrderID:   o.ID,
		Owner:     o.Owner,
		Pair:      o.Pair,
		Side:      string(o.Side),
		Status:    string(o.Status),
		Simulated: o.Simulated,
		Signature: o.Signature,
	})
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) auditLog(ctx context.Context, event string, o domain.SubmittedOrder, extra ...string) {
	if s.audit == nil {
		return
	}
	detail := map[string]any{
		"order_id":  o.ID,
		"owner":     o.Owner,
		"pair":      o.Pair,
		"side":      string(o.Side),
		"simulated": o.Simulated,
		"signature": o.Signature,
	}
	if o.Nonce != nil {
		detail["nonce"] = *o.Nonce
	}
	for i := 0; i+1 < len(extra); i += 2 {
		detail[extra[i]] = extra[i+1]
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

type orderReceipt struct {
	OrderID           string    `json:"order_id"`
	Owner             string    `json:"owner"`
	Pair              string    `json:"pair"`
	Side              string    `json:"side"`
	Kind              string    `json:"kind"`
	Nonce             *uint64   `json:"nonce,omitempty"`
	Signature         string    `json:"signature"`
	EncryptedQuantity []byte    `json:"encrypted_quantity"`
	EncryptedPrice    []byte    `json:"encrypted_price"`
	RequiredAmount    uint64    `json:"required_amount"`
	WrapAmount        uint64    `json:"wrap_amount"`
	CreatedAt         time.Time `json:"created_at"`
}

func (s *OrderService) archiveReceipt(ctx context.Context, o domain.SubmittedOrder, wrapReq domain.WrapRequirement) {
	if s.receipts == nil {
		return
	}
	var wrap uint64
	if wrapReq.NeedsWrap {
		wrap = wrapReq.WrapNeeded
	}
	body, err := json.Marshal(orderReceipt{
		OrderID:           o.ID,
		Owner:             o.Owner,
		Pair:              o.Pair,
		Side:              string(o.Side),
		Kind:              string(o.Kind),
		Nonce:             o.Nonce,
		Signature:         o.Signature,
		EncryptedQuantity: o.EncryptedQuantity.Encode(),
		EncryptedPrice:    o.EncryptedPrice.Encode(),
		RequiredAmount:    wrapReq.RequiredAmount,
		WrapAmount:        wrap,
		CreatedAt:         o.CreatedAt,
	})
	if err != nil {
		return
	}
	path := fmt.Sprintf("%s/orders/%s/%s.json", s.cfg.ReceiptPrefix, o.CreatedAt.UTC().Format("2006/01/02"), o.ID)
	if err := s.receipts.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		s.logger.WarnContext(ctx, "archive receipt failed",
			slog.String("order_id", o.ID),
			slog.String("error", err.Error()),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
