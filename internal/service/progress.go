package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// ProgressFunc receives every progress transition of one submission.
type ProgressFunc func(domain.ProgressEvent)

// Step names carried by StepError.
const (
	StepValidation   = "validation"
	StepFunding      = "funding"
	StepReadiness    = "readiness"
	StepProof        = "proof"
	StepEligibility  = "eligibility"
	StepEncryption   = "encryption"
	StepBuild        = "build"
	StepSimulation   = "simulation"
	StepSignature    = "signature"
	StepSend         = "send"
	StepConfirmation = "confirmation"
)

// StepError is the single terminal error of a submission pipeline. Message
// is safe to show to the user; Cause and Logs are kept for diagnosis.
type StepError struct {
	Step    string
	Message string
	Cause   error
	Logs    []string
	// Benign marks user-initiated aborts such as a rejected signature.
	Benign bool
}

func (e *StepError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Step, e.Message, e.Cause)
}

func (e *StepError) Unwrap() error { return e.Cause }

// IsUserRejection reports whether err is the signer declining a request.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrUserRejected) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "user rejected")
}

// progress drives the forward-only state machine of one pipeline run and
// fans each transition out to the caller's callback and the signal bus.
type progress struct {
	requestID string
	pipeline  string
	state     domain.ProgressState
	entered   time.Time
	callback  ProgressFunc
	bus       domain.SignalBus
	metrics   Recorder
	logger    *slog.Logger
	now       func() time.Time
}

func newProgress(requestID, pipeline string, callback ProgressFunc, bus domain.SignalBus, metrics Recorder, logger *slog.Logger, now func() time.Time) *progress {
	return &progress{
		requestID: requestID,
		pipeline:  pipeline,
		state:     domain.ProgressIdle,
		entered:   now(),
		callback:  callback,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
		now:       now,
	}
}

// advance moves to next. Backward or repeated transitions and transitions out
// of a terminal state are ignored and reported as false.
func (p *progress) advance(ctx context.Context, next domain.ProgressState, message string) bool {
	return p.transition(ctx, domain.ProgressEvent{State: next, Message: message})
}

// advanceLocal is advance for results committed without an on-chain
// transaction.
func (p *progress) advanceLocal(ctx context.Context, next domain.ProgressState, message string) bool {
	return p.transition(ctx, domain.ProgressEvent{State: next, Message: message, Simulated: true})
}

// fail moves to the error state and returns err for convenience.
func (p *progress) fail(ctx context.Context, err *StepError) *StepError {
	p.transition(ctx, domain.ProgressEvent{
		State:   domain.ProgressError,
		Step:    err.Step,
		Message: err.Message,
		Benign:  err.Benign,
	})
	return err
}

func (p *progress) transition(ctx context.Context, ev domain.ProgressEvent) bool {
	if p.state.Terminal() {
		return false
	}
	if ev.State != domain.ProgressError && ev.State.Rank() <= p.state.Rank() {
		p.logger.WarnContext(ctx, "ignored backward progress transition",
			slog.String("request_id", p.requestID),
			slog.String("from", string(p.state)),
			slog.String("to", string(ev.State)),
		)
		return false
	}

	now := p.now()
	p.metrics.StepObserved(p.pipeline, p.state, now.Sub(p.entered))
	p.state = ev.State
	p.entered = now

	ev.RequestID = p.requestID
	ev.Pipeline = p.pipeline
	ev.At = now.UTC()
	if p.callback != nil {
		p.callback(ev)
	}
	if p.bus != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = p.bus.Publish(ctx, domain.ChannelProgress, payload)
		}
		if err != nil {
			p.logger.WarnContext(ctx, "publish progress failed",
				slog.String("request_id", p.requestID),
				slog.String("error", err.Error()),
			)
		}
	}
	return true
}
