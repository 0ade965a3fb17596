package service

import (
	"context"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// Recorder receives pipeline measurements.
type Recorder interface {
	SubmissionFinished(pipeline, outcome string)
	StepObserved(pipeline string, state domain.ProgressState, d time.Duration)
	CancelFinished(outcome domain.CancelOutcome)
}

type nopRecorder struct{}

func (nopRecorder) SubmissionFinished(string, string)                        {}
func (nopRecorder) StepObserved(string, domain.ProgressState, time.Duration) {}
func (nopRecorder) CancelFinished(domain.CancelOutcome)                      {}

// Notifier forwards operator notifications.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Submission outcomes reported to the Recorder.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeSimulated = "simulated"
	OutcomeLocal     = "local"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

func outcomeOf(err error) string {
	if IsUserRejection(err) {
		return OutcomeRejected
	}
	return OutcomeFailed
}
