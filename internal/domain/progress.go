package domain

import "time"

// ProgressState is one step of a submission pipeline.
type ProgressState string

const (
	ProgressIdle                 ProgressState = "idle"
	ProgressGeneratingProof      ProgressState = "generating-proof"
	ProgressProofReady           ProgressState = "proof-ready"
	ProgressVerifyingEligibility ProgressState = "verifying-eligibility"
	ProgressEncrypting           ProgressState = "encrypting"
	ProgressEncrypted            ProgressState = "encrypted"
	ProgressSubmitting           ProgressState = "submitting"
	ProgressConfirming           ProgressState = "confirming"
	ProgressMPCQueued            ProgressState = "mpc-queued"
	ProgressError                ProgressState = "error"
)

// progressOrder ranks the forward states. Error is outside the ranking.
var progressOrder = map[ProgressState]int{
	ProgressIdle:                 0,
	ProgressGeneratingProof:      1,
	ProgressProofReady:           2,
	ProgressVerifyingEligibility: 3,
	ProgressEncrypting:           4,
	ProgressEncrypted:            5,
	ProgressSubmitting:           6,
	ProgressConfirming:           7,
	ProgressMPCQueued:            8,
}

// Rank returns the position of s in the forward ordering, or -1 for error
// and unknown states.
func (s ProgressState) Rank() int {
	r, ok := progressOrder[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether no further transition is allowed.
func (s ProgressState) Terminal() bool {
	return s == ProgressMPCQueued || s == ProgressError
}

// ProgressEvent is reported to the UI on every transition.
type ProgressEvent struct {
	RequestID string        `json:"request_id"`
	Pipeline  string        `json:"pipeline"` // "order" or "position"
	State     ProgressState `json:"state"`
	Step      string        `json:"step,omitempty"`
	Message   string        `json:"message,omitempty"`
	Benign    bool          `json:"benign,omitempty"`
	Simulated bool          `json:"simulated,omitempty"`
	At        time.Time     `json:"at"`
}
