package domain

import "time"

// ComputationKind identifies the kind of confidential computation requested.
type ComputationKind string

const (
	ComputationCompare ComputationKind = "compare"
	ComputationFill    ComputationKind = "fill"
)

// ComputationStatus is the state of a pending computation.
type ComputationStatus string

const (
	ComputationPending   ComputationStatus = "pending"
	ComputationCompleted ComputationStatus = "completed"
	ComputationFailed    ComputationStatus = "failed"
)

// ComputationResult is what the cluster returned for a request.
type ComputationResult struct {
	Matched      *bool  // compare results
	Blob         []byte // fill results: encrypted filled amount
	FillComplete bool
	Err          string // cluster-reported failure
}

// PendingComputation is an outstanding request to the matching cluster.
type PendingComputation struct {
	RequestID  string
	Kind       ComputationKind
	OrderID    string
	Status     ComputationStatus
	Result     *ComputationResult
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// ComputationEvent is the JSON shape delivered by the result channel.
type ComputationEvent struct {
	RequestID    string          `json:"request_id"`
	Kind         ComputationKind `json:"kind"`
	OrderID      string          `json:"order_id,omitempty"`
	Matched      *bool           `json:"matched,omitempty"`
	Result       []byte          `json:"result,omitempty"`
	FillComplete bool            `json:"fill_complete,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ComputationCounts is the compact rollup shown by the UI.
type ComputationCounts struct {
	Pending   int
	Completed int
	Failed    int
}
