package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// ComputationTracker is the read side of the pending computation registry.
type ComputationTracker interface {
	List() []domain.PendingComputation
	Get(requestID string) (domain.PendingComputation, bool)
	Counts() domain.ComputationCounts
	EstimateRemaining(e domain.PendingComputation) time.Duration
}

// ComputationHandler serves the pending computation list.
type ComputationHandler struct {
	tracker ComputationTracker
	logger  *slog.Logger
}

// NewComputationHandler creates a ComputationHandler.
func NewComputationHandler(tracker ComputationTracker, logger *slog.Logger) *ComputationHandler {
	return &ComputationHandler{tracker: tracker, logger: logger}
}

type computationView struct {
	RequestID        string     `json:"request_id"`
	Kind             string     `json:"kind"`
	OrderID          string     `json:"order_id,omitempty"`
	Status           string     `json:"status"`
	Matched          *bool      `json:"matched,omitempty"`
	FillComplete     bool       `json:"fill_complete,omitempty"`
	Error            string     `json:"error,omitempty"`
	RemainingSeconds float64    `json:"remaining_seconds"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

func (h *ComputationHandler) view(e domain.PendingComputation) computationView {
	v := computationView{
		RequestID:        e.RequestID,
		Kind:             string(e.Kind),
		OrderID:          e.OrderID,
		Status:           string(e.Status),
		RemainingSeconds: h.tracker.EstimateRemaining(e).Seconds(),
		CreatedAt:        e.CreatedAt,
		ResolvedAt:       e.ResolvedAt,
	}
	if e.Result != nil {
		v.Matched = e.Result.Matched
		v.FillComplete = e.Result.FillComplete
		v.Error = e.Result.Err
	}
	return v
}

type computationCountsView struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type listComputationsResponse struct {
	Computations []computationView     `json:"computations"`
	Counts       computationCountsView `json:"counts"`
}

// ListComputations returns every tracked computation, newest first, with a
// status rollup. status=pending narrows the list.
// GET /api/computations?status=pending
func (h *ComputationHandler) ListComputations(w http.ResponseWriter, r *http.Request) {
	filter := domain.ComputationStatus(r.URL.Query().Get("status"))

	out := []computationView{}
	for _, e := range h.tracker.List() {
		if filter != "" && e.Status != filter {
			continue
		}
		out = append(out, h.view(e))
	}
	c := h.tracker.Counts()
	writeJSON(w, http.StatusOK, listComputationsResponse{
		Computations: out,
		Counts:       computationCountsView{Pending: c.Pending, Completed: c.Completed, Failed: c.Failed},
	})
}

// GetComputation returns one computation.
// GET /api/computations/{id}
func (h *ComputationHandler) GetComputation(w http.ResponseWriter, r *http.Request) {
	e, ok := h.tracker.Get(pathParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "computation not found")
		return
	}
	writeJSON(w, http.StatusOK, h.view(e))
}
