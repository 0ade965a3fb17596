// Package tracker keeps the registry of confidential-computation requests
// that are waiting on the matching cluster.
package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// Config holds the nominal cluster latency per computation kind. The values
// only drive display estimates; nothing times out.
type Config struct {
	CompareDuration time.Duration
	FillDuration    time.Duration
}

// Tracker is the in-memory registry of pending computations.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]domain.PendingComputation
	nominal map[domain.ComputationKind]time.Duration
	now     func() time.Time
}

// New creates an empty Tracker.
func New(cfg Config) *Tracker {
	return &Tracker{
		entries: make(map[string]domain.PendingComputation),
		nominal: map[domain.ComputationKind]time.Duration{
			domain.ComputationCompare: cfg.CompareDuration,
			domain.ComputationFill:    cfg.FillDuration,
		},
		now: time.Now,
	}
}

// Register inserts a pending entry. Registering a known id returns the
// existing entry unchanged.
func (t *Tracker) Register(requestID string, kind domain.ComputationKind, orderID string) domain.PendingComputation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[requestID]; ok {
		return e
	}
	e := domain.PendingComputation{
		RequestID: requestID,
		Kind:      kind,
		OrderID:   orderID,
		Status:    domain.ComputationPending,
		CreatedAt: t.now(),
	}
	t.entries[requestID] = e
	return e
}

// Resolve attaches a result and moves the entry to Completed, or to Failed
// when the cluster reported an error. Resolving a terminal entry is a no-op.
func (t *Tracker) Resolve(requestID string, result domain.ComputationResult) (domain.PendingComputation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[requestID]
	if !ok {
		return domain.PendingComputation{}, fmt.Errorf("tracker: resolve %s: %w", requestID, domain.ErrNotFound)
	}
	if e.Status != domain.ComputationPending {
		return e, nil
	}
	e.Status = domain.ComputationCompleted
	if result.Err != "" {
		e.Status = domain.ComputationFailed
	}
	r := result
	e.Result = &r
	at := t.now()
	e.ResolvedAt = &at
	t.entries[requestID] = e
	return e, nil
}

// EstimateRemaining returns max(0, nominal - elapsed) for a pending entry and
// zero for everything else.
func (t *Tracker) EstimateRemaining(e domain.PendingComputation) time.Duration {
	if e.Status != domain.ComputationPending {
		return 0
	}
	t.mu.RLock()
	nominal := t.nominal[e.Kind]
	t.mu.RUnlock()
	left := nominal - t.now().Sub(e.CreatedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Get returns the entry for requestID.
func (t *Tracker) Get(requestID string) (domain.PendingComputation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[requestID]
	return e, ok
}

// List returns every entry, newest first.
func (t *Tracker) List() []domain.PendingComputation {
	t.mu.RLock()
	out := make([]domain.PendingComputation, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Counts returns the status rollup.
func (t *Tracker) Counts() domain.ComputationCounts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var c domain.ComputationCounts
	for _, e := range t.entries {
		switch e.Status {
		case domain.ComputationPending:
			c.Pending++
		case domain.ComputationCompleted:
			c.Completed++
		case domain.ComputationFailed:
			c.Failed++
		}
	}
	return c
}

// Prune drops terminal entries resolved more than maxAge ago and returns how
// many were removed. Pending entries are never pruned.
func (t *Tracker) Prune(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if e.Status == domain.ComputationPending || e.ResolvedAt == nil {
			continue
		}
		if e.ResolvedAt.Before(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}
