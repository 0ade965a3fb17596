package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// FillSink receives fill results for locally known orders.
type FillSink interface {
	ApplyFill(ctx context.Context, id string, filled domain.EncryptedField, complete bool) error
}

// Feed applies cluster result events to the tracker and reconciles fills
// into the order cache.
type Feed struct {
	tracker *Tracker
	orders  FillSink
	logger  *slog.Logger
}

// NewFeed creates a Feed. orders may be nil.
func NewFeed(tracker *Tracker, orders FillSink, logger *slog.Logger) *Feed {
	return &Feed{
		tracker: tracker,
		orders:  orders,
		logger:  logger.With(slog.String("component", "computation_feed")),
	}
}

// Run consumes ch until it closes or ctx is cancelled.
func (f *Feed) Run(ctx context.Context, ch <-chan []byte) error {
	f.logger.Info("computation feed started")
	defer f.logger.Info("computation feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.Handle(ctx, data); err != nil {
				f.logger.Debug("computation feed handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

// Handle applies one JSON result event.
func (f *Feed) Handle(ctx context.Context, data []byte) error {
	var ev domain.ComputationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("tracker: decode event: %w", err)
	}
	id := strings.TrimSpace(ev.RequestID)
	if id == "" {
		return nil
	}
	if ev.Kind == "" {
		ev.Kind = domain.ComputationCompare
	}

	// Results can arrive for requests dispatched by another session.
	f.tracker.Register(id, ev.Kind, ev.OrderID)

	entry, err := f.tracker.Resolve(id, domain.ComputationResult{
		Matched:      ev.Matched,
		Blob:         ev.Result,
		FillComplete: ev.FillComplete,
		Err:          ev.Error,
	})
	if err != nil {
		return err
	}
	f.logger.DebugContext(ctx, "computation resolved",
		slog.String("request_id", id),
		slog.String("kind", string(entry.Kind)),
		slog.String("status", string(entry.Status)),
	)

	if ev.Kind != domain.ComputationFill || ev.Error != "" || f.orders == nil {
		return nil
	}
	orderID := ev.OrderID
	if orderID == "" {
		orderID = entry.OrderID
	}
	if orderID == "" {
		return nil
	}
	filled, err := domain.DecodeEncryptedField(ev.Result)
	if err != nil {
		return fmt.Errorf("tracker: decode fill for %s: %w", orderID, err)
	}
	if err := f.orders.ApplyFill(ctx, orderID, filled, ev.FillComplete); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("tracker: apply fill for %s: %w", orderID, err)
	}
	return nil
}
