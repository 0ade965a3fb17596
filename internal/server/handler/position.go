package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/veilbook/internal/domain"
	"github.com/alanyoungcy/veilbook/internal/service"
	"github.com/shopspring/decimal"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Open(ctx context.Context, req service.OpenPositionRequest) (service.OpenPositionResult, error)
	Positions(owner string) []domain.Position
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	owner     string
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, owner string, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		owner:     owner,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

type openPositionRequest struct {
	Pair       string              `json:"pair"`
	Side       domain.PositionSide `json:"side"`
	Leverage   int                 `json:"leverage"`
	Size       decimal.Decimal     `json:"size"`
	EntryPrice decimal.Decimal     `json:"entry_price"`
}

type positionView struct {
	ID                  string          `json:"id"`
	Owner               string          `json:"owner"`
	Pair                string          `json:"pair"`
	Side                string          `json:"side"`
	Leverage            int             `json:"leverage"`
	Nonce               string          `json:"nonce"`
	Size                *fieldView      `json:"encrypted_size,omitempty"`
	EntryPrice          *fieldView      `json:"encrypted_entry_price,omitempty"`
	Collateral          *fieldView      `json:"encrypted_collateral,omitempty"`
	LiquidationEstimate decimal.Decimal `json:"liquidation_estimate"`
	ThresholdVerified   bool            `json:"threshold_verified"`
	Simulated           bool            `json:"simulated"`
	Signature           string          `json:"signature,omitempty"`
	OpenedAt            time.Time       `json:"opened_at"`
}

func newPositionView(p domain.Position) positionView {
	return positionView{
		ID:                  p.ID,
		Owner:               p.Owner,
		Pair:                p.Pair,
		Side:                string(p.Side),
		Leverage:            p.Leverage,
		Nonce:               strconv.FormatUint(p.Nonce, 10),
		Size:                newFieldView(p.EncryptedSize),
		EntryPrice:          newFieldView(p.EncryptedEntryPrice),
		Collateral:          newFieldView(p.EncryptedCollateral),
		LiquidationEstimate: p.LiquidationEstimate,
		ThresholdVerified:   p.ThresholdVerified,
		Simulated:           p.Simulated,
		Signature:           p.Signature,
		OpenedAt:            p.OpenedAt,
	}
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

type openPositionResponse struct {
	RequestID   string       `json:"request_id"`
	Position    positionView `json:"position"`
	Signature   string       `json:"signature,omitempty"`
	Simulated   bool         `json:"simulated"`
	Description string       `json:"description"`
}

// ListPositions returns the owner's positions.
// GET /api/positions?owner=0x...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.Positions(ownerParam(r, h.owner))
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: out})
}

// OpenPosition runs the position pipeline, including the eligibility
// verification transaction when the owner has not been verified yet.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var body openPositionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Pair == "" {
		writeError(w, http.StatusBadRequest, "pair is required")
		return
	}

	res, err := h.positions.Open(r.Context(), service.OpenPositionRequest{
		Owner:      ownerParam(r, h.owner),
		Pair:       body.Pair,
		Side:       body.Side,
		Leverage:   body.Leverage,
		Size:       body.Size,
		EntryPrice: body.EntryPrice,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "open position", err)
		return
	}

	writeJSON(w, http.StatusCreated, openPositionResponse{
		RequestID:   res.RequestID,
		Position:    newPositionView(res.Position),
		Signature:   res.Signature,
		Simulated:   res.Simulated,
		Description: res.Description,
	})
}
