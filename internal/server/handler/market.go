package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/veilbook/internal/domain"
)

// MarketLister is the read side of the market registry.
type MarketLister interface {
	Markets() []domain.Market
	MarketReady(ctx context.Context, address string) (bool, error)
}

// MarketHandler serves the configured markets with their deployment state.
type MarketHandler struct {
	markets MarketLister
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketLister, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger}
}

type marketView struct {
	Pair          string `json:"pair"`
	BaseMint      string `json:"base_mint"`
	QuoteMint     string `json:"quote_mint"`
	BaseDecimals  int32  `json:"base_decimals"`
	QuoteDecimals int32  `json:"quote_decimals"`
	Address       string `json:"address,omitempty"`
	PerpAddress   string `json:"perp_address,omitempty"`
	Ready         bool   `json:"ready"`
	PerpReady     bool   `json:"perp_ready"`
}

// ListMarkets returns every configured market. A market that is not ready is
// served by the local simulation path.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := []marketView{}
	for _, m := range h.markets.Markets() {
		out = append(out, marketView{
			Pair:          m.Pair,
			BaseMint:      m.BaseMint,
			QuoteMint:     m.QuoteMint,
			BaseDecimals:  m.BaseDecimals,
			QuoteDecimals: m.QuoteDecimals,
			Address:       m.Address,
			PerpAddress:   m.PerpAddress,
			Ready:         h.ready(ctx, m.Address),
			PerpReady:     h.ready(ctx, m.PerpAddress),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

// ready reports a failed readiness check as not ready.
func (h *MarketHandler) ready(ctx context.Context, address string) bool {
	if address == "" {
		return false
	}
	ok, err := h.markets.MarketReady(ctx, address)
	if err != nil {
		h.logger.WarnContext(ctx, "market readiness check failed",
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}
