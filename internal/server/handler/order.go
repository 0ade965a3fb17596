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

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (service.SubmitResult, error)
	Cancel(ctx context.Context, owner, orderID string) (service.CancelResult, error)
	Orders(owner string) []domain.SubmittedOrder
	Cancellable(owner string) []domain.SubmittedOrder
	Counts(owner string) domain.OrderCounts
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	owner  string
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler. owner is the wallet address used
// when a request does not name one.
func NewOrderHandler(orders OrderService, owner string, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		owner:  owner,
		logger: logger.With(slog.String("handler", "orders")),
	}
}

type submitOrderRequest struct {
	Pair           string           `json:"pair"`
	Side           domain.OrderSide `json:"side"`
	Kind           domain.OrderKind `json:"kind"`
	Quantity       decimal.Decimal  `json:"quantity"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	AutoWrap       *bool            `json:"auto_wrap,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

type orderView struct {
	ID             string     `json:"id"`
	Owner          string     `json:"owner"`
	Pair           string     `json:"pair"`
	Side           string     `json:"side"`
	Kind           string     `json:"kind,omitempty"`
	Status         string     `json:"status"`
	Nonce          string     `json:"nonce,omitempty"`
	Quantity       *fieldView `json:"encrypted_quantity,omitempty"`
	Price          *fieldView `json:"encrypted_price,omitempty"`
	Filled         *fieldView `json:"encrypted_filled,omitempty"`
	Signature      string     `json:"signature,omitempty"`
	Simulated      bool       `json:"simulated"`
	IsLegacyBroken bool       `json:"is_legacy_broken"`
	Cancellable    bool       `json:"cancellable"`
	CreatedAt      time.Time  `json:"created_at"`
}

func newOrderView(o domain.SubmittedOrder) orderView {
	v := orderView{
		ID:             o.ID,
		Owner:          o.Owner,
		Pair:           o.Pair,
		Side:           string(o.Side),
		Kind:           string(o.Kind),
		Status:         string(o.Status),
		Quantity:       newFieldView(o.EncryptedQuantity),
		Price:          newFieldView(o.EncryptedPrice),
		Filled:         newFieldView(o.EncryptedFilled),
		Signature:      o.Signature,
		Simulated:      o.Simulated,
		IsLegacyBroken: o.IsLegacyBroken,
		Cancellable:    o.Cancellable(),
		CreatedAt:      o.CreatedAt,
	}
	// Nonces are full 64-bit values; a string keeps them exact in JS clients.
	if o.Nonce != nil {
		v.Nonce = strconv.FormatUint(*o.Nonce, 10)
	}
	return v
}

func newOrderViews(orders []domain.SubmittedOrder) []orderView {
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderView(o))
	}
	return out
}

type requirementView struct {
	RequiredAmount uint64 `json:"required_amount"`
	WrapNeeded     uint64 `json:"wrap_needed"`
	NeedsWrap      bool   `json:"needs_wrap"`
}

type submitOrderResponse struct {
	RequestID   string          `json:"request_id"`
	Order       orderView       `json:"order"`
	Requirement requirementView `json:"requirement"`
	Signature   string          `json:"signature,omitempty"`
	Simulated   bool            `json:"simulated"`
	Description string          `json:"description"`
}

type countsView struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Legacy int `json:"legacy"`
}

type listOrdersResponse struct {
	Orders []orderView `json:"orders"`
	Counts countsView  `json:"counts"`
}

// ListOrders returns the owner's cached orders, newest first. With
// cancellable=true only orders that may be cancelled interactively are listed.
// GET /api/orders?owner=0x...&cancellable=true
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	owner := ownerParam(r, h.owner)

	var orders []domain.SubmittedOrder
	if cancellable, _ := strconv.ParseBool(r.URL.Query().Get("cancellable")); cancellable {
		orders = h.orders.Cancellable(owner)
	} else {
		orders = h.orders.Orders(owner)
	}

	c := h.orders.Counts(owner)
	writeJSON(w, http.StatusOK, listOrdersResponse{
		Orders: newOrderViews(orders),
		Counts: countsView{Total: c.Total, Active: c.Active, Legacy: c.Legacy},
	})
}

// SubmitOrder runs the order pipeline for one intent. Progress is streamed
// over the websocket "progress" channel; the response carries the outcome.
// POST /api/orders
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body submitOrderRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Pair == "" {
		writeError(w, http.StatusBadRequest, "pair is required")
		return
	}
	key := body.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	res, err := h.orders.Submit(r.Context(), service.SubmitRequest{
		Owner: ownerParam(r, h.owner),
		Pair:  body.Pair,
		Intent: domain.OrderIntent{
			Side:       body.Side,
			Kind:       body.Kind,
			Quantity:   body.Quantity,
			LimitPrice: body.LimitPrice,
		},
		AutoWrap:       body.AutoWrap,
		IdempotencyKey: key,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "submit order", err)
		return
	}

	writeJSON(w, http.StatusCreated, submitOrderResponse{
		RequestID: res.RequestID,
		Order:     newOrderView(res.Order),
		Requirement: requirementView{
			RequiredAmount: res.Requirement.RequiredAmount,
			WrapNeeded:     res.Requirement.WrapNeeded,
			NeedsWrap:      res.Requirement.NeedsWrap,
		},
		Signature:   res.Signature,
		Simulated:   res.Simulated,
		Description: res.Description,
	})
}

type cancelOrderResponse struct {
	OrderID   string `json:"order_id"`
	Outcome   string `json:"outcome"`
	Signature string `json:"signature,omitempty"`
	Message   string `json:"message"`
}

// CancelOrder cancels an existing order by its ID.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	res, err := h.orders.Cancel(r.Context(), ownerParam(r, h.owner), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}

	writeJSON(w, http.StatusOK, cancelOrderResponse{
		OrderID:   res.OrderID,
		Outcome:   string(res.Outcome),
		Signature: res.Signature,
		Message:   res.Message,
	})
}
