package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradegate/internal/domain"
)

// OrderReader is the ledger query surface.
type OrderReader interface {
	Get(id string) (domain.Order, error)
	List(keep func(domain.Order) bool) []domain.Order
}

// OrderController submits and cancels orders through the executor.
type OrderController interface {
	Process(ctx context.Context, p domain.ProposedOrder) (domain.Order, bool)
	CancelOrder(ctx context.Context, id string) (domain.Order, error)
}

// OrderHandler serves order endpoints. ctrl and events may be nil.
type OrderHandler struct {
	orders OrderReader
	ctrl   OrderController
	events domain.OrderEventStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderReader, ctrl OrderController, events domain.OrderEventStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, ctrl: ctrl, events: events, logger: logger}
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns ledger orders, newest first.
// GET /api/orders?status=open|terminal|all&state=filled&symbol=BTC-USD&limit=50
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	state := domain.OrderState(q.Get("state"))
	symbol := strings.ToUpper(q.Get("symbol"))
	switch status {
	case "", "open", "terminal", "all":
	default:
		writeError(w, http.StatusBadRequest, "status must be open, terminal or all")
		return
	}

	orders := h.orders.List(func(o domain.Order) bool {
		switch {
		case (status == "" || status == "open") && o.State.Terminal():
			return false
		case status == "terminal" && !o.State.Terminal():
			return false
		case state != "" && o.State != state:
			return false
		case symbol != "" && o.Symbol != symbol:
			return false
		}
		return true
	})

	limit := parseLimit(r, 50)
	out := make([]domain.Order, 0, min(limit, len(orders)))
	for i := len(orders) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, orders[i])
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: out})
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// OrderEvents returns the persisted transition history of one order.
// GET /api/orders/{id}/events
func (h *OrderHandler) OrderEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		notAvailable(w, "order history")
		return
	}
	id := r.PathValue("id")
	events, err := h.events.ListForOrder(r.Context(), id, parseLimit(r, 200))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list order events failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list order events")
		return
	}
	if events == nil {
		events = []domain.OrderEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type placeOrderRequest struct {
	Symbol           string           `json:"symbol"`
	Side             domain.OrderSide `json:"side"`
	Kind             domain.OrderKind `json:"kind"`
	Quantity         decimal.Decimal  `json:"quantity"`
	LimitPrice       *decimal.Decimal `json:"limit_price"`
	StopLossDistance decimal.Decimal  `json:"stop_loss_distance"`
	Reason           string           `json:"reason"`
	DedupKey         string           `json:"dedup_key"`
}

func (req placeOrderRequest) proposal() (domain.ProposedOrder, string) {
	p := domain.ProposedOrder{
		Symbol:           strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:             req.Side,
		Kind:             req.Kind,
		Quantity:         req.Quantity,
		StopLossDistance: req.StopLossDistance,
		StrategyTag:      "manual",
		Reason:           req.Reason,
		DedupKey:         req.DedupKey,
	}
	if p.Kind == "" {
		p.Kind = domain.OrderKindMarket
	}
	if req.LimitPrice != nil {
		p.LimitPrice = decimal.NewNullDecimal(*req.LimitPrice)
	}
	switch {
	case p.Symbol == "":
		return p, "symbol is required"
	case p.Side != domain.OrderSideBuy && p.Side != domain.OrderSideSell:
		return p, "side must be buy or sell"
	case p.Kind != domain.OrderKindMarket && p.Kind != domain.OrderKindLimit:
		return p, "kind must be market or limit"
	case p.Kind == domain.OrderKindLimit && (!p.LimitPrice.Valid || !p.LimitPrice.Decimal.IsPositive()):
		return p, "limit orders need a positive limit_price"
	case !p.Quantity.IsPositive():
		return p, "quantity must be positive"
	}
	return p, ""
}

// PlaceOrder runs a manual proposal through the risk gate and executor.
// The response carries the resulting order, including a rejection reason.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		notAvailable(w, "order submission")
		return
	}
	var req placeOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	p, problem := req.proposal()
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	o, ok := h.ctrl.Process(r.Context(), p)
	switch {
	case !ok && o.ID == "":
		writeError(w, http.StatusConflict, "proposal not accepted: duplicate or ledger unavailable")
	case o.State == domain.OrderStateRejected:
		writeJSON(w, http.StatusUnprocessableEntity, o)
	case o.State == domain.OrderStateFailed:
		writeJSON(w, http.StatusBadGateway, o)
	default:
		h.logger.InfoContext(r.Context(), "manual order placed",
			slog.String("order_id", o.ID),
			slog.String("state", string(o.State)),
		)
		writeJSON(w, http.StatusCreated, o)
	}
}

// CancelOrder cancels one order.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		notAvailable(w, "order cancellation")
		return
	}
	o, err := h.ctrl.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
