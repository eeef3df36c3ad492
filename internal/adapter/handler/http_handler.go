package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/adapter/metrics"
	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
)

const idempotencyKeyHeader = "Idempotency-Key"

type HTTPHandler struct {
	ledger       *service.StockLedger
	reservations *service.ReservationService
	carts        *service.CartService
	orders       *service.OrderService
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

func NewHTTPHandler(ledger *service.StockLedger, reservations *service.ReservationService, carts *service.CartService,
	orders *service.OrderService, m *metrics.Metrics, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{
		ledger:       ledger,
		reservations: reservations,
		carts:        carts,
		orders:       orders,
		metrics:      m,
		logger:       logger,
	}
}

// Routes builds the public router. Every /api/v1 route needs an actor;
// ledger writes need an admin.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.metrics.Middleware)

	r.Get("/health", h.HealthCheck)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireActor)

		r.Route("/items", func(r chi.Router) {
			r.With(requireAdmin).Post("/", h.RegisterItem)
			r.Get("/{itemID}/availability", h.GetAvailability)

			r.Group(func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/{itemID}/history", h.GetInventoryHistory)
				r.Get("/{itemID}/reconciliation", h.Reconcile)
				r.Post("/{itemID}/adjustments", h.AdjustStock)
				r.Post("/{itemID}/reservations", h.Reserve)
				r.Post("/{itemID}/releases", h.Release)
			})
		})

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Delete("/", h.ClearCart)
			r.Post("/items", h.AddCartItem)
			r.Patch("/items/{cartItemID}", h.UpdateCartItem)
			r.Delete("/items/{cartItemID}", h.RemoveCartItem)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/", h.ListOrders)
			r.Get("/{orderID}", h.GetOrder)
			r.Get("/{orderID}/history", h.GetOrderStatusHistory)
			r.Post("/{orderID}/cancel", h.CancelOrder)
			r.With(requireAdmin).Patch("/{orderID}/status", h.UpdateOrderStatus)
		})
	})

	return r
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var req RegisterItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ItemID) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "item_id and name are required")
		return
	}

	actor, _ := actorFromContext(r.Context())
	product := domain.Product{ID: req.ItemID, Name: req.Name, Price: req.Price, Active: true}
	if req.Active != nil {
		product.Active = *req.Active
	}

	item, err := h.ledger.RegisterItem(r.Context(), product, req.InitialStock, req.MinStock, actor.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stockItemResponse(item))
}

func (h *HTTPHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	availability, err := h.ledger.GetAvailability(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResponse(availability))
}

func (h *HTTPHandler) GetInventoryHistory(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	entries, err := h.ledger.History(r.Context(), itemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse(itemID, entries))
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reconciliationResponse(result))
}

func (h *HTTPHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustStockRequest
	if !h.decode(w, r, &req) {
		return
	}

	actor, _ := actorFromContext(r.Context())
	item, err := h.ledger.AdjustStock(r.Context(), domain.StockAdjustment{
		ItemID:    chi.URLParam(r, "itemID"),
		Quantity:  req.Quantity,
		Operation: domain.ChangeType(req.Operation),
		ActorID:   actor.UserID,
		Note:      req.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stockItemResponse(item))
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	h.reservation(w, r, "reserve", h.reservations.Reserve)
}

func (h *HTTPHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.reservation(w, r, "release", h.reservations.Release)
}

type reservationFunc func(ctx context.Context, itemID string, quantity int, actorID, note string) (int, error)

func (h *HTTPHandler) reservation(w http.ResponseWriter, r *http.Request, operation string, call reservationFunc) {
	var req ReservationRequest
	if !h.decode(w, r, &req) {
		return
	}

	actor, _ := actorFromContext(r.Context())
	itemID := chi.URLParam(r, "itemID")
	available, err := call(r.Context(), itemID, req.Quantity, actor.UserID, req.Note)
	h.metrics.ObserveReservation(operation, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReservationResponse{ItemID: itemID, Available: available})
}

func (h *HTTPHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	view, err := h.carts.GetCart(r.Context(), actor.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cartResponse(view))
}

func (h *HTTPHandler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	var req AddCartItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ItemID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "item_id is required")
		return
	}

	actor, _ := actorFromContext(r.Context())
	line, err := h.carts.AddItem(r.Context(), actor.UserID, req.ItemID, req.Quantity)
	h.metrics.ObserveReservation("reserve", err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cartItemResponse(line))
}

func (h *HTTPHandler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateCartItemRequest
	if !h.decode(w, r, &req) {
		return
	}

	actor, _ := actorFromContext(r.Context())
	line, err := h.carts.UpdateItemQuantity(r.Context(), actor.UserID, chi.URLParam(r, "cartItemID"), req.Quantity)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := UpdateCartItemResponse{Removed: line == nil}
	if line != nil {
		resp.Item = cartItemResponse(*line)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	if err := h.carts.RemoveItem(r.Context(), actor.UserID, chi.URLParam(r, "cartItemID")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	if err := h.carts.ClearCart(r.Context(), actor.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	if key := r.Header.Get(idempotencyKeyHeader); key != "" {
		req.IdempotencyKey = key
	}

	actor, _ := actorFromContext(r.Context())
	order, err := h.orders.CreateOrderFromCart(r.Context(), actor.UserID, domain.DeliveryInfo{
		Address:        req.DeliveryAddress,
		Phone:          req.Phone,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse(*order))
}

// ListOrders lists the caller's orders. Admins may pass ?user_id= to list
// another user's.
func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	userID := actor.UserID
	if other := r.URL.Query().Get("user_id"); other != "" && actor.IsAdmin() {
		userID = other
	}

	orders, err := h.orders.ListOrders(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := OrderListResponse{Orders: make([]OrderResponse, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, orderResponse(o))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(*order))
}

func (h *HTTPHandler) GetOrderStatusHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFromContext(r.Context())
	orderID := chi.URLParam(r, "orderID")
	entries, err := h.orders.GetOrderStatusHistory(r.Context(), orderID, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusHistoryResponse(orderID, entries))
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	actor, _ := actorFromContext(r.Context())
	order, err := h.orders.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), actor, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(*order))
}

func (h *HTTPHandler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateOrderStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	actor, _ := actorFromContext(r.Context())
	order, err := h.orders.UpdateOrderStatus(r.Context(), chi.URLParam(r, "orderID"),
		domain.OrderStatus(req.Status), actor, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(*order))
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := classify(err)
	if kind.http >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}

	resp := ErrorResponse{Error: kind.code, Message: kind.message(err)}
	var validation *domain.StockValidationError
	if errors.As(err, &validation) {
		for _, s := range validation.Shortfalls {
			resp.Shortfalls = append(resp.Shortfalls, ShortfallResponse{
				ItemID:    s.ItemID,
				Requested: s.Requested,
				Stock:     s.Stock,
				Reserved:  s.Reserved,
			})
		}
	}
	writeJSON(w, kind.http, resp)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
