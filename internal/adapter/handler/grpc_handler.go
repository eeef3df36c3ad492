package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/storefront/internal/adapter/metrics"
	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/service"
)

const grpcServiceName = "storefront.v1.Storefront"

// StorefrontServer is the RPC surface. Messages are the JSON DTOs shared
// with the HTTP transport.
type StorefrontServer interface {
	GetAvailability(context.Context, *ItemRequest) (*AvailabilityResponse, error)
	AdjustStock(context.Context, *AdjustStockRequest) (*StockItemResponse, error)
	Reserve(context.Context, *ReservationRequest) (*ReservationResponse, error)
	Release(context.Context, *ReservationRequest) (*ReservationResponse, error)
	GetCart(context.Context, *Empty) (*CartResponse, error)
	AddCartItem(context.Context, *AddCartItemRequest) (*CartItemResponse, error)
	UpdateCartItem(context.Context, *UpdateCartItemRequest) (*UpdateCartItemResponse, error)
	RemoveCartItem(context.Context, *CartItemRequest) (*Empty, error)
	ClearCart(context.Context, *Empty) (*Empty, error)
	CreateOrder(context.Context, *CheckoutRequest) (*OrderResponse, error)
	GetOrder(context.Context, *OrderRequest) (*OrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*OrderListResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*OrderResponse, error)
	UpdateOrderStatus(context.Context, *UpdateOrderStatusRequest) (*OrderResponse, error)
	GetOrderStatusHistory(context.Context, *OrderRequest) (*StatusHistoryResponse, error)
}

var storefrontServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*StorefrontServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetAvailability", StorefrontServer.GetAvailability),
		unary("AdjustStock", StorefrontServer.AdjustStock),
		unary("Reserve", StorefrontServer.Reserve),
		unary("Release", StorefrontServer.Release),
		unary("GetCart", StorefrontServer.GetCart),
		unary("AddCartItem", StorefrontServer.AddCartItem),
		unary("UpdateCartItem", StorefrontServer.UpdateCartItem),
		unary("RemoveCartItem", StorefrontServer.RemoveCartItem),
		unary("ClearCart", StorefrontServer.ClearCart),
		unary("CreateOrder", StorefrontServer.CreateOrder),
		unary("GetOrder", StorefrontServer.GetOrder),
		unary("ListOrders", StorefrontServer.ListOrders),
		unary("CancelOrder", StorefrontServer.CancelOrder),
		unary("UpdateOrderStatus", StorefrontServer.UpdateOrderStatus),
		unary("GetOrderStatusHistory", StorefrontServer.GetOrderStatusHistory),
	},
	Metadata: "storefront/v1/storefront",
}

func unary[Req, Resp any](name string, call func(StorefrontServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StorefrontServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + grpcServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func RegisterStorefrontServer(s grpc.ServiceRegistrar, srv StorefrontServer) {
	s.RegisterService(&storefrontServiceDesc, srv)
}

// UnaryInterceptor records request metrics and logs internal failures.
func UnaryInterceptor(m *metrics.Metrics, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		if code == codes.Internal || code == codes.Unknown {
			logger.Error("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
		}
		m.ObserveRequest("grpc", info.FullMethod, code.String(), time.Since(start))
		return resp, err
	}
}

type GRPCHandler struct {
	ledger       *service.StockLedger
	reservations *service.ReservationService
	carts        *service.CartService
	orders       *service.OrderService
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

func NewGRPCHandler(ledger *service.StockLedger, reservations *service.ReservationService, carts *service.CartService,
	orders *service.OrderService, m *metrics.Metrics, logger *zap.Logger) *GRPCHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCHandler{
		ledger:       ledger,
		reservations: reservations,
		carts:        carts,
		orders:       orders,
		metrics:      m,
		logger:       logger,
	}
}

func (h *GRPCHandler) actor(ctx context.Context) (domain.Actor, error) {
	actor, ok := actorFromMetadata(ctx)
	if !ok {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "x-user-id metadata is required")
	}
	return actor, nil
}

func (h *GRPCHandler) admin(ctx context.Context) (domain.Actor, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return actor, err
	}
	if !actor.IsAdmin() {
		return actor, status.Error(codes.PermissionDenied, "admin role required")
	}
	return actor, nil
}

func (h *GRPCHandler) GetAvailability(ctx context.Context, req *ItemRequest) (*AvailabilityResponse, error) {
	if _, err := h.actor(ctx); err != nil {
		return nil, err
	}
	availability, err := h.ledger.GetAvailability(ctx, req.ItemID)
	if err != nil {
		return nil, toStatus(err)
	}
	return availabilityResponse(availability), nil
}

func (h *GRPCHandler) AdjustStock(ctx context.Context, req *AdjustStockRequest) (*StockItemResponse, error) {
	actor, err := h.admin(ctx)
	if err != nil {
		return nil, err
	}
	item, err := h.ledger.AdjustStock(ctx, domain.StockAdjustment{
		ItemID:    req.ItemID,
		Quantity:  req.Quantity,
		Operation: domain.ChangeType(req.Operation),
		ActorID:   actor.UserID,
		Note:      req.Note,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return stockItemResponse(item), nil
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *ReservationRequest) (*ReservationResponse, error) {
	actor, err := h.admin(ctx)
	if err != nil {
		return nil, err
	}
	available, err := h.reservations.Reserve(ctx, req.ItemID, req.Quantity, actor.UserID, req.Note)
	h.metrics.ObserveReservation("reserve", err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReservationResponse{ItemID: req.ItemID, Available: available}, nil
}

func (h *GRPCHandler) Release(ctx context.Context, req *ReservationRequest) (*ReservationResponse, error) {
	actor, err := h.admin(ctx)
	if err != nil {
		return nil, err
	}
	available, err := h.reservations.Release(ctx, req.ItemID, req.Quantity, actor.UserID, req.Note)
	h.metrics.ObserveReservation("release", err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReservationResponse{ItemID: req.ItemID, Available: available}, nil
}

func (h *GRPCHandler) GetCart(ctx context.Context, _ *Empty) (*CartResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	view, err := h.carts.GetCart(ctx, actor.UserID)
	if err != nil {
		return nil, toStatus(err)
	}
	return cartResponse(view), nil
}

func (h *GRPCHandler) AddCartItem(ctx context.Context, req *AddCartItemRequest) (*CartItemResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	line, err := h.carts.AddItem(ctx, actor.UserID, req.ItemID, req.Quantity)
	h.metrics.ObserveReservation("reserve", err)
	if err != nil {
		return nil, toStatus(err)
	}
	return cartItemResponse(line), nil
}

func (h *GRPCHandler) UpdateCartItem(ctx context.Context, req *UpdateCartItemRequest) (*UpdateCartItemResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	line, err := h.carts.UpdateItemQuantity(ctx, actor.UserID, req.CartItemID, req.Quantity)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &UpdateCartItemResponse{Removed: line == nil}
	if line != nil {
		resp.Item = cartItemResponse(*line)
	}
	return resp, nil
}

func (h *GRPCHandler) RemoveCartItem(ctx context.Context, req *CartItemRequest) (*Empty, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.carts.RemoveItem(ctx, actor.UserID, req.CartItemID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (h *GRPCHandler) ClearCart(ctx context.Context, _ *Empty) (*Empty, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.carts.ClearCart(ctx, actor.UserID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, req *CheckoutRequest) (*OrderResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	order, err := h.orders.CreateOrderFromCart(ctx, actor.UserID, domain.DeliveryInfo{
		Address:        req.DeliveryAddress,
		Phone:          req.Phone,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	resp := orderResponse(*order)
	return &resp, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	order, err := h.orders.GetOrder(ctx, req.OrderID, actor)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := orderResponse(*order)
	return &resp, nil
}

func (h *GRPCHandler) ListOrders(ctx context.Context, req *ListOrdersRequest) (*OrderListResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	userID := actor.UserID
	if req.UserID != "" && actor.IsAdmin() {
		userID = req.UserID
	}

	orders, err := h.orders.ListOrders(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &OrderListResponse{Orders: make([]OrderResponse, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, orderResponse(o))
	}
	return resp, nil
}

func (h *GRPCHandler) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*OrderResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	order, err := h.orders.CancelOrder(ctx, req.OrderID, actor, req.Reason)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := orderResponse(*order)
	return &resp, nil
}

func (h *GRPCHandler) UpdateOrderStatus(ctx context.Context, req *UpdateOrderStatusRequest) (*OrderResponse, error) {
	actor, err := h.admin(ctx)
	if err != nil {
		return nil, err
	}
	order, err := h.orders.UpdateOrderStatus(ctx, req.OrderID, domain.OrderStatus(req.Status), actor, req.Note)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := orderResponse(*order)
	return &resp, nil
}

func (h *GRPCHandler) GetOrderStatusHistory(ctx context.Context, req *OrderRequest) (*StatusHistoryResponse, error) {
	actor, err := h.actor(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := h.orders.GetOrderStatusHistory(ctx, req.OrderID, actor)
	if err != nil {
		return nil, toStatus(err)
	}
	return statusHistoryResponse(req.OrderID, entries), nil
}
