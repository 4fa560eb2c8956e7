// Package handler содержит HTTP-обработчики API сервиса заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshop-system/internal/middleware"
	"github.com/mmeshcher/bookshop-system/internal/model"
	"github.com/mmeshcher/bookshop-system/internal/repository"
	"github.com/mmeshcher/bookshop-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, in service.CreateOrderInput) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	GetOrdersByEmail(ctx context.Context, email string) ([]model.Order, error)
	GetAllOrders(ctx context.Context) ([]model.Order, error)
	Transition(ctx context.Context, orderID int64, newStatus *model.OrderStatus, trackingID *string) (*model.Order, error)
	ReconcileCart(ctx context.Context, items []model.CartItem) ([]model.CartItem, error)
}

// Handler реализует HTTP-обработчики API сервиса заказов.
type Handler struct {
	service Service
	logger  *zap.Logger
	staff   *middleware.StaffMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, staff *middleware.StaffMiddleware) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
		staff:   staff,
	}
}

type addressPayload struct {
	Country string `json:"country"`
	City    string `json:"city"`
	Street  string `json:"street"`
	Zip     string `json:"zip"`
}

type lineItemRequest struct {
	BookID   int64 `json:"bookId"`
	Quantity int64 `json:"quantity"`
}

type createOrderRequest struct {
	Email       string            `json:"email"`
	Name        string            `json:"name"`
	Phone       string            `json:"phone"`
	Address     addressPayload    `json:"address"`
	GiftTo      *string           `json:"giftTo,omitempty"`
	GiftFrom    *string           `json:"giftFrom,omitempty"`
	GiftMessage *string           `json:"giftMessage,omitempty"`
	Products    []lineItemRequest `json:"products"`
}

type orderProductResponse struct {
	BookID   int64   `json:"bookId"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

type orderResponse struct {
	ID             int64                  `json:"id"`
	Email          string                 `json:"email"`
	Name           string                 `json:"name"`
	Phone          string                 `json:"phone,omitempty"`
	Address        addressPayload         `json:"address"`
	Products       []orderProductResponse `json:"products"`
	TotalPrice     float64                `json:"totalPrice"`
	Status         string                 `json:"status"`
	TrackingID     *string                `json:"trackingId,omitempty"`
	GuestOrderCode string                 `json:"guestOrderCode"`
	GiftTo         *string                `json:"giftTo,omitempty"`
	GiftFrom       *string                `json:"giftFrom,omitempty"`
	GiftMessage    *string                `json:"giftMessage,omitempty"`
	CreatedAt      string                 `json:"createdAt"`
	UpdatedAt      string                 `json:"updatedAt"`
}

type insufficientStockResponse struct {
	Error     string `json:"error"`
	BookID    int64  `json:"bookId"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:    o.ID,
		Email: o.Email,
		Name:  o.Name,
		Phone: o.Phone,
		Address: addressPayload{
			Country: o.Address.Country,
			City:    o.Address.City,
			Street:  o.Address.Street,
			Zip:     o.Address.Zip,
		},
		TotalPrice:     float64(o.TotalCents) / 100,
		Status:         string(o.Status),
		TrackingID:     o.TrackingID,
		GuestOrderCode: o.GuestOrderCode,
		GiftTo:         o.GiftTo,
		GiftFrom:       o.GiftFrom,
		GiftMessage:    o.GiftMessage,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      o.UpdatedAt.Format(time.RFC3339),
	}
	for _, p := range o.Products {
		resp.Products = append(resp.Products, orderProductResponse{
			BookID:   p.BookID,
			Title:    p.Title,
			Price:    float64(p.PriceCents) / 100,
			Quantity: p.Quantity,
		})
	}
	return resp
}

// CreateOrder оформляет новый заказ из корзины покупателя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := service.CreateOrderInput{
		Email: req.Email,
		Name:  req.Name,
		Phone: req.Phone,
		Address: model.Address{
			Country: req.Address.Country,
			City:    req.Address.City,
			Street:  req.Address.Street,
			Zip:     req.Address.Zip,
		},
		GiftTo:      req.GiftTo,
		GiftFrom:    req.GiftFrom,
		GiftMessage: req.GiftMessage,
	}
	for _, p := range req.Products {
		in.Items = append(in.Items, service.LineItem{BookID: p.BookID, Quantity: p.Quantity})
	}

	order, err := h.service.CreateOrder(r.Context(), in)
	if err != nil {
		var insufficient *repository.InsufficientStockError
		switch {
		case errors.As(err, &insufficient):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(insufficientStockResponse{
				Error:     "insufficient stock",
				BookID:    insufficient.BookID,
				Requested: insufficient.Requested,
				Available: insufficient.Available,
			})
		case errors.Is(err, service.ErrValidation), errors.Is(err, repository.ErrBookNotFound):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("create order error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		h.logger.Error("encode order error", zap.Error(err))
	}
}

// GetOrders возвращает заказы покупателя по email либо, для персонала, все заказы.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")

	var orders []model.Order
	var err error

	if email == "" {
		// Полный список доступен только персоналу.
		if !h.staff.Authorized(r) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		orders, err = h.service.GetAllOrders(r.Context())
	} else {
		orders, err = h.service.GetOrdersByEmail(r.Context(), email)
	}

	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.String("email", email))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// GetOrder возвращает один заказ: персоналу — любой, покупателю — по гостевому коду.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.Int64("orderID", orderID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if !h.staff.Authorized(r) && r.URL.Query().Get("code") != order.GuestOrderCode {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type updateOrderRequest struct {
	Status     *string `json:"status"`
	TrackingID *string `json:"trackingId"`
}

// UpdateOrder применяет частичное обновление статуса и/или трек-номера заказа.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var newStatus *model.OrderStatus
	if req.Status != nil {
		s := model.OrderStatus(*req.Status)
		newStatus = &s
	}

	order, err := h.service.Transition(r.Context(), orderID, newStatus, req.TrackingID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, repository.ErrOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrTransitionConflict):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("update order error", zap.Error(err), zap.Int64("orderID", orderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toOrderResponse(order)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type cartItemPayload struct {
	BookID      int64   `json:"bookId"`
	CachedStock int64   `json:"cachedStock"`
	CachedPrice float64 `json:"cachedPrice"`
	Stock       int64   `json:"stock"`
	Price       float64 `json:"price"`
	Exists      bool    `json:"exists"`
}

// RefreshCart обновляет клиентский снимок корзины по актуальному каталогу.
func (h *Handler) RefreshCart(w http.ResponseWriter, r *http.Request) {
	var req []cartItemPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	items := make([]model.CartItem, 0, len(req))
	for _, it := range req {
		// float64(19.99)*100 == 1998.99..., усечение потеряло бы копейку.
		items = append(items, model.CartItem{
			BookID:      it.BookID,
			CachedStock: it.CachedStock,
			CachedPrice: int64(math.Round(it.CachedPrice * 100)),
		})
	}

	res, err := h.service.ReconcileCart(r.Context(), items)
	if err != nil {
		h.logger.Error("reconcile cart error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]cartItemPayload, 0, len(res))
	for _, it := range res {
		resp = append(resp, cartItemPayload{
			BookID:      it.BookID,
			CachedStock: it.CachedStock,
			CachedPrice: float64(it.CachedPrice) / 100,
			Stock:       it.Stock,
			Price:       float64(it.PriceCents) / 100,
			Exists:      it.Exists,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
