package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/bookshop-system/internal/middleware"
	"github.com/mmeshcher/bookshop-system/internal/model"
	"github.com/mmeshcher/bookshop-system/internal/repository"
	"github.com/mmeshcher/bookshop-system/internal/service"
)

type stubService struct {
	createResp *model.Order
	createErr  error

	getResp *model.Order
	getErr  error

	byEmailResp []model.Order
	byEmailErr  error

	allResp []model.Order
	allErr  error

	transitionResp *model.Order
	transitionErr  error

	reconcileResp []model.CartItem
	reconcileErr  error
	reconcileGot  []model.CartItem
}

func (s *stubService) CreateOrder(ctx context.Context, in service.CreateOrderInput) (*model.Order, error) {
	return s.createResp, s.createErr
}

func (s *stubService) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.getResp, s.getErr
}

func (s *stubService) GetOrdersByEmail(ctx context.Context, email string) ([]model.Order, error) {
	return s.byEmailResp, s.byEmailErr
}

func (s *stubService) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	return s.allResp, s.allErr
}

func (s *stubService) Transition(ctx context.Context, orderID int64, newStatus *model.OrderStatus, trackingID *string) (*model.Order, error) {
	return s.transitionResp, s.transitionErr
}

func (s *stubService) ReconcileCart(ctx context.Context, items []model.CartItem) ([]model.CartItem, error) {
	s.reconcileGot = items
	return s.reconcileResp, s.reconcileErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	staff := middleware.NewStaffMiddleware("test-token")

	return NewHandler(svc, logger, staff)
}

func sampleOrder() *model.Order {
	return &model.Order{
		ID:    1,
		Email: "reader@example.com",
		Name:  "Ivan Petrov",
		Products: []model.OrderProduct{
			{BookID: 1, Title: "War and Peace", PriceCents: 1500, Quantity: 3},
		},
		TotalCents:     4500,
		Status:         model.OrderStatusPending,
		GuestOrderCode: "code-123",
	}
}

func TestCreateOrder_Created(t *testing.T) {
	svc := &stubService{createResp: sampleOrder()}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createOrderRequest{
		Email:    "reader@example.com",
		Name:     "Ivan Petrov",
		Products: []lineItemRequest{{BookID: 1, Quantity: 3}},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateOrder(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp orderResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "PENDING" || resp.TotalPrice != 45 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	svc := &stubService{
		createErr: &repository.InsufficientStockError{BookID: 1, Requested: 5, Available: 2},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createOrderRequest{
		Email:    "reader@example.com",
		Name:     "Ivan Petrov",
		Products: []lineItemRequest{{BookID: 1, Quantity: 5}},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateOrder(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}

	var resp insufficientStockResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.BookID != 1 || resp.Requested != 5 || resp.Available != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateOrder_ValidationError(t *testing.T) {
	svc := &stubService{createErr: service.ErrValidation}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(createOrderRequest{})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateOrder(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestGetOrders_ByEmail(t *testing.T) {
	svc := &stubService{byEmailResp: []model.Order{*sampleOrder()}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/orders?email=reader@example.com", nil)
	rec := httptest.NewRecorder()

	h.GetOrders(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}
}

func TestGetOrders_NoContent(t *testing.T) {
	svc := &stubService{byEmailResp: []model.Order{}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/orders?email=reader@example.com", nil)
	rec := httptest.NewRecorder()

	h.GetOrders(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetOrders_AllRequiresStaffToken(t *testing.T) {
	svc := &stubService{allResp: []model.Order{*sampleOrder()}}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	rec := httptest.NewRecorder()

	h.GetOrders(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec = httptest.NewRecorder()

	h.GetOrders(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
}

func TestGetOrder_GuestCode(t *testing.T) {
	svc := &stubService{getResp: sampleOrder()}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/orders/1?code=wrong", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status with wrong code = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/orders/1?code=code-123", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status with guest code = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	svc := &stubService{getErr: repository.ErrOrderNotFound}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/orders/404", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}

func TestUpdateOrder_RequiresStaffToken(t *testing.T) {
	delivered := "DELIVERED"
	order := sampleOrder()
	order.Status = model.OrderStatusDelivered

	svc := &stubService{transitionResp: order}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(updateOrderRequest{Status: &delivered})

	req := httptest.NewRequest(http.MethodPatch, "/api/orders/1", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodPatch, "/api/orders/1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp orderResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "DELIVERED" {
		t.Fatalf("status in response = %s, want DELIVERED", resp.Status)
	}
}

func TestUpdateOrder_NotFound(t *testing.T) {
	svc := &stubService{transitionErr: repository.ErrOrderNotFound}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(updateOrderRequest{TrackingID: ptrString("TRACK-1")})

	req := httptest.NewRequest(http.MethodPatch, "/api/orders/999", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusNotFound)
	}
}

func TestUpdateOrder_Conflict(t *testing.T) {
	svc := &stubService{transitionErr: repository.ErrTransitionConflict}
	h := newTestHandler(t, svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(updateOrderRequest{Status: ptrString("SHIPPED")})

	req := httptest.NewRequest(http.MethodPatch, "/api/orders/1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestRefreshCart(t *testing.T) {
	svc := &stubService{
		reconcileResp: []model.CartItem{
			{BookID: 1, CachedStock: 10, CachedPrice: 100, Stock: 4, PriceCents: 500, Exists: true},
			{BookID: 99, CachedStock: 1, CachedPrice: 50, Exists: false},
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal([]cartItemPayload{
		{BookID: 1, CachedStock: 10, CachedPrice: 1},
		{BookID: 99, CachedStock: 1, CachedPrice: 0.5},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/cart/refresh", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.RefreshCart(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp []cartItemPayload
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("len = %d, want 2", len(resp))
	}
	if !resp[0].Exists || resp[0].Stock != 4 || resp[0].Price != 5 {
		t.Fatalf("unexpected item 0: %+v", resp[0])
	}
	if resp[1].Exists {
		t.Fatalf("missing book reported as existing: %+v", resp[1])
	}
}

func TestRefreshCart_RoundsCachedPrice(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal([]cartItemPayload{
		{BookID: 1, CachedStock: 2, CachedPrice: 19.99},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/cart/refresh", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.RefreshCart(rec, req)

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
	if len(svc.reconcileGot) != 1 {
		t.Fatalf("len = %d, want 1", len(svc.reconcileGot))
	}
	// 19.99*100 в float64 чуть меньше 1999: усечение дало бы 1998.
	if got := svc.reconcileGot[0].CachedPrice; got != 1999 {
		t.Errorf("cached price = %d cents, want 1999", got)
	}
}

func ptrString(s string) *string {
	return &s
}
