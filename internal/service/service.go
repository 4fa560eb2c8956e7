// Package service реализует бизнес-логику оформления и сопровождения заказов.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshop-system/internal/cache"
	"github.com/mmeshcher/bookshop-system/internal/model"
	"github.com/mmeshcher/bookshop-system/internal/notify"
	"github.com/mmeshcher/bookshop-system/internal/repository"
	"github.com/mmeshcher/bookshop-system/internal/validation"
)

// ErrValidation возвращается при некорректных входных данных заказа.
// Конкретная причина добавляется обёрткой.
var ErrValidation = errors.New("validation error")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetBooksByIDs(ctx context.Context, bookIDs []int64) (map[int64]model.Book, error)
	ReserveStock(ctx context.Context, bookID, qty int64) error
	ReleaseStock(ctx context.Context, bookID, qty int64) error
	CreateOrder(ctx context.Context, o *model.Order) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	GetOrdersByEmail(ctx context.Context, email string) ([]model.Order, error)
	GetAllOrders(ctx context.Context) ([]model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, newStatus *model.OrderStatus, trackingID *string) (*model.Order, model.OrderStatus, error)
}

// LineItem — позиция корзины в запросе на оформление заказа.
type LineItem struct {
	BookID   int64
	Quantity int64
}

// CreateOrderInput — данные покупателя и корзина для оформления заказа.
type CreateOrderInput struct {
	Email       string
	Name        string
	Phone       string
	Address     model.Address
	GiftTo      *string
	GiftFrom    *string
	GiftMessage *string
	Items       []LineItem
}

// Service содержит бизнес-логику сервиса заказов.
type Service struct {
	repo         Repository
	logger       *zap.Logger
	bookCache    *cache.BookCache
	notifyClient *notify.Client
}

// NewService создаёт новый сервис. Кэш и клиент уведомлений необязательны.
func NewService(repo Repository, logger *zap.Logger, bookCache *cache.BookCache, notifyClient *notify.Client) *Service {
	return &Service{
		repo:         repo,
		logger:       logger,
		bookCache:    bookCache,
		notifyClient: notifyClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	var err error
	if s.bookCache != nil {
		err = s.bookCache.Close()
	}
	if s.repo != nil {
		if repoErr := s.repo.Close(); repoErr != nil {
			err = repoErr
		}
	}
	return err
}

// CreateOrder валидирует корзину, резервирует остатки по каждой позиции и
// сохраняет заказ. Резервы выполняются в порядке возрастания bookID; при любом
// сбое уже выполненные резервы откатываются — оформление целиком атомарно.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*model.Order, error) {
	items, err := normalizeItems(in)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.BookID)
	}

	// Снимок названий и цен берётся на момент резервирования и больше не перечитывается.
	books, err := s.repo.GetBooksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if _, ok := books[it.BookID]; !ok {
			return nil, fmt.Errorf("book %d: %w", it.BookID, repository.ErrBookNotFound)
		}
	}

	reserved := make([]LineItem, 0, len(items))
	for _, it := range items {
		if err := s.repo.ReserveStock(ctx, it.BookID, it.Quantity); err != nil {
			s.releaseReserved(ctx, reserved)
			return nil, err
		}
		reserved = append(reserved, it)
	}

	order := &model.Order{
		Email:          in.Email,
		Name:           in.Name,
		Phone:          in.Phone,
		Address:        in.Address,
		Status:         model.OrderStatusPending,
		GuestOrderCode: uuid.NewString(),
		GiftTo:         in.GiftTo,
		GiftFrom:       in.GiftFrom,
		GiftMessage:    in.GiftMessage,
	}
	for _, it := range items {
		b := books[it.BookID]
		order.Products = append(order.Products, model.OrderProduct{
			BookID:     it.BookID,
			Title:      b.Title,
			PriceCents: b.PriceCents,
			Quantity:   it.Quantity,
		})
		order.TotalCents += b.PriceCents * it.Quantity
	}

	saved, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		s.releaseReserved(ctx, reserved)
		return nil, fmt.Errorf("persist order: %w", err)
	}

	return saved, nil
}

// releaseReserved возвращает на склад все резервы неудавшегося оформления.
// Выполняется на контексте без отмены: обрыв клиентского запроса не должен
// оставить списанные остатки без заказа.
func (s *Service) releaseReserved(ctx context.Context, reserved []LineItem) {
	ctx = context.WithoutCancel(ctx)
	for _, it := range reserved {
		if err := s.repo.ReleaseStock(ctx, it.BookID, it.Quantity); err != nil {
			s.logger.Error("release reserved stock",
				zap.Int64("bookID", it.BookID),
				zap.Int64("quantity", it.Quantity),
				zap.Error(err))
		}
	}
}

func normalizeItems(in CreateOrderInput) ([]LineItem, error) {
	if !validation.IsValidEmail(in.Email) {
		return nil, fmt.Errorf("%w: invalid email", ErrValidation)
	}
	if !validation.IsValidName(in.Name) {
		return nil, fmt.Errorf("%w: empty name", ErrValidation)
	}
	if in.Phone != "" && !validation.IsValidPhone(in.Phone) {
		return nil, fmt.Errorf("%w: invalid phone", ErrValidation)
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", ErrValidation)
	}

	// Дубликаты позиций складываются в одну.
	merged := make(map[int64]int64, len(in.Items))
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for book %d must be positive", ErrValidation, it.BookID)
		}
		merged[it.BookID] += it.Quantity
	}

	items := make([]LineItem, 0, len(merged))
	for id, qty := range merged {
		items = append(items, LineItem{BookID: id, Quantity: qty})
	}

	// Детерминированный порядок резервирования исключает взаимные блокировки
	// параллельных многотоварных заказов.
	sort.Slice(items, func(i, j int) bool { return items[i].BookID < items[j].BookID })

	return items, nil
}

// GetOrder возвращает заказ по идентификатору.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// GetOrdersByEmail возвращает заказы покупателя, новые первыми.
func (s *Service) GetOrdersByEmail(ctx context.Context, email string) ([]model.Order, error) {
	return s.repo.GetOrdersByEmail(ctx, email)
}

// GetAllOrders возвращает все заказы: активные раньше завершённых,
// внутри групп новые первыми.
func (s *Service) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	orders, err := s.repo.GetAllOrders(ctx)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(orders, func(i, j int) bool {
		if a, b := orders[i].Status.Active(), orders[j].Status.Active(); a != b {
			return a
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	return orders, nil
}

// Transition применяет смену статуса и/или трек-номера заказа.
// Побочный эффект для счётчика sold применяется хранилищем в той же
// транзакции, что и запись статуса. Сбой отправки уведомления логируется
// и на результат перехода не влияет.
func (s *Service) Transition(ctx context.Context, orderID int64, newStatus *model.OrderStatus, trackingID *string) (*model.Order, error) {
	if newStatus == nil && trackingID == nil {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	if newStatus != nil && !model.ValidOrderStatus(*newStatus) {
		return nil, fmt.Errorf("%w: unknown order status %q", ErrValidation, *newStatus)
	}

	order, previous, err := s.repo.UpdateOrderStatus(ctx, orderID, newStatus, trackingID)
	if err != nil {
		return nil, err
	}

	if order.Status == model.OrderStatusCancelled && previous != model.OrderStatusCancelled {
		s.onCancelled(ctx, order)
	}

	if s.notifyClient != nil && previous != order.Status {
		ev := notify.StatusEvent{
			EventID:        uuid.NewString(),
			OrderID:        order.ID,
			PreviousStatus: string(previous),
			NewStatus:      string(order.Status),
			OccurredAt:     time.Now().UTC(),
		}
		go func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.notifyClient.SendStatusEvent(sendCtx, ev); err != nil {
				s.logger.Error("send status event",
					zap.Int64("orderID", ev.OrderID),
					zap.String("newStatus", ev.NewStatus),
					zap.Error(err))
			}
		}()
	}

	return order, nil
}

// onCancelled вызывается при переходе заказа в CANCELLED. Резерв склада при
// отмене намеренно не возвращается; если поведение решат поменять, менять
// нужно только эту функцию.
func (s *Service) onCancelled(ctx context.Context, order *model.Order) {
}

// ReconcileCart обновляет присланный клиентом снимок корзины по актуальному
// состоянию каталога. Складские счётчики не изменяются; отсутствующие книги
// помечаются, а не выбрасываются.
func (s *Service) ReconcileCart(ctx context.Context, items []model.CartItem) ([]model.CartItem, error) {
	res := make([]model.CartItem, len(items))
	copy(res, items)

	missing := make([]int64, 0, len(items))
	fromCache := make(map[int64]cache.Snapshot, len(items))

	for _, it := range items {
		if s.bookCache == nil {
			missing = append(missing, it.BookID)
			continue
		}
		snap, err := s.bookCache.Get(ctx, it.BookID)
		if err != nil || snap == nil {
			missing = append(missing, it.BookID)
			continue
		}
		fromCache[it.BookID] = *snap
	}

	var books map[int64]model.Book
	if len(missing) > 0 {
		var err error
		books, err = s.repo.GetBooksByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
	}

	for i := range res {
		if snap, ok := fromCache[res[i].BookID]; ok {
			res[i].Exists = true
			res[i].Stock = snap.Stock
			res[i].PriceCents = snap.PriceCents
			continue
		}

		b, ok := books[res[i].BookID]
		if !ok {
			res[i].Exists = false
			continue
		}

		res[i].Exists = true
		res[i].Stock = b.Stock
		res[i].PriceCents = b.PriceCents

		if s.bookCache != nil {
			_ = s.bookCache.Set(ctx, b.ID, cache.Snapshot{Stock: b.Stock, PriceCents: b.PriceCents})
		}
	}

	return res, nil
}
