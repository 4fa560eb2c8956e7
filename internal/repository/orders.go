package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmeshcher/bookshop-system/internal/model"
)

const orderColumns = `id, email, name, phone, country, city, street, zip,
	total_cents, status, tracking_id, guest_order_code,
	gift_to, gift_from, gift_message, created_at, updated_at`

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// CreateOrder сохраняет новый заказ вместе со снимком позиций и возвращает его
// с заполненными идентификатором и временными метками.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	saved := *o
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (email, name, phone, country, city, street, zip,
			total_cents, status, guest_order_code, gift_to, gift_from, gift_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id, created_at, updated_at`,
		o.Email, o.Name, o.Phone,
		o.Address.Country, o.Address.City, o.Address.Street, o.Address.Zip,
		o.TotalCents, string(o.Status), o.GuestOrderCode,
		o.GiftTo, o.GiftFrom, o.GiftMessage,
	).Scan(&saved.ID, &saved.CreatedAt, &saved.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, p := range o.Products {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, book_id, title, price_cents, quantity)
			 VALUES ($1, $2, $3, $4, $5)`,
			saved.ID, p.BookID, p.Title, p.PriceCents, p.Quantity,
		)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &saved, nil
}

// GetOrder возвращает заказ с позициями по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		orderID,
	)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if err := r.attachItems(ctx, r.pool, []*model.Order{o}); err != nil {
		return nil, err
	}

	return o, nil
}

// GetOrdersByEmail возвращает заказы покупателя, новые первыми.
func (r *PostgresRepository) GetOrdersByEmail(ctx context.Context, email string) ([]model.Order, error) {
	return r.selectOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE email = $1
		 ORDER BY created_at DESC`,
		email,
	)
}

// GetAllOrders возвращает все заказы, новые первыми. Группировку по
// активности статуса выполняет сервис.
func (r *PostgresRepository) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	return r.selectOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 ORDER BY created_at DESC`,
	)
}

func (r *PostgresRepository) selectOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var ptrs []*model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		ptrs = append(ptrs, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := r.attachItems(ctx, r.pool, ptrs); err != nil {
		return nil, err
	}

	res := make([]model.Order, 0, len(ptrs))
	for _, o := range ptrs {
		res = append(res, *o)
	}
	return res, nil
}

// UpdateOrderStatus обновляет статус и/или трек-номер заказа и в той же
// транзакции применяет изменение счётчика sold по всем позициям. Строка заказа
// блокируется FOR UPDATE, поэтому переходы одного заказа сериализуются, а
// предыдущий статус читается уже под блокировкой. Повтор после обрыва
// соединения безопасен: транзакция перечитывает статус, и уже применённый
// переход даёт нулевую дельту sold.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID int64, newStatus *model.OrderStatus, trackingID *string) (*model.Order, model.OrderStatus, error) {
	var updated *model.Order
	var previous model.OrderStatus

	err := r.withRetry(ctx, func() error {
		var txErr error
		updated, previous, txErr = r.updateOrderStatusTx(ctx, orderID, newStatus, trackingID)
		return txErr
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return nil, "", fmt.Errorf("%w: %d", ErrTransitionConflict, orderID)
		}
		return nil, "", err
	}

	return updated, previous, nil
}

func (r *PostgresRepository) updateOrderStatusTx(ctx context.Context, orderID int64, newStatus *model.OrderStatus, trackingID *string) (*model.Order, model.OrderStatus, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`,
		orderID,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrOrderNotFound
		}
		return nil, "", fmt.Errorf("lock order: %w", err)
	}

	previous := o.Status
	next := previous
	if newStatus != nil {
		next = *newStatus
	}

	err = tx.QueryRow(ctx,
		`UPDATE orders SET status = $2, tracking_id = COALESCE($3, tracking_id), updated_at = now()
		 WHERE id = $1
		 RETURNING status, tracking_id, updated_at`,
		orderID, string(next), trackingID,
	).Scan(&o.Status, &o.TrackingID, &o.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("update order: %w", err)
	}

	if err := r.attachItems(ctx, tx, []*model.Order{o}); err != nil {
		return nil, "", err
	}

	// Побочный эффект перехода применяется той же транзакцией, что и запись
	// статуса: частично применённых переходов не бывает.
	switch model.SoldDelta(previous, next) {
	case 1:
		for _, p := range o.Products {
			if _, err := tx.Exec(ctx,
				`UPDATE books SET sold = sold + $2, updated_at = now() WHERE id = $1`,
				p.BookID, p.Quantity,
			); err != nil {
				return nil, "", fmt.Errorf("mark sold: %w", err)
			}
		}
	case -1:
		for _, p := range o.Products {
			if _, err := tx.Exec(ctx,
				`UPDATE books SET sold = GREATEST(sold - $2, 0), updated_at = now() WHERE id = $1`,
				p.BookID, p.Quantity,
			); err != nil {
				return nil, "", fmt.Errorf("unmark sold: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("commit tx: %w", err)
	}

	return o, previous, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var status string
	err := row.Scan(
		&o.ID, &o.Email, &o.Name, &o.Phone,
		&o.Address.Country, &o.Address.City, &o.Address.Street, &o.Address.Zip,
		&o.TotalCents, &status, &o.TrackingID, &o.GuestOrderCode,
		&o.GiftTo, &o.GiftFrom, &o.GiftMessage,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (r *PostgresRepository) attachItems(ctx context.Context, q queryer, orders []*model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(orders))
	byID := make(map[int64]*model.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		byID[o.ID] = o
	}

	rows, err := q.Query(ctx,
		`SELECT order_id, book_id, title, price_cents, quantity
		 FROM order_items
		 WHERE order_id = ANY($1)
		 ORDER BY book_id`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID int64
		var p model.OrderProduct
		if err := rows.Scan(&orderID, &p.BookID, &p.Title, &p.PriceCents, &p.Quantity); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.Products = append(o.Products, p)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	return nil
}
