// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/bookshop-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrBookNotFound возвращается, если книга не найдена в каталоге.
var (
	ErrBookNotFound = errors.New("book not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrTransitionConflict возвращается при конфликте параллельных обновлений одного заказа.
	ErrTransitionConflict = errors.New("concurrent order update conflict")
)

// InsufficientStockError возвращается при попытке зарезервировать больше
// экземпляров книги, чем доступно на складе.
type InsufficientStockError struct {
	BookID    int64
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for book %d: requested %d, available %d",
		e.BookID, e.Requested, e.Available)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool        *pgxpool.Pool
	retryDelays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:        pool,
		retryDelays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	return r.retry(ctx, fn, true)
}

// withWriteRetry повторяет fn только после Serialization Failure и Deadlock:
// эти ошибки гарантируют, что изменения не зафиксировались. Обрыв соединения
// для неидемпотентной записи не повторяется — команда могла успеть
// закоммититься до потери ответа.
func (r *PostgresRepository) withWriteRetry(ctx context.Context, fn func() error) error {
	return r.retry(ctx, fn, false)
}

func (r *PostgresRepository) retry(ctx context.Context, fn func() error, reconnect bool) error {
	var err error

	for i := 0; i <= len(r.retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(r.retryDelays) {
					time.Sleep(r.retryDelays[i])
					continue
				}
			}
		}

		if reconnect && isConnectionError(err) {
			if i < len(r.retryDelays) {
				time.Sleep(r.retryDelays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetBook возвращает книгу каталога по идентификатору.
func (r *PostgresRepository) GetBook(ctx context.Context, bookID int64) (*model.Book, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, author, price_cents, stock, sold, created_at, updated_at
		 FROM books WHERE id = $1`,
		bookID,
	)

	var b model.Book
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.PriceCents, &b.Stock, &b.Sold, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}

	return &b, nil
}

// GetBooksByIDs возвращает книги по списку идентификаторов.
// Отсутствующие книги в результат не попадают.
func (r *PostgresRepository) GetBooksByIDs(ctx context.Context, bookIDs []int64) (map[int64]model.Book, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, author, price_cents, stock, sold, created_at, updated_at
		 FROM books WHERE id = ANY($1)`,
		bookIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select books: %w", err)
	}
	defer rows.Close()

	res := make(map[int64]model.Book, len(bookIDs))
	for rows.Next() {
		var b model.Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.PriceCents, &b.Stock, &b.Sold, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		res[b.ID] = b
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ReserveStock атомарно списывает qty экземпляров со склада.
// Проверка и списание выполняются одним условным UPDATE, поэтому
// параллельные резервы одной книги не могут увести остаток в минус.
func (r *PostgresRepository) ReserveStock(ctx context.Context, bookID, qty int64) error {
	var tag pgconn.CommandTag
	err := r.withWriteRetry(ctx, func() error {
		var execErr error
		tag, execErr = r.pool.Exec(ctx,
			`UPDATE books SET stock = stock - $2, updated_at = now()
			 WHERE id = $1 AND stock >= $2`,
			bookID, qty,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	// Списание не прошло: различаем отсутствие книги и нехватку остатка.
	var available int64
	err = r.pool.QueryRow(ctx, `SELECT stock FROM books WHERE id = $1`, bookID).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBookNotFound
		}
		return fmt.Errorf("check stock: %w", err)
	}

	return &InsufficientStockError{BookID: bookID, Requested: qty, Available: available}
}

// ReleaseStock возвращает qty экземпляров на склад (компенсация резерва).
func (r *PostgresRepository) ReleaseStock(ctx context.Context, bookID, qty int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE books SET stock = stock + $2, updated_at = now() WHERE id = $1`,
		bookID, qty,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

// MarkSold атомарно увеличивает счётчик проданных экземпляров.
func (r *PostgresRepository) MarkSold(ctx context.Context, bookID, qty int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE books SET sold = sold + $2, updated_at = now() WHERE id = $1`,
		bookID, qty,
	)
	if err != nil {
		return fmt.Errorf("mark sold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

// UnmarkSold атомарно уменьшает счётчик проданных экземпляров, не опуская его ниже нуля.
func (r *PostgresRepository) UnmarkSold(ctx context.Context, bookID, qty int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE books SET sold = GREATEST(sold - $2, 0), updated_at = now() WHERE id = $1`,
		bookID, qty,
	)
	if err != nil {
		return fmt.Errorf("unmark sold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}
