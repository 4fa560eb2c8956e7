// Package cache реализует кэш снимков книг в Redis для сверки корзины.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ключ снимка книги: book_snapshot:{book_id} -> {"stock": ..., "price_cents": ...}
const keyBookSnapshot = "book_snapshot:%d"

// TTLBookSnapshot ограничивает время жизни снимка: сверка корзины носит
// рекомендательный характер, авторитетная проверка остаётся за резервом.
var TTLBookSnapshot = 30 * time.Second

// Snapshot — кэшируемый снимок остатка и цены книги.
type Snapshot struct {
	Stock      int64 `json:"stock"`
	PriceCents int64 `json:"price_cents"`
}

// BookCache хранит короткоживущие снимки книг в Redis.
type BookCache struct {
	rdb *redis.Client
}

// New создаёт кэш снимков книг поверх Redis по указанному адресу.
func New(addr string) *BookCache {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &BookCache{rdb: rdb}
}

// Close закрывает соединение с Redis.
func (c *BookCache) Close() error {
	return c.rdb.Close()
}

// Get возвращает снимок книги или nil, если записи нет либо она повреждена.
func (c *BookCache) Get(ctx context.Context, bookID int64) (*Snapshot, error) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(keyBookSnapshot, bookID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, nil
	}

	return &s, nil
}

// Set сохраняет снимок книги с коротким TTL.
func (c *BookCache) Set(ctx context.Context, bookID int64, s Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := c.rdb.Set(ctx, fmt.Sprintf(keyBookSnapshot, bookID), raw, TTLBookSnapshot).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}

	return nil
}
