// Package model содержит доменные сущности книжного магазина.
package model

import "time"

// Book представляет книгу каталога вместе со складскими счётчиками.
type Book struct {
	ID         int64
	Title      string
	Author     string
	PriceCents int64
	Stock      int64
	Sold       int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderStatus описывает статус обработки заказа.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// ValidOrderStatus сообщает, является ли значение известным статусом заказа.
func ValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Active сообщает, находится ли заказ в незавершённом состоянии.
func (s OrderStatus) Active() bool {
	return s != OrderStatusDelivered && s != OrderStatusCancelled
}

// Address содержит адрес доставки заказа.
type Address struct {
	Country string
	City    string
	Street  string
	Zip     string
}

// OrderProduct — снимок позиции заказа. Цена и название фиксируются в момент
// оформления и не меняются при последующих изменениях каталога.
type OrderProduct struct {
	BookID     int64
	Title      string
	PriceCents int64
	Quantity   int64
}

// Order описывает заказ покупателя.
type Order struct {
	ID             int64
	Email          string
	Name           string
	Phone          string
	Address        Address
	Products       []OrderProduct
	TotalCents     int64
	Status         OrderStatus
	TrackingID     *string
	GuestOrderCode string
	GiftTo         *string
	GiftFrom       *string
	GiftMessage    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CartItem — присланный клиентом снимок позиции корзины,
// сверяемый с актуальным состоянием каталога.
type CartItem struct {
	BookID      int64
	CachedStock int64
	CachedPrice int64
	Stock       int64
	PriceCents  int64
	Exists      bool
}
