package model

// soldEffect описывает побочный эффект перехода статуса для счётчика sold.
type soldEffect struct {
	previous OrderStatus
	next     OrderStatus
}

// soldEffects — таблица переходов, пересекающих границу DELIVERED.
// Граф статусов намеренно не ограничен: персонал может сменить любой статус
// на любой, а эффект определяется только пересечением этой границы.
var soldEffects = map[soldEffect]int{}

func init() {
	all := []OrderStatus{
		OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled,
	}
	for _, prev := range all {
		for _, next := range all {
			switch {
			case prev != OrderStatusDelivered && next == OrderStatusDelivered:
				soldEffects[soldEffect{prev, next}] = 1
			case prev == OrderStatusDelivered && next != OrderStatusDelivered:
				soldEffects[soldEffect{prev, next}] = -1
			}
		}
	}
}

// SoldDelta возвращает изменение счётчика sold при переходе статуса:
// +1 — позиции заказа засчитываются проданными, -1 — продажа откатывается,
// 0 — перехода через DELIVERED не было.
func SoldDelta(previous, next OrderStatus) int {
	return soldEffects[soldEffect{previous, next}]
}
