package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderAlreadyExists, если запись с таким ID уже есть.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// List возвращает заказы от новых к старым; limit <= 0 снимает ограничение.
	List(ctx context.Context, limit int) ([]Order, error)
	// ListByUser возвращает заказы покупателя от новых к старым.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListStale возвращает заказы в статусе status, не обновлявшиеся с момента before.
	ListStale(ctx context.Context, status OrderStatus, before time.Time, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	// При успехе версия в хранилище увеличивается на единицу.
	Save(ctx context.Context, order Order) error
	// Delete удаляет заказ без проверки статуса.
	Delete(ctx context.Context, id string) error
}
