package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	opTimeout = 5 * time.Second

	uniqueViolation = "23505"

	orderColumns = `id, user_id, coupon_code, discount_minor, shipping_address, payment_method, currency,
		total_price_minor, order_total_minor, status, payment_reference, redirect_url, version, created_at, updated_at`
)

// Позиции вставляются одним запросом: массивы разворачиваются через unnest,
// порядковый номер элемента становится position.
const insertItemsSQL = `
	INSERT INTO order_items (order_id, position, product_id, product_name, quantity, unit_price_minor)
	SELECT $1, t.n - 1, t.product_id, t.product_name, t.quantity, t.unit_price_minor
	FROM unnest($2::text[], $3::text[], $4::int[], $5::bigint[])
	     WITH ORDINALITY AS t(product_id, product_name, quantity, unit_price_minor, n)`

// OrderRepository хранит заказ в orders, позиции - в order_items.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(store *Store) *OrderRepository {
	return &OrderRepository{db: store.DB()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			order.ID, order.UserID, order.CouponCode, order.DiscountMinor, address,
			string(order.PaymentMethod), order.Currency, order.TotalPriceMinor, order.OrderTotalMinor,
			string(order.Status), order.PaymentReference, order.RedirectURL, order.Version,
			order.CreatedAt, order.UpdatedAt)
		if isUniqueViolation(err) {
			return domain.ErrOrderAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert order %s: %w", order.ID, err)
		}

		if len(order.Items) == 0 {
			return nil
		}
		ids := make([]string, len(order.Items))
		names := make([]string, len(order.Items))
		quantities := make([]int32, len(order.Items))
		prices := make([]int64, len(order.Items))
		for i, item := range order.Items {
			ids[i], names[i], quantities[i], prices[i] = item.ProductID, item.ProductName, item.Quantity, item.UnitPriceMinor
		}
		if _, err := tx.ExecContext(ctx, insertItemsSQL, order.ID, ids, names, quantities, prices); err != nil {
			return fmt.Errorf("insert items of order %s: %w", order.ID, err)
		}
		return nil
	})
}

func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("get order %s: %w", id, err)
	}

	orders := []domain.Order{order}
	if err := r.attachItems(ctx, orders); err != nil {
		return domain.Order{}, err
	}
	return orders[0], nil
}

func (r *OrderRepository) List(ctx context.Context, limit int) ([]domain.Order, error) {
	return r.list(ctx, `ORDER BY created_at DESC, id DESC`, limit)
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	return r.list(ctx, `WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, limit, userID)
}

// ListStale - самые давно не обновлявшиеся первыми, чтобы sweeper шёл от старых к новым.
func (r *OrderRepository) ListStale(ctx context.Context, status domain.OrderStatus, before time.Time, limit int) ([]domain.Order, error) {
	return r.list(ctx, `WHERE status = $1 AND updated_at < $2 ORDER BY updated_at, id`, limit, string(status), before)
}

// list дописывает tail к SELECT по orders; limit > 0 добавляет LIMIT последним параметром.
func (r *OrderRepository) list(ctx context.Context, tail string, limit int, args ...any) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ` + tail
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []domain.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// attachItems загружает позиции всех заказов одним запросом.
func (r *OrderRepository) attachItems(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		index[order.ID] = i
		orders[i].Items = []domain.OrderItem{}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, product_name, quantity, unit_price_minor
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position`, ids)
	if err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			item    domain.OrderItem
		)
		if err := rows.Scan(&orderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPriceMinor); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if i, ok := index[orderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load order items: %w", err)
	}
	return nil
}

// Save обновляет только изменяемые поля: позиции, суммы и адрес фиксируются при создании.
func (r *OrderRepository) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, payment_reference = $4, redirect_url = $5, updated_at = $6, version = version + 1
		WHERE id = $1 AND version = $2`,
		order.ID, order.Version,
		string(order.Status), order.PaymentReference, order.RedirectURL, order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save order %s: %w", order.ID, err)
	}
	if updated, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("save order %s: %w", order.ID, err)
	} else if updated == 1 {
		return nil
	}

	// Ни одной строки: заказа нет или его версия уже ушла вперёд.
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return fmt.Errorf("save order %s: %w", order.ID, err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrOrderVersionConflict
}

// Delete удаляет заказ; позиции уходят каскадом, timeline остаётся.
func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	if deleted == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// inTx откатывает транзакцию, если fn вернула ошибку.
func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order         domain.Order
		address       []byte
		paymentMethod string
		status        string
	)
	if err := row.Scan(
		&order.ID, &order.UserID, &order.CouponCode, &order.DiscountMinor, &address,
		&paymentMethod, &order.Currency, &order.TotalPriceMinor, &order.OrderTotalMinor,
		&status, &order.PaymentReference, &order.RedirectURL, &order.Version,
		&order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address of order %s: %w", order.ID, err)
	}
	order.PaymentMethod = domain.PaymentMethod(paymentMethod)
	order.Status = domain.OrderStatus(status)
	order.Currency = strings.TrimSpace(order.Currency)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
