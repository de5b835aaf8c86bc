package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crmpipe/crmpipe/internal/crm"
)

// insertChunkRows bounds the rows of one multi-row INSERT so the bind
// parameter count stays well under the protocol limit.
const insertChunkRows = 500

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store db: %w", err)
	}
	return nil
}

func (r *Repository) GetCustomer(ctx context.Context, id int64) (crm.Customer, error) {
	query := `
SELECT id, first_name, last_name, email, phone, total_spent, total_orders, last_purchase_date, created_at, updated_at
FROM customers
WHERE id = $1`

	var (
		customer     crm.Customer
		phone        sql.NullString
		lastPurchase sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&customer.ID,
		&customer.FirstName,
		&customer.LastName,
		&customer.Email,
		&phone,
		&customer.TotalSpent,
		&customer.TotalOrders,
		&lastPurchase,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return crm.Customer{}, crm.ErrNotFound
		}
		return crm.Customer{}, fmt.Errorf("get customer: %w", err)
	}
	customer.Phone = phone.String
	if lastPurchase.Valid {
		at := lastPurchase.Time
		customer.LastPurchaseDate = &at
	}
	return customer, nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx crm.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&TxRepository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapError("commit tx", err)
	}
	return nil
}

type TxRepository struct {
	q dbTX
}

func (r *TxRepository) InsertCustomer(ctx context.Context, in crm.CustomerInput) (int64, error) {
	query := `
INSERT INTO customers (first_name, last_name, email, phone)
VALUES ($1, $2, $3, $4)
RETURNING id`
	var id int64
	if err := r.q.QueryRowContext(ctx, query, in.FirstName, in.LastName, in.Email, nullString(in.Phone)).Scan(&id); err != nil {
		return 0, mapError("insert customer", err)
	}
	return id, nil
}

func (r *TxRepository) InsertCustomers(ctx context.Context, in []crm.CustomerInput) (int64, error) {
	var inserted int64
	for start := 0; start < len(in); start += insertChunkRows {
		chunk := in[start:min(start+insertChunkRows, len(in))]
		args := make([]any, 0, len(chunk)*4)
		for _, customer := range chunk {
			args = append(args, customer.FirstName, customer.LastName, customer.Email, nullString(customer.Phone))
		}
		result, err := r.q.ExecContext(ctx, insertCustomersQuery(len(chunk)), args...)
		if err != nil {
			return inserted, mapError("insert customers", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("insert customers rows affected: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

func (r *TxRepository) InsertOrder(ctx context.Context, in crm.OrderInput) (int64, error) {
	query := `
INSERT INTO orders (customer_id, order_date, total_amount, status, items, shipping_address, payment_method)
VALUES ($1, COALESCE($2::timestamptz, NOW()), $3, $4::crm_order_status, $5::jsonb, $6, $7)
RETURNING id`
	var id int64
	if err := r.q.QueryRowContext(ctx, query, orderArgs(in)...).Scan(&id); err != nil {
		return 0, mapError("insert order", err)
	}
	return id, nil
}

func (r *TxRepository) InsertOrders(ctx context.Context, in []crm.OrderInput) (int64, error) {
	var inserted int64
	for start := 0; start < len(in); start += insertChunkRows {
		chunk := in[start:min(start+insertChunkRows, len(in))]
		args := make([]any, 0, len(chunk)*7)
		for _, order := range chunk {
			args = append(args, orderArgs(order)...)
		}
		result, err := r.q.ExecContext(ctx, insertOrdersQuery(len(chunk)), args...)
		if err != nil {
			return inserted, mapError("insert orders", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("insert orders rows affected: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

// ApplyDelta adds delta to the customer's aggregates in place. The storage
// engine serializes concurrent deltas on the row lock.
func (r *TxRepository) ApplyDelta(ctx context.Context, delta crm.AggregateDelta) error {
	query := `
UPDATE customers
SET total_spent = total_spent + $2,
    total_orders = total_orders + $3,
    last_purchase_date = NOW(),
    updated_at = NOW()
WHERE id = $1`
	result, err := r.q.ExecContext(ctx, query, delta.CustomerID, delta.Amount, delta.Orders)
	if err != nil {
		return mapError("apply customer delta", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply customer delta rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("apply customer delta %d: %w", delta.CustomerID, crm.ErrReferential)
	}
	return nil
}

func insertCustomersQuery(rows int) string {
	var b strings.Builder
	b.WriteString("\nINSERT INTO customers (first_name, last_name, email, phone)\nVALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(",\n       ")
		}
		n := i * 4
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4)
	}
	return b.String()
}

func insertOrdersQuery(rows int) string {
	var b strings.Builder
	b.WriteString("\nINSERT INTO orders (customer_id, order_date, total_amount, status, items, shipping_address, payment_method)\nVALUES ")
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(",\n       ")
		}
		n := i * 7
		fmt.Fprintf(&b, "($%d, COALESCE($%d::timestamptz, NOW()), $%d, $%d::crm_order_status, $%d::jsonb, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7)
	}
	return b.String()
}

func orderArgs(in crm.OrderInput) []any {
	status := in.Status
	if status == "" {
		status = crm.OrderCompleted
	}
	items := "[]"
	if len(in.Items) > 0 {
		items = string(in.Items)
	}
	return []any{
		in.CustomerID,
		nullTime(in.OrderDate),
		in.TotalAmount,
		string(status),
		items,
		nullString(in.ShippingAddress),
		nullString(in.PaymentMethod),
	}
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}
