package crm

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("crm: not found")
	ErrConstraintViolation = errors.New("crm: constraint violation")
	ErrReferential         = errors.New("crm: referenced customer does not exist")
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderCompleted, OrderCancelled, OrderRefunded:
		return true
	default:
		return false
	}
}

type Customer struct {
	ID               int64           `json:"id"`
	FirstName        string          `json:"firstName"`
	LastName         string          `json:"lastName"`
	Email            string          `json:"email"`
	Phone            string          `json:"phone,omitempty"`
	TotalSpent       decimal.Decimal `json:"totalSpent"`
	TotalOrders      int64           `json:"totalOrders"`
	LastPurchaseDate *time.Time      `json:"lastPurchaseDate,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type CustomerInput struct {
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
	Email     string `json:"email" validate:"required,email,max=255"`
	Phone     string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// OrderInput is one order record. A nil OrderDate is stored as the time of
// insertion; an empty Status is stored as completed.
type OrderInput struct {
	CustomerID      int64           `json:"customerId" validate:"required,gt=0"`
	OrderDate       *time.Time      `json:"orderDate,omitempty"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          OrderStatus     `json:"status,omitempty" validate:"omitempty,oneof=pending completed cancelled refunded"`
	Items           json.RawMessage `json:"items,omitempty"`
	ShippingAddress string          `json:"shippingAddress,omitempty" validate:"max=500"`
	PaymentMethod   string          `json:"paymentMethod,omitempty" validate:"max=64"`
}

// AggregateDelta is a relative change to one customer's aggregate columns.
type AggregateDelta struct {
	CustomerID int64
	Amount     decimal.Decimal
	Orders     int64
}

// DeltasFor sums orders per customer. The result is ordered by customer id so
// concurrent batches lock customer rows in the same order.
func DeltasFor(orders []OrderInput) []AggregateDelta {
	byCustomer := make(map[int64]*AggregateDelta, len(orders))
	for _, order := range orders {
		delta, ok := byCustomer[order.CustomerID]
		if !ok {
			delta = &AggregateDelta{CustomerID: order.CustomerID, Amount: decimal.Zero}
			byCustomer[order.CustomerID] = delta
		}
		delta.Amount = delta.Amount.Add(order.TotalAmount)
		delta.Orders++
	}

	out := make([]AggregateDelta, 0, len(byCustomer))
	for _, delta := range byCustomer {
		out = append(out, *delta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	return out
}

// Tx is the write surface available inside one storage transaction.
type Tx interface {
	InsertCustomer(ctx context.Context, in CustomerInput) (int64, error)
	InsertCustomers(ctx context.Context, in []CustomerInput) (int64, error)
	InsertOrder(ctx context.Context, in OrderInput) (int64, error)
	InsertOrders(ctx context.Context, in []OrderInput) (int64, error)
	ApplyDelta(ctx context.Context, delta AggregateDelta) error
}

// Store runs fn inside one transaction: committed if fn returns nil, rolled
// back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

type Reader interface {
	GetCustomer(ctx context.Context, id int64) (Customer, error)
}
