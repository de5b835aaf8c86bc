package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/crmpipe/crmpipe/internal/bus"
	"github.com/crmpipe/crmpipe/internal/crm"
)

// Applier applies decoded writes to the store. Every variant runs in one
// transaction; order variants update customer aggregates with relative
// deltas inside that same transaction.
type Applier struct {
	Store  crm.Store
	Logger *slog.Logger
}

func NewApplier(store crm.Store, logger *slog.Logger) *Applier {
	return &Applier{Store: store, Logger: logger}
}

// Handle decodes env according to its queue and applies it.
func (a *Applier) Handle(ctx context.Context, env bus.Envelope) error {
	switch env.Queue {
	case bus.QueueCustomerCreated:
		in, err := DecodeCustomer(env.Payload)
		if err != nil {
			return err
		}
		return a.CreateCustomer(ctx, in)
	case bus.QueueOrderCreated:
		in, err := DecodeOrder(env.Payload)
		if err != nil {
			return err
		}
		return a.CreateOrder(ctx, in)
	case bus.QueueCustomersBulkImport:
		in, err := DecodeCustomers(env.Payload)
		if err != nil {
			return err
		}
		return a.BulkImportCustomers(ctx, in)
	case bus.QueueOrdersBulkImport:
		in, err := DecodeOrders(env.Payload)
		if err != nil {
			return err
		}
		return a.BulkImportOrders(ctx, in)
	default:
		return fmt.Errorf("%w: %q", bus.ErrUnknownQueue, env.Queue)
	}
}

func (a *Applier) CreateCustomer(ctx context.Context, in crm.CustomerInput) error {
	var id int64
	err := a.Store.WithTx(ctx, func(tx crm.Tx) error {
		var err error
		id, err = tx.InsertCustomer(ctx, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	a.debug(ctx, "customer created", slog.Int64("customer_id", id))
	return nil
}

func (a *Applier) CreateOrder(ctx context.Context, in crm.OrderInput) error {
	var id int64
	err := a.Store.WithTx(ctx, func(tx crm.Tx) error {
		var err error
		id, err = tx.InsertOrder(ctx, in)
		if err != nil {
			return err
		}
		return tx.ApplyDelta(ctx, crm.AggregateDelta{
			CustomerID: in.CustomerID,
			Amount:     in.TotalAmount,
			Orders:     1,
		})
	})
	if err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	a.debug(ctx, "order created",
		slog.Int64("order_id", id),
		slog.Int64("customer_id", in.CustomerID),
		slog.String("amount", in.TotalAmount.StringFixed(2)),
	)
	return nil
}

func (a *Applier) BulkImportCustomers(ctx context.Context, in []crm.CustomerInput) error {
	var inserted int64
	err := a.Store.WithTx(ctx, func(tx crm.Tx) error {
		var err error
		inserted, err = tx.InsertCustomers(ctx, in)
		if err != nil {
			return err
		}
		if inserted != int64(len(in)) {
			return fmt.Errorf("inserted %d of %d customers", inserted, len(in))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bulk import customers: %w", err)
	}
	a.debug(ctx, "customers imported", slog.Int64("records", inserted))
	return nil
}

// BulkImportOrders inserts every order, then applies one summed delta per
// distinct customer, all in one transaction.
func (a *Applier) BulkImportOrders(ctx context.Context, in []crm.OrderInput) error {
	deltas := crm.DeltasFor(in)
	var inserted int64
	err := a.Store.WithTx(ctx, func(tx crm.Tx) error {
		var err error
		inserted, err = tx.InsertOrders(ctx, in)
		if err != nil {
			return err
		}
		if inserted != int64(len(in)) {
			return fmt.Errorf("inserted %d of %d orders", inserted, len(in))
		}
		for _, delta := range deltas {
			if err := tx.ApplyDelta(ctx, delta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bulk import orders: %w", err)
	}
	a.debug(ctx, "orders imported", slog.Int64("records", inserted), slog.Int("customers", len(deltas)))
	return nil
}

// IsTerminal reports whether err will fail again on every retry: undecodable
// or invalid payloads, constraint and referential violations, unknown queues.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrInvalid) ||
		errors.Is(err, crm.ErrConstraintViolation) ||
		errors.Is(err, crm.ErrReferential) ||
		errors.Is(err, bus.ErrUnknownQueue)
}

func (a *Applier) debug(ctx context.Context, msg string, attrs ...any) {
	if a.Logger != nil {
		a.Logger.DebugContext(ctx, msg, attrs...)
	}
}
