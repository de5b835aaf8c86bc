package crm

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestDeltasForGroupsByCustomer(t *testing.T) {
	orders := []OrderInput{
		{CustomerID: 9, TotalAmount: decimal.RequireFromString("10.50")},
		{CustomerID: 7, TotalAmount: decimal.RequireFromString("250.00")},
		{CustomerID: 9, TotalAmount: decimal.RequireFromString("4.50")},
		{CustomerID: 7, TotalAmount: decimal.RequireFromString("250.00")},
		{CustomerID: 3, TotalAmount: decimal.RequireFromString("0")},
	}

	deltas := DeltasFor(orders)
	if len(deltas) != 3 {
		t.Fatalf("len(deltas) = %d, want 3", len(deltas))
	}
	want := []struct {
		id     int64
		amount string
		orders int64
	}{
		{3, "0", 1},
		{7, "500", 2},
		{9, "15", 2},
	}
	for i, w := range want {
		got := deltas[i]
		if got.CustomerID != w.id {
			t.Fatalf("deltas[%d].CustomerID = %d, want %d", i, got.CustomerID, w.id)
		}
		if !got.Amount.Equal(decimal.RequireFromString(w.amount)) {
			t.Fatalf("deltas[%d].Amount = %s, want %s", i, got.Amount, w.amount)
		}
		if got.Orders != w.orders {
			t.Fatalf("deltas[%d].Orders = %d, want %d", i, got.Orders, w.orders)
		}
	}
}

func TestDeltasForIsOrderIndependent(t *testing.T) {
	a := []OrderInput{
		{CustomerID: 1, TotalAmount: decimal.RequireFromString("1.10")},
		{CustomerID: 2, TotalAmount: decimal.RequireFromString("2.20")},
		{CustomerID: 1, TotalAmount: decimal.RequireFromString("3.30")},
	}
	b := []OrderInput{a[2], a[1], a[0]}

	da, db := DeltasFor(a), DeltasFor(b)
	for i := range da {
		if da[i].CustomerID != db[i].CustomerID || !da[i].Amount.Equal(db[i].Amount) || da[i].Orders != db[i].Orders {
			t.Fatalf("delta %d differs: %#v vs %#v", i, da[i], db[i])
		}
	}
}

func TestDeltasForEmpty(t *testing.T) {
	if got := DeltasFor(nil); len(got) != 0 {
		t.Fatalf("DeltasFor(nil) = %#v", got)
	}
}

func TestOrderStatusValid(t *testing.T) {
	for _, s := range []OrderStatus{OrderPending, OrderCompleted, OrderCancelled, OrderRefunded} {
		if !s.Valid() {
			t.Fatalf("%q should be valid", s)
		}
	}
	if OrderStatus("shipped").Valid() {
		t.Fatal("shipped should be invalid")
	}
}
