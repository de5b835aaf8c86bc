package ingest

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crmpipe/crmpipe/internal/crm"
)

func TestDecodeCustomerNormalizesAndValidates(t *testing.T) {
	in, err := DecodeCustomer([]byte(`{"firstName":" Ada ","lastName":"Lovelace","email":"ADA@Example.com","phone":"+44 20"}`))
	if err != nil {
		t.Fatalf("DecodeCustomer() error = %v", err)
	}
	if in.FirstName != "Ada" || in.Email != "ada@example.com" || in.Phone != "+44 20" {
		t.Fatalf("DecodeCustomer() = %#v", in)
	}
}

func TestDecodeCustomerRejectsInvalidRecords(t *testing.T) {
	tests := map[string]struct {
		payload string
		want    error
	}{
		"not json":        {`not-json`, ErrDecode},
		"unknown field":   {`{"firstName":"A","lastName":"B","email":"a@example.com","age":3}`, ErrDecode},
		"trailing data":   {`{"firstName":"A","lastName":"B","email":"a@example.com"} {}`, ErrDecode},
		"missing email":   {`{"firstName":"A","lastName":"B"}`, ErrInvalid},
		"malformed email": {`{"firstName":"A","lastName":"B","email":"nope"}`, ErrInvalid},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCustomer([]byte(tc.payload))
			if !errors.Is(err, tc.want) {
				t.Fatalf("DecodeCustomer() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDecodeCustomerReportsJSONFieldNames(t *testing.T) {
	_, err := DecodeCustomer([]byte(`{"firstName":"A","lastName":"B","email":"nope"}`))
	if err == nil || !strings.Contains(err.Error(), "email failed email") {
		t.Fatalf("DecodeCustomer() error = %v", err)
	}
}

func TestDecodeOrderDefaultsAndRounding(t *testing.T) {
	in, err := DecodeOrder([]byte(`{"customerId":7,"totalAmount":"250.004","items":[{"sku":"A"}]}`))
	if err != nil {
		t.Fatalf("DecodeOrder() error = %v", err)
	}
	if in.Status != crm.OrderCompleted {
		t.Fatalf("Status = %q", in.Status)
	}
	if !in.TotalAmount.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("TotalAmount = %s", in.TotalAmount)
	}
	if in.OrderDate != nil {
		t.Fatalf("OrderDate = %v, want nil", in.OrderDate)
	}

	numeric, err := DecodeOrder([]byte(`{"customerId":7,"totalAmount":19.99,"orderDate":"2024-05-01T10:00:00Z","status":"pending"}`))
	if err != nil {
		t.Fatalf("DecodeOrder() error = %v", err)
	}
	if !numeric.TotalAmount.Equal(decimal.RequireFromString("19.99")) || numeric.OrderDate == nil {
		t.Fatalf("DecodeOrder() = %#v", numeric)
	}
}

func TestDecodeOrderRejectsInvalidRecords(t *testing.T) {
	tests := map[string]string{
		"negative amount":  `{"customerId":7,"totalAmount":-1}`,
		"amount too large": `{"customerId":7,"totalAmount":100000000}`,
		"missing customer": `{"totalAmount":1}`,
		"unknown status":   `{"customerId":7,"totalAmount":1,"status":"shipped"}`,
		"missing amount":   `{"customerId":7}`,
		"null amount":      `{"customerId":7,"totalAmount":null}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeOrder([]byte(payload))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("DecodeOrder() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestDecodeBulkRejectsEmptyAndNamesBadRecord(t *testing.T) {
	if _, err := DecodeOrders([]byte(`[]`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("DecodeOrders([]) error = %v", err)
	}
	if _, err := DecodeCustomers([]byte(`{"firstName":"A"}`)); !errors.Is(err, ErrDecode) {
		t.Fatalf("DecodeCustomers(object) error = %v", err)
	}
	_, err := DecodeCustomers([]byte(`[
		{"firstName":"A","lastName":"One","email":"a@example.com"},
		{"firstName":"B","lastName":"Two","email":"bad"}
	]`))
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "record 1") {
		t.Fatalf("DecodeCustomers() error = %v", err)
	}

	_, err = DecodeOrders([]byte(`[{"customerId":1,"totalAmount":"1.50"},{"customerId":2}]`))
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "record 1") {
		t.Fatalf("DecodeOrders(missing amount) error = %v", err)
	}

	orders, err := DecodeOrders([]byte(`[{"customerId":1,"totalAmount":"1.50"},{"customerId":2,"totalAmount":"2"}]`))
	if err != nil {
		t.Fatalf("DecodeOrders() error = %v", err)
	}
	if len(orders) != 2 || orders[1].Status != crm.OrderCompleted {
		t.Fatalf("DecodeOrders() = %#v", orders)
	}
}

func TestDecodeOrderAcceptsExplicitZeroAmount(t *testing.T) {
	in, err := DecodeOrder([]byte(`{"customerId":7,"totalAmount":"0"}`))
	if err != nil {
		t.Fatalf("DecodeOrder() error = %v", err)
	}
	if !in.TotalAmount.IsZero() {
		t.Fatalf("TotalAmount = %s, want 0", in.TotalAmount)
	}
}
