package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/crmpipe/crmpipe/internal/crm"
)

var (
	ErrDecode  = errors.New("ingest: undecodable payload")
	ErrInvalid = errors.New("ingest: invalid record")
)

// maxOrderAmount is the first value that no longer fits NUMERIC(10, 2).
var maxOrderAmount = decimal.New(1, 8)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func DecodeCustomer(payload []byte) (crm.CustomerInput, error) {
	var in crm.CustomerInput
	if err := decodeStrict(payload, &in); err != nil {
		return crm.CustomerInput{}, err
	}
	in = normalizeCustomer(in)
	if err := validateCustomer(in); err != nil {
		return crm.CustomerInput{}, err
	}
	return in, nil
}

func DecodeCustomers(payload []byte) ([]crm.CustomerInput, error) {
	var in []crm.CustomerInput
	if err := decodeStrict(payload, &in); err != nil {
		return nil, err
	}
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalid)
	}
	for i := range in {
		in[i] = normalizeCustomer(in[i])
		if err := validateCustomer(in[i]); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return in, nil
}

// orderPayload shadows TotalAmount with a pointer so a missing or null
// amount is told apart from an explicit zero.
type orderPayload struct {
	crm.OrderInput
	TotalAmount *decimal.Decimal `json:"totalAmount"`
}

func (p orderPayload) order() (crm.OrderInput, error) {
	if p.TotalAmount == nil {
		return crm.OrderInput{}, fmt.Errorf("%w: totalAmount is required", ErrInvalid)
	}
	in := p.OrderInput
	in.TotalAmount = *p.TotalAmount
	in = normalizeOrder(in)
	if err := validateOrder(in); err != nil {
		return crm.OrderInput{}, err
	}
	return in, nil
}

func DecodeOrder(payload []byte) (crm.OrderInput, error) {
	var p orderPayload
	if err := decodeStrict(payload, &p); err != nil {
		return crm.OrderInput{}, err
	}
	return p.order()
}

func DecodeOrders(payload []byte) ([]crm.OrderInput, error) {
	var raw []orderPayload
	if err := decodeStrict(payload, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalid)
	}
	in := make([]crm.OrderInput, len(raw))
	for i := range raw {
		order, err := raw[i].order()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		in[i] = order
	}
	return in, nil
}

func decodeStrict(payload []byte, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON value", ErrDecode)
	}
	return nil
}

func normalizeCustomer(in crm.CustomerInput) crm.CustomerInput {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	return in
}

// normalizeOrder rounds the amount to cents the same way the store column
// does, so the aggregate delta matches the persisted value.
func normalizeOrder(in crm.OrderInput) crm.OrderInput {
	if in.Status == "" {
		in.Status = crm.OrderCompleted
	}
	in.TotalAmount = in.TotalAmount.Round(2)
	in.ShippingAddress = strings.TrimSpace(in.ShippingAddress)
	in.PaymentMethod = strings.TrimSpace(in.PaymentMethod)
	return in
}

func validateCustomer(in crm.CustomerInput) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, describeValidation(err))
	}
	return nil
}

func validateOrder(in crm.OrderInput) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, describeValidation(err))
	}
	if in.TotalAmount.IsNegative() {
		return fmt.Errorf("%w: totalAmount must be >= 0", ErrInvalid)
	}
	if in.TotalAmount.GreaterThanOrEqual(maxOrderAmount) {
		return fmt.Errorf("%w: totalAmount must be < %s", ErrInvalid, maxOrderAmount)
	}
	if len(in.Items) > 0 && !json.Valid(in.Items) {
		return fmt.Errorf("%w: items must be valid JSON", ErrInvalid)
	}
	return nil
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
