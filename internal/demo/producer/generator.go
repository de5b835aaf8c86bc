package producer

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crmpipe/crmpipe/internal/crm"
)

var (
	firstNames = []string{"Ada", "Grace", "Linus", "Margaret", "Ken", "Barbara", "Dennis", "Frances"}
	lastNames  = []string{"Lovelace", "Hopper", "Torvalds", "Hamilton", "Thompson", "Liskov", "Ritchie", "Allen"}
	payments   = []string{"card", "paypal", "bank_transfer", "voucher"}
	cities     = []string{"Berlin", "London", "Austin", "Pune", "Osaka", "Recife"}
)

type Generator struct {
	rnd        *rand.Rand
	producerID string
	run        string
	customers  int
	sequence   int64
	now        func() time.Time
}

// NewGenerator returns a deterministic generator for seed. Orders reference
// customer ids 1..customers.
func NewGenerator(seed int64, producerID string, customers int) *Generator {
	return &Generator{
		rnd:        rand.New(rand.NewSource(seed)),
		producerID: producerID,
		run:        fmt.Sprintf("%06x", uint64(seed)&0xffffff),
		customers:  customers,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (g *Generator) NextCustomer() crm.CustomerInput {
	g.sequence++
	return crm.CustomerInput{
		FirstName: pickOne(g.rnd, firstNames),
		LastName:  pickOne(g.rnd, lastNames),
		Email:     fmt.Sprintf("%s-%s-%06d@example.com", g.producerID, g.run, g.sequence),
		Phone:     fmt.Sprintf("+1-555-%04d", g.rnd.Intn(10000)),
	}
}

func (g *Generator) NextOrder() crm.OrderInput {
	g.sequence++
	orderedAt := g.now()
	return crm.OrderInput{
		CustomerID:      int64(g.rnd.Intn(g.customers) + 1),
		OrderDate:       &orderedAt,
		TotalAmount:     decimal.New(int64(500+g.rnd.Intn(29500)), -2),
		Status:          g.pickStatus(),
		Items:           g.items(),
		ShippingAddress: fmt.Sprintf("%d Demo Street, %s", g.rnd.Intn(200)+1, pickOne(g.rnd, cities)),
		PaymentMethod:   pickOne(g.rnd, payments),
	}
}

func (g *Generator) pickStatus() crm.OrderStatus {
	p := g.rnd.Intn(100)
	switch {
	case p < 80:
		return crm.OrderCompleted
	case p < 92:
		return crm.OrderPending
	case p < 97:
		return crm.OrderCancelled
	default:
		return crm.OrderRefunded
	}
}

func (g *Generator) items() json.RawMessage {
	type item struct {
		SKU      string `json:"sku"`
		Quantity int    `json:"quantity"`
	}
	lines := make([]item, g.rnd.Intn(3)+1)
	for i := range lines {
		lines[i] = item{SKU: fmt.Sprintf("SKU-%04d", g.rnd.Intn(500)), Quantity: g.rnd.Intn(4) + 1}
	}
	raw, _ := json.Marshal(lines)
	return raw
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}
