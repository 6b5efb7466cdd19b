package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Sternrassler/price-harvester/pkg/partition"
)

// Product is one listing returned by the products API.
type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`

	// Raw is the object exactly as the API sent it. It is written back out
	// unchanged so fields this type does not model survive a harvest.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON accepts numeric or string ids and prices, and falls back
// to "title" when "name" is absent.
func (p *Product) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID    json.RawMessage     `json:"id"`
		Name  string              `json:"name"`
		Title string              `json:"title"`
		Price decimal.NullDecimal `json:"price"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode product: %w", err)
	}

	id := strings.TrimSpace(string(wire.ID))
	if strings.HasPrefix(id, `"`) {
		if err := json.Unmarshal(wire.ID, &id); err != nil {
			return fmt.Errorf("decode product id: %w", err)
		}
	} else if id == "null" {
		id = ""
	}

	*p = Product{
		ID:    id,
		Name:  wire.Name,
		Price: wire.Price.Decimal,
		Raw:   append(json.RawMessage(nil), data...),
	}
	if p.Name == "" {
		p.Name = wire.Title
	}
	return nil
}

// MarshalJSON writes Raw when present.
func (p Product) MarshalJSON() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	type plain Product
	return json.Marshal(plain(p))
}

// InRange reports whether the price lies within r.
func (p Product) InRange(r partition.Range) bool {
	return p.Price.GreaterThanOrEqual(decimal.NewFromInt(r.Lo)) &&
		p.Price.LessThanOrEqual(decimal.NewFromInt(r.Hi))
}
