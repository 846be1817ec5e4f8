package credit

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownType is returned when a purchase names a data type with no
// configured unit price.
var ErrUnknownType = errors.New("unknown data type")

// PriceTable maps data types to their unit price in credits. Prices are
// mutable at runtime through the admin API.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]int64
}

// NewPriceTable creates a table seeded with the given prices.
func NewPriceTable(seed map[string]int64) *PriceTable {
	prices := make(map[string]int64, len(seed))
	for typ, price := range seed {
		prices[typ] = price
	}
	return &PriceTable{prices: prices}
}

// LoadPriceTable reads a YAML file of the form:
//
//	prices:
//	  email: 5
//	  phone: 10
func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	var doc struct {
		Prices map[string]int64 `yaml:"prices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	return NewPriceTable(doc.Prices), nil
}

// Price returns the unit price for a data type.
func (p *PriceTable) Price(typ string) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[typ]
	if !ok {
		return 0, ErrUnknownType
	}
	return price, nil
}

// SetPrice sets or updates the unit price for a data type.
func (p *PriceTable) SetPrice(typ string, price int64) error {
	if price <= 0 {
		return fmt.Errorf("unit price must be positive, got %d", price)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[typ] = price
	return nil
}

// All returns a copy of the current price map.
func (p *PriceTable) All() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]int64, len(p.prices))
	for typ, price := range p.prices {
		out[typ] = price
	}
	return out
}
