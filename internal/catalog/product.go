package catalog

import (
	"github.com/JonMunkholm/catalog/internal/core"
)

// Product statuses.
const (
	StatusActive   = "active"
	StatusDraft    = "draft"
	StatusArchived = "archived"
)

// Product is a sellable catalog item. SKU is its natural key: importing the
// same SKU twice updates one product.
type Product struct {
	ID       string  `json:"id"`
	SKU      string  `json:"sku"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Stock    int64   `json:"stock"`
	Status   string  `json:"status"`
	Category string  `json:"category,omitempty"`
}

var productDescriptor = &core.Descriptor{
	Kind:       "product",
	Label:      "Product",
	Table:      "products",
	IDField:    "id",
	NaturalKey: []string{"sku"},
	Fields: []core.FieldSpec{
		{Name: "id", Type: core.FieldText},
		{Name: "sku", Type: core.FieldText, Required: true, Queryable: true, Sortable: true, MaxLen: 64, Normalizer: NormalizeSKU},
		{Name: "name", Type: core.FieldText, Required: true, Queryable: true, Sortable: true, MaxLen: 200},
		{Name: "price", Type: core.FieldDecimal, Required: true, Queryable: true, Sortable: true, Min: core.Float(0)},
		{Name: "stock", Column: "stock_qty", Type: core.FieldInt, Queryable: true, Sortable: true, Min: core.Float(0)},
		{Name: "status", Type: core.FieldEnum, Queryable: true, EnumValues: []string{StatusActive, StatusDraft, StatusArchived}},
		{Name: "category", Type: core.FieldText, Queryable: true, Sortable: true, Normalizer: Slugify},
	},
}

// ProductDescriptor maps Product to records.
type ProductDescriptor struct{}

func (ProductDescriptor) Descriptor() *core.Descriptor { return productDescriptor }
func (ProductDescriptor) ID(p Product) string           { return p.ID }

func (ProductDescriptor) WithID(p Product, id string) Product {
	p.ID = id
	return p
}

func (ProductDescriptor) ToRecord(p Product) core.Record {
	return core.Record{
		"id":       p.ID,
		"sku":      p.SKU,
		"name":     p.Name,
		"price":    p.Price,
		"stock":    p.Stock,
		"status":   p.Status,
		"category": p.Category,
	}
}

func (ProductDescriptor) FromRecord(r core.Record) (Product, error) {
	p := Product{
		ID:       str(r, "id"),
		SKU:      str(r, "sku"),
		Name:     str(r, "name"),
		Status:   str(r, "status"),
		Category: str(r, "category"),
	}
	price, ok := float(r, "price")
	if !ok {
		return p, missing("price")
	}
	p.Price = price
	p.Stock, _ = integer(r, "stock")
	if p.Status == "" {
		p.Status = StatusActive
	}
	return p, nil
}
