// Package catalog defines the catalog's entity kinds and wires them to
// repositories. Kinds are registered explicitly by the caller; nothing is
// registered at import time.
package catalog

import (
	"fmt"

	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/repository"
)

// Repositories holds one repository per catalog kind.
type Repositories struct {
	Products   *repository.Repository[Product]
	Categories *repository.Repository[Category]
}

// NewRepositories builds the repositories over a shared storage and cache.
func NewRepositories(storage repository.Storage, c repository.Cache, opts ...repository.Option) Repositories {
	return Repositories{
		Products:   repository.New[Product](storage, c, ProductDescriptor{}, opts...),
		Categories: repository.New[Category](storage, c, CategoryDescriptor{}, opts...),
	}
}

// Bindings returns a registry resolving each kind to its repository.
func (r Repositories) Bindings() *core.Registry[repository.Binding] {
	reg := core.NewRegistry[repository.Binding]()
	reg.Register(r.Products)
	reg.Register(r.Categories)
	return reg
}

// Descriptors lists every catalog kind.
func Descriptors() []*core.Descriptor {
	return []*core.Descriptor{categoryDescriptor, productDescriptor}
}

// record accessors tolerate the numeric types each storage returns.

func str(r core.Record, field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func float(r core.Record, field string) (float64, bool) {
	switch v := r[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

func integer(r core.Record, field string) (int64, bool) {
	switch v := r[field].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

func missing(field string) error {
	return &core.ValidationError{Field: field, Message: "missing " + field}
}
