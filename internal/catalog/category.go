package catalog

import (
	"github.com/JonMunkholm/catalog/internal/core"
)

// Category groups products. Products reference categories by slug.
type Category struct {
	ID     string `json:"id"`
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

var categoryDescriptor = &core.Descriptor{
	Kind:       "category",
	Label:      "Category",
	Table:      "categories",
	IDField:    "id",
	NaturalKey: []string{"slug"},
	Fields: []core.FieldSpec{
		{Name: "id", Type: core.FieldText},
		{Name: "slug", Type: core.FieldText, Required: true, Queryable: true, Sortable: true, MaxLen: 100, Normalizer: Slugify},
		{Name: "name", Type: core.FieldText, Required: true, Queryable: true, Sortable: true, MaxLen: 200},
		{Name: "parent", Type: core.FieldText, Queryable: true, Normalizer: Slugify},
	},
}

// CategoryDescriptor maps Category to records.
type CategoryDescriptor struct{}

func (CategoryDescriptor) Descriptor() *core.Descriptor { return categoryDescriptor }
func (CategoryDescriptor) ID(c Category) string         { return c.ID }

func (CategoryDescriptor) WithID(c Category, id string) Category {
	c.ID = id
	return c
}

func (CategoryDescriptor) ToRecord(c Category) core.Record {
	return core.Record{"id": c.ID, "slug": c.Slug, "name": c.Name, "parent": c.Parent}
}

func (CategoryDescriptor) FromRecord(r core.Record) (Category, error) {
	c := Category{
		ID:     str(r, "id"),
		Slug:   str(r, "slug"),
		Name:   str(r, "name"),
		Parent: str(r, "parent"),
	}
	if c.Slug == "" {
		return c, missing("slug")
	}
	return c, nil
}
