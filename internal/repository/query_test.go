package repository

import (
	"errors"
	"testing"

	"github.com/JonMunkholm/catalog/internal/core"
)

func TestNormalizeFilter_OrderInsensitive(t *testing.T) {
	a := Filter{
		{Field: "sku", Op: OpEq, Value: "A-1"},
		{Field: "price", Op: OpGt, Value: "10"},
	}
	b := Filter{
		{Field: "PRICE", Op: "GT", Value: 10},
		{Field: "sku", Value: "A-1"},
		{Field: "sku", Op: OpEq, Value: "A-1"},
	}

	na, err := NormalizeFilter(widgetDescriptor, a)
	if err != nil {
		t.Fatalf("normalize a: %v", err)
	}
	nb, err := NormalizeFilter(widgetDescriptor, b)
	if err != nil {
		t.Fatalf("normalize b: %v", err)
	}
	if len(nb) != 2 {
		t.Fatalf("duplicate condition not removed: %v", nb)
	}

	fa := Fingerprint("widget", "rows", Query{Filter: na})
	fb := Fingerprint("widget", "rows", Query{Filter: nb})
	if fa != fb {
		t.Errorf("fingerprints differ: %s vs %s", fa, fb)
	}
}

func TestFingerprint_DistinguishesQueries(t *testing.T) {
	base, _ := Normalize(widgetDescriptor, Query{Filter: Filter{{Field: "name", Value: "1"}}})
	other, _ := Normalize(widgetDescriptor, Query{Filter: Filter{{Field: "name", Value: "2"}}})
	paged, _ := Normalize(widgetDescriptor, Query{Filter: base.Filter, Page: Page{Number: 2}})
	desc, _ := Normalize(widgetDescriptor, Query{Filter: base.Filter, Sort: []SortSpec{{Field: "name", Desc: true}}})

	seen := map[string]string{}
	for name, q := range map[string]Query{"base": base, "other": other, "paged": paged, "desc": desc} {
		fp := Fingerprint("widget", "rows", q)
		if prev, ok := seen[fp]; ok {
			t.Errorf("%s and %s share fingerprint %s", name, prev, fp)
		}
		seen[fp] = name
	}

	if Fingerprint("widget", "rows", base) == Fingerprint("widget", "count", base) {
		t.Error("rows and count shapes should not collide")
	}
	if Fingerprint("widget", "rows", base) == Fingerprint("gadget", "rows", base) {
		t.Error("kinds should not collide")
	}
}

func TestSignature_SeparatorsInValues(t *testing.T) {
	split := Query{Filter: Filter{{Field: "name", Op: OpIn, Value: []any{"a", "b"}}}}
	joined := Query{Filter: Filter{{Field: "name", Op: OpIn, Value: []any{"a\x1fstring:b"}}}}

	if Signature("widget", "rows", split) == Signature("widget", "rows", joined) {
		t.Error("a value holding separator bytes should not match a two-value list")
	}
}

func TestNormalizeFilter_Errors(t *testing.T) {
	tests := []struct {
		name string
		f    Filter
	}{
		{"unknown field", Filter{{Field: "color", Value: "red"}}},
		{"not queryable", Filter{{Field: "stock", Value: "3"}}},
		{"bad operator", Filter{{Field: "sku", Op: "like", Value: "x"}}},
		{"bad number", Filter{{Field: "price", Op: OpGt, Value: "cheap"}}},
		{"empty in", Filter{{Field: "sku", Op: OpIn, Value: " , "}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeFilter(widgetDescriptor, tt.f)
			if !errors.Is(err, core.ErrInvalidFilter) {
				t.Errorf("expected ErrInvalidFilter, got %v", err)
			}
		})
	}
}

func TestNormalizeSort_AppendsIdentifier(t *testing.T) {
	got, err := NormalizeSort(widgetDescriptor, []SortSpec{{Field: "Price", Desc: true}})
	if err != nil {
		t.Fatal(err)
	}
	want := []SortSpec{{Field: "price", Desc: true}, {Field: "id"}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}

	got, err = NormalizeSort(widgetDescriptor, []SortSpec{{Field: "id", Desc: true}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("identifier sort should not be duplicated: %v", got)
	}
}

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		in, want Page
	}{
		{Page{}, Page{Number: 1, Size: DefaultPageSize}},
		{Page{Number: 3, Size: 20}, Page{Number: 3, Size: 20}},
		{Page{Number: -1, Size: 5000}, Page{Number: 1, Size: MaxPageSize}},
	}
	for _, tt := range tests {
		if got := NormalizePage(tt.in); got != tt.want {
			t.Errorf("NormalizePage(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if off := (Page{Number: 3, Size: 20}).Offset(); off != 40 {
		t.Errorf("Offset = %d, want 40", off)
	}
}
