package catalog

import (
	"strings"
	"unicode"
)

// NormalizeSKU upper-cases a SKU and drops inner whitespace, so "ab 12" and
// "AB12" import as the same product.
func NormalizeSKU(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Slugify lower-cases s and joins its words with hyphens.
// "Home & Garden" becomes "home-garden".
func Slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}
