package core

// convert.go turns raw file cells into typed field values and back.
//
// Cells arrive with the usual spreadsheet noise: currency symbols and
// thousands separators in numbers, accounting negatives "(12.50)", Excel
// formula prefixes (="value"), several date layouts and boolean spellings.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// DateLayout is the canonical layout used when formatting dates.
const DateLayout = "2006-01-02"

var dateLayouts = []string{
	DateLayout, "2006/01/02", "2006.01.02",
	"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006",
	"Jan 2, 2006", "2 Jan 2006", "20060102",
	time.RFC3339,
}

// HeaderIndex maps lowercased header names to their column position.
type HeaderIndex map[string]int

// MakeHeaderIndex creates a HeaderIndex from a header row.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(CleanCell(h))
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// Lookup returns the cell for field name, or "" when the column is absent
// or the row is short.
func (h HeaderIndex) Lookup(row []string, name string) (string, bool) {
	pos, ok := h[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	if pos >= len(row) {
		return "", true
	}
	return row[pos], true
}

// CleanCell trims whitespace, Excel formula prefixes and surrounding quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// ParseCell converts a cleaned, non-empty cell to the Go value for spec.Type.
func ParseCell(spec FieldSpec, raw string) (any, error) {
	switch spec.Type {
	case FieldInt:
		f, ok := parseNumber(raw)
		if !ok || f != float64(int64(f)) {
			return nil, fmt.Errorf("%q is not a whole number", raw)
		}
		return int64(f), nil

	case FieldDecimal:
		f, ok := parseNumber(raw)
		if !ok {
			return nil, fmt.Errorf("%q is not a number", raw)
		}
		return f, nil

	case FieldBool:
		switch strings.ToLower(raw) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
		return nil, fmt.Errorf("%q must be yes/no, true/false or 1/0", raw)

	case FieldDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%q is not a date (use YYYY-MM-DD)", raw)

	case FieldEnum:
		for _, ev := range spec.EnumValues {
			if strings.EqualFold(ev, raw) {
				return ev, nil
			}
		}
		return nil, fmt.Errorf("must be one of: %s", strings.Join(spec.EnumValues, ", "))

	default:
		return raw, nil
	}
}

// parseNumber accepts currency symbols, thousands separators and the
// accounting negative format.
func parseNumber(s string) (float64, bool) {
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "").Replace(s)
	s = strings.TrimSpace(s)
	if !numericRegex.MatchString(s) {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

// FormatValue renders a field value the way ParseCell reads it back.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(DateLayout)
	default:
		return fmt.Sprint(x)
	}
}
