package transformer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultDateLayouts are tried in order when a CoerceSpec names no layouts.
// The first matches the floating timestamps served by Socrata endpoints.
var DefaultDateLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"01/02/2006 03:04:05 PM",
	"01/02/2006",
	"2006-01-02",
}

// CoerceSpec describes how to coerce string fields into typed values.
type CoerceSpec struct {
	// Types maps column name -> target type: "int" | "bool" | "date" | "text".
	// Unrecognized or missing types default to "text" (pass-through).
	Types map[string]string
	// Layouts are candidate date layouts; DefaultDateLayouts when empty.
	Layouts []string
	// Location interprets layouts without a zone. UTC when nil.
	Location *time.Location
	// Truthy/Falsy are optional custom boolean vocabularies.
	Truthy []string
	Falsy  []string
}

// kind enumerates the coercion operation for a column.
type kind uint8

const (
	kindText kind = iota
	kindInt
	kindBool
	kindDate
)

// Plan is a per-column coercion plan compiled once per column set. Using tiny
// closures keeps the per-row loop free of map lookups.
type Plan struct {
	cols []func(dst *any, s string) bool
}

// CompilePlan builds a Plan for columns (positional) from spec.
func CompilePlan(columns []string, spec CoerceSpec) Plan {
	cols := make([]func(dst *any, s string) bool, len(columns))

	truthy := lowerSet(spec.Truthy)
	falsy := lowerSet(spec.Falsy)
	customBools := len(truthy) > 0 || len(falsy) > 0

	layouts := spec.Layouts
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	loc := spec.Location
	if loc == nil {
		loc = time.UTC
	}

	for i, col := range columns {
		switch kindOf(spec.Types[col]) {
		case kindInt:
			cols[i] = func(dst *any, s string) bool {
				v, ok := toIntFast(s)
				if !ok {
					return false
				}
				*dst = v
				return true
			}
		case kindBool:
			cols[i] = func(dst *any, s string) bool {
				v, ok := toBoolFast(s, customBools, truthy, falsy)
				if !ok {
					return false
				}
				*dst = v
				return true
			}
		case kindDate:
			cols[i] = func(dst *any, s string) bool {
				t, ok := ParseDate(s, layouts, loc)
				if !ok {
					return false
				}
				*dst = t
				return true
			}
		default:
			cols[i] = func(dst *any, s string) bool {
				*dst = s
				return true
			}
		}
	}
	return Plan{cols: cols}
}

// Apply coerces r in place. Raw values are expected to be strings or nil.
// Blank cells become NULL, and so does any value that fails coercion: a bad
// date degrades to a missing date instead of rejecting the row. The number of
// non-blank values nulled by a failed coercion is returned.
func (p Plan) Apply(r *Row) (nulled int) {
	n := len(p.cols)
	if len(r.V) < n {
		n = len(r.V)
	}
	for i := 0; i < n; i++ {
		raw := r.V[i]
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue // already typed
		}
		s = cleanText(s)
		if s == "" {
			r.V[i] = nil
			continue
		}
		if !p.cols[i](&r.V[i], s) {
			r.V[i] = nil
			nulled++
		}
	}
	return nulled
}

// ParseDate tries layouts in order and reports whether any matched.
func ParseDate(s string, layouts []string, loc *time.Location) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ValidateSpecSanity returns an error if spec mentions columns that are not
// in columns or names an unknown type.
func ValidateSpecSanity(columns []string, spec CoerceSpec) error {
	pos := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		pos[c] = struct{}{}
	}
	for k, typ := range spec.Types {
		if _, ok := pos[k]; !ok {
			return fmt.Errorf("coerce spec references unknown column %q", k)
		}
		switch strings.ToLower(typ) {
		case "", "text", "string", "int", "bool", "date":
		default:
			return fmt.Errorf("coerce spec: column %q has unknown type %q", k, typ)
		}
	}
	return nil
}

func kindOf(typ string) kind {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "int":
		return kindInt
	case "bool":
		return kindBool
	case "date", "timestamp":
		return kindDate
	default:
		return kindText
	}
}

// cleanText trims surrounding whitespace, including non-breaking spaces that
// leak in from spreadsheet exports.
func cleanText(s string) string {
	if strings.IndexByte(s, 0xC2) >= 0 {
		s = strings.ReplaceAll(s, "\u00a0", " ")
	}
	return strings.TrimSpace(s)
}

func lowerSet(in []string) map[string]struct{} {
	if len(in) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		m[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return m
}

// toIntFast parses integers and only falls back to float parsing when the
// field contains a '.' (inputs like "10001.0" from spreadsheet exports).
func toIntFast(s string) (int64, bool) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if strings.IndexByte(s, '.') >= 0 {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
			return int64(f), true
		}
	}
	return 0, false
}

func toBoolFast(s string, custom bool, truthy, falsy map[string]struct{}) (bool, bool) {
	ls := strings.ToLower(s)
	if custom {
		if _, ok := truthy[ls]; ok {
			return true, true
		}
		if _, ok := falsy[ls]; ok {
			return false, true
		}
		return false, false
	}
	switch ls {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	default:
		return false, false
	}
}
