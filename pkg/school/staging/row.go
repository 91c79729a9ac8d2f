package staging

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one untyped staging record as decoded from a snapshot line. It
// carries only source-system fields; warehouse keys are assigned
// downstream.
type Row map[string]any

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Int64 reads a required integer field. Source extracts are loosely
// typed, so JSON numbers and numeric strings are both accepted.
func (r Row) Int64(key string) (int64, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing field %q", key)
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("field %q: %v is not an integer", key, n)
		}
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("field %q: unsupported type %T", key, v)
	}
}

// OptionalInt64 reads an integer field, reporting absence without error.
func (r Row) OptionalInt64(key string) (int64, bool, error) {
	if v, ok := r[key]; !ok || v == nil {
		return 0, false, nil
	}
	n, err := r.Int64(key)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// String reads a text field, falling back to def when absent or null.
func (r Row) String(key, def string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Decimal reads a monetary field. Absent and null read as zero.
func (r Row) Decimal(key string) (decimal.Decimal, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return decimal.Zero, nil
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero, fmt.Errorf("field %q: %w", key, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("field %q: unsupported type %T", key, v)
	}
}

// Time reads a timestamp field. Absent and null read as the zero time.
func (r Row) Time(key string) (time.Time, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("field %q: unsupported type %T", key, v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("field %q: unparseable timestamp %q", key, s)
}
