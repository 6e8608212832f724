// Package convert provides type conversion utilities.
package convert

import (
	"encoding/json"
	"math"
)

// Number reports v as float64 when it holds a numeric value. Strings are
// not parsed.
func Number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case uint32:
		f = float64(t)
	case json.Number:
		var err error
		if f, err = t.Float64(); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ToFloat64 is Number without the ok flag.
func ToFloat64(v any) float64 {
	f, _ := Number(v)
	return f
}
