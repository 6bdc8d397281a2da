package kernelvm

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
)

// Reference tags understood by Resolve.
const (
	RefField = "field"
	RefData  = "data_key"
	RefInput = "input_field"
)

var referenceTags = []string{RefField, RefData, RefInput}

// ReferenceOf reports the tag and path of a value reference. A map is a
// reference only when exactly one tag is present and its value is a string.
func ReferenceOf(v any) (tag, path string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return "", "", false
	}
	found := 0
	for _, t := range referenceTags {
		raw, has := m[t]
		if !has {
			continue
		}
		s, isString := raw.(string)
		if !isString {
			return "", "", false
		}
		tag, path = t, s
		found++
	}
	if found != 1 {
		return "", "", false
	}
	return tag, path, true
}

func IsFieldReference(v any) bool {
	tag, _, ok := ReferenceOf(v)
	return ok && tag == RefField
}

func IsDataReference(v any) bool {
	tag, _, ok := ReferenceOf(v)
	return ok && tag == RefData
}

func IsInputReference(v any) bool {
	tag, _, ok := ReferenceOf(v)
	return ok && tag == RefInput
}

// Resolve turns a value reference into a concrete value. Literals are
// returned unchanged; a path that does not exist resolves to nil.
func Resolve(ref any, ectx *contracts.EvaluationContext, input any) any {
	tag, path, ok := ReferenceOf(ref)
	if !ok {
		return ref
	}
	switch tag {
	case RefField:
		if ectx == nil {
			return nil
		}
		return Lookup(ectx.EntityData, path)
	case RefData:
		if ectx == nil {
			return nil
		}
		return Lookup(ectx.Data, path)
	default:
		return Lookup(input, path)
	}
}

// Lookup walks a dotted path ("a.b.0.c") through nested maps and slices.
// Numeric segments index into slices. The empty path addresses obj itself.
func Lookup(obj any, path string) any {
	if path == "" {
		return obj
	}
	cur := obj
	for _, seg := range strings.Split(path, ".") {
		next, ok := step(cur, seg)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func step(cur any, seg string) (any, bool) {
	switch c := cur.(type) {
	case nil:
		return nil, false
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case []any:
		idx, ok := index(seg, len(c))
		if !ok {
			return nil, false
		}
		return c[idx], true
	}

	rv := reflect.ValueOf(cur)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, ok := index(seg, rv.Len())
		if !ok {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	default:
		return nil, false
	}
}

func index(seg string, n int) (int, bool) {
	idx, err := strconv.Atoi(seg)
	if err != nil || idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

// ToFloat coerces numbers and numeric strings. Booleans, nil, NaN and
// non-numeric strings are reported as non-numeric.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// ToSlice coerces a resolved value into a list. Slices are returned as
// []any, nil becomes an empty list and any other value a one-element list.
func ToSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return []any{}, false
	case []any:
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return []any{v}, false
}
