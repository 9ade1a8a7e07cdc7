// Package serialize converts arbitrary Go values into size-bounded,
// cycle-safe trees that marshal cleanly to JSON. Every value has a
// representation; normalization never fails.
package serialize

import (
	"fmt"
	"math"
	"reflect"
	"time"
)

// MaskFunc transforms string leaves before they are recorded. It must be
// pure and fast; it runs synchronously on the record path.
type MaskFunc func(string) string

const (
	// MaxStringLen caps every string leaf. Longer strings are cut and
	// suffixed with a truncation marker.
	MaxStringLen = 4096

	// maxDepth bounds nesting so deeply recursive structures cannot
	// produce unbounded output.
	maxDepth = 10

	// maxElements bounds the number of entries taken from any single
	// slice, array, or map.
	maxElements = 256

	truncationMarker = "...[truncated]"
	circularMarker   = "[circular reference]"
	depthMarker      = "[max depth exceeded]"
)

// Normalize converts v into a JSON-safe tree: maps, slices, strings,
// bools, and float64/int64 numbers. Cycles render as a circular marker,
// unrepresentable values (functions, channels, binary buffers) as short
// descriptive placeholders. If mask is non-nil it is applied to every
// string leaf.
func Normalize(v any, mask MaskFunc) any {
	w := walker{mask: mask, seen: make(map[uintptr]bool)}
	return w.walk(reflect.ValueOf(v), 0)
}

// NormalizeError renders an error for inclusion in a payload, preferring
// the most detailed text available. A nil error renders as "".
func NormalizeError(err error, mask MaskFunc) string {
	if err == nil {
		return ""
	}
	var s string
	if f, ok := err.(fmt.Formatter); ok {
		// Errors carrying stack traces expose them through %+v.
		s = fmt.Sprintf("%+v", f)
	} else {
		s = err.Error()
	}
	return Truncate(applyMask(s, mask))
}

// Truncate caps s at MaxStringLen, appending a marker when cut.
func Truncate(s string) string {
	if len(s) <= MaxStringLen {
		return s
	}
	return s[:MaxStringLen] + truncationMarker
}

func applyMask(s string, mask MaskFunc) string {
	if mask == nil {
		return s
	}
	return mask(s)
}

type walker struct {
	mask MaskFunc
	seen map[uintptr]bool
}

func (w *walker) walk(rv reflect.Value, depth int) any {
	if !rv.IsValid() {
		return nil
	}
	if depth > maxDepth {
		return depthMarker
	}

	// Honor error and Stringer before structural inspection so wrapped
	// errors and opaque types keep their intended text form.
	if rv.CanInterface() {
		switch x := rv.Interface().(type) {
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano)
		case time.Duration:
			return x.String()
		case error:
			return NormalizeError(x, w.mask)
		case []byte:
			return fmt.Sprintf("[binary data: %d bytes]", len(x))
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()

	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		switch {
		case math.IsNaN(f):
			return "NaN"
		case math.IsInf(f, 1):
			return "Infinity"
		case math.IsInf(f, -1):
			return "-Infinity"
		}
		return f

	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprintf("%v", rv.Complex())

	case reflect.String:
		return Truncate(applyMask(rv.String(), w.mask))

	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return w.walk(rv.Elem(), depth)

	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if w.seen[ptr] {
			return circularMarker
		}
		w.seen[ptr] = true
		out := w.walk(rv.Elem(), depth)
		delete(w.seen, ptr)
		return out

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if w.seen[ptr] {
			return circularMarker
		}
		w.seen[ptr] = true
		out := w.walkSequence(rv, depth)
		delete(w.seen, ptr)
		return out

	case reflect.Array:
		return w.walkSequence(rv, depth)

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if w.seen[ptr] {
			return circularMarker
		}
		w.seen[ptr] = true
		out := w.walkMap(rv, depth)
		delete(w.seen, ptr)
		return out

	case reflect.Struct:
		return w.walkStruct(rv, depth)

	case reflect.Func:
		return fmt.Sprintf("[function %s]", rv.Type().String())

	case reflect.Chan:
		return fmt.Sprintf("[channel %s]", rv.Type().String())

	default:
		return Truncate(fmt.Sprintf("[unsupported %s]", rv.Kind()))
	}
}

func (w *walker) walkSequence(rv reflect.Value, depth int) any {
	n := rv.Len()
	limit := n
	if limit > maxElements {
		limit = maxElements
	}
	out := make([]any, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, w.walk(rv.Index(i), depth+1))
	}
	if n > limit {
		out = append(out, fmt.Sprintf("[%d more elements truncated]", n-limit))
	}
	return out
}

func (w *walker) walkMap(rv reflect.Value, depth int) any {
	out := make(map[string]any, rv.Len())
	count := 0
	iter := rv.MapRange()
	for iter.Next() {
		if count >= maxElements {
			out["[truncated]"] = fmt.Sprintf("%d more entries", rv.Len()-count)
			break
		}
		key := mapKey(iter.Key())
		out[key] = w.walk(iter.Value(), depth+1)
		count++
	}
	return out
}

func (w *walker) walkStruct(rv reflect.Value, depth int) any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			if comma := indexComma(tag); comma > 0 {
				name = tag[:comma]
			} else if comma < 0 && tag != "" {
				name = tag
			}
		}
		out[name] = w.walk(rv.Field(i), depth+1)
	}
	return out
}

func indexComma(tag string) int {
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return i
		}
	}
	return -1
}

func mapKey(rv reflect.Value) string {
	if rv.Kind() == reflect.String {
		return Truncate(rv.String())
	}
	return Truncate(fmt.Sprintf("%v", rv.Interface()))
}
