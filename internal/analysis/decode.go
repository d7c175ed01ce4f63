package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// maxDecodeDepth bounds how many times a string is JSON-decoded again when
// the decoded value is itself a string.
const maxDecodeDepth = 3

var (
	errNotObject    = errors.New("not a JSON object")
	errTrailingData = errors.New("trailing data after JSON value")
)

// decodeJSON decodes s, and decodes again while the result is still a string.
func decodeJSON(s string) (any, error) {
	var v any = s
	for depth := 0; depth < maxDecodeDepth; depth++ {
		str, ok := v.(string)
		if !ok {
			return v, nil
		}
		dec := json.NewDecoder(strings.NewReader(str))
		dec.UseNumber()
		var next any
		err := dec.Decode(&next)
		if err == nil {
			if _, tokErr := dec.Token(); tokErr != io.EOF {
				err = errTrailingData
			}
		}
		if err != nil {
			if depth == 0 {
				return nil, err
			}
			// a string that is not JSON is a plain value
			return str, nil
		}
		v = next
	}
	return v, nil
}

// asObject accepts an object or a string holding an encoded object.
func asObject(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case string:
		decoded, err := decodeJSON(t)
		if err != nil {
			return nil, err
		}
		if m, ok := decoded.(map[string]any); ok {
			return m, nil
		}
		return nil, fmt.Errorf("encoded %T: %w", decoded, errNotObject)
	default:
		return nil, fmt.Errorf("%T: %w", v, errNotObject)
	}
}

// asList accepts an array, a single object or a string holding either.
func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		list := make([]any, len(t))
		for i, s := range t {
			list[i] = s
		}
		return list, true
	case map[string]any:
		return []any{t}, true
	case string:
		decoded, err := decodeJSON(t)
		if err != nil {
			return nil, false
		}
		if _, again := decoded.(string); again {
			return nil, false
		}
		return asList(decoded)
	default:
		return nil, false
	}
}

// asString renders scalars as text. Objects, arrays and null are rejected.
func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// asInt accepts integral numbers in any representation, including numeric
// strings such as "001" or "2.0".
func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case float64:
		return integral(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
		if f, err := t.Float64(); err == nil {
			return integral(f)
		}
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return integral(f)
		}
		return 0, false
	default:
		return 0, false
	}
}

func integral(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// lookup returns the first key of keys present in m with a non-null value.
func lookup(m map[string]any, keys ...string) (any, string, bool) {
	if m == nil {
		return nil, "", false
	}
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, k, true
		}
	}
	return nil, "", false
}

func stringPtr(s string) *string {
	return &s
}
