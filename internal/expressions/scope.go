package expressions

import (
	"time"
)

// RowScope is the data every engine evaluates against for a query result:
//
//	rows      the result rows
//	count     len(rows)
//	first     rows[0], or an empty object
//	metadata  run metadata, or an empty object
func RowScope(rows []map[string]any, metadata map[string]any) map[string]any {
	list := each(rows, func(r map[string]any) any { return object(r) })
	first := map[string]any{}
	if len(list) > 0 {
		first = list[0].(map[string]any)
	}
	return map[string]any{
		"rows":     list,
		"count":    len(rows),
		"first":    first,
		"metadata": object(metadata),
	}
}

// Normalize rewrites v into JSON-shaped values (int, float64, string, bool,
// nil, []any, map[string]any) so expr, CEL and jq all see the same data.
// Times become RFC 3339 strings in UTC. Other types pass through.
func Normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return object(x)
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	case []any:
		return each(x, Normalize)
	case []map[string]any:
		return each(x, func(r map[string]any) any { return object(r) })
	case []string:
		return each(x, func(s string) any { return s })
	case int8:
		return int(x)
	case int16:
		return int(x)
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint8:
		return int(x)
	case uint16:
		return int(x)
	case uint32:
		return int(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	return v
}

// object normalizes every value of m. A nil map becomes an empty one.
func object(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Normalize(v)
	}
	return out
}

func each[T any](in []T, f func(T) any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}
