package ats

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Record is a loosely-typed ATS payload (submission or applicant detail).
// Field names vary between endpoints, so callers try several keys.
type Record map[string]any

// String returns the first non-empty value among keys, stringified.
func (r Record) String(keys ...string) string {
	for _, k := range keys {
		if s := stringify(r[k]); s != "" {
			return s
		}
	}
	return ""
}

// Has reports whether key holds a non-empty value.
func (r Record) Has(key string) bool {
	return stringify(r[key]) != ""
}

// Records returns the value at key as a slice of records.
func (r Record) Records(key string) []Record {
	raw, ok := r[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Record(m))
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
