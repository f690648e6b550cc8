package rule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// NormalizeName coerces any persisted "name" value into the canonical
// comparison key: trimmed, lower-cased, always a string. Upstream producers
// have historically written null and even numeric names; those rows must
// stay searchable, so the contract here is coerce-and-continue, never
// validate-and-reject. No input may cause a panic.
func NormalizeName(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s = x
	case fmt.Stringer:
		s = x.String()
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case bool:
		s = strconv.FormatBool(x)
	default:
		s = fmt.Sprint(x)
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeRaw normalizes a name field taken straight out of a JSON
// document. gjson already coerces numbers and booleans to their string
// forms and maps a missing or null field to "".
func NormalizeRaw(res gjson.Result) string {
	if !res.Exists() || res.Type == gjson.Null {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(res.String()))
}
