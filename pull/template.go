package pull

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{item\.([A-Za-z0-9_.\-]+)\}`)

// Expand substitutes {item.<dotted.path>} placeholders in s with values
// from item. A placeholder whose path resolves to nothing becomes the
// empty string.
func Expand(s string, item map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSuffix(strings.TrimPrefix(m, "{item."), "}")
		v, ok := lookupPath(item, path)
		if !ok {
			return ""
		}
		return formatValue(v)
	})
}

// BuildURL expands placeholders in the base URL and parameter values,
// then appends the parameters as a query string. Parameters are appended
// in key order so the same inputs always yield the same URL.
func BuildURL(base string, params map[string]string, item map[string]any) (string, error) {
	expanded := Expand(base, item)
	u, err := url.Parse(expanded)
	if err != nil {
		return "", fmt.Errorf("pull: parse url %q: %w", expanded, err)
	}
	if len(params) > 0 {
		q := u.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, Expand(params[k], item))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// lookupPath walks a dotted path through nested maps.
func lookupPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// formatValue renders a resolved value for URL use. JSON numbers decode
// as float64; integral values print without a decimal point and 1.23
// prints as "1.23", not in exponent form.
func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
