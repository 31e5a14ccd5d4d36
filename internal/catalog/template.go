package catalog

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// placeholderPattern matches placeholders like {param_name} in endpoint templates.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]{1,64})\}`)

// Placeholders returns the unique placeholder names found in an endpoint
// template, in order of first appearance.
func Placeholders(tmpl string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(tmpl, -1)
	seen := map[string]bool{}
	var names []string
	for _, m := range matches {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// FillPath substitutes every {placeholder} in tmpl with the path-escaped
// matching value. All placeholders are checked before any substitution
// happens. A missing value returns ErrMissingPathValue and a value that could
// alter the URL structure returns ErrUnsafePathValue.
func FillPath(tmpl string, values map[string]string) (string, error) {
	for _, name := range Placeholders(tmpl) {
		v, ok := values[name]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrMissingPathValue, name)
		}
		if err := checkPathValue(v); err != nil {
			return "", fmt.Errorf("%w: %q %v", ErrUnsafePathValue, name, err)
		}
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		return url.PathEscape(values[match[1:len(match)-1]])
	}), nil
}

// checkPathValue rejects values that could escape a single path segment.
func checkPathValue(v string) error {
	if v == "" {
		return fmt.Errorf("empty value")
	}
	if v == "." || strings.Contains(v, "..") {
		return fmt.Errorf("dot segment")
	}
	if strings.ContainsAny(v, `/\?#%@:`) {
		return fmt.Errorf("reserved character")
	}
	for _, r := range v {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("control character")
		}
	}
	return nil
}
