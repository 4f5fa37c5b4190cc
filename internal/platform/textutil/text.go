// Package textutil cleans strings that originate outside the service before they are
// echoed back to clients or attached to messages.
package textutil

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var strictPolicy = bluemonday.StrictPolicy()

// CleanProviderText strips markup from provider supplied text, NFC normalises it and
// collapses runs of whitespace.
func CleanProviderText(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	stripped := html.UnescapeString(strictPolicy.Sanitize(value))
	return strings.Join(strings.Fields(norm.NFC.String(stripped)), " ")
}

// NormalizeAttributes trims keys and values, dropping entries with empty keys or values.
func NormalizeAttributes(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
