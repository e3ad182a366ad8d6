// Package render substitutes parameter values into query templates.
package render

import (
	"fmt"
	"time"

	"github.com/cbroglie/mustache"
)

// Render produces the executable query text from a mustache template and a
// parameter map. time.Time values are rendered as RFC3339 so the resulting
// text is stable for hashing.
func Render(template string, params map[string]any) (string, error) {
	normalized := make(map[string]any, len(params))
	for name, value := range params {
		if t, ok := value.(time.Time); ok {
			normalized[name] = t.UTC().Format(time.RFC3339)
		} else {
			normalized[name] = value
		}
	}

	rendered, err := mustache.Render(template, normalized)
	if err != nil {
		return "", fmt.Errorf("failed to render query template: %w", err)
	}
	return rendered, nil
}
