package adapter

import (
	"fmt"
	"regexp"
	"strings"
)

// Renderer builds message bodies. Implementations must stay restricted to
// variable interpolation and simple conditionals.
type Renderer interface {
	Render(template string, variables map[string]any) (string, error)
}

var (
	conditionalPattern = regexp.MustCompile(`(?s)\{\{#if\s+([\w.]+)\s*\}\}(.*?)(?:\{\{else\}\}(.*?))?\{\{/if\}\}`)
	variablePattern    = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)
)

// TemplateRenderer supports {{ name }}, dotted lookups such as {{ user.name }}
// and non-nested {{#if name}}...{{else}}...{{/if}} blocks. Missing variables
// render as empty strings.
type TemplateRenderer struct{}

// NewTemplateRenderer returns the default Renderer.
func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

// Render resolves {{#if}} blocks first, then substitutes {{name}} and
// {{a.b}} variables. Missing variables render as empty strings.
func (r *TemplateRenderer) Render(template string, variables map[string]any) (string, error) {
	if strings.Contains(template, "{{#each") || strings.Contains(template, "{{#for") {
		return "", fmt.Errorf("render: loops are not supported")
	}

	out := conditionalPattern.ReplaceAllStringFunc(template, func(block string) string {
		parts := conditionalPattern.FindStringSubmatch(block)
		if truthy(lookup(variables, parts[1])) {
			return parts[2]
		}

		return parts[3]
	})

	if strings.Contains(out, "{{#if") || strings.Contains(out, "{{/if}}") {
		return "", fmt.Errorf("render: unbalanced conditional")
	}

	return variablePattern.ReplaceAllStringFunc(out, func(token string) string {
		name := variablePattern.FindStringSubmatch(token)[1]

		value := lookup(variables, name)
		if value == nil {
			return ""
		}

		return fmt.Sprint(value)
	}), nil
}

func lookup(variables map[string]any, path string) any {
	var current any = variables

	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}

		current = m[key]
	}

	return current
}

func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
