// Package resolver turns a step definition plus the accumulated workflow
// context into the concrete parameters and prompt sent to a provider.
package resolver

import (
	"fmt"
	"strings"

	"github.com/rendis/genchain/pkg/schema"
)

// MissingPolicy decides what happens to a {{path}} that does not resolve.
type MissingPolicy string

const (
	// MissingEmpty replaces the reference with "".
	MissingEmpty MissingPolicy = "empty"
	// MissingKeep leaves the {{path}} text in place.
	MissingKeep MissingPolicy = "keep"
	// MissingError fails with INTERPOLATION_ERROR.
	MissingError MissingPolicy = "error"
)

// ParseMissingPolicy accepts "", "empty", "keep" and "error".
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MissingEmpty:
		return MissingEmpty, nil
	case MissingKeep:
		return MissingKeep, nil
	case MissingError:
		return MissingError, nil
	default:
		return "", fmt.Errorf("unknown missing-variable policy %q (want empty, keep or error)", s)
	}
}

// ReplaceTemplateVariables substitutes every {{path}} in template with the
// text of the value found at path in ctx. Paths are dotted ("user.topic",
// "step1.caption", "step2.items.0"). Whitespace inside the braces is ignored.
// An unterminated "{{" is copied through verbatim.
func ReplaceTemplateVariables(template string, ctx schema.Value, policy MissingPolicy) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	var out strings.Builder
	out.Grow(len(template))
	var missing []string

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			out.WriteString(template[i:])
			break
		}
		out.WriteString(template[i : i+idx])
		start := i + idx + 2

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			out.WriteString(template[i+idx:])
			break
		}
		end += start
		token := template[i+idx : end+2]
		path := strings.TrimSpace(template[start:end])
		i = end + 2

		if path == "" {
			out.WriteString(token)
			continue
		}
		if v, ok := ctx.Lookup(path); ok && !v.IsNull() {
			out.WriteString(v.Text())
			continue
		}

		switch policy {
		case MissingKeep:
			out.WriteString(token)
		case MissingError:
			missing = append(missing, path)
		}
	}

	if len(missing) > 0 {
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"unresolved template variables: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}
	return out.String(), nil
}

// References lists the paths referenced by {{...}} tokens, in order of
// appearance, duplicates included.
func References(template string) []string {
	var refs []string
	i := 0
	for {
		idx := strings.Index(template[i:], "{{")
		if idx == -1 {
			return refs
		}
		start := i + idx + 2
		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return refs
		}
		end += start
		if path := strings.TrimSpace(template[start:end]); path != "" {
			refs = append(refs, path)
		}
		i = end + 2
	}
}

// NormalizePath strips an optional {{ }} wrapper from a mapping path.
func NormalizePath(path string) string {
	p := strings.TrimSpace(path)
	if strings.HasPrefix(p, "{{") && strings.HasSuffix(p, "}}") {
		p = strings.TrimSpace(p[2 : len(p)-2])
	}
	return p
}
