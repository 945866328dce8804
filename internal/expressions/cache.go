package expressions

import (
	"sync"

	"github.com/rendis/genchain/pkg/schema"
)

// programs memoizes compiled expressions per source string. Compile errors
// are not cached.
type programs[P any] struct {
	lang    string
	compile func(expression string) (P, error)

	mu sync.RWMutex
	m  map[string]P
}

func newPrograms[P any](lang string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{lang: lang, compile: compile, m: make(map[string]P)}
}

func (c *programs[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", c.lang)
	}
	c.mu.RLock()
	p, ok := c.m[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(expression)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", c.lang, expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	c.mu.Lock()
	if existing, ok := c.m[expression]; ok {
		p = existing
	} else {
		c.m[expression] = p
	}
	c.mu.Unlock()
	return p, nil
}

func (c *programs[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

func evalError(lang, expression string, err error) *schema.GenchainError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s evaluation failed for %q: %s", lang, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
