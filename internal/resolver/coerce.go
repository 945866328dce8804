package resolver

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rendis/genchain/pkg/schema"
)

// propertyTypes reads the declared "type" of each top-level property of a
// JSON Schema object. A type list ("type": ["integer", "null"]) contributes
// its first non-null entry.
func propertyTypes(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]struct {
			Type json.RawMessage `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	types := make(map[string]string, len(doc.Properties))
	for name, prop := range doc.Properties {
		if len(prop.Type) == 0 {
			continue
		}
		var single string
		if err := json.Unmarshal(prop.Type, &single); err == nil {
			types[name] = single
			continue
		}
		var list []string
		if err := json.Unmarshal(prop.Type, &list); err == nil {
			for _, t := range list {
				if t != "null" {
					types[name] = t
					break
				}
			}
		}
	}
	return types
}

// CoerceParametersToSchema converts primitive mismatches to the type each
// property declares in the model's input schema. Keys the schema does not
// declare pass through. Nothing here fails: a value that cannot be coerced
// is kept as is. The input is not modified.
func CoerceParametersToSchema(params schema.Params, inputSchema json.RawMessage) schema.Params {
	out := params.Clone()
	types := propertyTypes(inputSchema)
	for name, v := range out {
		want, ok := types[name]
		if !ok {
			continue
		}
		out[name] = coerceValue(v, want)
	}
	return out
}

func coerceValue(v schema.Value, want string) schema.Value {
	if v.IsNull() {
		return v
	}
	switch want {
	case "number":
		if s, ok := v.AsString(); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return schema.Number(f)
			}
		}
		if b, ok := v.AsBool(); ok {
			return schema.Number(boolToFloat(b))
		}
	case "integer":
		if s, ok := v.AsString(); ok {
			s = strings.TrimSpace(s)
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return schema.Number(float64(n))
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && schema.Number(f).IsInteger() {
				return schema.Number(f)
			}
		}
	case "boolean":
		if s, ok := v.AsString(); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				return schema.Bool(b)
			}
		}
		if n, ok := v.AsNumber(); ok && (n == 0 || n == 1) {
			return schema.Bool(n == 1)
		}
	case "string":
		switch v.Kind() {
		case schema.KindNumber, schema.KindBool:
			return schema.String(v.Text())
		}
	case "array":
		if v.Kind() != schema.KindArray && v.Kind() != schema.KindObject {
			return schema.Array(v)
		}
	}
	return v
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
