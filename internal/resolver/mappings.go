package resolver

import (
	"github.com/rendis/genchain/pkg/schema"
)

// ResolveInputMappings builds a parameter bag from param name -> path
// mappings. Paths may be bare ("step1.caption") or wrapped
// ("{{step1.caption}}"). A path that does not resolve leaves its parameter
// absent; it is never an error. Resolved values are copied, so later
// mutation of the result cannot reach the context.
func ResolveInputMappings(mappings map[string]string, ctx schema.Value) (params schema.Params, missing []string) {
	params = make(schema.Params, len(mappings))
	for name, path := range mappings {
		p := NormalizePath(path)
		v, ok := ctx.Lookup(p)
		if !ok || v.IsNull() {
			missing = append(missing, p)
			continue
		}
		params[name] = v.Clone()
	}
	return params, missing
}
