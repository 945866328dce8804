package diagram

import (
	"context"

	"github.com/rendis/genchain/pkg/schema"
)

// Formats accepted by Render.
const (
	FormatMermaid = "mermaid"
	FormatASCII   = "ascii"
	FormatPNG     = "png"
)

// Render encodes model in format and returns the bytes with their content type.
func Render(ctx context.Context, model *DiagramModel, format string) ([]byte, string, error) {
	switch format {
	case "", FormatMermaid:
		return []byte(RenderMermaid(model)), "text/vnd.mermaid; charset=utf-8", nil
	case FormatASCII:
		return []byte(RenderASCII(model)), "text/plain; charset=utf-8", nil
	case FormatPNG:
		img, err := RenderImage(ctx, model)
		return img, "image/png", err
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
	}
}
