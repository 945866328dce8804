package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/genchain/pkg/schema"
)

// Uploader stores bytes durably and returns a signed URL for them.
type Uploader interface {
	UploadAndSign(ctx context.Context, data []byte, contentType, objectPath string) (string, error)
}

// BlobIndex remembers which URL a content hash was stored under.
type BlobIndex interface {
	Lookup(ctx context.Context, key string) (url string, found bool, err error)
	Remember(ctx context.Context, key, url string) error
}

// Sanitizer promotes inline base64 images in a parameter bag to stored
// objects so providers receive URLs instead of multi-megabyte strings.
type Sanitizer struct {
	uploader Uploader
	index    BlobIndex
	dedup    bool
	logger   *slog.Logger
}

// SanitizerOption configures a Sanitizer.
type SanitizerOption func(*Sanitizer)

// WithDedup makes identical payloads from the same user reuse the URL
// recorded in index instead of uploading again.
func WithDedup(index BlobIndex) SanitizerOption {
	return func(s *Sanitizer) {
		s.index = index
		s.dedup = index != nil
	}
}

// WithSanitizerLogger sets the logger.
func WithSanitizerLogger(logger *slog.Logger) SanitizerOption {
	return func(s *Sanitizer) { s.logger = logger }
}

// NewSanitizer creates a sanitizer uploading through uploader.
func NewSanitizer(uploader Uploader, opts ...SanitizerOption) *Sanitizer {
	s := &Sanitizer{uploader: uploader, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dedup reports whether identical payloads are stored once.
func (s *Sanitizer) Dedup() bool { return s.dedup }

// SanitizeParametersForProviders replaces every data:image/*;base64 string
// found anywhere in params with a signed storage URL. Any upload failure is
// returned as SANITIZE_ERROR and no partial result is returned.
func (s *Sanitizer) SanitizeParametersForProviders(ctx context.Context, params schema.Params, userID string) (schema.Params, error) {
	out := make(schema.Params, len(params))
	for k, v := range params {
		nv, err := s.walk(ctx, v, userID, k)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func (s *Sanitizer) walk(ctx context.Context, v schema.Value, userID, at string) (schema.Value, error) {
	switch v.Kind() {
	case schema.KindString:
		str, _ := v.AsString()
		if !isInlineImage(str) {
			return v, nil
		}
		url, err := s.promote(ctx, str, userID)
		if err != nil {
			return schema.Value{}, schema.NewErrorf(schema.ErrCodeSanitize,
				"parameter %q: %v", at, err).WithCause(err)
		}
		return schema.String(url), nil
	case schema.KindArray:
		items, _ := v.AsArray()
		out := make([]schema.Value, len(items))
		for i, item := range items {
			nv, err := s.walk(ctx, item, userID, at)
			if err != nil {
				return schema.Value{}, err
			}
			out[i] = nv
		}
		return schema.Array(out...), nil
	case schema.KindObject:
		fields, _ := v.AsObject()
		out := make(map[string]schema.Value, len(fields))
		for k, item := range fields {
			nv, err := s.walk(ctx, item, userID, at+"."+k)
			if err != nil {
				return schema.Value{}, err
			}
			out[k] = nv
		}
		return schema.Object(out), nil
	default:
		return v, nil
	}
}

func (s *Sanitizer) promote(ctx context.Context, dataURI, userID string) (string, error) {
	contentType, data, err := decodeDataURI(dataURI)
	if err != nil {
		return "", err
	}
	if s.uploader == nil {
		return "", schema.NewError(schema.ErrCodeSanitize, "no storage configured for inline images")
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := userID + ":" + digest

	if s.dedup {
		url, found, err := s.index.Lookup(ctx, key)
		if err != nil {
			s.logger.Warn("blob index lookup failed, uploading", "user_id", userID, "error", err)
		} else if found {
			return url, nil
		}
	}

	objectPath := path.Join(userID, "inline", uuid.New().String()+extensionFor(contentType))
	if s.dedup {
		objectPath = path.Join(userID, "inline", digest+extensionFor(contentType))
	}
	url, err := s.uploader.UploadAndSign(ctx, data, contentType, objectPath)
	if err != nil {
		return "", err
	}

	if s.dedup {
		if err := s.index.Remember(ctx, key, url); err != nil {
			s.logger.Warn("blob index write failed", "user_id", userID, "error", err)
		}
	}
	return url, nil
}

func isInlineImage(s string) bool {
	return len(s) > 11 && strings.EqualFold(s[:11], "data:image/")
}

// decodeDataURI parses "data:image/png;base64,<payload>".
func decodeDataURI(s string) (string, []byte, error) {
	header, payload, ok := strings.Cut(s[len("data:"):], ",")
	if !ok {
		return "", nil, schema.NewError(schema.ErrCodeSanitize, "malformed data URI")
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", nil, schema.NewError(schema.ErrCodeSanitize, "inline image is not base64 encoded")
	}
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	}
	if err != nil {
		return "", nil, schema.NewError(schema.ErrCodeSanitize, "invalid base64 image payload").WithCause(err)
	}
	if len(data) == 0 {
		return "", nil, schema.NewError(schema.ErrCodeSanitize, "empty inline image")
	}
	return strings.ToLower(mediaType), data, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
