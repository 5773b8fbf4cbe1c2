// ABOUTME: Media policy deciding which attachment MIME types may be relayed.
// ABOUTME: Only the stored file reference travels; the bytes never pass through the relay.

package envelope

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"
)

// ErrUnsupportedMedia is returned for attachments outside the allowed set.
var ErrUnsupportedMedia = errors.New("unsupported media")

// DefaultMediaTypes is the allowed set used when configuration leaves it empty.
var DefaultMediaTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"video/mp4",
	"video/webm",
	"video/ogg",
}

// MediaPolicy validates media references against an allow-list.
type MediaPolicy struct {
	allowed []string
}

// NewMediaPolicy normalizes the allowed MIME types. An empty list means DefaultMediaTypes.
func NewMediaPolicy(allowed []string) MediaPolicy {
	if len(allowed) == 0 {
		allowed = DefaultMediaTypes
	}
	normalized := lo.Uniq(lo.Map(allowed, func(t string, _ int) string {
		return strings.ToLower(strings.TrimSpace(t))
	}))
	return MediaPolicy{allowed: normalized}
}

// Allowed returns the normalized allow-list.
func (p MediaPolicy) Allowed() []string {
	return append([]string(nil), p.allowed...)
}

// Check returns a normalized MediaRef or an error wrapping ErrUnsupportedMedia.
func (p MediaPolicy) Check(fileURL, mimeType string) (MediaRef, error) {
	if strings.TrimSpace(fileURL) == "" {
		return MediaRef{}, fmt.Errorf("%w: missing file_url", ErrUnsupportedMedia)
	}
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return MediaRef{}, fmt.Errorf("%w: %q: %v", ErrUnsupportedMedia, mimeType, err)
	}
	if mimetype.Lookup(base) == nil {
		return MediaRef{}, fmt.Errorf("%w: unknown type %q", ErrUnsupportedMedia, base)
	}
	if !lo.Contains(p.allowed, base) {
		return MediaRef{}, fmt.Errorf("%w: %q not allowed", ErrUnsupportedMedia, base)
	}
	return MediaRef{FileURL: strings.TrimSpace(fileURL), MimeType: base}, nil
}
