// Package extract is the boundary to the external text extractor: the
// collaborator that turns binary documents into scrubbable text. The
// pipeline only depends on the Extractor interface; Plain is the built-in
// implementation for text-shaped formats, and anything richer (PDF, DOCX)
// plugs in behind the same interface.
package extract

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// ErrExtraction reports that a single document could not be converted.
// It is localised to one row: the cell becomes NULL, or the whole row is
// skipped when the column says so.
var ErrExtraction = errors.New("text extraction failed")

// Extractor converts one document to plain text.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, ext string) (string, error)
}

// Plain handles text-shaped formats directly: plain text passes through,
// HTML is stripped and unescaped. Unknown extensions are extraction
// failures.
type Plain struct {
	timeout time.Duration
	strip   *bluemonday.Policy
}

// NewPlain builds the extractor with the per-document timeout.
func NewPlain(timeout time.Duration) *Plain {
	return &Plain{timeout: timeout, strip: bluemonday.StrictPolicy()}
}

// ExtractText converts data to text based on the file extension.
func (p *Plain) ExtractText(ctx context.Context, data []byte, ext string) (string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "txt", "csv", "log", "text":
		return string(data), nil
	case "htm", "html", "xhtml":
		return html.UnescapeString(p.strip.Sanitize(string(data))), nil
	default:
		return "", fmt.Errorf("%w: unsupported extension %q", ErrExtraction, ext)
	}
}

// FromFile reads and extracts a document referenced by filename.
func FromFile(ctx context.Context, e Extractor, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrExtraction, path, err)
	}
	return e.ExtractText(ctx, data, filepath.Ext(path))
}

var stripPolicy = bluemonday.StrictPolicy()

// StripTags removes all HTML markup from a string, returning plain text.
// The sanitiser re-escapes bare entities in its output, so the result is
// unescaped again.
func StripTags(s string) string {
	return html.UnescapeString(stripPolicy.Sanitize(s))
}

// ResolveTemplate expands a filename_format_to_text template: {value} is
// the cell's own value, {name} any other field of the row.
func ResolveTemplate(template, value string, fields map[string]string) string {
	out := strings.ReplaceAll(template, "{value}", value)
	for name, v := range fields {
		out = strings.ReplaceAll(out, "{"+name+"}", v)
	}
	return out
}
