// Package extractor turns stored files into per-page text. Concrete
// PDF/PPT/OCR extractors are injected; the registry only routes by file
// type.
package extractor

import (
	"context"
	"fmt"
	"strings"
)

// Result is the extraction output: 1-indexed page (or slide) texts with
// optional per-page titles.
type Result struct {
	PageContents []string
	PageTitles   []string
	TotalPages   int
}

// Extractor produces text from one file's raw bytes.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (*Result, error)
}

// Registry maps a file type to its extractor.
type Registry struct {
	extractors map[string]Extractor
}

// NewRegistry builds a registry with the plain-text extractor preinstalled.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	r.Register("txt", &TextExtractor{})
	return r
}

// Register installs an extractor for a file type (lowercase extension,
// no dot). Later registrations replace earlier ones.
func (r *Registry) Register(fileType string, e Extractor) {
	r.extractors[strings.ToLower(fileType)] = e
}

// ForType returns the extractor for a file type.
func (r *Registry) ForType(fileType string) (Extractor, error) {
	e, ok := r.extractors[strings.ToLower(fileType)]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for file type %q", fileType)
	}
	return e, nil
}

// TextExtractor treats the file as UTF-8 text. Form feeds delimit pages;
// a short first line of a page becomes its title.
type TextExtractor struct{}

func (e *TextExtractor) Extract(ctx context.Context, data []byte) (*Result, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	pages := strings.Split(text, "\f")

	result := &Result{TotalPages: len(pages)}
	for _, page := range pages {
		result.PageContents = append(result.PageContents, page)
		result.PageTitles = append(result.PageTitles, firstLineTitle(page))
	}
	return result, nil
}

// firstLineTitle returns the page's first non-empty line when it is short
// enough to plausibly be a heading.
func firstLineTitle(page string) string {
	for _, line := range strings.Split(page, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) < 200 {
			return line
		}
		return ""
	}
	return ""
}
