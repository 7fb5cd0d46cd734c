package cv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"code.sajari.com/docconv"
)

// ErrEmptyParse is returned when a document yields no pages and no text.
var ErrEmptyParse = errors.New("parser returned 0 pages and empty markdown")

// ParseResult is the text rendition of one document.
type ParseResult struct {
	Markdown string
	Pages    int
	JobID    string
	Duration time.Duration
	Metadata map[string]any
}

// Empty reports whether the parse produced nothing usable.
func (r *ParseResult) Empty() bool {
	return r.Pages <= 0 && strings.TrimSpace(r.Markdown) == ""
}

// ParseError carries the usage recorded before a parse failed.
type ParseError struct {
	JobID string
	Pages int
	Err   error
}

func (e *ParseError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("parse job %s: %v", e.JobID, e.Err)
	}
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// DocumentParser converts resume bytes to markdown.
type DocumentParser interface {
	Parse(ctx context.Context, data []byte, filename string) (*ParseResult, error)
}

// LocalParser extracts plain text in-process with docconv.
type LocalParser struct{}

func NewLocalParser() *LocalParser {
	return &LocalParser{}
}

// Parse handles PDF/DOCX/DOC/RTF/ODT through docconv and TXT as-is.
func (p *LocalParser) Parse(ctx context.Context, data []byte, filename string) (*ParseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	fileType := strings.ToLower(filepath.Ext(filename))

	var (
		text string
		meta = map[string]any{"filename": filename, "parser": "local"}
	)
	switch fileType {
	case ".pdf", ".docx", ".doc", ".rtf", ".odt":
		res, err := docconv.Convert(bytes.NewReader(data), docconv.MimeTypeByExtension(filename), true)
		if err != nil {
			return nil, &ParseError{Err: fmt.Errorf("failed to parse document: %w", err)}
		}
		text = res.Body
		for k, v := range res.Meta {
			meta[k] = v
		}
	case ".txt", ".md":
		text = string(data)
	default:
		return nil, &ParseError{Err: fmt.Errorf("unsupported file type: %s", fileType)}
	}

	pages := pageCount(meta)
	if pages == 0 && strings.TrimSpace(text) != "" {
		pages = 1
	}
	meta["page_count"] = pages
	return &ParseResult{
		Markdown: text,
		Pages:    pages,
		Duration: time.Since(start),
		Metadata: meta,
	}, nil
}

// pageCount reads the page count docconv copies from pdfinfo/docProps.
func pageCount(meta map[string]any) int {
	for _, k := range []string{"Pages", "pages", "Page Count"} {
		if s, ok := meta[k].(string); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				return n
			}
		}
	}
	return 0
}
