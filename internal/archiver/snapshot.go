package archiver

import (
	"context"
	"strings"

	"github.com/htbase/archivist/internal/archive"
)

// Snapshot archives the raw HTML exactly as the origin served it, without
// script execution. Fast and cheap; the monolith variant covers pages that
// need a browser.
type Snapshot struct {
	fetcher *Fetcher
}

// NewSnapshot constructs the snapshot archiver.
func NewSnapshot(fetcher *Fetcher) *Snapshot {
	return &Snapshot{fetcher: fetcher}
}

// Kind implements archive.Archiver.
func (s *Snapshot) Kind() archive.Kind { return archive.KindSnapshot }

// Run fetches the page and returns its raw body.
func (s *Snapshot) Run(ctx context.Context, req archive.ArchiveRequest) (archive.ArchiveResult, error) {
	res, err := s.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		return archive.ArchiveResult{}, err
	}
	contentType := res.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	return archive.ArchiveResult{
		Body:        res.Body,
		ContentType: contentType,
		Extension:   extensionFor(contentType),
	}, nil
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return "html"
	case strings.Contains(ct, "pdf"):
		return "pdf"
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "xml"):
		return "xml"
	case strings.Contains(ct, "plain"):
		return "txt"
	default:
		return "bin"
	}
}
