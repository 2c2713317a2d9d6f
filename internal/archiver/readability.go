package archiver

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/htbase/archivist/internal/archive"
)

// Tags stripped before text extraction; they never carry article content.
var boilerplateSelectors = []string{
	"script", "style", "noscript", "iframe", "svg",
	"nav", "header", "footer", "aside", "form",
}

// Readability extracts the main article text from a page and stores it as
// plain text, the input the summarization task feeds on.
type Readability struct {
	fetcher *Fetcher
}

// NewReadability constructs the readability archiver.
func NewReadability(fetcher *Fetcher) *Readability {
	return &Readability{fetcher: fetcher}
}

// Kind implements archive.Archiver.
func (r *Readability) Kind() archive.Kind { return archive.KindReadability }

// Run fetches the page and reduces it to title plus article text.
func (r *Readability) Run(ctx context.Context, req archive.ArchiveRequest) (archive.ArchiveResult, error) {
	res, err := r.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		return archive.ArchiveResult{}, err
	}
	title, text, err := extractText(res.Body)
	if err != nil {
		return archive.ArchiveResult{}, err
	}
	if text == "" {
		return archive.ArchiveResult{}, fmt.Errorf("%w: page %s has no extractable text", archive.ErrInvalidRequest, req.URL)
	}

	var out strings.Builder
	if title != "" {
		out.WriteString(title)
		out.WriteString("\n\n")
	}
	out.WriteString(text)

	return archive.ArchiveResult{
		Body:        []byte(out.String()),
		ContentType: "text/plain; charset=utf-8",
		Extension:   "txt",
		Title:       title,
	}, nil
}

// extractText strips boilerplate and collapses the remaining DOM to
// paragraph-separated text.
func extractText(html []byte) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	for _, sel := range boilerplateSelectors {
		doc.Find(sel).Remove()
	}

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}

	var paragraphs []string
	root.Find("p, h1, h2, h3, h4, li, blockquote").Each(func(_ int, s *goquery.Selection) {
		line := strings.Join(strings.Fields(s.Text()), " ")
		if line != "" {
			paragraphs = append(paragraphs, line)
		}
	})
	if len(paragraphs) == 0 {
		line := strings.Join(strings.Fields(root.Text()), " ")
		if line != "" {
			paragraphs = append(paragraphs, line)
		}
	}
	return title, strings.Join(paragraphs, "\n\n"), nil
}
