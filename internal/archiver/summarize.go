package archiver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/htbase/archivist/internal/archive"
)

const defaultSummarySentences = 5

// Summarize produces a short extractive summary of a page's article text.
// It re-runs the readability extraction rather than reading the stored
// artifact back, which keeps it independent of the blob backend.
type Summarize struct {
	fetcher   *Fetcher
	sentences int
}

// NewSummarize constructs the summarize archiver.
func NewSummarize(fetcher *Fetcher, sentences int) *Summarize {
	if sentences <= 0 {
		sentences = defaultSummarySentences
	}
	return &Summarize{fetcher: fetcher, sentences: sentences}
}

// Kind implements archive.Archiver.
func (s *Summarize) Kind() archive.Kind { return archive.KindSummarize }

// Run fetches the page, extracts its text, and scores sentences by word
// frequency, keeping the top ones in document order.
func (s *Summarize) Run(ctx context.Context, req archive.ArchiveRequest) (archive.ArchiveResult, error) {
	res, err := s.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		return archive.ArchiveResult{}, err
	}
	title, text, err := extractText(res.Body)
	if err != nil {
		return archive.ArchiveResult{}, err
	}
	summary := summarizeText(text, s.sentences)
	if summary == "" {
		return archive.ArchiveResult{}, fmt.Errorf("%w: page %s has no summarizable text", archive.ErrInvalidRequest, req.URL)
	}

	var out strings.Builder
	if title != "" {
		out.WriteString(title)
		out.WriteString("\n\n")
	}
	out.WriteString(summary)

	return archive.ArchiveResult{
		Body:        []byte(out.String()),
		ContentType: "text/plain; charset=utf-8",
		Extension:   "txt",
		Title:       title,
	}, nil
}

// summarizeText keeps the max highest-scoring sentences in document order.
// Scores are normalized by sentence length so long sentences don't dominate.
func summarizeText(text string, max int) string {
	sentences := splitSentences(text)
	if len(sentences) <= max {
		return strings.Join(sentences, " ")
	}

	freq := make(map[string]int)
	for _, sentence := range sentences {
		for _, w := range tokenize(sentence) {
			freq[w]++
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, 0, len(sentences))
	for i, sentence := range sentences {
		words := tokenize(sentence)
		if len(words) == 0 {
			continue
		}
		total := 0
		for _, w := range words {
			total += freq[w]
		}
		ranked = append(ranked, scored{idx: i, score: float64(total) / float64(len(words))})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > max {
		ranked = ranked[:max]
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].idx < ranked[j].idx })

	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, sentences[r.idx])
	}
	return strings.Join(out, " ")
}

func splitSentences(text string) []string {
	var (
		sentences []string
		current   strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(current.String())
		if len(tokenize(s)) >= 3 {
			sentences = append(sentences, s)
		}
		current.Reset()
	}
	for _, r := range text {
		if r == '\n' {
			flush()
			continue
		}
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
		}
	}
	flush()
	return sentences
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
