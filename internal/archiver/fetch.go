// Package archiver implements the capability variants that turn a URL into
// a stored artifact: raw snapshots, rendered HTML, readability text, PDFs,
// screenshots, and extractive summaries.
package archiver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/htbase/archivist/internal/archive"
)

// FetchConfig controls plain HTTP retrieval.
type FetchConfig struct {
	UserAgent string
	Timeout   time.Duration
}

type fetchResult struct {
	Body        []byte
	ContentType string
	StatusCode  int
	FinalURL    string
}

// Fetcher performs single-page HTTP GETs through a pooled colly collector.
// Non-browser archivers share one Fetcher.
type Fetcher struct {
	cfg           FetchConfig
	baseCollector *colly.Collector
}

// NewFetcher builds a Fetcher.
func NewFetcher(cfg FetchConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single GET. Client errors (4xx other than 429) are
// wrapped as invalid requests so the worker fails the task without
// consuming retries; everything else stays retryable.
func (f *Fetcher) Fetch(ctx context.Context, url string) (fetchResult, error) {
	var (
		result   fetchResult
		fetchErr error
	)

	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}

	collector.OnResponse(func(r *colly.Response) {
		result = fetchResult{
			Body:        append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
			StatusCode:  r.StatusCode,
			FinalURL:    r.Request.URL.String(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fetchResult{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			fetchErr = err
		}
	}
	if fetchErr != nil {
		if fatalStatus(result.StatusCode) {
			return fetchResult{}, fmt.Errorf("%w: fetch %s returned %d", archive.ErrInvalidRequest, url, result.StatusCode)
		}
		return fetchResult{}, fmt.Errorf("fetch %s: %w", url, fetchErr)
	}
	return result, nil
}

func fatalStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
