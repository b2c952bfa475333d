package crawl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/maypok86/otter"
	"golang.org/x/sync/semaphore"
)

// contentSelectors are tried in order; the first non-trivial match wins.
// The body fallback guarantees every parseable page yields something.
var contentSelectors = []string{
	"article",
	"main",
	"[role=main]",
	"div.content",
	"div#content",
	"div.post",
	"div.article-content",
	"div.entry-content",
	"body",
}

// Result is the outcome of extracting one URL. A cached Result is returned
// verbatim on repeat requests within the cache TTL.
type Result struct {
	URL       string
	OK        bool
	Title     string
	Content   string
	WordCount int
	Err       string
}

// ExtractorConfig bounds the extractor's concurrency and cache.
type ExtractorConfig struct {
	// MaxConcurrent caps in-flight fetches across all hosts. When
	// AntiDetection is set the effective cap is at most 2.
	MaxConcurrent int
	AntiDetection bool
	CacheCapacity int
	CacheTTL      time.Duration
}

// DefaultExtractorConfig returns the stock limits.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		MaxConcurrent: 5,
		AntiDetection: true,
		CacheCapacity: 1024,
		CacheTTL:      30 * time.Minute,
	}
}

func (c ExtractorConfig) effectiveLimit() int64 {
	limit := c.MaxConcurrent
	if limit < 1 {
		limit = 1
	}
	if c.AntiDetection && limit > 2 {
		limit = 2
	}
	return int64(limit)
}

// Extractor turns article URLs into cleaned markdown documents. It paces
// requests through a Policy, retries transient failures, and caches results
// so repeated URLs within a run cost one fetch.
type Extractor struct {
	fetcher Fetcher
	policy  *Policy
	backoff Backoff
	sem     *semaphore.Weighted
	cache   otter.Cache[string, Result]
	log     *slog.Logger

	// test hooks
	sleep func(context.Context, time.Duration) error
	rand  func(min, max time.Duration) time.Duration
}

// NewExtractor builds an Extractor. A nil logger falls back to slog.Default.
func NewExtractor(fetcher Fetcher, policy *Policy, cfg ExtractorConfig, log *slog.Logger) (*Extractor, error) {
	if log == nil {
		log = slog.Default()
	}
	capacity := cfg.CacheCapacity
	if capacity < 1 {
		capacity = 1024
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	cache, err := otter.MustBuilder[string, Result](capacity).
		Cost(func(_ string, _ Result) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, fmt.Errorf("extract: build cache: %w", err)
	}
	return &Extractor{
		fetcher: fetcher,
		policy:  policy,
		backoff: DefaultBackoff(),
		sem:     semaphore.NewWeighted(cfg.effectiveLimit()),
		cache:   cache,
		log:     log,
		sleep:   sleepCtx,
		rand:    uniform,
	}, nil
}

// Extract fetches one URL and returns its cleaned markdown content. Failed
// extractions return a Result with OK false and Err set rather than an
// error, so batch callers can record partial outcomes.
func (e *Extractor) Extract(ctx context.Context, rawURL string) Result {
	if cached, ok := e.cache.Get(rawURL); ok {
		return cached
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{URL: rawURL, Err: err.Error()}
	}
	defer e.sem.Release(1)

	var page *Page
	err := e.backoff.Do(ctx, func() error {
		if e.policy != nil {
			if perr := e.policy.Pace(ctx, rawURL); perr != nil {
				return perr
			}
		}
		var ferr error
		page, ferr = e.fetcher.Fetch(ctx, rawURL, RandomHeaders())
		return ferr
	})
	if err != nil {
		e.log.Warn("extraction failed", "url", rawURL, "error", err)
		return Result{URL: rawURL, Err: err.Error()}
	}

	res, err := e.parse(page)
	if err != nil {
		e.log.Warn("extraction parse failed", "url", rawURL, "error", err)
		return Result{URL: rawURL, Err: err.Error()}
	}
	e.cache.Set(rawURL, res)
	return res
}

func (e *Extractor) parse(page *Page) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return Result{}, fmt.Errorf("extract: parse html: %w", err)
	}

	title, _ := doc.Find(`meta[property="og:title"]`).Attr("content")
	if title == "" {
		title = doc.Find("title").First().Text()
	}
	title = strings.TrimSpace(title)

	var raw string
	for _, sel := range contentSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		html, herr := goquery.OuterHtml(node)
		if herr != nil {
			continue
		}
		raw = html
		break
	}
	if raw == "" {
		return Result{}, fmt.Errorf("extract: no content in %s", page.URL)
	}

	md, err := htmltomarkdown.ConvertString(raw)
	if err != nil {
		return Result{}, fmt.Errorf("extract: convert markdown: %w", err)
	}
	content := CleanMarkdown(md)
	if title == "" {
		title = firstHeading(content)
	}
	return Result{
		URL:       page.URL,
		OK:        true,
		Title:     title,
		Content:   content,
		WordCount: len(strings.Fields(content)),
	}, nil
}

// firstHeading returns the text of the first top-level markdown heading.
func firstHeading(md string) string {
	for _, ln := range strings.Split(md, "\n") {
		if rest, ok := strings.CutPrefix(ln, "# "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// ExtractMany extracts a batch of URLs. URLs are grouped by host and the
// groups are visited one at a time, with a randomized pause between groups
// (none after the last). URLs within a group are fetched concurrently under
// the shared semaphore; the pacing policy keeps same-host requests apart.
func (e *Extractor) ExtractMany(ctx context.Context, urls []string) map[string]Result {
	groups := make(map[string][]string)
	var hosts []string
	for _, u := range urls {
		host := HostKey(u)
		if _, ok := groups[host]; !ok {
			hosts = append(hosts, host)
		}
		groups[host] = append(groups[host], u)
	}

	var mu sync.Mutex
	results := make(map[string]Result, len(urls))

	for i, host := range hosts {
		var wg sync.WaitGroup
		for _, u := range groups[host] {
			u := u
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := e.Extract(ctx, u)
				mu.Lock()
				results[u] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		if i < len(hosts)-1 {
			if err := e.sleep(ctx, e.rand(2*time.Second, 5*time.Second)); err != nil {
				e.log.Warn("batch extraction interrupted", "host", host, "error", err)
				break
			}
		}
	}
	return results
}
