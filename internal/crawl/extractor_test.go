package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	pages map[string]string
	errs  map[string]error

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	delay       time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls: make(map[string]int),
		pages: make(map[string]string),
		errs:  make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, _ http.Header) (*Page, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls[url]++
	html, ok := f.pages[url]
	err := f.errs[url]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &HTTPStatusError{StatusCode: 404, URL: url}
	}
	return &Page{URL: url, HTML: html}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func articleHTML(title, body string) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head>
<body><nav>menu</nav><article><h1>%s</h1><p>%s</p></article></body></html>`, title, title, body)
}

func newTestExtractor(t *testing.T, f Fetcher, cfg ExtractorConfig) *Extractor {
	t.Helper()
	e, err := NewExtractor(f, nil, cfg, testLogger())
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	e.sleep = func(context.Context, time.Duration) error { return nil }
	e.backoff.Sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestExtractParsesArticle(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://a.test/1"] = articleHTML("Hello World", "some body words here")

	e := newTestExtractor(t, f, DefaultExtractorConfig())
	res := e.Extract(context.Background(), "https://a.test/1")
	if !res.OK {
		t.Fatalf("Extract failed: %s", res.Err)
	}
	if res.Title != "Hello World" {
		t.Fatalf("title = %q", res.Title)
	}
	if !strings.Contains(res.Content, "some body words here") {
		t.Fatalf("content = %q", res.Content)
	}
	if strings.Contains(res.Content, "menu") {
		t.Fatalf("nav chrome leaked into content: %q", res.Content)
	}
	if res.WordCount == 0 {
		t.Fatal("word count is zero")
	}
}

func TestExtractPrefersOGTitle(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://a.test/og"] = `<html><head>
<title>Site Name</title><meta property="og:title" content="Real Title">
</head><body><article><p>text</p></article></body></html>`

	e := newTestExtractor(t, f, DefaultExtractorConfig())
	res := e.Extract(context.Background(), "https://a.test/og")
	if res.Title != "Real Title" {
		t.Fatalf("title = %q", res.Title)
	}
}

func TestExtractCachesRepeatURLs(t *testing.T) {
	f := newFakeFetcher()
	f.pages["https://a.test/1"] = articleHTML("T", "body")

	e := newTestExtractor(t, f, DefaultExtractorConfig())
	ctx := context.Background()
	first := e.Extract(ctx, "https://a.test/1")
	second := e.Extract(ctx, "https://a.test/1")
	if !first.OK || !second.OK {
		t.Fatalf("extracts failed: %v / %v", first.Err, second.Err)
	}
	if got := f.calls["https://a.test/1"]; got != 1 {
		t.Fatalf("fetch called %d times, want 1", got)
	}
}

func TestExtractGiveUpSkipsRetries(t *testing.T) {
	f := newFakeFetcher()
	// no page registered; fake returns 404 which is non-retryable

	e := newTestExtractor(t, f, DefaultExtractorConfig())
	res := e.Extract(context.Background(), "https://a.test/missing")
	if res.OK {
		t.Fatal("expected failure")
	}
	if got := f.calls["https://a.test/missing"]; got != 1 {
		t.Fatalf("fetch called %d times, want 1", got)
	}
	if !strings.Contains(res.Err, "404") {
		t.Fatalf("err = %q", res.Err)
	}
}

func TestExtractRetriesTransientErrors(t *testing.T) {
	f := newFakeFetcher()
	url := "https://a.test/flaky"
	f.errs[url] = errors.New("connection reset by peer")

	e := newTestExtractor(t, f, DefaultExtractorConfig())
	res := e.Extract(context.Background(), url)
	if res.OK {
		t.Fatal("expected failure")
	}
	if got := f.calls[url]; got != e.backoff.MaxTries {
		t.Fatalf("fetch called %d times, want %d", got, e.backoff.MaxTries)
	}
}

func TestExtractAntiDetectionCapsConcurrency(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 20 * time.Millisecond
	urls := make([]string, 8)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://a.test/p%d", i)
		f.pages[urls[i]] = articleHTML("T", "body")
	}

	cfg := DefaultExtractorConfig()
	cfg.MaxConcurrent = 8
	cfg.AntiDetection = true
	e := newTestExtractor(t, f, cfg)

	res := e.ExtractMany(context.Background(), urls)
	if len(res) != len(urls) {
		t.Fatalf("got %d results, want %d", len(res), len(urls))
	}
	for _, u := range urls {
		if !res[u].OK {
			t.Fatalf("extract %s failed: %s", u, res[u].Err)
		}
	}
	if max := f.maxInFlight.Load(); max > 2 {
		t.Fatalf("observed %d concurrent fetches, cap is 2", max)
	}
}

func TestExtractManyPausesBetweenHostGroups(t *testing.T) {
	f := newFakeFetcher()
	urls := []string{"https://a.test/1", "https://a.test/2", "https://b.test/1", "https://c.test/1"}
	for _, u := range urls {
		f.pages[u] = articleHTML("T", "body")
	}

	e := newTestExtractor(t, f, DefaultExtractorConfig())
	var pauses atomic.Int64
	e.sleep = func(context.Context, time.Duration) error {
		pauses.Add(1)
		return nil
	}
	e.rand = func(min, max time.Duration) time.Duration {
		if min != 2*time.Second || max != 5*time.Second {
			t.Errorf("pause range [%v, %v]", min, max)
		}
		return min
	}

	res := e.ExtractMany(context.Background(), urls)
	if len(res) != 4 {
		t.Fatalf("got %d results", len(res))
	}
	// Three hosts mean two pauses: after a.test's group and after b.test's,
	// none after the last. The two a.test URLs share a group and add nothing.
	if got := pauses.Load(); got != 2 {
		t.Fatalf("got %d pauses, want 2", got)
	}
}

func TestExtractManyVisitsHostGroupsSequentially(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 20 * time.Millisecond
	urls := []string{"https://a.test/1", "https://b.test/1", "https://c.test/1"}
	for _, u := range urls {
		f.pages[u] = articleHTML("T", "body")
	}

	cfg := DefaultExtractorConfig()
	cfg.MaxConcurrent = 8
	cfg.AntiDetection = false
	e := newTestExtractor(t, f, cfg)

	res := e.ExtractMany(context.Background(), urls)
	for _, u := range urls {
		if !res[u].OK {
			t.Fatalf("extract %s failed: %s", u, res[u].Err)
		}
	}
	// One URL per host: groups must not overlap, so the batch never bursts
	// against more than one host at a time.
	if max := f.maxInFlight.Load(); max > 1 {
		t.Fatalf("observed %d concurrent fetches across hosts, want sequential groups", max)
	}
}
