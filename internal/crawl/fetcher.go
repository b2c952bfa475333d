package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPStatusError indicates the server responded, but with an unexpected
// HTTP status code. The message carries the code so the retry taxonomy can
// classify it.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch: unexpected status %d %s from %s",
		e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Page is a fetched article document.
type Page struct {
	URL  string
	HTML string
}

// Fetcher retrieves an article page. The default implementation is a plain
// HTTP client; a headless-browser implementation can be swapped in behind
// the same interface.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (*Page, error)
}

// HTTPFetcher fetches pages over HTTP with a browser-like identity.
// UserAgentFn is consulted on every request so the anti-detection rotation
// applies per fetch.
type HTTPFetcher struct {
	Client      *http.Client
	Timeout     time.Duration
	UserAgentFn func() string
}

// NewHTTPFetcher creates a fetcher with the given timeout and optional HTTP
// proxy URL. An empty proxy uses the environment's default transport.
func NewHTTPFetcher(timeout time.Duration, proxyURL string) (*HTTPFetcher, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		p, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("fetch: invalid proxy url %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(p)
	}
	return &HTTPFetcher{
		Client:      &http.Client{Transport: transport},
		Timeout:     timeout,
		UserAgentFn: RandomUserAgent,
	}, nil
}

// Fetch retrieves rawURL and returns the response document.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, header http.Header) (*Page, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: malformed url %q: %w", rawURL, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if f.UserAgentFn != nil {
		req.Header.Set("User-Agent", f.UserAgentFn())
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	return &Page{URL: rawURL, HTML: string(body)}, nil
}
