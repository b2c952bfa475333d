// Package feed wraps RSS/Atom retrieval and parsing. It produces immutable
// snapshots so the ingest layer can evaluate the watermark and the sync
// window against a single fetch.
package feed

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/mmcdole/gofeed"

	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/timeutil"
)

// Info is feed-level metadata.
type Info struct {
	Title       string
	Description string
	Link        string
	Language    string
	Updated     time.Time
}

// Item is one normalized feed entry. Content is cleaned markdown when the
// feed carried an embedded body, empty otherwise.
type Item struct {
	Link      string
	Title     string
	Author    string
	Summary   string
	Content   string
	Published time.Time
}

// Snapshot is the result of fetching a feed once.
type Snapshot struct {
	Info  Info
	Items []Item
}

// ItemsBetween returns the items published inside [start, end], both ends
// inclusive, preserving feed order.
func (s *Snapshot) ItemsBetween(start, end time.Time) []Item {
	var out []Item
	for _, it := range s.Items {
		if it.Published.Before(start) || it.Published.After(end) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Reader fetches and parses feeds.
type Reader struct {
	parser  *gofeed.Parser
	timeout time.Duration
	now     func() time.Time
}

// userAgentTransport pins a browser-like User-Agent on every request. Some
// feed hosts reject Go's default agent outright.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// NewReader creates a Reader. An empty proxyURL uses the environment's
// default transport.
func NewReader(timeout time.Duration, proxyURL string) (*Reader, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		p, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("feed: invalid proxy url %q: %w", proxyURL, err)
		}
		transport.Proxy = http.ProxyURL(p)
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{
		Transport: &userAgentTransport{agent: crawl.RandomUserAgent(), base: transport},
		Timeout:   timeout,
	}
	return &Reader{parser: parser, timeout: timeout, now: timeutil.Now}, nil
}

// Fetch retrieves and parses the feed at feedURL.
func (r *Reader) Fetch(ctx context.Context, feedURL string) (*Snapshot, error) {
	parsed, err := r.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("feed: parse %s: %w", feedURL, err)
	}
	return r.normalize(parsed), nil
}

func (r *Reader) normalize(f *gofeed.Feed) *Snapshot {
	snap := &Snapshot{
		Info: Info{
			Title:       strings.TrimSpace(html.UnescapeString(f.Title)),
			Description: strings.TrimSpace(html.UnescapeString(f.Description)),
			Link:        f.Link,
			Language:    f.Language,
		},
	}

	for _, raw := range f.Items {
		if raw == nil || raw.Link == "" {
			continue
		}
		snap.Items = append(snap.Items, r.normalizeItem(raw))
	}

	snap.Info.Updated = r.feedUpdated(f, snap.Items)
	return snap
}

// feedUpdated resolves the feed-level updated timestamp. Feeds that omit it
// fall back to the newest item's published time, then to now.
func (r *Reader) feedUpdated(f *gofeed.Feed, items []Item) time.Time {
	if f.UpdatedParsed != nil {
		return f.UpdatedParsed.UTC()
	}
	if f.PublishedParsed != nil {
		return f.PublishedParsed.UTC()
	}
	var newest time.Time
	for _, it := range items {
		if it.Published.After(newest) {
			newest = it.Published
		}
	}
	if !newest.IsZero() {
		return newest
	}
	return r.now()
}

func (r *Reader) normalizeItem(raw *gofeed.Item) Item {
	it := Item{
		Link:      raw.Link,
		Title:     strings.TrimSpace(html.UnescapeString(raw.Title)),
		Summary:   strings.TrimSpace(html.UnescapeString(raw.Description)),
		Published: itemPublished(raw),
	}
	if len(raw.Authors) > 0 && raw.Authors[0] != nil {
		it.Author = raw.Authors[0].Name
	}
	if raw.Content != "" {
		if md, err := htmltomarkdown.ConvertString(raw.Content); err == nil {
			it.Content = crawl.CleanMarkdown(md)
		}
	}
	return it
}

// itemPublished resolves an item's published time, preferring the parsed
// value and falling back to the raw date string for the odd formats the
// upstream parser does not recognize. Undated items get now.
func itemPublished(raw *gofeed.Item) time.Time {
	if raw.PublishedParsed != nil {
		return raw.PublishedParsed.UTC()
	}
	if raw.UpdatedParsed != nil {
		return raw.UpdatedParsed.UTC()
	}
	for _, s := range []string{raw.Published, raw.Updated} {
		if s == "" {
			continue
		}
		if t, err := timeutil.Parse(s); err == nil {
			return t
		}
	}
	return timeutil.Now()
}
