package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/driftline/internal/catalog"
	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/feed"
	"github.com/driftline/driftline/internal/model"
	"github.com/driftline/driftline/internal/timeutil"
)

// DefaultFetchWindow is how far back a feed's first sync reaches.
const DefaultFetchWindow = 7 * 24 * time.Hour

// FeedFetcher retrieves and parses one feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string) (*feed.Snapshot, error)
}

// Extractor crawls article URLs into markdown.
type Extractor interface {
	ExtractMany(ctx context.Context, urls []string) map[string]crawl.Result
}

// Ingester syncs a single source into the catalog.
type Ingester struct {
	feeds     FeedFetcher
	extractor Extractor
	store     *catalog.Store
	backoff   crawl.Backoff
	window    time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewIngester wires an Ingester. A zero window falls back to
// DefaultFetchWindow; a nil logger to slog.Default.
func NewIngester(feeds FeedFetcher, extractor Extractor, store *catalog.Store, window time.Duration, log *slog.Logger) *Ingester {
	if window <= 0 {
		window = DefaultFetchWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{
		feeds:     feeds,
		extractor: extractor,
		store:     store,
		backoff:   crawl.DefaultBackoff(),
		window:    window,
		log:       log,
		now:       timeutil.Now,
	}
}

// IngestSource syncs one source and returns the ids of entries written or
// backfilled. An up-to-date feed returns an empty batch without crawling.
func (g *Ingester) IngestSource(ctx context.Context, src Source) ([]int64, error) {
	var snap *feed.Snapshot
	err := g.backoff.Do(ctx, func() error {
		var ferr error
		snap, ferr = g.feeds.Fetch(ctx, src.URL)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", src.URL, err)
	}

	f := &model.Feed{
		Title:       firstNonEmpty(snap.Info.Title, src.Name),
		Description: firstNonEmpty(snap.Info.Description, src.Description),
		Link:        src.URL,
		Language:    snap.Info.Language,
	}
	created, err := g.store.UpsertFeed(f)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", src.URL, err)
	}

	watermark := snap.Info.Updated
	if !created && f.UpdatedNs >= watermark.UnixNano() {
		g.log.Debug("feed up to date", "source", src.Name, "url", src.URL)
		return nil, nil
	}

	// Full sync reaches back a fixed window; incremental picks up strictly
	// after the stored watermark.
	var start time.Time
	if created {
		start = g.now().Add(-g.window)
	} else {
		start = time.Unix(0, f.UpdatedNs+1).UTC()
	}
	items := snap.ItemsBetween(start, watermark)

	entries := g.buildEntries(ctx, items)
	ids, err := g.store.SyncEntries(f.ID, entries, watermark.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", src.URL, err)
	}
	g.log.Info("source synced",
		"source", src.Name, "url", src.URL,
		"window_entries", len(items), "written", len(ids), "full_sync", created)
	return ids, nil
}

// buildEntries turns feed items into catalog entries, crawling articles the
// feed did not embed a body for. A failed crawl leaves content empty; a
// later run backfills it.
func (g *Ingester) buildEntries(ctx context.Context, items []feed.Item) []model.Entry {
	var needCrawl []string
	for _, it := range items {
		if it.Content == "" {
			needCrawl = append(needCrawl, it.Link)
		}
	}
	var crawled map[string]crawl.Result
	if len(needCrawl) > 0 {
		crawled = g.extractor.ExtractMany(ctx, needCrawl)
	}

	entries := make([]model.Entry, 0, len(items))
	for _, it := range items {
		e := model.Entry{
			Link:          it.Link,
			Title:         it.Title,
			Author:        it.Author,
			Summary:       it.Summary,
			Content:       it.Content,
			PublishedAtNs: it.Published.UnixNano(),
		}
		if e.Content == "" {
			if res, ok := crawled[it.Link]; ok && res.OK {
				e.Content = res.Content
				if e.Title == "" {
					e.Title = res.Title
				}
			} else if ok {
				g.log.Warn("article crawl failed", "url", it.Link, "error", res.Err)
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
