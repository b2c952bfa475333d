// Package model defines domain structs shared across the persistence layer.
package model

import "time"

// Score tags produced by the score stage.
const (
	ScoreActionable = "actionable"
	ScoreSystematic = "systematic"
	ScoreNoise      = "noise"
)

// Categories that end a classification run without scoring.
const (
	CategoryOther       = "other"
	CategoryAggregation = "aggregation"
)

// TerminalCategory reports whether a category ends the run before scoring.
func TerminalCategory(category string) bool {
	return category == CategoryOther || category == CategoryAggregation
}

// ValidScore reports whether tag is one of the closed score set.
func ValidScore(tag string) bool {
	return tag == ScoreActionable || tag == ScoreSystematic || tag == ScoreNoise
}

// Feed represents a syndication source document.
// Link is the immutable natural key. Updated is the sync watermark, stored as
// UTC nanoseconds; 0 marks a feed that has never completed a full sync.
type Feed struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Link        string `json:"link"`
	Language    string `json:"language"`
	UpdatedNs   int64  `json:"updated_ns"`
}

// Updated returns the watermark as a naive-UTC time.
func (f *Feed) Updated() time.Time {
	return time.Unix(0, f.UpdatedNs).UTC()
}

// Entry is a single article ingested from a feed.
// Link is the immutable natural key. Content may be empty when the crawl
// failed; a later successful crawl fills it in place.
type Entry struct {
	ID            int64  `json:"id"`
	FeedID        int64  `json:"feed_id"`
	Link          string `json:"link"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	Summary       string `json:"summary"`
	Content       string `json:"content"`
	PublishedAtNs int64  `json:"published_at_ns"`
	CreatedAtNs   int64  `json:"created_at_ns"`
	ModifiedAtNs  int64  `json:"modified_at_ns"`
}

// PublishedAt returns the publish instant as a naive-UTC time.
func (e *Entry) PublishedAt() time.Time {
	return time.Unix(0, e.PublishedAtNs).UTC()
}

// Body returns the text the reasoning nodes should read: the crawled
// content when present, else the feed summary.
func (e *Entry) Body() string {
	if e.Content != "" {
		return e.Content
	}
	return e.Summary
}

// EntryCategory records the adopted classification for an entry.
type EntryCategory struct {
	EntryID     int64  `json:"entry_id"`
	Category    string `json:"category"`
	Reason      string `json:"reason"`
	CreatedAtNs int64  `json:"created_at_ns"`
}

// EntryScore records the score tag for an entry.
type EntryScore struct {
	EntryID int64  `json:"entry_id"`
	Score   string `json:"score"`
}

// EntrySummary records the model-written summary, co-written with EntryScore.
type EntrySummary struct {
	EntryID   int64  `json:"entry_id"`
	AISummary string `json:"ai_summary"`
}
