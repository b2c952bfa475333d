package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/driftline/driftline/internal/catalog"
	"github.com/driftline/driftline/internal/llm"
	"github.com/driftline/driftline/internal/model"
)

// scriptedInvoker returns canned replies per node name, consuming each
// node's list in order; the last reply repeats.
type scriptedInvoker struct {
	replies map[string][]string
	errs    map[string]error
	calls   map[string]int
}

func newScripted() *scriptedInvoker {
	return &scriptedInvoker{
		replies: make(map[string][]string),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (s *scriptedInvoker) Invoke(_ context.Context, node string, _ []llm.Message) (string, error) {
	n := s.calls[node]
	s.calls[node]++
	if err := s.errs[node]; err != nil {
		return "", err
	}
	list := s.replies[node]
	if len(list) == 0 {
		return "", errors.New("no scripted reply for " + node)
	}
	if n >= len(list) {
		n = len(list) - 1
	}
	return list[n], nil
}

func newTestRunner(t *testing.T, inv Invoker) (*Runner, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(store, inv, log), store
}

func seedEntry(t *testing.T, store *catalog.Store) *model.Entry {
	t.Helper()
	f := &model.Feed{Title: "D", Link: "https://d.test/rss"}
	if _, err := store.UpsertFeed(f); err != nil {
		t.Fatal(err)
	}
	e := &model.Entry{FeedID: f.ID, Link: "https://d.test/a", Title: "T", Content: "# Title\n\nBody."}
	if err := store.InsertEntry(e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestHappyPath(t *testing.T) {
	inv := newScripted()
	inv.replies["tagger"] = []string{`{"name":"tech","classification_rationale":"code heavy"}`}
	inv.replies["tagger_review"] = []string{`{"approved":true,"reason":"fits"}`}
	inv.replies["score"] = []string{`{"tag":"actionable","summary":"short"}`}

	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}

	cat, err := store.GetCategory(e.ID)
	if err != nil || cat.Category != "tech" {
		t.Fatalf("category = %+v, err %v", cat, err)
	}
	sc, err := store.GetScore(e.ID)
	if err != nil || sc.Score != model.ScoreActionable {
		t.Fatalf("score = %+v, err %v", sc, err)
	}
	sm, err := store.GetSummary(e.ID)
	if err != nil || sm.AISummary != "short" {
		t.Fatalf("summary = %+v, err %v", sm, err)
	}
}

func TestRescorePartiallyTaggedEntrySkipsTagger(t *testing.T) {
	inv := newScripted()
	inv.replies["score"] = []string{`{"tag":"systematic","summary":"keeper"}`}

	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)
	if err := store.UpsertCategory(model.EntryCategory{EntryID: e.ID, Category: "tech"}); err != nil {
		t.Fatal(err)
	}

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}
	if inv.calls["tagger"] != 0 || inv.calls["tagger_review"] != 0 {
		t.Fatalf("tagger path invoked: %v", inv.calls)
	}
	sc, err := store.GetScore(e.ID)
	if err != nil || sc.Score != model.ScoreSystematic {
		t.Fatalf("score = %+v, err %v", sc, err)
	}
}

func TestFinishedEntryEndsImmediately(t *testing.T) {
	inv := newScripted()
	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)
	if err := store.UpsertCategory(model.EntryCategory{EntryID: e.ID, Category: "tech"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertScore(model.EntryScore{EntryID: e.ID, Score: model.ScoreNoise}); err != nil {
		t.Fatal(err)
	}

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}
	if len(inv.calls) != 0 {
		t.Fatalf("model invoked on finished entry: %v", inv.calls)
	}
}

func TestReviewRejectionReachesCapAndForceAccepts(t *testing.T) {
	inv := newScripted()
	inv.replies["tagger"] = []string{`{"name":"business","classification_rationale":"market talk"}`}
	inv.replies["tagger_review"] = []string{`{"approved":false,"comment":"try again"}`}
	inv.replies["score"] = []string{`{"tag":"systematic","summary":"bg"}`}

	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}

	// Bounded loop: the tagger runs at most MaxTaggerRetry+1 times.
	if inv.calls["tagger"] != MaxTaggerRetry+1 {
		t.Fatalf("tagger called %d times, want %d", inv.calls["tagger"], MaxTaggerRetry+1)
	}
	cat, err := store.GetCategory(e.ID)
	if err != nil || cat.Category != "business" {
		t.Fatalf("force-accepted category = %+v, err %v", cat, err)
	}
	// business is not terminal, so score still runs.
	if inv.calls["score"] != 1 {
		t.Fatalf("score called %d times, want 1", inv.calls["score"])
	}
}

func TestTerminalCategorySkipsScore(t *testing.T) {
	inv := newScripted()
	inv.replies["tagger"] = []string{`{"name":"aggregation","classification_rationale":"link roundup"}`}
	inv.replies["tagger_review"] = []string{`{"approved":true}`}

	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}
	if inv.calls["score"] != 0 {
		t.Fatalf("score invoked for terminal category")
	}
	if _, err := store.GetScore(e.ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("score row written: %v", err)
	}
	cat, _ := store.GetCategory(e.ID)
	if cat == nil || cat.Category != model.CategoryAggregation {
		t.Fatalf("category = %+v", cat)
	}
}

func TestNoiseScoreTerminates(t *testing.T) {
	inv := newScripted()
	inv.replies["tagger"] = []string{`{"name":"tech","classification_rationale":"r"}`}
	inv.replies["tagger_review"] = []string{`{"approved":true}`}
	inv.replies["score"] = []string{`{"tag":"noise","summary":"meh"}`}

	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}
	sc, err := store.GetScore(e.ID)
	if err != nil || sc.Score != model.ScoreNoise {
		t.Fatalf("score = %+v, err %v", sc, err)
	}
	sm, err := store.GetSummary(e.ID)
	if err != nil || sm.AISummary != "meh" {
		t.Fatalf("summary = %+v, err %v", sm, err)
	}
}

func TestScoreNormalization(t *testing.T) {
	inv := newScripted()
	inv.replies["tagger"] = []string{`{"name":"tech","classification_rationale":"r"}`}
	inv.replies["tagger_review"] = []string{`{"approved":true}`}
	// Unknown tag and list-valued summary both get normalized.
	inv.replies["score"] = []string{`{"tag":"amazing","summary":["first line","second"]}`}

	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}
	sc, _ := store.GetScore(e.ID)
	if sc.Score != model.ScoreNoise {
		t.Fatalf("unknown tag normalized to %q", sc.Score)
	}
	sm, _ := store.GetSummary(e.ID)
	if sm.AISummary != "first line" {
		t.Fatalf("summary = %q", sm.AISummary)
	}
}

func TestScoreEmptySummaryFallback(t *testing.T) {
	inv := newScripted()
	inv.replies["tagger"] = []string{`{"name":"tech","classification_rationale":"r"}`}
	inv.replies["tagger_review"] = []string{`{"approved":true}`}
	inv.replies["score"] = []string{`{"tag":"actionable","summary":""}`}

	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}
	sm, _ := store.GetSummary(e.ID)
	if sm.AISummary != DefaultSummary {
		t.Fatalf("summary = %q, want %q", sm.AISummary, DefaultSummary)
	}
}

func TestTaggerFailureEndsRunQuietly(t *testing.T) {
	inv := newScripted()
	inv.errs["tagger"] = errors.New("pool down")

	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatalf("model failure must not surface: %v", err)
	}
	if _, err := store.GetCategory(e.ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("category written after failure: %v", err)
	}
}

func TestTaggerUnparseableReplyEndsRun(t *testing.T) {
	inv := newScripted()
	inv.replies["tagger"] = []string{"I cannot classify this article, sorry."}

	r, store := newTestRunner(t, inv)
	e := seedEntry(t, store)

	if err := r.Run(context.Background(), e.ID); err != nil {
		t.Fatal(err)
	}
	if inv.calls["tagger_review"] != 0 {
		t.Fatal("review ran on unparseable proposal")
	}
	if _, err := store.GetCategory(e.ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("category written: %v", err)
	}
}
