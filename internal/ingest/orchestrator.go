package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/driftline/driftline/internal/catalog"
	"github.com/driftline/driftline/internal/timeutil"
)

// DefaultClassifyConcurrency bounds simultaneous reasoning runs.
const DefaultClassifyConcurrency = 3

// rescoreWindow is how far back IngestAll looks for already-categorized
// entries to attach for re-scoring.
const rescoreWindow = 7 * 24 * time.Hour

// EntryRunner executes the reasoning pipeline for one entry.
type EntryRunner interface {
	Run(ctx context.Context, entryID int64) error
}

// Stats aggregates a classification batch.
type Stats struct {
	Processed int
	Errors    int
}

// Orchestrator fans ingestion out across sources and reasoning out across
// entries.
type Orchestrator struct {
	ingester      *Ingester
	store         *catalog.Store
	runner        EntryRunner
	maxConcurrent int
	log           *slog.Logger
	now           func() time.Time
}

// NewOrchestrator wires an Orchestrator with the default reasoning
// concurrency.
func NewOrchestrator(ingester *Ingester, store *catalog.Store, runner EntryRunner, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		ingester:      ingester,
		store:         store,
		runner:        runner,
		maxConcurrent: DefaultClassifyConcurrency,
		log:           log,
		now:           timeutil.Now,
	}
}

// IngestAll syncs every source in sequence and returns the ids of entries
// written, plus recently published entries that already carry a category so
// partially processed items get re-scored. A failed source is logged and
// skipped; siblings are unaffected.
func (o *Orchestrator) IngestAll(ctx context.Context, sources []Source) []int64 {
	runID := uuid.NewString()
	log := o.log.With("run_id", runID)
	log.Info("ingest run started", "sources", len(sources))

	seen := make(map[int64]bool)
	var ids []int64
	add := func(batch []int64) {
		for _, id := range batch {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			log.Warn("ingest run cancelled", "error", ctx.Err())
			break
		}
		batch, err := o.ingester.IngestSource(ctx, src)
		if err != nil {
			log.Warn("source failed", "source", src.Name, "url", src.URL, "error", err)
			continue
		}
		add(batch)
	}

	since := o.now().Add(-rescoreWindow).UnixNano()
	recent, err := o.store.RecentCategorizedIDs(since)
	if err != nil {
		log.Warn("recent-categorized lookup failed", "error", err)
	} else {
		add(recent)
	}

	log.Info("ingest run finished", "entries", len(ids))
	return ids
}

// Classify selects up to limit pending entries from the catalog (all of
// them when ignoreLimit is set) and runs the reasoning pipeline over each.
func (o *Orchestrator) Classify(ctx context.Context, limit int, ignoreLimit bool) (Stats, error) {
	if ignoreLimit {
		limit = 0
	}
	ids, err := o.store.PendingClassificationIDs(limit)
	if err != nil {
		return Stats{}, err
	}
	return o.ClassifyEntries(ctx, ids), nil
}

// ClassifyEntries runs the reasoning pipeline over the given entries with
// bounded concurrency. Per-entry failures are counted, never propagated.
func (o *Orchestrator) ClassifyEntries(ctx context.Context, ids []int64) Stats {
	runID := uuid.NewString()
	log := o.log.With("run_id", runID)
	log.Info("classify run started", "entries", len(ids))

	sem := semaphore.NewWeighted(int64(o.maxConcurrent))
	var (
		wg        sync.WaitGroup
		processed atomic.Int64
		failed    atomic.Int64
	)
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Warn("classify run cancelled", "error", err)
			break
		}
		wg.Add(1)
		go func(entryID int64) {
			defer wg.Done()
			defer sem.Release(1)
			if err := o.runner.Run(ctx, entryID); err != nil {
				failed.Add(1)
				log.Warn("entry pipeline failed", "entry_id", entryID, "error", err)
				return
			}
			processed.Add(1)
		}(id)
	}
	wg.Wait()

	stats := Stats{Processed: int(processed.Load()), Errors: int(failed.Load())}
	log.Info("classify run finished", "processed", stats.Processed, "errors", stats.Errors)
	return stats
}
