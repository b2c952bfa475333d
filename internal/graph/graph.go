// Package graph runs the per-entry reasoning pipeline: classify the entry,
// review the proposed category in a bounded refinement loop, then score and
// summarize. Results are persisted through the catalog, which is also the
// truth source for resuming an interrupted pipeline.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/driftline/driftline/internal/catalog"
	"github.com/driftline/driftline/internal/llm"
	"github.com/driftline/driftline/internal/model"
)

// MaxTaggerRetry bounds the tagger/review refinement loop. After this many
// rejections the proposal is force-accepted.
const MaxTaggerRetry = 3

// DefaultSummary replaces a missing or unusable summary from the score node.
const DefaultSummary = "无有效摘要"

// ErrNoCategory is returned when the score node runs on an entry with no
// persisted or in-state category.
var ErrNoCategory = errors.New("graph: entry has no category")

// Invoker is the single call surface the nodes use. The pool manager owns
// endpoint selection, retry, and health behind it.
type Invoker interface {
	Invoke(ctx context.Context, nodeName string, messages []llm.Message) (string, error)
}

type nodeID int

const (
	nodeEnd nodeID = iota
	nodeTagger
	nodeReview
	nodeScore
)

// tagProposal is the tagger's parsed output, held in state until review
// adopts or force-accepts it.
type tagProposal struct {
	Name      string
	Rationale string
}

// state is the per-run mutable record threaded through the nodes.
type state struct {
	entry        *model.Entry
	proposal     *tagProposal
	category     string
	refineReason string
	retryCount   int
}

// Runner drives the reasoning graph over catalog entries.
type Runner struct {
	store   *catalog.Store
	invoker Invoker
	log     *slog.Logger
}

// NewRunner creates a Runner. A nil logger falls back to slog.Default.
func NewRunner(store *catalog.Store, invoker Invoker, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: store, invoker: invoker, log: log}
}

// Run executes the graph for one entry. Model and parse failures end the
// run without error; only store and precondition failures are returned.
func (r *Runner) Run(ctx context.Context, entryID int64) error {
	entry, err := r.store.GetEntry(entryID)
	if err != nil {
		return fmt.Errorf("graph: load entry %d: %w", entryID, err)
	}
	st := &state{entry: entry}

	cur, err := r.entryNode(st)
	if err != nil {
		return err
	}
	for cur != nodeEnd {
		switch cur {
		case nodeTagger:
			cur, err = r.tagger(ctx, st)
		case nodeReview:
			cur, err = r.review(ctx, st)
		case nodeScore:
			cur, err = r.score(ctx, st)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// entryNode decides where the graph starts: finished entries end
// immediately, categorized ones skip straight to score.
func (r *Runner) entryNode(st *state) (nodeID, error) {
	cat, err := r.store.GetCategory(st.entry.ID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return nodeEnd, fmt.Errorf("graph: load category %d: %w", st.entry.ID, err)
	}
	hasCategory := err == nil

	_, err = r.store.GetScore(st.entry.ID)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return nodeEnd, fmt.Errorf("graph: load score %d: %w", st.entry.ID, err)
	}
	hasScore := err == nil

	switch {
	case hasCategory && hasScore:
		return nodeEnd, nil
	case hasCategory:
		st.category = cat.Category
		return nodeScore, nil
	default:
		return nodeTagger, nil
	}
}

func (r *Runner) tagger(ctx context.Context, st *state) (nodeID, error) {
	// An interrupted earlier run may have persisted a category already.
	if cat, err := r.store.GetCategory(st.entry.ID); err == nil {
		st.category = cat.Category
		return nodeScore, nil
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nodeEnd, fmt.Errorf("graph: load category %d: %w", st.entry.ID, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\n\n%s", st.entry.Title, st.entry.Body())
	if st.refineReason != "" {
		fmt.Fprintf(&sb, "\n\nA previous attempt was rejected by review: %s", st.refineReason)
	}

	reply, err := r.invoker.Invoke(ctx, "tagger", []llm.Message{
		{Role: llm.RoleSystem, Content: taggerPrompt},
		{Role: llm.RoleHuman, Content: sb.String()},
	})
	if err != nil {
		r.log.Warn("tagger call failed", "entry_id", st.entry.ID, "error", err)
		return nodeEnd, nil
	}

	parsed, err := decodeReply(reply)
	if err != nil {
		r.log.Warn("tagger reply unparseable", "entry_id", st.entry.ID, "error", err)
		return nodeEnd, nil
	}
	st.proposal = &tagProposal{
		Name:      stringField(parsed, "name", model.CategoryOther),
		Rationale: stringField(parsed, "classification_rationale", ""),
	}
	return nodeReview, nil
}

func (r *Runner) review(ctx context.Context, st *state) (nodeID, error) {
	body := fmt.Sprintf("Article title: %s\n\nProposed category: %s\nRationale: %s",
		st.entry.Title, st.proposal.Name, st.proposal.Rationale)

	approved := false
	comment := ""
	reply, err := r.invoker.Invoke(ctx, "tagger_review", []llm.Message{
		{Role: llm.RoleSystem, Content: reviewPrompt},
		{Role: llm.RoleHuman, Content: body},
	})
	if err != nil {
		// Review outage must not starve the pipeline: adopt the proposal.
		r.log.Warn("review call failed, accepting proposal",
			"entry_id", st.entry.ID, "category", st.proposal.Name, "error", err)
		approved = true
	} else if parsed, perr := decodeReply(reply); perr != nil {
		r.log.Warn("review reply unparseable, accepting proposal",
			"entry_id", st.entry.ID, "error", perr)
		approved = true
	} else {
		approved = boolField(parsed, "approved")
		comment = stringField(parsed, "comment", stringField(parsed, "reason", ""))
	}

	if !approved && st.retryCount < MaxTaggerRetry {
		st.retryCount++
		st.refineReason = comment
		return nodeTagger, nil
	}
	if !approved {
		r.log.Info("review cap reached, force-accepting category",
			"entry_id", st.entry.ID, "category", st.proposal.Name, "retries", st.retryCount)
	}

	st.category = st.proposal.Name
	if err := r.store.UpsertCategory(model.EntryCategory{
		EntryID:  st.entry.ID,
		Category: st.category,
		Reason:   st.proposal.Rationale,
	}); err != nil {
		return nodeEnd, fmt.Errorf("graph: persist category %d: %w", st.entry.ID, err)
	}

	if model.TerminalCategory(st.category) {
		return nodeEnd, nil
	}
	return nodeScore, nil
}

func (r *Runner) score(ctx context.Context, st *state) (nodeID, error) {
	if st.category == "" {
		cat, err := r.store.GetCategory(st.entry.ID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nodeEnd, fmt.Errorf("%w: entry %d", ErrNoCategory, st.entry.ID)
			}
			return nodeEnd, fmt.Errorf("graph: load category %d: %w", st.entry.ID, err)
		}
		st.category = cat.Category
	}

	body := fmt.Sprintf("Category: %s\nTitle: %s\n\n%s", st.category, st.entry.Title, st.entry.Body())
	reply, err := r.invoker.Invoke(ctx, "score", []llm.Message{
		{Role: llm.RoleSystem, Content: scorePrompt},
		{Role: llm.RoleHuman, Content: body},
	})
	if err != nil {
		r.log.Warn("score call failed", "entry_id", st.entry.ID, "error", err)
		return nodeEnd, nil
	}

	tag := model.ScoreNoise
	summary := DefaultSummary
	if parsed, perr := decodeReply(reply); perr != nil {
		r.log.Warn("score reply unparseable, defaulting",
			"entry_id", st.entry.ID, "error", perr)
	} else {
		tag = stringField(parsed, "tag", model.ScoreNoise)
		if !model.ValidScore(tag) {
			tag = model.ScoreNoise
		}
		summary = stringField(parsed, "summary", DefaultSummary)
	}

	if err := r.store.UpsertScore(model.EntryScore{EntryID: st.entry.ID, Score: tag}); err != nil {
		return nodeEnd, fmt.Errorf("graph: persist score %d: %w", st.entry.ID, err)
	}
	if err := r.store.UpsertSummary(model.EntrySummary{EntryID: st.entry.ID, AISummary: summary}); err != nil {
		return nodeEnd, fmt.Errorf("graph: persist summary %d: %w", st.entry.ID, err)
	}
	return nodeEnd, nil
}
