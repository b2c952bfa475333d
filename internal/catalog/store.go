package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/driftline/driftline/internal/model"
	"github.com/driftline/driftline/internal/timeutil"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("catalog: not found")

// Store wraps the catalog database and provides transactional CRUD for
// feeds, entries, and classification results. All writes are serialized by
// an internal mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a Store for the given catalog connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- rss_feed ---

// UpsertFeed inserts the feed keyed by link, or refreshes its metadata when
// it already exists. The watermark (updated_ns) is never touched here; use
// UpdateFeedWatermark after a successful sync. On return f.ID is set and
// created reports whether a new row was made.
func (s *Store) UpsertFeed(f *model.Feed) (created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingID int64
	err = s.db.QueryRow("SELECT id FROM rss_feed WHERE link = ?", f.Link).Scan(&existingID)
	switch {
	case err == nil:
		_, err = s.db.Exec(`
			UPDATE rss_feed SET title = ?, description = ?, language = ?
			WHERE id = ?
		`, f.Title, f.Description, f.Language, existingID)
		if err != nil {
			return false, fmt.Errorf("update feed %s: %w", f.Link, err)
		}
		f.ID = existingID
		return false, nil
	case errors.Is(err, sql.ErrNoRows):
		// New feeds start at the epoch watermark so the first sync is full.
		f.UpdatedNs = 0
		res, ierr := s.db.Exec(`
			INSERT INTO rss_feed (title, description, link, language, updated_ns)
			VALUES (?, ?, ?, ?, 0)
		`, f.Title, f.Description, f.Link, f.Language)
		if ierr != nil {
			return false, fmt.Errorf("insert feed %s: %w", f.Link, ierr)
		}
		f.ID, ierr = res.LastInsertId()
		if ierr != nil {
			return false, fmt.Errorf("insert feed %s: %w", f.Link, ierr)
		}
		return true, nil
	default:
		return false, fmt.Errorf("lookup feed %s: %w", f.Link, err)
	}
}

// GetFeedByLink loads a feed by its URL. Returns ErrNotFound when absent.
func (s *Store) GetFeedByLink(link string) (*model.Feed, error) {
	row := s.db.QueryRow(`
		SELECT id, title, description, link, language, updated_ns
		FROM rss_feed WHERE link = ?
	`, link)
	var f model.Feed
	if err := row.Scan(&f.ID, &f.Title, &f.Description, &f.Link, &f.Language, &f.UpdatedNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan feed %s: %w", link, err)
	}
	return &f, nil
}

// ListFeeds returns all feeds ordered by id.
func (s *Store) ListFeeds() ([]model.Feed, error) {
	rows, err := s.db.Query(`
		SELECT id, title, description, link, language, updated_ns
		FROM rss_feed ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Feed
	for rows.Next() {
		var f model.Feed
		if err := rows.Scan(&f.ID, &f.Title, &f.Description, &f.Link, &f.Language, &f.UpdatedNs); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

// UpdateFeedWatermark raises the feed's updated_ns watermark. The watermark
// is monotonic; a smaller value is a no-op.
func (s *Store) UpdateFeedWatermark(feedID, updatedNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE rss_feed SET updated_ns = ? WHERE id = ? AND updated_ns < ?
	`, updatedNs, feedID, updatedNs)
	return err
}

// --- rss_entry ---

// FindEntryByLink loads an entry by URL. Returns ErrNotFound when absent.
func (s *Store) FindEntryByLink(link string) (*model.Entry, error) {
	return s.scanEntry(s.db.QueryRow(entrySelect+" WHERE link = ?", link))
}

// GetEntry loads an entry by id. Returns ErrNotFound when absent.
func (s *Store) GetEntry(id int64) (*model.Entry, error) {
	return s.scanEntry(s.db.QueryRow(entrySelect+" WHERE id = ?", id))
}

const entrySelect = `
	SELECT id, feed_id, link, title, author, summary, content,
	       published_at_ns, created_at_ns, modified_at_ns
	FROM rss_entry`

func (s *Store) scanEntry(row *sql.Row) (*model.Entry, error) {
	var e model.Entry
	err := row.Scan(&e.ID, &e.FeedID, &e.Link, &e.Title, &e.Author, &e.Summary,
		&e.Content, &e.PublishedAtNs, &e.CreatedAtNs, &e.ModifiedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	return &e, nil
}

// InsertEntry inserts a single entry; e.ID is set on return. Zero bookkeeping
// timestamps are filled with now.
func (s *Store) InsertEntry(e *model.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEntryLocked(s.db, e)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) insertEntryLocked(ex execer, e *model.Entry) error {
	now := timeutil.Now().UnixNano()
	if e.CreatedAtNs == 0 {
		e.CreatedAtNs = now
	}
	if e.ModifiedAtNs == 0 {
		e.ModifiedAtNs = now
	}
	res, err := ex.Exec(`
		INSERT INTO rss_entry (feed_id, link, title, author, summary, content,
		                       published_at_ns, created_at_ns, modified_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.FeedID, e.Link, e.Title, e.Author, e.Summary, e.Content,
		e.PublishedAtNs, e.CreatedAtNs, e.ModifiedAtNs)
	if err != nil {
		return fmt.Errorf("insert entry %s: %w", e.Link, err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert entry %s: %w", e.Link, err)
	}
	return nil
}

// UpdateEntryContent replaces an entry's crawled content and bumps its
// modified timestamp.
func (s *Store) UpdateEntryContent(id int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE rss_entry SET content = ?, modified_at_ns = ? WHERE id = ?
	`, content, timeutil.Now().UnixNano(), id)
	return err
}

// SyncEntries writes the given entries and raises the feed watermark in one
// transaction. An entry whose link already exists is skipped, unless the
// stored row has blank content and the incoming one does not, in which case
// the content and published time are backfilled. It returns the ids of the
// entries written or backfilled.
func (s *Store) SyncEntries(feedID int64, entries []model.Entry, watermarkNs int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("sync feed %d: begin: %w", feedID, err)
	}
	defer tx.Rollback()

	var newIDs []int64
	for i := range entries {
		e := &entries[i]
		e.FeedID = feedID

		var (
			existingID      int64
			existingContent string
		)
		err := tx.QueryRow("SELECT id, content FROM rss_entry WHERE link = ?", e.Link).
			Scan(&existingID, &existingContent)
		switch {
		case err == nil:
			if existingContent != "" || e.Content == "" {
				continue
			}
			if _, err := tx.Exec(`
				UPDATE rss_entry SET content = ?, published_at_ns = ?, modified_at_ns = ?
				WHERE id = ?
			`, e.Content, e.PublishedAtNs, timeutil.Now().UnixNano(), existingID); err != nil {
				return nil, fmt.Errorf("sync feed %d: backfill %s: %w", feedID, e.Link, err)
			}
			e.ID = existingID
			newIDs = append(newIDs, existingID)
		case errors.Is(err, sql.ErrNoRows):
			if err := s.insertEntryLocked(tx, e); err != nil {
				return nil, fmt.Errorf("sync feed %d: %w", feedID, err)
			}
			newIDs = append(newIDs, e.ID)
		default:
			return nil, fmt.Errorf("sync feed %d: lookup %s: %w", feedID, e.Link, err)
		}
	}

	if _, err := tx.Exec(`
		UPDATE rss_feed SET updated_ns = ? WHERE id = ? AND updated_ns < ?
	`, watermarkNs, feedID, watermarkNs); err != nil {
		return nil, fmt.Errorf("sync feed %d: watermark: %w", feedID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sync feed %d: commit: %w", feedID, err)
	}
	return newIDs, nil
}

// RecentEntryIDs returns ids of entries created at or after sinceNs, oldest
// first.
func (s *Store) RecentEntryIDs(sinceNs int64) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT id FROM rss_entry WHERE created_at_ns >= ? ORDER BY id
	`, sinceNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// RecentCategorizedIDs returns ids of entries published at or after sinceNs
// that already carry a category. Used to re-score partially processed items.
func (s *Store) RecentCategorizedIDs(sinceNs int64) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT e.id FROM rss_entry e
		JOIN entry_category c ON c.entry_id = e.id
		WHERE e.published_at_ns >= ?
		ORDER BY e.id
	`, sinceNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// PendingClassificationIDs returns ids of entries missing a category or a
// score, oldest first. A positive limit caps the result.
func (s *Store) PendingClassificationIDs(limit int) ([]int64, error) {
	q := `
		SELECT e.id FROM rss_entry e
		LEFT JOIN entry_category c ON c.entry_id = e.id
		LEFT JOIN entry_scores sc ON sc.entry_id = e.id
		WHERE c.entry_id IS NULL OR sc.entry_id IS NULL
		ORDER BY e.id`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(q+" LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- classification results ---

// UpsertCategory stores the category verdict for an entry.
func (s *Store) UpsertCategory(c model.EntryCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAtNs == 0 {
		c.CreatedAtNs = timeutil.Now().UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO entry_category (entry_id, category, reason, created_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			category      = excluded.category,
			reason        = excluded.reason,
			created_at_ns = excluded.created_at_ns
	`, c.EntryID, c.Category, c.Reason, c.CreatedAtNs)
	return err
}

// GetCategory loads an entry's category verdict. Returns ErrNotFound when
// the entry has not been categorized.
func (s *Store) GetCategory(entryID int64) (*model.EntryCategory, error) {
	row := s.db.QueryRow(`
		SELECT entry_id, category, reason, created_at_ns
		FROM entry_category WHERE entry_id = ?
	`, entryID)
	var c model.EntryCategory
	if err := row.Scan(&c.EntryID, &c.Category, &c.Reason, &c.CreatedAtNs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan category %d: %w", entryID, err)
	}
	return &c, nil
}

// UpsertScore stores the score tag for an entry.
func (s *Store) UpsertScore(sc model.EntryScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO entry_scores (entry_id, score) VALUES (?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET score = excluded.score
	`, sc.EntryID, sc.Score)
	return err
}

// GetScore loads an entry's score tag. Returns ErrNotFound when the entry
// has not been scored.
func (s *Store) GetScore(entryID int64) (*model.EntryScore, error) {
	row := s.db.QueryRow("SELECT entry_id, score FROM entry_scores WHERE entry_id = ?", entryID)
	var sc model.EntryScore
	if err := row.Scan(&sc.EntryID, &sc.Score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan score %d: %w", entryID, err)
	}
	return &sc, nil
}

// UpsertSummary stores the generated summary for an entry.
func (s *Store) UpsertSummary(sm model.EntrySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO entry_summary (entry_id, ai_summary) VALUES (?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET ai_summary = excluded.ai_summary
	`, sm.EntryID, sm.AISummary)
	return err
}

// GetSummary loads an entry's generated summary. Returns ErrNotFound when
// absent.
func (s *Store) GetSummary(entryID int64) (*model.EntrySummary, error) {
	row := s.db.QueryRow("SELECT entry_id, ai_summary FROM entry_summary WHERE entry_id = ?", entryID)
	var sm model.EntrySummary
	if err := row.Scan(&sm.EntryID, &sm.AISummary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan summary %d: %w", entryID, err)
	}
	return &sm, nil
}
