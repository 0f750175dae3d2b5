package chapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/quire/errors"
)

// Store provides storage operations for chapters
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new chapter store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

const chapterColumns = `id, title, outline, content, summary, states, status, flags, locked, word_count, created_at, updated_at`

// Create inserts a new chapter in pending status.
func (s *Store) Create(ctx context.Context, ch *Chapter) error {
	if ch.ID == "" {
		return errors.NewInvalidRequestError("chapter id is required")
	}
	if ch.Status == "" {
		ch.Status = StatusPending
	}
	if !ch.Status.Valid() {
		return errors.NewInvalidRequestError("unknown chapter status %q", ch.Status)
	}
	if ch.Flags == nil {
		ch.Flags = []Flag{}
	}
	flags, err := json.Marshal(ch.Flags)
	if err != nil {
		return errors.Wrap(err, "failed to marshal chapter flags")
	}

	now := s.now()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	ch.WordCount = CountWords(ch.Content)

	query := `INSERT INTO chapters (` + chapterColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		ch.ID, ch.Title, ch.Outline, ch.Content, ch.Summary, ch.States,
		ch.Status, string(flags), ch.Locked, ch.WordCount, now, now,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create chapter %s", ch.ID)
	}
	return nil
}

// Get retrieves a chapter by ID
func (s *Store) Get(ctx context.Context, id string) (*Chapter, error) {
	query := `SELECT ` + chapterColumns + ` FROM chapters WHERE id = ?`
	ch, err := scanChapter(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("chapter %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get chapter %s", id)
	}
	return ch, nil
}

// List returns all chapters, oldest first
func (s *Store) List(ctx context.Context) ([]*Chapter, error) {
	query := `SELECT ` + chapterColumns + ` FROM chapters ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list chapters")
	}
	defer rows.Close()

	var chapters []*Chapter
	for rows.Next() {
		ch, err := scanChapter(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan chapter")
		}
		chapters = append(chapters, ch)
	}
	return chapters, rows.Err()
}

// UpdateContent replaces the chapter text and recounts its words.
func (s *Store) UpdateContent(ctx context.Context, id, content string) error {
	return s.update(ctx, id, "content",
		`UPDATE chapters SET content = ?, word_count = ?, updated_at = ? WHERE id = ?`,
		content, CountWords(content), s.now(), id)
}

// UpdateStatus moves the chapter to status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return errors.NewInvalidRequestError("unknown chapter status %q", status)
	}
	return s.update(ctx, id, "status",
		`UPDATE chapters SET status = ?, updated_at = ? WHERE id = ?`,
		status, s.now(), id)
}

// AppendFlag adds flag to the chapter's flag list.
func (s *Store) AppendFlag(ctx context.Context, id string, flag Flag) error {
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = s.now()
	}
	if flag.Severity == "" {
		flag.Severity = SeverityInfo
	}
	encoded, err := json.Marshal(flag)
	if err != nil {
		return errors.Wrap(err, "failed to marshal chapter flag")
	}
	return s.update(ctx, id, "flags",
		`UPDATE chapters SET flags = json_insert(flags, '$[#]', json(?)), updated_at = ? WHERE id = ?`,
		string(encoded), s.now(), id)
}

// UpdateSummary stores the chapter summary.
func (s *Store) UpdateSummary(ctx context.Context, id, summary string) error {
	return s.update(ctx, id, "summary",
		`UPDATE chapters SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, s.now(), id)
}

// UpdateStates stores the continuity state handed to the next chapter.
func (s *Store) UpdateStates(ctx context.Context, id, states string) error {
	return s.update(ctx, id, "states",
		`UPDATE chapters SET states = ?, updated_at = ? WHERE id = ?`,
		states, s.now(), id)
}

// SetLocked locks or unlocks a chapter. Jobs for a locked chapter are not
// picked up until it is unlocked.
func (s *Store) SetLocked(ctx context.Context, id string, locked bool) error {
	return s.update(ctx, id, "lock",
		`UPDATE chapters SET locked = ?, updated_at = ? WHERE id = ?`,
		locked, s.now(), id)
}

// LockedTargets returns the IDs of locked chapters.
func (s *Store) LockedTargets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chapters WHERE locked = 1 ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query locked chapters")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan locked chapter")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) update(ctx context.Context, id, what, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update chapter %s %s", id, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to update chapter %s %s", id, what)
	}
	if n == 0 {
		return errors.NewNotFoundError("chapter %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChapter(row rowScanner) (*Chapter, error) {
	var ch Chapter
	var flags string
	err := row.Scan(
		&ch.ID, &ch.Title, &ch.Outline, &ch.Content, &ch.Summary, &ch.States,
		&ch.Status, &flags, &ch.Locked, &ch.WordCount, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(flags), &ch.Flags); err != nil {
		return nil, errors.Wrapf(err, "failed to parse flags of chapter %s", ch.ID)
	}
	return &ch, nil
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
