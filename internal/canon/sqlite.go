package canon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"storyloom/internal/errors"
	"storyloom/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS lore_entries (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	category       TEXT NOT NULL,
	fact           TEXT NOT NULL,
	subject        TEXT NOT NULL,
	attribute      TEXT NOT NULL,
	established_at INTEGER NOT NULL,
	immutability   TEXT NOT NULL,
	annotations    TEXT NOT NULL DEFAULT '[]',
	version        INTEGER NOT NULL,
	superseded_by  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lore_session ON lore_entries(session_id);

CREATE TABLE IF NOT EXISTS narrative_content (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	body          TEXT NOT NULL,
	position      INTEGER NOT NULL,
	entities      TEXT NOT NULL DEFAULT '[]',
	causal_links  TEXT NOT NULL DEFAULT '[]',
	themes        TEXT NOT NULL DEFAULT '[]',
	assertions    TEXT NOT NULL DEFAULT '[]',
	orderings     TEXT NOT NULL DEFAULT '[]',
	annotations   TEXT NOT NULL DEFAULT '[]',
	version       INTEGER NOT NULL,
	superseded_by TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_content_session ON narrative_content(session_id);

CREATE TABLE IF NOT EXISTS storyline_threads (
	id                TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL,
	title             TEXT NOT NULL,
	participants      TEXT NOT NULL DEFAULT '[]',
	themes            TEXT NOT NULL DEFAULT '[]',
	tension           REAL NOT NULL,
	resolution_target TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_threads_session ON storyline_threads(session_id);
`

// SQLiteStore persists canon in an embedded SQLite database. It shares the
// staging logic with the memory store: changes are applied to a cloned
// snapshot first and written back inside one transaction.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.Mutex // guards locks map
	locks map[string]*sync.RWMutex
}

// NewSQLiteStore opens (and if needed initializes) a SQLite canon store
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, locks: make(map[string]*sync.RWMutex)}, nil
}

func (s *SQLiteStore) sessionLock(sessionID string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[sessionID] = l
	}
	return l
}

func marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

// PutLore stores a new lore entry
func (s *SQLiteStore) PutLore(ctx context.Context, entry types.LoreEntry) error {
	if err := entry.Validate(); err != nil {
		return errors.Wrap(errors.ErrorCodeValidation, "invalid lore entry", err)
	}
	l := s.sessionLock(entry.SessionID)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lore_entries (id, session_id, category, fact, subject, attribute, established_at, immutability, annotations, version, superseded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, string(entry.Category), entry.Fact, entry.Subject, entry.Attribute,
		entry.EstablishedAt, string(entry.Immutability), marshalJSON(entry.Annotations),
		entry.Version, entry.SupersededBy, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store lore entry: %w", err)
	}
	return nil
}

// PutContent stores a new narrative content item
func (s *SQLiteStore) PutContent(ctx context.Context, content types.NarrativeContent) error {
	if err := content.Validate(); err != nil {
		return errors.Wrap(errors.ErrorCodeValidation, "invalid narrative content", err)
	}
	l := s.sessionLock(content.SessionID)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO narrative_content (id, session_id, body, position, entities, causal_links, themes, assertions, orderings, annotations, version, superseded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		content.ID, content.SessionID, content.Text, content.Position,
		marshalJSON(content.Entities), marshalJSON(content.CausalLinks), marshalJSON(content.Themes),
		marshalJSON(content.Assertions), marshalJSON(content.Orderings), marshalJSON(content.Annotations),
		content.Version, content.SupersededBy, content.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store narrative content: %w", err)
	}
	return nil
}

// PutThread stores or replaces a storyline thread
func (s *SQLiteStore) PutThread(ctx context.Context, thread types.StorylineThread) error {
	if err := thread.Validate(); err != nil {
		return errors.Wrap(errors.ErrorCodeValidation, "invalid storyline thread", err)
	}
	l := s.sessionLock(thread.SessionID)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storyline_threads (id, session_id, title, participants, themes, tension, resolution_target)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			participants = excluded.participants,
			themes = excluded.themes,
			tension = excluded.tension,
			resolution_target = excluded.resolution_target`,
		thread.ID, thread.SessionID, thread.Title,
		marshalJSON(thread.Participants), marshalJSON(thread.Themes),
		thread.Tension, thread.ResolutionTarget)
	if err != nil {
		return fmt.Errorf("failed to store storyline thread: %w", err)
	}
	return nil
}

// Snapshot loads the session's canon into an immutable snapshot
func (s *SQLiteStore) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	if sessionID == "" {
		return nil, errors.New(errors.ErrorCodeInvalidSession, "session ID is required")
	}
	l := s.sessionLock(sessionID)
	l.RLock()
	defer l.RUnlock()
	return s.loadSnapshot(ctx, sessionID)
}

func (s *SQLiteStore) loadSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	snap := newSnapshot(sessionID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, fact, subject, attribute, established_at, immutability, annotations, version, superseded_by, created_at
		FROM lore_entries WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load lore entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		e := types.LoreEntry{SessionID: sessionID}
		var category, immutability, annotations string
		if err := rows.Scan(&e.ID, &category, &e.Fact, &e.Subject, &e.Attribute, &e.EstablishedAt, &immutability, &annotations, &e.Version, &e.SupersededBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lore entry: %w", err)
		}
		e.Category = types.LoreCategory(category)
		e.Immutability = types.Immutability(immutability)
		e.Annotations = unmarshalStrings(annotations)
		snap.lore[e.ID] = e
		snap.loreByKey[e.Key()] = append(snap.loreByKey[e.Key()], e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lore entries: %w", err)
	}

	crows, err := s.db.QueryContext(ctx, `
		SELECT id, body, position, entities, causal_links, themes, assertions, orderings, annotations, version, superseded_by, created_at
		FROM narrative_content WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load narrative content: %w", err)
	}
	defer func() { _ = crows.Close() }()
	for crows.Next() {
		c := types.NarrativeContent{SessionID: sessionID}
		var entities, causalLinks, themes, assertions, orderings, annotations string
		if err := crows.Scan(&c.ID, &c.Text, &c.Position, &entities, &causalLinks, &themes, &assertions, &orderings, &annotations, &c.Version, &c.SupersededBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan narrative content: %w", err)
		}
		c.Entities = unmarshalStrings(entities)
		c.CausalLinks = unmarshalStrings(causalLinks)
		c.Themes = unmarshalStrings(themes)
		c.Annotations = unmarshalStrings(annotations)
		_ = json.Unmarshal([]byte(assertions), &c.Assertions)
		_ = json.Unmarshal([]byte(orderings), &c.Orderings)
		snap.content[c.ID] = c
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate narrative content: %w", err)
	}

	trows, err := s.db.QueryContext(ctx, `
		SELECT id, title, participants, themes, tension, resolution_target
		FROM storyline_threads WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load storyline threads: %w", err)
	}
	defer func() { _ = trows.Close() }()
	for trows.Next() {
		t := types.StorylineThread{SessionID: sessionID}
		var participants, themes string
		if err := trows.Scan(&t.ID, &t.Title, &participants, &themes, &t.Tension, &t.ResolutionTarget); err != nil {
			return nil, fmt.Errorf("failed to scan storyline thread: %w", err)
		}
		t.Participants = unmarshalStrings(participants)
		t.Themes = unmarshalStrings(themes)
		snap.threads = append(snap.threads, t)
	}
	if err := trows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate storyline threads: %w", err)
	}

	return snap, nil
}

// ApplyChanges atomically applies a batch of retroactive changes inside
// one transaction under the session write lock
func (s *SQLiteStore) ApplyChanges(ctx context.Context, sessionID string, changes []types.RetroactiveChange) ([]string, error) {
	if sessionID == "" {
		return nil, errors.New(errors.ErrorCodeInvalidSession, "session ID is required")
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	before, err := s.loadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Stage on a clone so validation failures cost nothing
	staged := before.clone()
	ids := make([]string, 0, len(changes))
	for i := range changes {
		id, err := applyToSnapshot(staged, &changes[i])
		if err != nil {
			return nil, errors.Wrap(errors.ErrorCodeTransaction, "change batch aborted", err)
		}
		ids = append(ids, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrorCodeTransaction, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.writeDiff(ctx, tx, before, staged); err != nil {
		return nil, errors.Wrap(errors.ErrorCodeTransaction, "failed to write change batch", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.ErrorCodeTransaction, "failed to commit change batch", err)
	}
	return ids, nil
}

// writeDiff persists everything that differs between the pre- and
// post-change snapshots: superseded markers on old versions and inserts
// for new ones
func (s *SQLiteStore) writeDiff(ctx context.Context, tx *sql.Tx, before, after *Snapshot) error {
	for id, e := range after.lore {
		old, existed := before.lore[id]
		switch {
		case !existed:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO lore_entries (id, session_id, category, fact, subject, attribute, established_at, immutability, annotations, version, superseded_by, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.SessionID, string(e.Category), e.Fact, e.Subject, e.Attribute,
				e.EstablishedAt, string(e.Immutability), marshalJSON(e.Annotations),
				e.Version, e.SupersededBy, e.CreatedAt); err != nil {
				return err
			}
		case old.SupersededBy != e.SupersededBy:
			if _, err := tx.ExecContext(ctx, `UPDATE lore_entries SET superseded_by = ? WHERE id = ?`, e.SupersededBy, e.ID); err != nil {
				return err
			}
		}
	}
	for id, c := range after.content {
		old, existed := before.content[id]
		switch {
		case !existed:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO narrative_content (id, session_id, body, position, entities, causal_links, themes, assertions, orderings, annotations, version, superseded_by, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.SessionID, c.Text, c.Position,
				marshalJSON(c.Entities), marshalJSON(c.CausalLinks), marshalJSON(c.Themes),
				marshalJSON(c.Assertions), marshalJSON(c.Orderings), marshalJSON(c.Annotations),
				c.Version, c.SupersededBy, c.CreatedAt); err != nil {
				return err
			}
		case old.SupersededBy != c.SupersededBy:
			if _, err := tx.ExecContext(ctx, `UPDATE narrative_content SET superseded_by = ? WHERE id = ?`, c.SupersededBy, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error { return s.db.Close() }
