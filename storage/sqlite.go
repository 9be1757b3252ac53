// Package storage provides durable SQLite-backed stores for the kernel:
// page content and checkpoints in a single database file, using the
// pure-Go modernc.org/sqlite driver.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/everydev1618/gokernel"
)

// SQLite is one SQLite database holding both page content and
// checkpoints. Pages and Checkpoints return the store views the kernel
// consumes.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at the given path and
// initializes the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		page_id    TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL DEFAULT '',
		kind       TEXT NOT NULL DEFAULT '',
		importance REAL NOT NULL DEFAULT 0,
		tokens     INTEGER NOT NULL DEFAULT 0,
		content    BLOB NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		checkpoint_id TEXT PRIMARY KEY,
		process_id    TEXT NOT NULL,
		data          BLOB NOT NULL,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_pages_agent ON pages(agent_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_process ON checkpoints(process_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Pages returns the page content store view.
func (s *SQLite) Pages() *PageStore {
	return &PageStore{db: s.db}
}

// Checkpoints returns the checkpoint store view.
func (s *SQLite) Checkpoints() *CheckpointStore {
	return &CheckpointStore{db: s.db}
}

// PageStore implements kernel.ContentStore over the pages table.
type PageStore struct {
	db *sql.DB
}

// Put upserts a page's content and metadata.
func (s *PageStore) Put(ctx context.Context, pageID string, content []byte, meta kernel.PageMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (page_id, agent_id, kind, importance, tokens, content, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(page_id) DO UPDATE SET
		   agent_id = excluded.agent_id,
		   kind = excluded.kind,
		   importance = excluded.importance,
		   tokens = excluded.tokens,
		   content = excluded.content,
		   updated_at = excluded.updated_at`,
		pageID, meta.AgentID, string(meta.Kind), meta.Importance, meta.Tokens,
		content, time.Now().UTC(),
	)
	return err
}

// Get returns a page's content.
func (s *PageStore) Get(ctx context.Context, pageID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM pages WHERE page_id = ?`, pageID,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernel.ErrPageNotFound
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

// Delete removes a page. Deleting an unknown page is not an error.
func (s *PageStore) Delete(ctx context.Context, pageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE page_id = ?`, pageID)
	return err
}

// CheckpointStore implements kernel.CheckpointStore over the
// checkpoints table. Checkpoints are stored in their encoded wire form,
// so corruption at rest is caught by the checksum on Load.
type CheckpointStore struct {
	db *sql.DB
}

// Save encodes and upserts a checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, cp *kernel.Checkpoint) error {
	data, err := kernel.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, process_id, data, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(checkpoint_id) DO UPDATE SET
		   process_id = excluded.process_id,
		   data = excluded.data,
		   created_at = excluded.created_at`,
		cp.ID, cp.ProcessID, data, cp.CreatedAt.UTC(),
	)
	return err
}

// Load decodes and returns a checkpoint. A corrupted row is reported as
// kernel.ErrCheckpointCorrupt by the decoder.
func (s *CheckpointStore) Load(ctx context.Context, checkpointID string) (*kernel.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE checkpoint_id = ?`, checkpointID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kernel.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return kernel.DecodeCheckpoint(data)
}

// List returns a process's checkpoint ids, oldest first.
func (s *CheckpointStore) List(ctx context.Context, processID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT checkpoint_id FROM checkpoints WHERE process_id = ? ORDER BY created_at, checkpoint_id`,
		processID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a checkpoint. Deleting an unknown id is not an error.
func (s *CheckpointStore) Delete(ctx context.Context, checkpointID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE checkpoint_id = ?`, checkpointID)
	return err
}
