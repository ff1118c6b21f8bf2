package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scriptorium-ai/scriptorium/core"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store backed by SQLite in WAL mode. Sequence
// assignment happens inside the insert transaction, so concurrent appenders
// can never observe a gap or a duplicate.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the transcript database at path. The
// schema is migrated on open.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open transcript database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// One connection avoids SQLITE_BUSY on transactions that upgrade from
	// read to write; appends are short so this does not bottleneck.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS works (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS turns (
		work_id        TEXT NOT NULL,
		seq            INTEGER NOT NULL,
		id             TEXT NOT NULL,
		role           TEXT NOT NULL,
		author         TEXT NOT NULL,
		content        TEXT NOT NULL,
		blocks         TEXT NOT NULL DEFAULT '[]',
		ts             TEXT NOT NULL,
		format_version INTEGER NOT NULL,
		PRIMARY KEY (work_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateWork registers a work row.
func (s *SQLiteStore) CreateWork(ctx context.Context, work Work) error {
	if work.CreatedAt.IsZero() {
		work.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO works (id, title, created_at) VALUES (?, ?, ?)`,
		work.ID, work.Title, work.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create work %s: %w", work.ID, err)
	}
	return nil
}

// GetWork returns work metadata.
func (s *SQLiteStore) GetWork(ctx context.Context, id string) (*Work, error) {
	var work Work
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM works WHERE id = ?`, id,
	).Scan(&work.ID, &work.Title, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrWorkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work %s: %w", id, err)
	}
	work.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &work, nil
}

// ListWorks returns all works ordered by creation time.
func (s *SQLiteStore) ListWorks(ctx context.Context) ([]Work, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at FROM works ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list works: %w", err)
	}
	defer rows.Close()

	var works []Work
	for rows.Next() {
		var work Work
		var createdAt string
		if err := rows.Scan(&work.ID, &work.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan work: %w", err)
		}
		work.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		works = append(works, work)
	}
	return works, rows.Err()
}

// SetTitle updates the work title.
func (s *SQLiteStore) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE works SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("set title for work %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkNotFound
	}
	return nil
}

// DeleteWork removes a work and its whole transcript in one transaction.
func (s *SQLiteStore) DeleteWork(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete work %s: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM works WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete work %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWorkNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE work_id = ?`, id); err != nil {
		return fmt.Errorf("delete turns for work %s: %w", id, err)
	}
	return tx.Commit()
}

// Append assigns the next sequence number and inserts the turn atomically.
func (s *SQLiteStore) Append(ctx context.Context, workID string, turn *core.Turn) (uint64, error) {
	blocks, err := marshalBlocks(turn.Blocks)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM works WHERE id = ?`, workID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}
	if exists == 0 {
		return 0, ErrWorkNotFound
	}

	var seq uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE work_id = ?`, workID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("assign sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (work_id, seq, id, role, author, content, blocks, ts, format_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workID, seq, turn.ID, string(turn.Role), turn.Author, turn.Content, blocks,
		turn.Timestamp.UTC().Format(time.RFC3339Nano), turn.FormatVersion)
	if err != nil {
		return 0, fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}

	turn.Seq = seq
	return seq, nil
}

// Update rewrites the content and blocks of a turn already holding a
// sequence number.
func (s *SQLiteStore) Update(ctx context.Context, workID string, turn *core.Turn) error {
	blocks, err := marshalBlocks(turn.Blocks)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE turns SET content = ?, blocks = ? WHERE work_id = ? AND seq = ?`,
		turn.Content, blocks, workID, turn.Seq)
	if err != nil {
		return fmt.Errorf("update turn %d: %w", turn.Seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no turn with sequence %d for work %s", turn.Seq, workID)
	}
	return nil
}

// List returns turns with seq > fromSeq in sequence order. Rows written by
// older format versions decode as far as their fields go; unknown block
// types survive as raw payloads.
func (s *SQLiteStore) List(ctx context.Context, workID string, fromSeq uint64) ([]core.Turn, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM works WHERE id = ?`, workID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	if exists == 0 {
		return nil, ErrWorkNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, role, author, content, blocks, ts, format_version
		 FROM turns WHERE work_id = ? AND seq > ? ORDER BY seq`,
		workID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []core.Turn
	for rows.Next() {
		var turn core.Turn
		var role, blocks, ts string
		if err := rows.Scan(&turn.Seq, &turn.ID, &role, &turn.Author,
			&turn.Content, &blocks, &ts, &turn.FormatVersion); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = core.Role(role)
		if err := json.Unmarshal([]byte(blocks), &turn.Blocks); err != nil {
			return nil, fmt.Errorf("decode blocks for turn %d: %w", turn.Seq, err)
		}
		turn.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// LastSeq returns the highest assigned sequence number, 0 for an empty log.
func (s *SQLiteStore) LastSeq(ctx context.Context, workID string) (uint64, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM works WHERE id = ?`, workID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	if exists == 0 {
		return 0, ErrWorkNotFound
	}
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE work_id = ?`, workID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

func marshalBlocks(blocks []core.StructuredBlock) (string, error) {
	if len(blocks) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("encode blocks: %w", err)
	}
	return string(data), nil
}
