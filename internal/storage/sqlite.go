package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/scriptool/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an archived script does not exist.
var ErrNotFound = errors.New("archived script not found")

// Storage archives terminal script records so they outlive their session.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		script_id INTEGER NOT NULL,
		engine TEXT NOT NULL,
		script TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		diagnostic TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		archived_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(session_id, script_id)
	);

	CREATE INDEX IF NOT EXISTS idx_scripts_created ON scripts(created_at);
	CREATE INDEX IF NOT EXISTS idx_scripts_session ON scripts(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return nil
}

// SaveScript archives a terminal record and returns its archive id.
func (s *Storage) SaveScript(engine string, rec models.ScriptRecord) (int64, error) {
	if !rec.Status.Terminal() {
		return 0, fmt.Errorf("cannot archive script %d in status %s", rec.ID, rec.Status)
	}

	result, err := s.db.Exec(
		`INSERT INTO scripts (session_id, script_id, engine, script, status, output, diagnostic, error_kind, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, int64(rec.ID), engine, rec.Script, string(rec.Status),
		rec.Output, rec.Diagnostic, string(rec.ErrorKind),
		rec.CreatedAt.UTC(), utc(rec.StartedAt), utc(rec.CompletedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to archive script: %w", err)
	}
	return result.LastInsertId()
}

// utc normalizes stored times so text comparisons in sqlite order correctly.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

const selectColumns = `SELECT id, session_id, script_id, engine, script, status, output, diagnostic, error_kind, created_at, started_at, completed_at FROM scripts`

type scanner interface {
	Scan(dest ...any) error
}

func scanScript(row scanner) (*models.ArchivedScript, error) {
	var a models.ArchivedScript
	var scriptID int64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&a.ArchiveID, &a.Record.SessionID, &scriptID, &a.Engine, &a.Record.Script,
		&a.Record.Status, &a.Record.Output, &a.Record.Diagnostic, &a.Record.ErrorKind,
		&a.Record.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Record.ID = models.ScriptID(scriptID)
	if startedAt.Valid {
		a.Record.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		a.Record.CompletedAt = &completedAt.Time
	}

	return &a, nil
}

func (s *Storage) GetScript(id int64) (*models.ArchivedScript, error) {
	a, err := scanScript(s.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get script: %w", err)
	}
	return a, nil
}

// ListScripts returns the most recent archived scripts first.
func (s *Storage) ListScripts(limit int) ([]*models.ArchivedScript, error) {
	rows, err := s.db.Query(selectColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}
	defer rows.Close()

	var scripts []*models.ArchivedScript
	for rows.Next() {
		a, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan script: %w", err)
		}
		scripts = append(scripts, a)
	}

	return scripts, rows.Err()
}

// ListSession returns a session's archived scripts in id order.
func (s *Storage) ListSession(sessionID string) ([]*models.ArchivedScript, error) {
	rows, err := s.db.Query(selectColumns+` WHERE session_id = ? ORDER BY script_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session scripts: %w", err)
	}
	defer rows.Close()

	var scripts []*models.ArchivedScript
	for rows.Next() {
		a, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan script: %w", err)
		}
		scripts = append(scripts, a)
	}

	return scripts, rows.Err()
}

func (s *Storage) DeleteScript(id int64) error {
	result, err := s.db.Exec(`DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete script: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// PruneBefore deletes scripts created before t and returns how many were removed.
func (s *Storage) PruneBefore(t time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM scripts WHERE created_at < ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return result.RowsAffected()
}

// FormatTimeAgo formats t relative to now for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
