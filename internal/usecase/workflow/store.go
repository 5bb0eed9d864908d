package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"meadow-notify/internal/domain"
)

// SQLiteRunStore implements domain.RunStore using SQLite. The journal is what
// makes steps durable: a completed step row is replayed on retry instead of
// re-executing the step.
type SQLiteRunStore struct {
	db *sql.DB
}

// NewSQLiteRunStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteRunStore(dbPath string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open run db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run db: %w", err)
	}
	return &SQLiteRunStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			request    TEXT NOT NULL,
			result     TEXT,
			error      TEXT NOT NULL DEFAULT '',
			attempts   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_steps (
			run_id      TEXT NOT NULL,
			step        TEXT NOT NULL,
			status      TEXT NOT NULL,
			output      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL DEFAULT 0,
			UNIQUE(run_id, step)
		);
		CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteRunStore) SaveRun(ctx context.Context, run domain.Run) error {
	reqJSON, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	var resultJSON sql.NullString
	if run.Result != nil {
		data, err := json.Marshal(run.Result)
		if err != nil {
			return fmt.Errorf("marshal run result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, request, result, error, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at`,
		run.ID, run.Status, string(reqJSON), resultJSON, run.Error, run.Attempts,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, status, request, result, error, attempts, created_at, updated_at FROM runs WHERE id = ?", id,
	)
	return scanRun(row.Scan)
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := "SELECT id, status, request, result, error, attempts, created_at, updated_at FROM runs ORDER BY created_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteRunStore) SaveStep(ctx context.Context, result domain.StepResult) error {
	output := string(result.Output)
	if output == "" {
		output = "null"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_steps (run_id, step, status, output, error, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			duration_ns = excluded.duration_ns`,
		result.RunID, result.Step, result.Status, output, result.Error, int64(result.Duration),
	)
	return err
}

func (s *SQLiteRunStore) GetStep(ctx context.Context, runID, step string) (*domain.StepResult, error) {
	var r domain.StepResult
	var output string
	var durationNS int64
	err := s.db.QueryRowContext(ctx,
		"SELECT run_id, step, status, output, error, duration_ns FROM run_steps WHERE run_id = ? AND step = ?",
		runID, step,
	).Scan(&r.RunID, &r.Step, &r.Status, &output, &r.Error, &durationNS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Output = json.RawMessage(output)
	r.Duration = time.Duration(durationNS)
	return &r, nil
}

// PendingRunIDs returns runs still journaled as running, oldest first. The
// dispatcher re-enqueues them at startup.
func (s *SQLiteRunStore) PendingRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM runs WHERE status = ? ORDER BY created_at ASC",
		domain.RunStatusRunning,
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

// PruneBefore removes terminal runs older than cutoff along with their step
// rows. Running runs are never pruned.
func (s *SQLiteRunStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM run_steps WHERE run_id IN (
			SELECT id FROM runs WHERE created_at < ? AND status != ?
		)`, cutoffStr, domain.RunStatusRunning); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM runs WHERE created_at < ? AND status != ?",
		cutoffStr, domain.RunStatusRunning,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRun(scan func(dest ...any) error) (*domain.Run, error) {
	var run domain.Run
	var reqStr, createdStr, updatedStr string
	var resultStr sql.NullString
	if err := scan(&run.ID, &run.Status, &reqStr, &resultStr, &run.Error, &run.Attempts, &createdStr, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrRunNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(reqStr), &run.Request); err != nil {
		return nil, fmt.Errorf("unmarshal run request: %w", err)
	}
	if resultStr.Valid {
		var result domain.RunResult
		if err := json.Unmarshal([]byte(resultStr.String), &result); err != nil {
			return nil, fmt.Errorf("unmarshal run result: %w", err)
		}
		run.Result = &result
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &run, nil
}
