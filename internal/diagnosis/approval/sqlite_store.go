package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// SQLiteStore keeps checkpoints in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing sqlite store path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// Single-process local DB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=FULL;`,
		`CREATE TABLE IF NOT EXISTS approval_checkpoints (
  plan_id TEXT PRIMARY KEY,
  investigation_id TEXT NOT NULL DEFAULT '',
  mode TEXT NOT NULL,
  stage TEXT NOT NULL,
  schema_version TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  payload TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_approval_checkpoints_stage ON approval_checkpoints(stage, created_at_unix_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to init approval schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp types.Checkpoint) error {
	if cp.PlanID == "" {
		return &types.ValidationError{Field: "plan_id", Message: "must not be empty"}
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO approval_checkpoints (plan_id, investigation_id, mode, stage, schema_version, created_at_unix_ms, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(plan_id) DO UPDATE SET
  stage = excluded.stage,
  schema_version = excluded.schema_version,
  payload = excluded.payload
`, cp.PlanID, cp.Plan.InvestigationID, string(cp.Mode), string(cp.Stage()), cp.SchemaVersion, cp.CreatedAt.UnixMilli(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.PlanID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, planID string) (types.Checkpoint, error) {
	var cp types.Checkpoint
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM approval_checkpoints WHERE plan_id = ?`, planID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, notFound(planID)
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint %s: %w", planID, err)
	}
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return cp, fmt.Errorf("corrupt checkpoint %s: %w", planID, err)
	}
	return cp, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT payload FROM approval_checkpoints
ORDER BY created_at_unix_ms ASC, plan_id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cp types.Checkpoint
		if err := json.Unmarshal([]byte(payload), &cp); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, next types.Checkpoint, from types.CheckpointStage) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE approval_checkpoints SET stage = ?, schema_version = ?, payload = ?
WHERE plan_id = ? AND stage = ?
`, string(next.Stage()), next.SchemaVersion, string(payload), next.PlanID, string(from))
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint %s: %w", next.PlanID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var stage string
	err = s.db.QueryRowContext(ctx, `SELECT stage FROM approval_checkpoints WHERE plan_id = ?`, next.PlanID).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(next.PlanID)
	}
	if err != nil {
		return fmt.Errorf("failed to load checkpoint %s: %w", next.PlanID, err)
	}
	return conflict(next.PlanID, types.CheckpointStage(stage))
}

func (s *SQLiteStore) Delete(ctx context.Context, planID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM approval_checkpoints WHERE plan_id = ?`, planID)
	return err
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
