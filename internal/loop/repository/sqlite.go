package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/loop/models"
)

// SQLiteRepository is the default on-disk store.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// migrations run in order; PRAGMA user_version records the last applied.
var sqliteMigrations = []string{
	`
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		directory TEXT NOT NULL UNIQUE,
		server_settings TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS loops (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		directory TEXT NOT NULL,
		status TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loops_directory ON loops(directory);
	CREATE INDEX IF NOT EXISTS idx_loops_status ON loops(status);
	CREATE INDEX IF NOT EXISTS idx_loops_workspace_id ON loops(workspace_id);
	`,
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) migrate() error {
	var version int
	if err := r.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(sqliteMigrations); i++ {
		if _, err := r.db.Exec(sqliteMigrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := r.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) SaveLoop(ctx context.Context, loop *models.Loop) error {
	if loop.Config.ID == "" {
		return errors.ValidationError("id", "loop id is required")
	}
	config, err := json.Marshal(loop.Config)
	if err != nil {
		return err
	}
	state, err := json.Marshal(loop.State)
	if err != nil {
		return err
	}
	loop.Config.UpdatedAt = time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO loops (id, workspace_id, directory, status, config, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			directory = excluded.directory,
			status = excluded.status,
			config = excluded.config,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, loop.Config.ID, loop.Config.WorkspaceID, loop.Config.Directory, loop.State.Status,
		string(config), string(state), loop.Config.CreatedAt, loop.Config.UpdatedAt)
	return err
}

func (r *SQLiteRepository) LoadLoop(ctx context.Context, id string) (*models.Loop, error) {
	var config, state string
	err := r.db.QueryRowContext(ctx, `
		SELECT config, state FROM loops WHERE id = ?
	`, id).Scan(&config, &state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLoop(config, state)
}

func (r *SQLiteRepository) ListLoops(ctx context.Context) ([]*models.Loop, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT config, state FROM loops ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Loop
	for rows.Next() {
		var config, state string
		if err := rows.Scan(&config, &state); err != nil {
			return nil, err
		}
		loop, err := decodeLoop(config, state)
		if err != nil {
			return nil, err
		}
		result = append(result, loop)
	}
	return result, rows.Err()
}

func (r *SQLiteRepository) DeleteLoop(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM loops WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (r *SQLiteRepository) GetActiveLoopByDirectory(ctx context.Context, directory string) (*models.Loop, error) {
	query := fmt.Sprintf(`
		SELECT config, state FROM loops
		WHERE directory = ? AND status IN (%s)
		LIMIT 1
	`, statusPlaceholders(len(activeStatuses)))

	args := []interface{}{directory}
	for _, status := range activeStatuses {
		args = append(args, string(status))
	}

	var config, state string
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&config, &state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLoop(config, state)
}

func (r *SQLiteRepository) ResetStaleLoops(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
		SELECT config, state FROM loops WHERE status IN (%s)
	`, statusPlaceholders(len(staleStatuses)))

	var args []interface{}
	for _, status := range staleStatuses {
		args = append(args, string(status))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	var stale []*models.Loop
	for rows.Next() {
		var config, state string
		if err := rows.Scan(&config, &state); err != nil {
			rows.Close()
			return 0, err
		}
		loop, err := decodeLoop(config, state)
		if err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, loop)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, loop := range stale {
		loop.State.Status = v1.LoopStatusStopped
		if err := r.SaveLoop(ctx, loop); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (r *SQLiteRepository) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	ws.Name = strings.TrimSpace(ws.Name)
	ws.Directory = strings.TrimSpace(ws.Directory)
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	settings, err := json.Marshal(ws.ServerSettings)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, directory, server_settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ws.ID, ws.Name, ws.Directory, string(settings), ws.CreatedAt, ws.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errors.Conflict("workspace directory already registered: " + ws.Directory)
	}
	return err
}

func (r *SQLiteRepository) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws := &models.Workspace{}
	var settings string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, directory, server_settings, created_at, updated_at
		FROM workspaces WHERE id = ?
	`, id).Scan(&ws.ID, &ws.Name, &ws.Directory, &settings, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(settings), &ws.ServerSettings)
	return ws, nil
}

func (r *SQLiteRepository) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	ws.Name = strings.TrimSpace(ws.Name)
	ws.Directory = strings.TrimSpace(ws.Directory)
	ws.UpdatedAt = time.Now().UTC()

	settings, err := json.Marshal(ws.ServerSettings)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE workspaces SET name = ?, directory = ?, server_settings = ?, updated_at = ?
		WHERE id = ?
	`, ws.Name, ws.Directory, string(settings), ws.UpdatedAt, ws.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("workspace", ws.ID)
	}
	return nil
}

func (r *SQLiteRepository) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("workspace", id)
	}
	return nil
}

func (r *SQLiteRepository) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, directory, server_settings, created_at, updated_at
		FROM workspaces ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Workspace
	for rows.Next() {
		ws := &models.Workspace{}
		var settings string
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Directory, &settings, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(settings), &ws.ServerSettings)
		result = append(result, ws)
	}
	return result, rows.Err()
}

func (r *SQLiteRepository) ExportWorkspaces(ctx context.Context) (*WorkspaceExport, error) {
	workspaces, err := r.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	return &WorkspaceExport{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Workspaces: workspaces,
	}, nil
}

func (r *SQLiteRepository) ImportWorkspaces(ctx context.Context, export *WorkspaceExport) (*ImportResult, error) {
	return importWorkspaces(ctx, r, export)
}

func decodeLoop(config, state string) (*models.Loop, error) {
	loop := &models.Loop{}
	if err := json.Unmarshal([]byte(config), &loop.Config); err != nil {
		return nil, fmt.Errorf("corrupt loop config: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &loop.State); err != nil {
		return nil, fmt.Errorf("corrupt loop state: %w", err)
	}
	return loop, nil
}

func statusPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
