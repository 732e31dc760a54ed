package repository

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/loopdev/loopdev/pkg/api/v1"

	"github.com/loopdev/loopdev/internal/common/errors"
	"github.com/loopdev/loopdev/internal/loop/models"
)

// PostgresRepository stores loops and workspaces in Postgres, for
// deployments where several operators share one manager.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

const pgSchema = `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		directory TEXT NOT NULL UNIQUE,
		server_settings JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS loops (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		directory TEXT NOT NULL,
		status TEXT NOT NULL,
		config JSONB NOT NULL DEFAULT '{}',
		state JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loops_directory ON loops(directory);
	CREATE INDEX IF NOT EXISTS idx_loops_status ON loops(status);
`

func NewPostgresRepository(ctx context.Context, url string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	repo := &PostgresRepository{pool: pool}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) SaveLoop(ctx context.Context, loop *models.Loop) error {
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

	_, err = r.pool.Exec(ctx, `
		INSERT INTO loops (id, workspace_id, directory, status, config, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			directory = EXCLUDED.directory,
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`, loop.Config.ID, loop.Config.WorkspaceID, loop.Config.Directory, string(loop.State.Status),
		config, state, loop.Config.CreatedAt, loop.Config.UpdatedAt)
	return err
}

func (r *PostgresRepository) LoadLoop(ctx context.Context, id string) (*models.Loop, error) {
	var config, state []byte
	err := r.pool.QueryRow(ctx, `
		SELECT config, state FROM loops WHERE id = $1
	`, id).Scan(&config, &state)
	if goerrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLoop(string(config), string(state))
}

func (r *PostgresRepository) ListLoops(ctx context.Context) ([]*models.Loop, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT config, state FROM loops ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Loop
	for rows.Next() {
		var config, state []byte
		if err := rows.Scan(&config, &state); err != nil {
			return nil, err
		}
		loop, err := decodeLoop(string(config), string(state))
		if err != nil {
			return nil, err
		}
		result = append(result, loop)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) DeleteLoop(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM loops WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PostgresRepository) GetActiveLoopByDirectory(ctx context.Context, directory string) (*models.Loop, error) {
	statuses := make([]string, len(activeStatuses))
	for i, s := range activeStatuses {
		statuses[i] = string(s)
	}

	var config, state []byte
	err := r.pool.QueryRow(ctx, `
		SELECT config, state FROM loops
		WHERE directory = $1 AND status = ANY($2)
		LIMIT 1
	`, directory, statuses).Scan(&config, &state)
	if goerrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeLoop(string(config), string(state))
}

func (r *PostgresRepository) ResetStaleLoops(ctx context.Context) (int, error) {
	statuses := make([]string, len(staleStatuses))
	for i, s := range staleStatuses {
		statuses[i] = string(s)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE loops
		SET status = $1,
		    state = jsonb_set(state, '{status}', to_jsonb($1::text)),
		    updated_at = $2
		WHERE status = ANY($3)
	`, string(v1.LoopStatusStopped), time.Now().UTC(), statuses)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
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

	_, err = r.pool.Exec(ctx, `
		INSERT INTO workspaces (id, name, directory, server_settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ws.ID, ws.Name, ws.Directory, settings, ws.CreatedAt, ws.UpdatedAt)

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) && pgErr.Code == "23505" {
		return errors.Conflict("workspace directory already registered: " + ws.Directory)
	}
	return err
}

func (r *PostgresRepository) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws := &models.Workspace{}
	var settings []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, directory, server_settings, created_at, updated_at
		FROM workspaces WHERE id = $1
	`, id).Scan(&ws.ID, &ws.Name, &ws.Directory, &settings, &ws.CreatedAt, &ws.UpdatedAt)
	if goerrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(settings, &ws.ServerSettings)
	return ws, nil
}

func (r *PostgresRepository) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	ws.Name = strings.TrimSpace(ws.Name)
	ws.Directory = strings.TrimSpace(ws.Directory)
	ws.UpdatedAt = time.Now().UTC()

	settings, err := json.Marshal(ws.ServerSettings)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE workspaces SET name = $1, directory = $2, server_settings = $3, updated_at = $4
		WHERE id = $5
	`, ws.Name, ws.Directory, settings, ws.UpdatedAt, ws.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workspace", ws.ID)
	}
	return nil
}

func (r *PostgresRepository) DeleteWorkspace(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workspace", id)
	}
	return nil
}

func (r *PostgresRepository) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := r.pool.Query(ctx, `
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
		var settings []byte
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Directory, &settings, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(settings, &ws.ServerSettings)
		result = append(result, ws)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) ExportWorkspaces(ctx context.Context) (*WorkspaceExport, error) {
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

func (r *PostgresRepository) ImportWorkspaces(ctx context.Context, export *WorkspaceExport) (*ImportResult, error) {
	return importWorkspaces(ctx, r, export)
}
