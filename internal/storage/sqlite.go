package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/projectlib/projectlib/internal/models"
	_ "modernc.org/sqlite"
)

// Storage is the persistence bridge: a plain last-writer-wins table set
// keyed by project id. No transactional guarantees beyond per-statement.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

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
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		detected_lang TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		command TEXT NOT NULL,
		args TEXT,
		env TEXT,
		cwd TEXT,
		last_exit_code INTEGER,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS run_status (
		project_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_run_id TEXT,
		last_command TEXT,
		last_args TEXT,
		last_env TEXT,
		last_cwd TEXT,
		last_exit_code INTEGER,
		started_at INTEGER,
		finished_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Projects

func (s *Storage) SaveProject(ctx context.Context, p models.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, detected_lang, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			detected_lang = excluded.detected_lang,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Path, nullString(p.DetectedLang),
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Storage) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, detected_lang, created_at, updated_at
		 FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var lang sql.NullString
		var createdAt, updatedAt int64

		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &lang, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.DetectedLang = lang.String
		p.CreatedAt = time.UnixMilli(createdAt)
		p.UpdatedAt = time.UnixMilli(updatedAt)
		projects = append(projects, p)
	}

	return projects, rows.Err()
}

func (s *Storage) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE project_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_status WHERE project_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// Run configurations

func (s *Storage) SaveRunConfiguration(ctx context.Context, cfg models.RunConfiguration) error {
	args, err := marshalArgs(cfg.Args)
	if err != nil {
		return fmt.Errorf("failed to serialize args: %w", err)
	}
	env, err := marshalEnv(cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, project_id, command, args, env, cwd, last_exit_code, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			command = excluded.command,
			args = excluded.args,
			env = excluded.env,
			cwd = excluded.cwd,
			last_exit_code = excluded.last_exit_code,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.ProjectID, cfg.Command, args, env,
		nullString(cfg.Cwd), nullInt(cfg.LastExitCode), cfg.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Storage) ListRunConfigurations(ctx context.Context, projectID string) ([]models.RunConfiguration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, command, args, env, cwd, last_exit_code, updated_at
		 FROM runs WHERE project_id = ? ORDER BY updated_at DESC, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []models.RunConfiguration
	for rows.Next() {
		var cfg models.RunConfiguration
		var args, env, cwd sql.NullString
		var exitCode sql.NullInt64
		var updatedAt int64

		err := rows.Scan(&cfg.ID, &cfg.ProjectID, &cfg.Command, &args, &env, &cwd, &exitCode, &updatedAt)
		if err != nil {
			return nil, err
		}

		if cfg.Args, err = unmarshalArgs(args); err != nil {
			return nil, fmt.Errorf("failed to parse args for run %s: %w", cfg.ID, err)
		}
		if cfg.Env, err = unmarshalEnv(env); err != nil {
			return nil, fmt.Errorf("failed to parse env for run %s: %w", cfg.ID, err)
		}
		cfg.Cwd = cwd.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			cfg.LastExitCode = &code
		}
		cfg.UpdatedAt = time.UnixMilli(updatedAt)

		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func (s *Storage) UpdateRunOutcome(ctx context.Context, runID string, exitCode int, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET last_exit_code = ?, updated_at = ? WHERE id = ?`,
		exitCode, finishedAt.UnixMilli(), runID,
	)
	return err
}

// Run status

func (s *Storage) SaveRunStatus(ctx context.Context, state models.RunState) error {
	args, err := marshalArgs(state.LastArgs)
	if err != nil {
		return fmt.Errorf("failed to serialize args: %w", err)
	}
	env, err := marshalEnv(state.LastEnv)
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_status (project_id, status, last_run_id, last_command, last_args, last_env, last_cwd, last_exit_code, started_at, finished_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
			status = excluded.status,
			last_run_id = excluded.last_run_id,
			last_command = excluded.last_command,
			last_args = excluded.last_args,
			last_env = excluded.last_env,
			last_cwd = excluded.last_cwd,
			last_exit_code = excluded.last_exit_code,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at`,
		state.ProjectID, string(state.Status), nullString(state.LastRunID),
		nullString(state.LastCommand), args, env, nullString(state.LastCwd),
		nullInt(state.LastExitCode), nullTime(state.StartedAt), nullTime(state.FinishedAt),
		state.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *Storage) LoadRunStatuses(ctx context.Context) ([]models.RunState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, status, last_run_id, last_command, last_args, last_env, last_cwd, last_exit_code, started_at, finished_at, updated_at
		 FROM run_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []models.RunState
	for rows.Next() {
		var state models.RunState
		var status string
		var runID, command, args, env, cwd sql.NullString
		var exitCode, startedAt, finishedAt sql.NullInt64
		var updatedAt int64

		err := rows.Scan(&state.ProjectID, &status, &runID, &command, &args, &env,
			&cwd, &exitCode, &startedAt, &finishedAt, &updatedAt)
		if err != nil {
			return nil, err
		}

		state.Status = models.RunStatus(status)
		state.LastRunID = runID.String
		state.LastCommand = command.String
		if state.LastArgs, err = unmarshalArgs(args); err != nil {
			return nil, fmt.Errorf("failed to parse args for project %s: %w", state.ProjectID, err)
		}
		if state.LastEnv, err = unmarshalEnv(env); err != nil {
			return nil, fmt.Errorf("failed to parse env for project %s: %w", state.ProjectID, err)
		}
		state.LastCwd = cwd.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			state.LastExitCode = &code
		}
		if startedAt.Valid {
			t := time.UnixMilli(startedAt.Int64)
			state.StartedAt = &t
		}
		if finishedAt.Valid {
			t := time.UnixMilli(finishedAt.Int64)
			state.FinishedAt = &t
		}
		state.UpdatedAt = time.UnixMilli(updatedAt)

		states = append(states, state)
	}

	return states, rows.Err()
}

// Serialization boundary: args and env live as opaque JSON text in the
// store and as structured values everywhere else.

func marshalArgs(args []string) (*string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func unmarshalArgs(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw.String), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func marshalEnv(env map[string]string) (*string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func unmarshalEnv(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var env map[string]string
	if err := json.Unmarshal([]byte(raw.String), &env); err != nil {
		return nil, err
	}
	return env, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(v *int) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func nullTime(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
