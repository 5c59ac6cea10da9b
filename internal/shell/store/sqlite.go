package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/branchoff/branchoff/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// SQLite serializes writers anyway, and ":memory:" databases exist per
	// connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID           string  `db:"id"`
	Operation    string  `db:"operation"`
	DeploymentID string  `db:"deployment_id"`
	URI          string  `db:"uri"`
	Branch       string  `db:"branch"`
	Mode         string  `db:"mode"`
	CommitRef    string  `db:"commit_ref"`
	Status       string  `db:"status"`
	ExitCode     int     `db:"exit_code"`
	Output       string  `db:"output"`
	ErrorMessage string  `db:"error_message"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	FinishedAt   *string `db:"finished_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	query := `
		INSERT INTO runs (
			id, operation, deployment_id, uri, branch, mode, commit_ref,
			status, exit_code, output, error_message,
			created_at, updated_at, finished_at
		) VALUES (
			:id, :operation, :deployment_id, :uri, :branch, :mode, :commit_ref,
			:status, :exit_code, :output, :error_message,
			:created_at, :updated_at, :finished_at
		)`

	_, err := s.db.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run already recorded", ErrRunExists)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	query := `
		UPDATE runs SET
			commit_ref = :commit_ref,
			status = :status,
			exit_code = :exit_code,
			output = :output,
			error_message = :error_message,
			updated_at = :updated_at,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := s.db.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateRun", "run", run.ID, "run not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	return rowToRun(&row), nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts RunListOptions) ([]domain.Run, error) {
	page := opts.ListOptions.Normalize()

	query := `SELECT * FROM runs WHERE 1=1`
	var args []any
	if opts.DeploymentID != "" {
		query += ` AND deployment_id = ?`
		args = append(args, opts.DeploymentID)
	}
	if opts.Operation != "" {
		query += ` AND operation = ?`
		args = append(args, string(opts.Operation))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]domain.Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, *rowToRun(&rows[i]))
	}
	return runs, nil
}

func runToRow(run *domain.Run) runRow {
	row := runRow{
		ID:           run.ID,
		Operation:    string(run.Operation),
		DeploymentID: run.DeploymentID,
		URI:          run.URI,
		Branch:       run.Branch,
		Mode:         string(run.Mode),
		CommitRef:    run.Commit,
		Status:       string(run.Status),
		ExitCode:     run.ExitCode,
		Output:       run.Output,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    formatTime(run.CreatedAt),
		UpdatedAt:    formatTime(run.UpdatedAt),
	}
	if run.FinishedAt != nil {
		s := formatTime(*run.FinishedAt)
		row.FinishedAt = &s
	}
	return row
}

func rowToRun(row *runRow) *domain.Run {
	run := &domain.Run{
		ID:           row.ID,
		Operation:    domain.Operation(row.Operation),
		DeploymentID: row.DeploymentID,
		URI:          row.URI,
		Branch:       row.Branch,
		Mode:         domain.Mode(row.Mode),
		Commit:       row.CommitRef,
		Status:       domain.RunStatus(row.Status),
		ExitCode:     row.ExitCode,
		Output:       row.Output,
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    parseTime(row.CreatedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
	}
	if row.FinishedAt != nil && *row.FinishedAt != "" {
		t := parseTime(*row.FinishedAt)
		run.FinishedAt = &t
	}
	return run
}

// =============================================================================
// Process Operations
// =============================================================================

// RecordProcess inserts or replaces the record for p.Name.
func (s *SQLiteStore) RecordProcess(ctx context.Context, p domain.ProcessRecord) error {
	query := `
		INSERT INTO processes (
			name, backend, pid, instances, status, restarts, port, dir, updated_at
		) VALUES (
			:name, :backend, :pid, :instances, :status, :restarts, :port, :dir, :updated_at
		)
		ON CONFLICT(name) DO UPDATE SET
			backend = excluded.backend,
			pid = excluded.pid,
			instances = excluded.instances,
			status = excluded.status,
			restarts = excluded.restarts,
			port = excluded.port,
			dir = excluded.dir,
			updated_at = excluded.updated_at`

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	row := map[string]any{
		"name":       p.Name,
		"backend":    p.Backend,
		"pid":        p.PID,
		"instances":  p.Instances,
		"status":     string(p.Status),
		"restarts":   p.Restarts,
		"port":       p.Port,
		"dir":        p.Dir,
		"updated_at": formatTime(updatedAt),
	}

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("RecordProcess", "process", p.Name, err.Error(), err)
	}
	return nil
}

// processRow represents a process row in the database.
type processRow struct {
	Name      string `db:"name"`
	Backend   string `db:"backend"`
	PID       int    `db:"pid"`
	Instances int    `db:"instances"`
	Status    string `db:"status"`
	Restarts  int    `db:"restarts"`
	Port      int    `db:"port"`
	Dir       string `db:"dir"`
	UpdatedAt string `db:"updated_at"`
}

func (s *SQLiteStore) GetProcess(ctx context.Context, name string) (*domain.ProcessRecord, error) {
	var row processRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM processes WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetProcess", "process", name, "process not found", ErrNotFound)
		}
		return nil, NewStoreError("GetProcess", "process", name, err.Error(), err)
	}
	p := rowToProcess(&row)
	return &p, nil
}

func (s *SQLiteStore) DeleteProcess(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE name = ?`, name)
	if err != nil {
		return NewStoreError("DeleteProcess", "process", name, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteProcess", "process", name, "process not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListProcesses(ctx context.Context) ([]domain.ProcessRecord, error) {
	var rows []processRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM processes ORDER BY name`); err != nil {
		return nil, NewStoreError("ListProcesses", "process", "", err.Error(), err)
	}

	out := make([]domain.ProcessRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rowToProcess(&rows[i]))
	}
	return out, nil
}

func rowToProcess(row *processRow) domain.ProcessRecord {
	return domain.ProcessRecord{
		Name:      row.Name,
		Backend:   row.Backend,
		PID:       row.PID,
		Instances: row.Instances,
		Status:    domain.ProcessStatus(row.Status),
		Restarts:  row.Restarts,
		Port:      row.Port,
		Dir:       row.Dir,
		UpdatedAt: parseTime(row.UpdatedAt),
	}
}

// =============================================================================
// Helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

var _ Store = (*SQLiteStore)(nil)
