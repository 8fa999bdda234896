package storage

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/loomworks/loom/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresRepository is the production RunRepository. Fan-in atomicity rides
// on a row lock on the parent run: sibling completions serialize there, and
// the UPDATE ... WHERE status='pending' per child makes duplicate
// notifications no-ops.
type PostgresRepository struct {
	db *stdsql.DB
}

// NewPostgresRepository connects, verifies the connection, and applies any
// pending embedded migrations.
func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryFromDB wraps an existing connection (tests). The
// caller is responsible for migrations.
func NewPostgresRepositoryFromDB(db *stdsql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies all pending embedded migrations to db.
func Migrate(db *stdsql.DB) error {
	return runMigrations(db)
}

func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "loom", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source driver: m.Close() would also close the shared
	// *sql.DB via the database driver.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const runColumns = `id, org_id, user_id, project_id, session_key, input, agent_id, status,
	parent_run_id, delegated, model_config, result, error_code, error_message,
	created_at, started_at, ended_at, cancelled_at, suspended_at`

func (r *PostgresRepository) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	if run.ParentRunID != "" {
		if err := r.checkDepth(ctx, run.ParentRunID); err != nil {
			return err
		}
	}

	delegated, err := marshalNullable(run.Delegated)
	if err != nil {
		return fmt.Errorf("encode delegated permissions: %w", err)
	}
	modelCfg, err := marshalNullable(run.Model)
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, org_id, user_id, project_id, session_key, input, agent_id,
			status, parent_run_id, delegated, model_config, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13)`,
		run.ID, run.Scope.OrgID, run.Scope.UserID, run.Scope.ProjectID,
		run.SessionKey, run.Input, run.AgentID, string(run.Status),
		run.ParentRunID, delegated, modelCfg, run.Result, run.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// checkDepth walks the parent chain with a recursive CTE. A missing parent
// yields depth 0; a chain at or past MaxRunDepth rejects the dispatch.
func (r *PostgresRepository) checkDepth(ctx context.Context, parentID string) error {
	var depth int
	err := r.db.QueryRowContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT id, parent_run_id, 1 AS depth FROM runs WHERE id = $1
			UNION ALL
			SELECT r.id, r.parent_run_id, c.depth + 1
			FROM runs r JOIN chain c ON r.id = c.parent_run_id
			WHERE c.depth <= $2
		)
		SELECT COALESCE(MAX(depth), 0) FROM chain`, parentID, MaxRunDepth).Scan(&depth)
	if err != nil {
		return fmt.Errorf("walk parent chain: %w", err)
	}
	if depth == 0 {
		return fmt.Errorf("%w: parent %s", ErrRunNotFound, parentID)
	}
	if depth+1 > MaxRunDepth {
		return ErrMaxDepthExceeded
	}
	return nil
}

func (r *PostgresRepository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

func (r *PostgresRepository) GetRunInScope(ctx context.Context, scope models.Scope, runID string) (*models.Run, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !scope.Contains(run.Scope) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

func (r *PostgresRepository) ListSessionRuns(ctx context.Context, scope models.Scope, sessionKey string, page, limit int) ([]*models.Run, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	where := `WHERE org_id = $1 AND user_id = $2 AND session_key = $3
		AND ($4 = '' OR project_id = '' OR project_id = $4)`
	args := []any{scope.OrgID, scope.UserID, sessionKey, scope.ProjectID}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count session runs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs `+where+` ORDER BY created_at DESC, id DESC LIMIT $5 OFFSET $6`,
		append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("select session runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	return runs, total, rows.Err()
}

func (r *PostgresRepository) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus) (*models.Run, error) {
	return r.transition(ctx, runID, status, "", nil)
}

func (r *PostgresRepository) FinishRun(ctx context.Context, runID string, status models.RunStatus, result string, errInfo *models.ErrorInfo) (*models.Run, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("finish run %s: %s is not terminal", runID, status)
	}
	return r.transition(ctx, runID, status, result, errInfo)
}

func (r *PostgresRepository) SetRunSuspended(ctx context.Context, runID string) (*models.Run, error) {
	return r.transition(ctx, runID, models.RunStatusSuspended, "", nil)
}

func (r *PostgresRepository) SetRunResumedFromSuspension(ctx context.Context, runID string) (*models.Run, error) {
	return r.transition(ctx, runID, models.RunStatusPending, "", nil)
}

// transition performs the read-validate-write cycle inside one transaction,
// locking the row so concurrent transitions serialize.
func (r *PostgresRepository) transition(ctx context.Context, runID string, status models.RunStatus, result string, errInfo *models.ErrorInfo) (*models.Run, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("select run for update: %w", err)
	}

	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, run.Status)
	}
	if !run.Status.CanTransitionTo(status) {
		return nil, &InvalidTransitionError{RunID: runID, From: run.Status, To: status}
	}

	now := time.Now().UTC()
	run.Status = status
	switch status {
	case models.RunStatusRunning:
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
	case models.RunStatusSuspended:
		run.SuspendedAt = &now
	case models.RunStatusCancelled:
		run.CancelledAt = &now
		run.EndedAt = &now
	case models.RunStatusCompleted, models.RunStatusFailed:
		run.EndedAt = &now
	}
	if status.IsTerminal() {
		run.Result = result
		run.Error = errInfo
	}

	var errCode, errMessage *string
	if run.Error != nil {
		errCode, errMessage = &run.Error.Code, &run.Error.Message
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET status = $2, result = $3, error_code = $4, error_message = $5,
			started_at = $6, ended_at = $7, cancelled_at = $8, suspended_at = $9
		WHERE id = $1`,
		runID, string(run.Status), run.Result, errCode, errMessage,
		run.StartedAt, run.EndedAt, run.CancelledAt, run.SuspendedAt)
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return run, nil
}

func (r *PostgresRepository) CreateDependency(ctx context.Context, dep *models.Dependency) error {
	if dep.ParentRunID == "" || dep.ChildRunID == "" {
		return fmt.Errorf("dependency requires parent and child run ids")
	}
	if dep.Status == "" {
		dep.Status = models.DependencyPending
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_dependencies (parent_run_id, child_run_id, tool_call_id, role, goal, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		dep.ParentRunID, dep.ChildRunID, dep.ToolCallID, dep.Role, dep.Goal,
		string(dep.Status), dep.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s -> %s", ErrDependencyExists, dep.ParentRunID, dep.ChildRunID)
		}
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListDependencies(ctx context.Context, parentRunID string) ([]*models.Dependency, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT parent_run_id, child_run_id, tool_call_id, role, goal, status, result, error, created_at, closed_at
		FROM run_dependencies WHERE parent_run_id = $1 ORDER BY created_at, child_run_id`, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("select dependencies: %w", err)
	}
	defer rows.Close()

	var deps []*models.Dependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r *PostgresRepository) CompleteDependencyAtomic(ctx context.Context, childRunID string, status models.DependencyStatus, result, errMsg string) (*DependencyCompletion, error) {
	if status == models.DependencyPending {
		return nil, fmt.Errorf("cannot complete dependency to pending")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the parent run row before touching the dependency. Under READ
	// COMMITTED, two concurrent sibling completions would otherwise each see
	// the other's uncommitted close as still pending and neither would
	// observe PendingCount == 0.
	var parentRunID string
	err = tx.QueryRowContext(ctx, `
		SELECT r.id FROM runs r
		JOIN run_dependencies d ON d.parent_run_id = r.id
		WHERE d.child_run_id = $1
		FOR UPDATE OF r`, childRunID).Scan(&parentRunID)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, nil // not a managed child
		}
		return nil, fmt.Errorf("lock parent run: %w", err)
	}

	// The WHERE status='pending' clause makes the close exactly-once: a
	// duplicate notification matches no row.
	row := tx.QueryRowContext(ctx, `
		UPDATE run_dependencies
		SET status = $2, result = $3, error = $4, closed_at = now()
		WHERE child_run_id = $1 AND status = 'pending'
		RETURNING parent_run_id, child_run_id, tool_call_id, role, goal, status, result, error, created_at, closed_at`,
		childRunID, string(status), result, errMsg)
	dep, err := scanDependency(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, nil // not managed, or already closed
		}
		return nil, fmt.Errorf("close dependency: %w", err)
	}

	var pending int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM run_dependencies
		WHERE parent_run_id = $1 AND status = 'pending'`, dep.ParentRunID).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("count pending siblings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dependency completion: %w", err)
	}
	return &DependencyCompletion{Dependency: dep, PendingCount: pending}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run        models.Run
		parentID   stdsql.NullString
		delegated  []byte
		modelCfg   []byte
		errCode    stdsql.NullString
		errMessage stdsql.NullString
		status     string
	)
	err := row.Scan(&run.ID, &run.Scope.OrgID, &run.Scope.UserID, &run.Scope.ProjectID,
		&run.SessionKey, &run.Input, &run.AgentID, &status, &parentID,
		&delegated, &modelCfg, &run.Result, &errCode, &errMessage,
		&run.CreatedAt, &run.StartedAt, &run.EndedAt, &run.CancelledAt, &run.SuspendedAt)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.ParentRunID = parentID.String
	if len(delegated) > 0 {
		run.Delegated = &models.DelegatedPermissions{}
		if err := json.Unmarshal(delegated, run.Delegated); err != nil {
			return nil, fmt.Errorf("decode delegated permissions: %w", err)
		}
	}
	if len(modelCfg) > 0 {
		run.Model = &models.ModelConfig{}
		if err := json.Unmarshal(modelCfg, run.Model); err != nil {
			return nil, fmt.Errorf("decode model config: %w", err)
		}
	}
	if errCode.Valid || errMessage.Valid {
		run.Error = &models.ErrorInfo{Code: errCode.String, Message: errMessage.String}
	}
	return &run, nil
}

func scanDependency(row rowScanner) (*models.Dependency, error) {
	var (
		dep    models.Dependency
		status string
	)
	err := row.Scan(&dep.ParentRunID, &dep.ChildRunID, &dep.ToolCallID, &dep.Role,
		&dep.Goal, &status, &dep.Result, &dep.Error, &dep.CreatedAt, &dep.ClosedAt)
	if err != nil {
		return nil, err
	}
	dep.Status = models.DependencyStatus(status)
	return &dep, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *models.DelegatedPermissions:
		if val == nil {
			return nil, nil
		}
	case *models.ModelConfig:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// isUniqueViolation matches Postgres error class 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
