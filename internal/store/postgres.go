package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"pipelineworker/internal/database"
	"pipelineworker/internal/models"
)

// executionColumns lists every task_executions column in table order
var executionColumns = []string{
	"id", "worker_id", "remote_task_execution_id", "tile_id", "task_definition_id", "pipeline_stage_id",
	"queue_type", "local_work_units", "cluster_work_units", "resolved_output_path", "resolved_script",
	"resolved_interpreter", "resolved_script_args", "resolved_cluster_args", "resolved_log_path",
	"expected_exit_code", "job_id", "job_name", "execution_status_code", "completion_status_code",
	"last_process_status_code", "cpu_time_seconds", "max_cpu_percent", "max_memory_mb", "exit_code",
	"submitted_at", "started_at", "completed_at", "sync_status", "synchronized_at", "created_at",
	"updated_at", "deleted_at",
}

var (
	selectExecution = `SELECT ` + strings.Join(executionColumns, ", ") + ` FROM task_executions`
	insertExecution = fmt.Sprintf(`INSERT INTO task_executions (%s) VALUES (%s)`,
		strings.Join(executionColumns, ", "), namedParams(executionColumns))
)

func namedParams(cols []string) string {
	params := make([]string, len(cols))
	for i, c := range cols {
		params[i] = ":" + c
	}
	return strings.Join(params, ", ")
}

// assignments renders "col = :col" for every column not in skip
func assignments(cols []string, skip ...string) string {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	var parts []string
	for _, c := range cols {
		if !skipped[c] {
			parts = append(parts, c+" = :"+c)
		}
	}
	return strings.Join(parts, ", ")
}

var saveExecution = `UPDATE task_executions SET ` +
	assignments(executionColumns, "id", "worker_id", "created_at", "updated_at", "sync_status", "synchronized_at") +
	`, updated_at = :updated_at WHERE id = :id`

type PostgresExecutionStore struct {
	db *sqlx.DB
}

func NewPostgresExecutionStore(db *sqlx.DB) *PostgresExecutionStore {
	return &PostgresExecutionStore{db: db}
}

func (s *PostgresExecutionStore) Create(ctx context.Context, exec *models.TaskExecution) error {
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if _, err := s.db.NamedExecContext(ctx, insertExecution, exec); err != nil {
		return fmt.Errorf("could not insert task execution %s: %w", exec.ID, err)
	}
	return nil
}

func (s *PostgresExecutionStore) Get(ctx context.Context, id uuid.UUID) (*models.TaskExecution, error) {
	var exec models.TaskExecution
	err := s.db.GetContext(ctx, &exec, selectExecution+` WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *PostgresExecutionStore) Save(ctx context.Context, exec *models.TaskExecution) error {
	exec.UpdatedAt = time.Now().UTC()
	res, err := s.db.NamedExecContext(ctx, saveExecution, exec)
	if err != nil {
		return fmt.Errorf("could not save task execution %s: %w", exec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresExecutionStore) FindRunning(ctx context.Context) ([]*models.TaskExecution, error) {
	var execs []*models.TaskExecution
	err := s.db.SelectContext(ctx, &execs,
		selectExecution+` WHERE execution_status_code = $1 AND deleted_at IS NULL ORDER BY submitted_at DESC`,
		models.EsRunning)
	return execs, err
}

func (s *PostgresExecutionStore) FindRunningByQueue(ctx context.Context, queue models.QueueType) ([]*models.TaskExecution, error) {
	var execs []*models.TaskExecution
	err := s.db.SelectContext(ctx, &execs,
		selectExecution+` WHERE execution_status_code = $1 AND queue_type = $2 AND deleted_at IS NULL`,
		models.EsRunning, queue)
	return execs, err
}

func (s *PostgresExecutionStore) FindStopping(ctx context.Context, queue models.QueueType) ([]*models.TaskExecution, error) {
	var execs []*models.TaskExecution
	err := s.db.SelectContext(ctx, &execs,
		selectExecution+` WHERE execution_status_code = $1 AND queue_type = $2 AND job_id IS NOT NULL
			AND completed_at IS NULL AND deleted_at IS NULL`,
		models.EsZombie, queue)
	return execs, err
}

func (s *PostgresExecutionStore) Page(ctx context.Context, offset, limit int, completion *models.CompletionResult) ([]*models.TaskExecution, error) {
	var execs []*models.TaskExecution
	var err error
	if completion == nil {
		err = s.db.SelectContext(ctx, &execs,
			selectExecution+` WHERE deleted_at IS NULL ORDER BY completed_at DESC NULLS LAST, created_at DESC OFFSET $1 LIMIT $2`,
			offset, limit)
	} else {
		err = s.db.SelectContext(ctx, &execs,
			selectExecution+` WHERE deleted_at IS NULL AND completion_status_code = $3 ORDER BY completed_at DESC NULLS LAST, created_at DESC OFFSET $1 LIMIT $2`,
			offset, limit, *completion)
	}
	return execs, err
}

func (s *PostgresExecutionStore) Count(ctx context.Context, completion *models.CompletionResult) (int, error) {
	var count int
	var err error
	if completion == nil {
		err = s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM task_executions WHERE deleted_at IS NULL`)
	} else {
		err = s.db.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM task_executions WHERE deleted_at IS NULL AND completion_status_code = $1`, *completion)
	}
	return count, err
}

func (s *PostgresExecutionStore) RemoveWithCompletion(ctx context.Context, code models.CompletionResult) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_executions WHERE completion_status_code = $1`, code)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresExecutionStore) ResetStaleSyncInProgress(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE task_executions
SET sync_status = $1,
	updated_at = NOW()
WHERE sync_status = $2
  AND updated_at < $3
`, models.SyncNever, models.SyncInProgress, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresExecutionStore) FindUnsynced(ctx context.Context, code models.CompletionResult) ([]*models.TaskExecution, error) {
	var execs []*models.TaskExecution
	err := s.db.SelectContext(ctx, &execs, selectExecution+`
WHERE execution_status_code = $1
  AND completion_status_code = $2
  AND sync_status IN ($3, $4)
  AND deleted_at IS NULL`,
		models.EsCompleted, code, models.SyncNever, models.SyncExpired)
	return execs, err
}

func (s *PostgresExecutionStore) SetSyncStatus(ctx context.Context, ids []uuid.UUID, status models.SyncStatus) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer database.RollbackTx(tx)

	query := `UPDATE task_executions SET sync_status = ?, updated_at = NOW() WHERE id IN (?)`
	if status == models.SyncComplete {
		query = `UPDATE task_executions SET sync_status = ?, synchronized_at = NOW(), updated_at = NOW() WHERE id IN (?)`
	}
	query, args, err := sqlx.In(query, status, ids)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("could not set sync status: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresExecutionStore) ExistingIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	found := make(map[uuid.UUID]bool)
	if len(ids) == 0 {
		return found, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM task_executions WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var existing []uuid.UUID
	if err := s.db.SelectContext(ctx, &existing, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, id := range existing {
		found[id] = true
	}
	return found, nil
}

type PostgresWorkerStore struct {
	db *sqlx.DB
}

func NewPostgresWorkerStore(db *sqlx.DB) *PostgresWorkerStore {
	return &PostgresWorkerStore{db: db}
}

func (s *PostgresWorkerStore) FindOrCreate(ctx context.Context, defaults *models.Worker) (*models.Worker, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer database.RollbackTx(tx)

	var w models.Worker
	err = tx.GetContext(ctx, &w, `SELECT * FROM workers WHERE deleted_at IS NULL ORDER BY created_at LIMIT 1`)
	switch {
	case err == nil:
		return &w, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	w = *defaults
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = time.Now().UTC()
	w.UpdatedAt = w.CreatedAt
	if _, err := tx.NamedExecContext(ctx, `
INSERT INTO workers (id, display_name, local_work_capacity, cluster_work_capacity, is_accepting_jobs, is_cluster_proxy, created_at, updated_at)
VALUES (:id, :display_name, :local_work_capacity, :cluster_work_capacity, :is_accepting_jobs, :is_cluster_proxy, :created_at, :updated_at)
`, &w); err != nil {
		return nil, fmt.Errorf("could not create worker: %w", err)
	}
	return &w, tx.Commit()
}

func (s *PostgresWorkerStore) Save(ctx context.Context, w *models.Worker) error {
	w.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
UPDATE workers
SET display_name = :display_name,
	local_work_capacity = :local_work_capacity,
	cluster_work_capacity = :cluster_work_capacity,
	is_accepting_jobs = :is_accepting_jobs,
	is_cluster_proxy = :is_cluster_proxy,
	updated_at = :updated_at
WHERE id = :id
`, w)
	return err
}

type PostgresStatisticsStore struct {
	db *sqlx.DB
}

func NewPostgresStatisticsStore(db *sqlx.DB) *PostgresStatisticsStore {
	return &PostgresStatisticsStore{db: db}
}

func (s *PostgresStatisticsStore) Get(ctx context.Context, taskID uuid.UUID) (*models.TaskStatistics, error) {
	var stats models.TaskStatistics
	err := s.db.GetContext(ctx, &stats, `SELECT * FROM task_statistics WHERE task_id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *PostgresStatisticsStore) GetOrCreate(ctx context.Context, taskID uuid.UUID) (*models.TaskStatistics, error) {
	stats, err := s.Get(ctx, taskID)
	if !errors.Is(err, ErrNotFound) {
		return stats, err
	}

	stats = models.NewTaskStatistics(taskID)
	stats.CreatedAt = time.Now().UTC()
	stats.UpdatedAt = stats.CreatedAt
	if _, err := s.db.NamedExecContext(ctx, `
INSERT INTO task_statistics (id, task_id, num_execute, num_complete, num_error, num_cancel,
                             cpu_samples, memory_samples, duration_samples,
                             cpu_average, cpu_high, cpu_low, memory_average, memory_high, memory_low,
                             duration_average, duration_high, duration_low, created_at, updated_at)
VALUES (:id, :task_id, :num_execute, :num_complete, :num_error, :num_cancel,
        :cpu_samples, :memory_samples, :duration_samples,
        :cpu_average, :cpu_high, :cpu_low, :memory_average, :memory_high, :memory_low,
        :duration_average, :duration_high, :duration_low, :created_at, :updated_at)
ON CONFLICT (task_id) DO NOTHING
`, stats); err != nil {
		return nil, fmt.Errorf("could not create statistics for task %s: %w", taskID, err)
	}
	return s.Get(ctx, taskID)
}

func (s *PostgresStatisticsStore) Save(ctx context.Context, stats *models.TaskStatistics) error {
	stats.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
UPDATE task_statistics
SET num_execute = :num_execute,
	num_complete = :num_complete,
	num_error = :num_error,
	num_cancel = :num_cancel,
	cpu_samples = :cpu_samples,
	memory_samples = :memory_samples,
	duration_samples = :duration_samples,
	cpu_average = :cpu_average,
	cpu_high = :cpu_high,
	cpu_low = :cpu_low,
	memory_average = :memory_average,
	memory_high = :memory_high,
	memory_low = :memory_low,
	duration_average = :duration_average,
	duration_high = :duration_high,
	duration_low = :duration_low,
	updated_at = :updated_at
WHERE task_id = :task_id
`, stats)
	return err
}

func (s *PostgresStatisticsStore) List(ctx context.Context) ([]*models.TaskStatistics, error) {
	var stats []*models.TaskStatistics
	err := s.db.SelectContext(ctx, &stats, `SELECT * FROM task_statistics ORDER BY task_id`)
	return stats, err
}

func (s *PostgresStatisticsStore) ResetAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE task_statistics
SET num_execute = 0,
	num_complete = 0,
	num_error = 0,
	num_cancel = 0,
	cpu_samples = 0,
	memory_samples = 0,
	duration_samples = 0,
	cpu_average = 0,
	cpu_high = '-Infinity',
	cpu_low = 'Infinity',
	memory_average = 0,
	memory_high = '-Infinity',
	memory_low = 'Infinity',
	duration_average = 0,
	duration_high = '-Infinity',
	duration_low = 'Infinity',
	updated_at = NOW()
`)
	return err
}
