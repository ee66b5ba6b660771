package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"pipelineworker/internal/database"
	"pipelineworker/internal/models"
)

var updateRemoteExecution = `UPDATE task_executions SET ` +
	assignments(executionColumns, "id", "created_at") + ` WHERE id = :id`

// PostgresRemoteStore talks to the coordinator's task_executions table
type PostgresRemoteStore struct {
	db *sqlx.DB
}

func NewPostgresRemoteStore(db *sqlx.DB) *PostgresRemoteStore {
	return &PostgresRemoteStore{db: db}
}

func (s *PostgresRemoteStore) FindForWorker(ctx context.Context, workerID uuid.UUID, code models.CompletionResult) ([]*models.TaskExecution, error) {
	var execs []*models.TaskExecution
	err := s.db.SelectContext(ctx, &execs,
		selectExecution+` WHERE worker_id = $1 AND completion_status_code = $2`, workerID, code)
	return execs, err
}

func (s *PostgresRemoteStore) ApplyBatch(ctx context.Context, inserts, updates []*models.TaskExecution, deletes []uuid.UUID) error {
	if len(inserts) == 0 && len(updates) == 0 && len(deletes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer database.RollbackTx(tx)

	for _, exec := range inserts {
		if _, err := tx.NamedExecContext(ctx, insertExecution, exec); err != nil {
			return fmt.Errorf("could not insert remote task execution %s: %w", exec.ID, err)
		}
	}

	for _, exec := range updates {
		if _, err := tx.NamedExecContext(ctx, updateRemoteExecution, exec); err != nil {
			return fmt.Errorf("could not update remote task execution %s: %w", exec.ID, err)
		}
	}

	if len(deletes) > 0 {
		query, args, err := sqlx.In(`DELETE FROM task_executions WHERE id IN (?)`, deletes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("could not delete remote task executions: %w", err)
		}
	}

	return tx.Commit()
}
