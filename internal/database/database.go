package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"pipelineworker/internal/config"
	"pipelineworker/internal/database/migrations"
)

// New connects to the worker's execution store and brings its schema up to date
func New(conf *config.PWConfig) (*sqlx.DB, error) {
	return connect(conf.GetDatabaseURL(), migrations.Local, "local")
}

// NewRemote connects to the coordinator's durable store used by the synchronization sweeper
func NewRemote(conf *config.PWConfig) (*sqlx.DB, error) {
	return connect(conf.GetRemoteDatabaseURL(), migrations.Remote, "remote")
}

func connect(url string, migFS fs.FS, dir string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sub, err := fs.Sub(migFS, dir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db, sub); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies every *.sql file in migFS that has not been recorded in schema_migrations yet.
// Each file runs in its own transaction.
func Migrate(ctx context.Context, db *sqlx.DB, migFS fs.FS) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations
(
    version    TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`); err != nil {
		return fmt.Errorf("could not create schema_migrations: %w", err)
	}

	files, err := listMigrationFiles(migFS)
	if err != nil {
		return err
	}

	for _, file := range files {
		var applied bool
		if err := db.GetContext(ctx, &applied, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, file); err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := applyMigration(ctx, db, migFS, file); err != nil {
			return err
		}
		log.Info().Str("version", file).Msg("Applied migration")
	}
	return nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, migFS fs.FS, file string) error {
	content, err := fs.ReadFile(migFS, file)
	if err != nil {
		return err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer RollbackTx(tx)

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// ReleaseTx commits the transaction, rolling back if the commit fails
func ReleaseTx(tx *sqlx.Tx) {
	if err1 := tx.Commit(); err1 != nil {
		if err2 := tx.Rollback(); err2 != nil {
			log.Error().
				Err(err1).
				AnErr("rollback_error", err2).
				Msg("Error encountered when trying to release transaction")
		}
	}
}

// RollbackTx rolls back a transaction that was not committed. Rolling back a finished transaction
// is not logged.
func RollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Msg("Could not rollback transaction")
	}
}
