package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion tracks schema.sql. There are no migrations: an operator
// upgrading across a bump removes the pipeline database and starts fresh.
const schemaVersion = 1

// pipelineTables must all exist in an initialized database.
var pipelineTables = []string{
	"orders",
	"media_files",
	"segments",
	"tasks",
	"transcripts",
	"analysis_artifacts",
	"progress_events",
	"ledger_entries",
}

// ErrSchemaMismatch reports a database written by a different schema version
// or missing pipeline tables.
var ErrSchemaMismatch = errors.New("schema version mismatch")

func (s *Store) initSchema(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		version, found, err := readSchemaVersion(ctx, tx)
		if err != nil {
			return err
		}
		if !found {
			if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create pipeline schema: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
				return fmt.Errorf("record schema version: %w", err)
			}
			return nil
		}
		if version != schemaVersion {
			return fmt.Errorf("%w: %s is at version %d, matchscope expects %d; remove it to start over",
				ErrSchemaMismatch, s.path, version, schemaVersion)
		}
		return checkPipelineTables(ctx, tx, s.path)
	})
}

// readSchemaVersion reports found=false for a database never initialized.
func readSchemaVersion(ctx context.Context, tx *sql.Tx) (int, bool, error) {
	var present int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'",
	).Scan(&present); err != nil {
		return 0, false, fmt.Errorf("inspect pipeline database: %w", err)
	}
	if present == 0 {
		return 0, false, nil
	}
	var version int
	err := tx.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, true, nil
}

func checkPipelineTables(ctx context.Context, tx *sql.Tx, path string) error {
	for _, table := range pipelineTables {
		var present int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&present); err != nil {
			return fmt.Errorf("inspect table %s: %w", table, err)
		}
		if present == 0 {
			return fmt.Errorf("%w: %s has no %s table; remove it to start over", ErrSchemaMismatch, path, table)
		}
	}
	return nil
}
