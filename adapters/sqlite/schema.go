package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const currentSchemaVersion = 1

const (
	createEventsTable = `
		CREATE TABLE IF NOT EXISTS events (
			number INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			stream_version INTEGER NOT NULL,
			commit_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			data BLOB,
			metadata TEXT,
			causation_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE(stream_id, stream_version)
		)`

	createEventsStreamIndex = `CREATE INDEX IF NOT EXISTS idx_events_stream ON events(stream_id, stream_version)`
	createEventsCommitIndex = `CREATE INDEX IF NOT EXISTS idx_events_commit ON events(commit_id)`

	createSubscriptionsTable = `
		CREATE TABLE IF NOT EXISTS subscriptions (
			name TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			start_after INTEGER NOT NULL,
			last_acked INTEGER NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`

	createSnapshotsTable = `
		CREATE TABLE IF NOT EXISTS snapshots (
			source_id TEXT PRIMARY KEY,
			snapshot_id TEXT NOT NULL,
			source_version INTEGER NOT NULL,
			event_number INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			encoding TEXT NOT NULL,
			data BLOB
		)`

	createSchemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
)

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createSchemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if version < currentSchemaVersion {
		return migrateV1(ctx, db)
	}
	return nil
}

func migrateV1(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	statements := []string{
		createEventsTable,
		createEventsStreamIndex,
		createEventsCommitIndex,
		createSubscriptionsTable,
		createSnapshotsTable,
		"INSERT INTO schema_version (version) VALUES (1)",
	}
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return tx.Commit()
}
