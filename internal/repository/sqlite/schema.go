package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

const (
	instancesTable    = "main.channel_instances"
	integrationsTable = "main.company_integrations"
)

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS main.channel_instances (
		id                     TEXT PRIMARY KEY,
		company_id             TEXT NOT NULL,
		channel_type           TEXT NOT NULL,
		instance_name          TEXT NOT NULL UNIQUE,
		state                  TEXT NOT NULL DEFAULT 'disconnected',
		telegram_bot_token_enc TEXT,
		phone_number           TEXT,
		profile_name           TEXT,
		last_connected_at      TEXT,
		last_disconnected_at   TEXT,
		error_message          TEXT,
		status_raw             TEXT NOT NULL DEFAULT '',
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS main.idx_channel_instances_company ON channel_instances(company_id)`,

	`CREATE TABLE IF NOT EXISTS main.company_integrations (
		company_id  TEXT NOT NULL,
		provider    TEXT NOT NULL,
		api_key_enc TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (company_id, provider)
	)`,
}

// migrate creates or updates the database schema to the latest version.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}

	return nil
}
