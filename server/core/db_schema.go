// SPDX-License-Identifier: MPL-2.0

package core

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

func initDB(db *sqlx.DB) error {
	// Create dashboards table
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dashboards (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			created_by TEXT,
			updated_by TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating dashboards table: %w", err)
	}

	// Create queries table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS queries (
			id TEXT PRIMARY KEY,
			dashboard_id TEXT NOT NULL REFERENCES dashboards(id),
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			refresh_interval TEXT NOT NULL DEFAULT '',
			base_query_id TEXT,
			saved_search_name TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT '',
			app TEXT NOT NULL DEFAULT '',
			endpoint_id TEXT,
			options TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating queries table: %w", err)
	}

	// Create visualizations table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS visualizations (
			id TEXT PRIMARY KEY,
			dashboard_id TEXT NOT NULL REFERENCES dashboards(id),
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			query_id TEXT,
			format_rules TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating visualizations table: %w", err)
	}

	// Create layout_items table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS layout_items (
			id TEXT PRIMARY KEY,
			dashboard_id TEXT NOT NULL REFERENCES dashboards(id),
			item_id TEXT NOT NULL,
			x INTEGER NOT NULL DEFAULT 0,
			y INTEGER NOT NULL DEFAULT 0,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating layout_items table: %w", err)
	}

	// Create inputs table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS inputs (
			id TEXT PRIMARY KEY,
			dashboard_id TEXT NOT NULL REFERENCES dashboards(id),
			token TEXT NOT NULL,
			type TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			initial_value TEXT,
			default_value TEXT,
			choices TEXT NOT NULL DEFAULT '[]',
			change_handler TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating inputs table: %w", err)
	}

	// Create endpoints table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			default_owner TEXT NOT NULL DEFAULT '',
			default_app TEXT NOT NULL DEFAULT '',
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating endpoints table: %w", err)
	}

	// Create executions table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			query_id TEXT NOT NULL,
			dashboard_id TEXT NOT NULL,
			normalized_text TEXT NOT NULL,
			remote_job_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			fields TEXT NOT NULL DEFAULT '[]',
			row_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating executions table: %w", err)
	}
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_executions_query_started
		ON executions(query_id, started_at)
	`)
	if err != nil {
		return fmt.Errorf("error creating executions index: %w", err)
	}

	// Create execution_rows table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_rows (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES executions(id),
			row_index INTEGER NOT NULL,
			fields TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating execution_rows table: %w", err)
	}
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_execution_rows_execution
		ON execution_rows(execution_id, row_index)
	`)
	if err != nil {
		return fmt.Errorf("error creating execution_rows index: %w", err)
	}

	// Create api_keys table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			salt TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			created_by TEXT,
			updated_by TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating api_keys table: %w", err)
	}

	// Create consumer_state table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS consumer_state (
			name TEXT PRIMARY KEY,
			last_processed_stream_seq INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating consumer_state table: %w", err)
	}

	return nil
}
