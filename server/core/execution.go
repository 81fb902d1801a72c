// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusCancelled = "cancelled"
)

// Execution is one concrete run of a query's normalized text. Terminal
// records (completed, failed, cancelled) are never mutated again; a retry
// creates a new record.
type Execution struct {
	ID             string     `db:"id" json:"id"`
	QueryID        string     `db:"query_id" json:"queryId"`
	DashboardID    string     `db:"dashboard_id" json:"dashboardId"`
	NormalizedText string     `db:"normalized_text" json:"normalizedText"`
	RemoteJobID    string     `db:"remote_job_id" json:"remoteJobId,omitempty"`
	Status         string     `db:"status" json:"status"`
	Fields         StringList `db:"fields" json:"fields,omitempty"`
	RowCount       int        `db:"row_count" json:"rowCount"`
	ErrorMessage   *string    `db:"error_message" json:"errorMessage,omitempty"`
	StartedAt      time.Time  `db:"started_at" json:"startedAt"`
	FinishedAt     *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
}

func (e Execution) IsTerminal() bool {
	switch e.Status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

type ExecutionRow struct {
	ID          string    `db:"id" json:"id"`
	ExecutionID string    `db:"execution_id" json:"executionId"`
	RowIndex    int       `db:"row_index" json:"rowIndex"`
	Fields      ResultRow `db:"fields" json:"fields"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

type CreateExecutionPayload struct {
	Execution Execution `json:"execution"`
	Timestamp time.Time `json:"timestamp"`
}

// FinishExecutionPayload flips an execution to its terminal status and
// carries the result rows. Row ids are generated by the submitter so replays
// insert the exact same records.
type FinishExecutionPayload struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	RemoteJobID  string         `json:"remoteJobId,omitempty"`
	Fields       StringList     `json:"fields,omitempty"`
	Rows         []ExecutionRow `json:"rows,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

type CancelExecutionPayload struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	CancelledBy string    `json:"cancelledBy"`
}

func HandleCreateExecution(app *App, data []byte) bool {
	var payload CreateExecutionPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal create execution payload", slog.Any("error", err))
		return false
	}
	e := payload.Execution
	_, err = app.Sqlite.Exec(
		`INSERT OR IGNORE INTO executions (
			id, query_id, dashboard_id, normalized_text, remote_job_id, status,
			fields, row_count, error_message, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.QueryID, e.DashboardID, e.NormalizedText, e.RemoteJobID, e.Status,
		e.Fields, e.RowCount, e.ErrorMessage, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		app.Logger.Error("failed to insert execution", slog.Any("error", err))
		return false
	}
	return true
}

func HandleFinishExecution(app *App, data []byte) bool {
	var payload FinishExecutionPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal finish execution payload", slog.Any("error", err))
		return false
	}
	tx, err := app.Sqlite.Beginx()
	if err != nil {
		app.Logger.Error("failed to begin finish execution transaction", slog.Any("error", err))
		return false
	}
	defer tx.Rollback()
	// Terminal executions stay as they are, replays and late finishes of a
	// cancelled execution both land here
	res, err := tx.Exec(
		`UPDATE executions
		 SET status = $2, remote_job_id = $3, fields = $4, row_count = $5, error_message = $6, finished_at = $7
		 WHERE id = $1 AND status IN ($8, $9)`,
		payload.ID, payload.Status, payload.RemoteJobID, payload.Fields, len(payload.Rows),
		payload.ErrorMessage, payload.Timestamp,
		ExecutionStatusPending, ExecutionStatusRunning,
	)
	if err != nil {
		app.Logger.Error("failed to update execution", slog.Any("error", err))
		return false
	}
	affected, err := res.RowsAffected()
	if err != nil {
		app.Logger.Error("failed to read affected rows", slog.Any("error", err))
		return false
	}
	if affected > 0 {
		for _, row := range payload.Rows {
			_, err = tx.Exec(
				`INSERT OR IGNORE INTO execution_rows (id, execution_id, row_index, fields, created_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				row.ID, payload.ID, row.RowIndex, row.Fields, payload.Timestamp,
			)
			if err != nil {
				app.Logger.Error("failed to insert execution row", slog.Any("error", err))
				return false
			}
		}
	}
	if err := tx.Commit(); err != nil {
		app.Logger.Error("failed to commit finish execution", slog.Any("error", err))
		return false
	}
	return true
}

func HandleCancelExecution(app *App, data []byte) bool {
	var payload CancelExecutionPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal cancel execution payload", slog.Any("error", err))
		return false
	}
	_, err = app.Sqlite.Exec(
		`UPDATE executions SET status = $2, finished_at = $3
		 WHERE id = $1 AND status IN ($4, $5)`,
		payload.ID, ExecutionStatusCancelled, payload.Timestamp,
		ExecutionStatusPending, ExecutionStatusRunning,
	)
	if err != nil {
		app.Logger.Error("failed to cancel execution", slog.Any("error", err))
		return false
	}
	return true
}

func GetExecution(app *App, ctx context.Context, id string) (Execution, error) {
	var execution Execution
	err := app.Sqlite.GetContext(ctx, &execution, `SELECT * FROM executions WHERE id = $1`, id)
	if err != nil {
		return Execution{}, fmt.Errorf("failed to get execution: %w", err)
	}
	return execution, nil
}

// ListQueryExecutions returns the execution history of a query, newest
// first. Old executions are retained, limit caps the retrieval depth.
func ListQueryExecutions(app *App, ctx context.Context, queryID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	executions := []Execution{}
	err := app.Sqlite.SelectContext(ctx, &executions,
		`SELECT * FROM executions WHERE query_id = $1 ORDER BY started_at DESC LIMIT $2`,
		queryID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

// LatestCompletedExecution returns nil when the query never completed.
func LatestCompletedExecution(app *App, ctx context.Context, queryID string) (*Execution, error) {
	var execution Execution
	err := app.Sqlite.GetContext(ctx, &execution,
		`SELECT * FROM executions WHERE query_id = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		queryID, ExecutionStatusCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest completed execution: %w", err)
	}
	return &execution, nil
}

// PreviousCompletedExecution returns the completed execution of the same
// query that started most recently before the given one, or nil.
func PreviousCompletedExecution(app *App, ctx context.Context, execution Execution) (*Execution, error) {
	var previous Execution
	err := app.Sqlite.GetContext(ctx, &previous,
		`SELECT * FROM executions
		 WHERE query_id = $1 AND status = $2 AND started_at < $3 AND id != $4
		 ORDER BY started_at DESC LIMIT 1`,
		execution.QueryID, ExecutionStatusCompleted, execution.StartedAt, execution.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get previous completed execution: %w", err)
	}
	return &previous, nil
}

func ListExecutionRows(app *App, ctx context.Context, executionID string) ([]ExecutionRow, error) {
	rows := []ExecutionRow{}
	err := app.Sqlite.SelectContext(ctx, &rows,
		`SELECT * FROM execution_rows WHERE execution_id = $1 ORDER BY row_index ASC`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution rows: %w", err)
	}
	return rows, nil
}

// ExecutionDiff compares an execution's result set against the previous
// completed run of the same query. Identity ranks come from the first
// visualization bound to the query; without one the diff engine falls back
// to its non-numeric heuristic.
func ExecutionDiff(app *App, ctx context.Context, executionID string) (DiffResult, error) {
	execution, err := GetExecution(app, ctx, executionID)
	if err != nil {
		return DiffResult{}, err
	}
	if execution.Status != ExecutionStatusCompleted {
		return DiffResult{}, fmt.Errorf("execution %s is %s, only completed executions can be diffed", executionID, execution.Status)
	}
	currentRows, err := ListExecutionRows(app, ctx, executionID)
	if err != nil {
		return DiffResult{}, err
	}
	current := make([]ResultRow, len(currentRows))
	for i, row := range currentRows {
		current[i] = row.Fields
	}

	previous := []ResultRow{}
	prevExecution, err := PreviousCompletedExecution(app, ctx, execution)
	if err != nil {
		return DiffResult{}, err
	}
	if prevExecution != nil {
		previousRows, err := ListExecutionRows(app, ctx, prevExecution.ID)
		if err != nil {
			return DiffResult{}, err
		}
		previous = make([]ResultRow, len(previousRows))
		for i, row := range previousRows {
			previous[i] = row.Fields
		}
	}

	fields := make([]DiffField, len(execution.Fields))
	for i, name := range execution.Fields {
		fields[i] = DiffField{Name: name}
	}
	rules, err := queryFormatRules(app, ctx, execution.QueryID)
	if err != nil {
		return DiffResult{}, err
	}
	for i := range fields {
		if rule, ok := rules[fields[i].Name]; ok && rule.Rank != nil {
			fields[i].Rank = rule.Rank
		}
	}

	return Diff(current, previous, fields), nil
}

func queryFormatRules(app *App, ctx context.Context, queryID string) (FormatRules, error) {
	var rules FormatRules
	err := app.Sqlite.GetContext(ctx, &rules,
		`SELECT format_rules FROM visualizations WHERE query_id = $1 ORDER BY id ASC LIMIT 1`,
		queryID)
	if errors.Is(err, sql.ErrNoRows) {
		return FormatRules{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visualization format rules: %w", err)
	}
	return rules, nil
}
