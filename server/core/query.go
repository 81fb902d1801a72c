// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

type Query struct {
	ID              string    `db:"id" json:"id"`
	DashboardID     string    `db:"dashboard_id" json:"dashboardId"`
	Name            string    `db:"name" json:"name"`
	Kind            string    `db:"kind" json:"kind"`
	Text            string    `db:"text" json:"text,omitempty"`
	RefreshInterval string    `db:"refresh_interval" json:"refreshInterval,omitempty"`
	BaseQueryID     *string   `db:"base_query_id" json:"baseQueryId,omitempty"`
	SavedSearchName string    `db:"saved_search_name" json:"savedSearchName,omitempty"`
	Owner           string    `db:"owner" json:"owner,omitempty"`
	App             string    `db:"app" json:"app,omitempty"`
	EndpointID      *string   `db:"endpoint_id" json:"endpointId,omitempty"`
	Options         OptionMap `db:"options" json:"options,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

func GetQuery(app *App, ctx context.Context, id string) (Query, error) {
	var query Query
	err := app.Sqlite.GetContext(ctx, &query, `SELECT * FROM queries WHERE id = $1`, id)
	if err != nil {
		return Query{}, fmt.Errorf("failed to get query: %w", err)
	}
	return query, nil
}

func ListDashboardQueries(app *App, ctx context.Context, dashboardID string) ([]Query, error) {
	queries := []Query{}
	err := app.Sqlite.SelectContext(ctx, &queries,
		`SELECT * FROM queries WHERE dashboard_id = $1 ORDER BY name COLLATE NOCASE ASC`, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	return queries, nil
}

// ListRefreshQueries returns the queries of a dashboard that get their own
// refresh timer. Chained queries never do, they only run when their base
// query completes.
func ListRefreshQueries(app *App, ctx context.Context, dashboardID string) ([]Query, error) {
	queries := []Query{}
	err := app.Sqlite.SelectContext(ctx, &queries,
		`SELECT * FROM queries
		 WHERE dashboard_id = $1 AND refresh_interval != '' AND kind != $2`,
		dashboardID, QueryKindChained)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh queries: %w", err)
	}
	return queries, nil
}

func ListAllRefreshQueries(app *App, ctx context.Context) ([]Query, error) {
	queries := []Query{}
	err := app.Sqlite.SelectContext(ctx, &queries,
		`SELECT * FROM queries WHERE refresh_interval != '' AND kind != $1`,
		QueryKindChained)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh queries: %w", err)
	}
	return queries, nil
}

// ListChainedDependents returns the chained queries that post-process the
// given query's results.
func ListChainedDependents(app *App, ctx context.Context, queryID string) ([]Query, error) {
	queries := []Query{}
	err := app.Sqlite.SelectContext(ctx, &queries,
		`SELECT * FROM queries WHERE base_query_id = $1 AND kind = $2`,
		queryID, QueryKindChained)
	if err != nil {
		return nil, fmt.Errorf("failed to list chained dependents: %w", err)
	}
	return queries, nil
}

type UpdateQueryMetadataPayload struct {
	QueryID   string    `json:"queryId"`
	Owner     string    `json:"owner"`
	App       string    `json:"app"`
	Timestamp time.Time `json:"timestamp"`
}

// UpdateQueryMetadata writes back the owner/app pair of a saved-reference
// query, resolved lazily against the remote endpoint the first time the
// query is normalized.
func UpdateQueryMetadata(app *App, ctx context.Context, queryID, owner, appName string) error {
	err := app.SubmitState(ctx, "update_query_metadata", UpdateQueryMetadataPayload{
		QueryID:   queryID,
		Owner:     owner,
		App:       appName,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to submit query metadata update: %w", err)
	}
	return nil
}

func HandleUpdateQueryMetadata(app *App, data []byte) bool {
	var payload UpdateQueryMetadataPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal query metadata payload", slog.Any("error", err))
		return false
	}
	_, err = app.Sqlite.Exec(
		`UPDATE queries SET owner = $2, app = $3, updated_at = $4 WHERE id = $1`,
		payload.QueryID, payload.Owner, payload.App, payload.Timestamp,
	)
	if err != nil {
		app.Logger.Error("failed to update query metadata", slog.Any("error", err))
		return false
	}
	return true
}
