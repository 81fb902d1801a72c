// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nrednav/cuid2"
)

const (
	DashboardFormatStudio = "studio"
	DashboardFormatSimple = "simple"
)

type Dashboard struct {
	ID          string    `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description,omitempty"`
	Format      string    `db:"format" json:"format"`
	Source      string    `db:"source" json:"source,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
	CreatedBy   *string   `db:"created_by" json:"createdBy,omitempty"`
	UpdatedBy   *string   `db:"updated_by" json:"updatedBy,omitempty"`
}

type Visualization struct {
	ID          string      `db:"id" json:"id"`
	DashboardID string      `db:"dashboard_id" json:"dashboardId"`
	Kind        string      `db:"kind" json:"kind"`
	Title       string      `db:"title" json:"title,omitempty"`
	QueryID     *string     `db:"query_id" json:"queryId,omitempty"`
	FormatRules FormatRules `db:"format_rules" json:"formatRules,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}

type LayoutItem struct {
	ID          string `db:"id" json:"id"`
	DashboardID string `db:"dashboard_id" json:"dashboardId"`
	ItemID      string `db:"item_id" json:"itemId"`
	X           int    `db:"x" json:"x"`
	Y           int    `db:"y" json:"y"`
	Width       int    `db:"width" json:"width"`
	Height      int    `db:"height" json:"height"`
}

// DashboardDefinition is a dashboard with all its children, as accepted by
// save and deploy. Saving replaces the stored definition wholesale, there is
// no partial patching. Callers that want stable query ids across saves (so
// execution history stays attached) must carry the ids in the definition.
type DashboardDefinition struct {
	Dashboard      Dashboard       `json:"dashboard"`
	Queries        []Query         `json:"queries"`
	Visualizations []Visualization `json:"visualizations,omitempty"`
	LayoutItems    []LayoutItem    `json:"layout,omitempty"`
	Inputs         []Input         `json:"inputs,omitempty"`
}

type SaveDashboardPayload struct {
	Definition DashboardDefinition `json:"definition"`
	Timestamp  time.Time           `json:"timestamp"`
	SavedBy    string              `json:"savedBy"`
}

type DeleteDashboardPayload struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	DeletedBy string    `json:"deletedBy"`
}

// SaveDashboard persists a full dashboard definition and restarts the
// refresh timers of the dashboard. Returns the dashboard id.
func SaveDashboard(app *App, ctx context.Context, def DashboardDefinition) (string, error) {
	actor := ActorFromContext(ctx)
	if actor == nil {
		return "", fmt.Errorf("no actor in context")
	}
	def.Dashboard.Title = strings.TrimSpace(def.Dashboard.Title)
	if def.Dashboard.Title == "" {
		return "", fmt.Errorf("dashboard title cannot be empty")
	}
	if def.Dashboard.Format == "" {
		def.Dashboard.Format = DashboardFormatStudio
	}
	if def.Dashboard.ID == "" {
		def.Dashboard.ID = cuid2.Generate()
	}

	queryIDs := map[string]bool{}
	for i := range def.Queries {
		if def.Queries[i].ID == "" {
			def.Queries[i].ID = cuid2.Generate()
		}
		if def.Queries[i].Kind == "" {
			def.Queries[i].Kind = QueryKindAdHoc
		}
		def.Queries[i].DashboardID = def.Dashboard.ID
		queryIDs[def.Queries[i].ID] = true
	}
	for _, q := range def.Queries {
		if q.Kind != QueryKindChained {
			continue
		}
		if q.BaseQueryID == nil || *q.BaseQueryID == "" {
			return "", fmt.Errorf("chained query %q has no base query", q.Name)
		}
		if !queryIDs[*q.BaseQueryID] {
			return "", fmt.Errorf("chained query %q references base query %s outside this dashboard", q.Name, *q.BaseQueryID)
		}
	}
	for i := range def.Visualizations {
		if def.Visualizations[i].ID == "" {
			def.Visualizations[i].ID = cuid2.Generate()
		}
		def.Visualizations[i].DashboardID = def.Dashboard.ID
	}
	for i := range def.LayoutItems {
		if def.LayoutItems[i].ID == "" {
			def.LayoutItems[i].ID = cuid2.Generate()
		}
		def.LayoutItems[i].DashboardID = def.Dashboard.ID
	}
	for i := range def.Inputs {
		if def.Inputs[i].ID == "" {
			def.Inputs[i].ID = cuid2.Generate()
		}
		def.Inputs[i].DashboardID = def.Dashboard.ID
	}

	err := app.SubmitState(ctx, "save_dashboard", SaveDashboardPayload{
		Definition: def,
		Timestamp:  time.Now(),
		SavedBy:    actor.String(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit dashboard save: %w", err)
	}

	// Timer set may have changed with the definition
	if err := ScheduleDashboardRefreshes(app, ctx, def.Dashboard.ID); err != nil {
		app.Logger.Error("failed to reschedule refreshes after save",
			slog.String("dashboard", def.Dashboard.ID), slog.Any("error", err))
	}
	return def.Dashboard.ID, nil
}

func HandleSaveDashboard(app *App, data []byte) bool {
	var payload SaveDashboardPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal save dashboard payload", slog.Any("error", err))
		return false
	}
	def := payload.Definition

	tx, err := app.Sqlite.Beginx()
	if err != nil {
		app.Logger.Error("failed to begin dashboard save transaction", slog.Any("error", err))
		return false
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO dashboards (
			id, title, description, format, source, created_at, updated_at, created_by, updated_by
		) VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $7)
		ON CONFLICT(id) DO UPDATE SET
			title = $2, description = $3, format = $4, source = $5, updated_at = $6, updated_by = $7`,
		def.Dashboard.ID, def.Dashboard.Title, def.Dashboard.Description, def.Dashboard.Format,
		def.Dashboard.Source, payload.Timestamp, payload.SavedBy,
	)
	if err != nil {
		app.Logger.Error("failed to upsert dashboard", slog.Any("error", err))
		return false
	}

	// Full replace of all children
	for _, table := range []string{"queries", "visualizations", "layout_items", "inputs"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE dashboard_id = $1`, def.Dashboard.ID); err != nil {
			app.Logger.Error("failed to clear dashboard children", slog.String("table", table), slog.Any("error", err))
			return false
		}
	}
	for _, q := range def.Queries {
		_, err = tx.Exec(
			`INSERT INTO queries (
				id, dashboard_id, name, kind, text, refresh_interval, base_query_id,
				saved_search_name, owner, app, endpoint_id, options, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
			q.ID, q.DashboardID, q.Name, q.Kind, q.Text, q.RefreshInterval, q.BaseQueryID,
			q.SavedSearchName, q.Owner, q.App, q.EndpointID, q.Options, payload.Timestamp,
		)
		if err != nil {
			app.Logger.Error("failed to insert query", slog.String("query", q.ID), slog.Any("error", err))
			return false
		}
	}
	for _, v := range def.Visualizations {
		_, err = tx.Exec(
			`INSERT INTO visualizations (
				id, dashboard_id, kind, title, query_id, format_rules, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			v.ID, v.DashboardID, v.Kind, v.Title, v.QueryID, v.FormatRules, payload.Timestamp,
		)
		if err != nil {
			app.Logger.Error("failed to insert visualization", slog.String("visualization", v.ID), slog.Any("error", err))
			return false
		}
	}
	for _, item := range def.LayoutItems {
		_, err = tx.Exec(
			`INSERT INTO layout_items (id, dashboard_id, item_id, x, y, width, height)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, item.DashboardID, item.ItemID, item.X, item.Y, item.Width, item.Height,
		)
		if err != nil {
			app.Logger.Error("failed to insert layout item", slog.String("item", item.ID), slog.Any("error", err))
			return false
		}
	}
	for _, input := range def.Inputs {
		_, err = tx.Exec(
			`INSERT INTO inputs (
				id, dashboard_id, token, type, label, initial_value, default_value,
				choices, change_handler, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			input.ID, input.DashboardID, input.Token, input.Type, input.Label,
			input.InitialValue, input.DefaultValue, input.Choices, input.ChangeHandler, payload.Timestamp,
		)
		if err != nil {
			app.Logger.Error("failed to insert input", slog.String("input", input.ID), slog.Any("error", err))
			return false
		}
	}

	if err := tx.Commit(); err != nil {
		app.Logger.Error("failed to commit dashboard save", slog.Any("error", err))
		return false
	}
	return true
}

func DeleteDashboard(app *App, ctx context.Context, id string) error {
	actor := ActorFromContext(ctx)
	if actor == nil {
		return fmt.Errorf("no actor in context")
	}
	var count int
	err := app.Sqlite.GetContext(ctx, &count, `SELECT COUNT(*) FROM dashboards WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to query dashboard: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("dashboard not found")
	}
	err = app.SubmitState(ctx, "delete_dashboard", DeleteDashboardPayload{
		ID:        id,
		Timestamp: time.Now(),
		DeletedBy: actor.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to submit dashboard deletion: %w", err)
	}
	UnscheduleDashboardRefreshes(app, id)
	return nil
}

func HandleDeleteDashboard(app *App, data []byte) bool {
	var payload DeleteDashboardPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal delete dashboard payload", slog.Any("error", err))
		return false
	}
	tx, err := app.Sqlite.Beginx()
	if err != nil {
		app.Logger.Error("failed to begin dashboard delete transaction", slog.Any("error", err))
		return false
	}
	defer tx.Rollback()
	for _, table := range []string{"queries", "visualizations", "layout_items", "inputs"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE dashboard_id = $1`, payload.ID); err != nil {
			app.Logger.Error("failed to delete dashboard children", slog.String("table", table), slog.Any("error", err))
			return false
		}
	}
	if _, err := tx.Exec(`DELETE FROM dashboards WHERE id = $1`, payload.ID); err != nil {
		app.Logger.Error("failed to delete dashboard", slog.Any("error", err))
		return false
	}
	if err := tx.Commit(); err != nil {
		app.Logger.Error("failed to commit dashboard delete", slog.Any("error", err))
		return false
	}
	return true
}

func GetDashboard(app *App, ctx context.Context, id string) (Dashboard, error) {
	var dashboard Dashboard
	err := app.Sqlite.GetContext(ctx, &dashboard,
		`SELECT * FROM dashboards WHERE id = $1`, id)
	if err != nil {
		return Dashboard{}, fmt.Errorf("failed to get dashboard: %w", err)
	}
	return dashboard, nil
}

func ListDashboards(app *App, ctx context.Context) ([]Dashboard, error) {
	dashboards := []Dashboard{}
	err := app.Sqlite.SelectContext(ctx, &dashboards,
		`SELECT id, title, description, format, '' AS source, created_at, updated_at, created_by, updated_by
		 FROM dashboards ORDER BY title COLLATE NOCASE ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dashboards: %w", err)
	}
	return dashboards, nil
}

// GetDashboardDefinition loads a dashboard with all its children.
func GetDashboardDefinition(app *App, ctx context.Context, id string) (DashboardDefinition, error) {
	var def DashboardDefinition
	dashboard, err := GetDashboard(app, ctx, id)
	if err != nil {
		return def, err
	}
	def.Dashboard = dashboard
	def.Queries, err = ListDashboardQueries(app, ctx, id)
	if err != nil {
		return def, err
	}
	def.Visualizations = []Visualization{}
	err = app.Sqlite.SelectContext(ctx, &def.Visualizations,
		`SELECT * FROM visualizations WHERE dashboard_id = $1`, id)
	if err != nil {
		return def, fmt.Errorf("failed to list visualizations: %w", err)
	}
	def.LayoutItems = []LayoutItem{}
	err = app.Sqlite.SelectContext(ctx, &def.LayoutItems,
		`SELECT * FROM layout_items WHERE dashboard_id = $1`, id)
	if err != nil {
		return def, fmt.Errorf("failed to list layout items: %w", err)
	}
	def.Inputs, err = ListDashboardInputs(app, ctx, id)
	if err != nil {
		return def, err
	}
	return def, nil
}
