// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"requery/server/api"
	"requery/server/core"

	"github.com/labstack/echo/v4"
)

// Deploy applies a batch of dashboard operations in one request. The CLI
// uses it to push local definition files. Operations apply in order and the
// first failure aborts the batch.
func Deploy(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req api.Request
		if err := c.Bind(&req); err != nil {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "invalid request body"}, "  ")
		}

		if len(req.Dashboards) == 0 {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "dashboards array is required"}, "  ")
		}

		ctx := c.Request().Context()
		results := make([]api.DeployResult, 0, len(req.Dashboards))

		for idx, item := range req.Dashboards {
			result, err := processDeployOperation(ctx, app, idx, item)
			if err != nil {
				c.Logger().Error("deploy operation failed",
					slog.Int("index", idx),
					slog.Any("error", err),
				)
				return c.JSONPretty(http.StatusBadRequest, struct {
					Error string `json:"error"`
				}{Error: err.Error()}, "  ")
			}
			results = append(results, result)
		}

		return c.JSONPretty(http.StatusOK, api.DeployResponse{Results: results}, "  ")
	}
}

func processDeployOperation(ctx context.Context, app *core.App, idx int, req api.DashboardRequest) (api.DeployResult, error) {
	switch strings.ToLower(strings.TrimSpace(req.Operation)) {
	case "create":
		return handleDeployCreate(ctx, app, idx, req.Data)
	case "update":
		return handleDeployUpdate(ctx, app, idx, req.Data)
	case "delete":
		return handleDeployDelete(ctx, app, idx, req.Data)
	default:
		return api.DeployResult{}, fmt.Errorf("dashboards[%d]: unsupported operation %q", idx, req.Operation)
	}
}

func parseDefinition(source string) (core.DashboardDefinition, error) {
	var def core.DashboardDefinition
	if err := json.Unmarshal([]byte(source), &def); err != nil {
		return core.DashboardDefinition{}, fmt.Errorf("invalid dashboard definition: %w", err)
	}
	return def, nil
}

func handleDeployCreate(ctx context.Context, app *core.App, idx int, data api.DashboardData) (api.DeployResult, error) {
	if data.Source == nil || strings.TrimSpace(*data.Source) == "" {
		return api.DeployResult{}, fmt.Errorf("dashboards[%d]: source is required for create operations", idx)
	}

	def, err := parseDefinition(*data.Source)
	if err != nil {
		return api.DeployResult{}, fmt.Errorf("dashboards[%d]: %w", idx, err)
	}

	if data.ID != nil {
		requestedID := strings.TrimSpace(*data.ID)
		if requestedID == "" {
			return api.DeployResult{}, fmt.Errorf("dashboards[%d]: id cannot be empty when provided", idx)
		}
		def.Dashboard.ID = requestedID
	}
	if data.Title != nil {
		title := strings.TrimSpace(*data.Title)
		if title == "" {
			return api.DeployResult{}, fmt.Errorf("dashboards[%d]: title cannot be empty when provided", idx)
		}
		def.Dashboard.Title = title
	}
	def.Dashboard.Source = *data.Source

	id, err := core.SaveDashboard(app, ctx, def)
	if err != nil {
		return api.DeployResult{}, fmt.Errorf("dashboards[%d]: %w", idx, err)
	}

	return api.DeployResult{
		Operation: "create",
		ID:        id,
		Status:    "created",
	}, nil
}

func handleDeployUpdate(ctx context.Context, app *core.App, idx int, data api.DashboardData) (api.DeployResult, error) {
	if data.ID == nil || strings.TrimSpace(*data.ID) == "" {
		return api.DeployResult{}, fmt.Errorf("dashboards[%d]: id is required for update operations", idx)
	}
	id := strings.TrimSpace(*data.ID)

	if data.Source != nil {
		def, err := parseDefinition(*data.Source)
		if err != nil {
			return api.DeployResult{}, fmt.Errorf("dashboards[%d]: %w", idx, err)
		}
		// The path decides which dashboard is updated, not the file content.
		def.Dashboard.ID = id
		if data.Title != nil {
			def.Dashboard.Title = strings.TrimSpace(*data.Title)
		}
		def.Dashboard.Source = *data.Source
		if _, err := core.SaveDashboard(app, ctx, def); err != nil {
			return api.DeployResult{}, fmt.Errorf("dashboards[%d]: %w", idx, err)
		}
		return api.DeployResult{
			Operation: "update",
			ID:        id,
			Status:    "updated",
		}, nil
	}

	if data.Title != nil {
		title := strings.TrimSpace(*data.Title)
		if title == "" {
			return api.DeployResult{}, fmt.Errorf("dashboards[%d]: title cannot be empty when provided", idx)
		}
		def, err := core.GetDashboardDefinition(app, ctx, id)
		if err != nil {
			return api.DeployResult{}, fmt.Errorf("dashboards[%d]: %w", idx, err)
		}
		def.Dashboard.Title = title
		if _, err := core.SaveDashboard(app, ctx, def); err != nil {
			return api.DeployResult{}, fmt.Errorf("dashboards[%d]: %w", idx, err)
		}
		return api.DeployResult{
			Operation: "update",
			ID:        id,
			Status:    "updated",
		}, nil
	}

	return api.DeployResult{}, fmt.Errorf("dashboards[%d]: no updates provided", idx)
}

func handleDeployDelete(ctx context.Context, app *core.App, idx int, data api.DashboardData) (api.DeployResult, error) {
	if data.ID == nil || strings.TrimSpace(*data.ID) == "" {
		return api.DeployResult{}, fmt.Errorf("dashboards[%d]: id is required for delete operations", idx)
	}

	id := strings.TrimSpace(*data.ID)
	if err := core.DeleteDashboard(app, ctx, id); err != nil {
		return api.DeployResult{}, fmt.Errorf("dashboards[%d]: %w", idx, err)
	}

	return api.DeployResult{
		Operation: "delete",
		ID:        id,
		Status:    "deleted",
	}, nil
}
