// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"log/slog"
	"net/http"

	"requery/server/core"

	"github.com/labstack/echo/v4"
)

// SaveDashboard accepts a full definition and replaces whatever is stored
// under its id. New dashboards get their id generated.
func SaveDashboard(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		var def core.DashboardDefinition
		if err := c.Bind(&def); err != nil {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "Invalid request"}, "  ")
		}

		id, err := core.SaveDashboard(app, c.Request().Context(), def)
		if err != nil {
			c.Logger().Error("error saving dashboard:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}

		return c.JSONPretty(http.StatusCreated, struct {
			ID string `json:"id"`
		}{ID: id}, "  ")
	}
}

func ListDashboards(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		dashboards, err := core.ListDashboards(app, c.Request().Context())
		if err != nil {
			c.Logger().Error("error listing dashboards:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, struct {
			Dashboards []core.Dashboard `json:"dashboards"`
		}{Dashboards: dashboards}, "  ")
	}
}

// GetDashboard returns the full definition with queries, visualizations,
// layout and inputs.
func GetDashboard(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		def, err := core.GetDashboardDefinition(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error getting dashboard:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, def, "  ")
	}
}

func DeleteDashboard(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := core.DeleteDashboard(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error deleting dashboard:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
}

// GetDashboardSource serves the definition as it was uploaded, so files
// pulled to disk round-trip byte for byte. Dashboards created through the
// API without a source fall back to the marshaled definition.
func GetDashboardSource(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		dashboard, err := core.GetDashboard(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error getting dashboard source:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		if dashboard.Source != "" {
			return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(dashboard.Source))
		}
		def, err := core.GetDashboardDefinition(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error getting dashboard source:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, def, "  ")
	}
}

func ListDashboardQueries(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		queries, err := core.ListDashboardQueries(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error listing queries:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, struct {
			Queries []core.Query `json:"queries"`
		}{Queries: queries}, "  ")
	}
}
