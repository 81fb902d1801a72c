// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"log/slog"
	"net/http"

	"requery/server/core"

	"github.com/labstack/echo/v4"
)

func StartDashboardRefresh(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := core.ScheduleDashboardRefreshes(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error starting dashboard refresh:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
}

func StopDashboardRefresh(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		core.UnscheduleDashboardRefreshes(app, c.Param("id"))
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
}

func ListRefreshTimers(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSONPretty(http.StatusOK, struct {
			Refreshes []core.RefreshInfo `json:"refreshes"`
		}{Refreshes: core.ListRefreshInfos(app)}, "  ")
	}
}
