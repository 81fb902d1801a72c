// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"net/http"

	"requery/server/core"

	"github.com/labstack/echo/v4"
)

func GetSystemConfig(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"name":          app.Name,
			"pollInterval":  app.PollInterval.String(),
			"fetchPageSize": app.FetchPageSize,
		})
	}
}
