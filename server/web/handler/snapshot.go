// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"log/slog"
	"net/http"

	"requery/server/snapshots"

	"github.com/labstack/echo/v4"
)

// TriggerSnapshot queues a snapshot outside the daily schedule. The queue
// dedupes, so triggering while one is pending is a no-op.
func TriggerSnapshot(service *snapshots.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := service.TriggerNow(); err != nil {
			c.Logger().Error("error triggering snapshot:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
	}
}
