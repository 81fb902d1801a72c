// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"log/slog"
	"net/http"

	"requery/server/core"

	"github.com/labstack/echo/v4"
)

func ListAPIKeys(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		result, err := core.ListAPIKeys(app, c.Request().Context())
		if err != nil {
			c.Logger().Error("error listing api keys:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, result, "  ")
	}
}

// CreateAPIKey returns the token once. Only its hash is stored.
func CreateAPIKey(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		var request struct {
			Name string `json:"name"`
		}
		if err := c.Bind(&request); err != nil {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "Invalid request"}, "  ")
		}
		if request.Name == "" {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "Name is required"}, "  ")
		}

		id, token, err := core.CreateAPIKey(app, c.Request().Context(), request.Name)
		if err != nil {
			c.Logger().Error("error creating api key:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}

		return c.JSONPretty(http.StatusCreated, struct {
			ID    string `json:"id"`
			Token string `json:"token"`
		}{
			ID:    id,
			Token: token,
		}, "  ")
	}
}

func DeleteAPIKey(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := core.DeleteAPIKey(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error deleting api key:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
}
