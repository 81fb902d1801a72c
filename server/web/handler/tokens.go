// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"log/slog"
	"net/http"

	"requery/server/core"

	"github.com/labstack/echo/v4"
)

// loadTokensIfInactive switches the token table over to the dashboard when a
// different one is currently active. Token state is process-wide, so reading
// tokens for dashboard B while A is active means loading B first.
func loadTokensIfInactive(app *core.App, c echo.Context, dashboardID string) error {
	activeID, _ := core.ListTokens(app)
	if activeID == dashboardID {
		return nil
	}
	inputs, err := core.ListDashboardInputs(app, c.Request().Context(), dashboardID)
	if err != nil {
		return err
	}
	core.LoadDashboardTokens(app, dashboardID, inputs)
	return nil
}

func ListDashboardTokens(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		dashboardID := c.Param("id")
		if err := loadTokensIfInactive(app, c, dashboardID); err != nil {
			c.Logger().Error("error loading dashboard tokens:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		_, tokens := core.ListTokens(app)
		return c.JSONPretty(http.StatusOK, struct {
			DashboardID string                     `json:"dashboardId"`
			Tokens      map[string]core.TokenValue `json:"tokens"`
		}{DashboardID: dashboardID, Tokens: tokens}, "  ")
	}
}

func SetDashboardTokens(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		var request struct {
			Values map[string]string `json:"values"`
			Unset  []string          `json:"unset"`
		}
		if err := c.Bind(&request); err != nil {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "Invalid request"}, "  ")
		}

		dashboardID := c.Param("id")
		if err := loadTokensIfInactive(app, c, dashboardID); err != nil {
			c.Logger().Error("error loading dashboard tokens:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}

		for name, value := range request.Values {
			core.SetToken(app, name, value, core.TokenSourceUser)
		}
		for _, name := range request.Unset {
			core.UnsetToken(app, name, core.TokenSourceUser)
		}
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
}

// SelectTokenValue sets an input token through its input definition, which
// also applies the input's change handlers.
func SelectTokenValue(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		var request struct {
			Value string `json:"value"`
		}
		if err := c.Bind(&request); err != nil {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "Invalid request"}, "  ")
		}

		dashboardID := c.Param("id")
		if err := loadTokensIfInactive(app, c, dashboardID); err != nil {
			c.Logger().Error("error loading dashboard tokens:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}

		inputs, err := core.ListDashboardInputs(app, c.Request().Context(), dashboardID)
		if err != nil {
			c.Logger().Error("error listing dashboard inputs:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}

		name := c.Param("name")
		for _, input := range inputs {
			if input.Token == name {
				core.SelectInputValue(app, input, request.Value)
				return c.JSON(http.StatusOK, map[string]bool{"ok": true})
			}
		}
		return c.JSONPretty(http.StatusNotFound, struct {
			Error string `json:"error"`
		}{Error: "No input found for token " + name}, "  ")
	}
}
