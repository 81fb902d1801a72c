// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"log/slog"
	"net/http"

	"requery/server/core"
	"requery/server/search"

	"github.com/labstack/echo/v4"
)

func ListEndpoints(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		endpoints, err := core.ListEndpoints(app, c.Request().Context())
		if err != nil {
			c.Logger().Error("error listing endpoints:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, struct {
			Endpoints []core.Endpoint `json:"endpoints"`
		}{Endpoints: endpoints}, "  ")
	}
}

func SaveEndpoint(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		// The stored token never leaves the server, its struct field is
		// excluded from JSON. The shadow field below accepts it on the way in.
		var request struct {
			core.Endpoint
			Token string `json:"token"`
		}
		if err := c.Bind(&request); err != nil {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "Invalid request"}, "  ")
		}

		endpoint := request.Endpoint
		endpoint.Token = request.Token
		if endpoint.Token == "" && endpoint.ID != "" {
			// Updates without a token keep the stored one.
			existing, err := core.GetEndpoint(app, c.Request().Context(), endpoint.ID)
			if err == nil {
				endpoint.Token = existing.Token
			}
		}

		id, err := core.SaveEndpoint(app, c.Request().Context(), endpoint)
		if err != nil {
			c.Logger().Error("error saving endpoint:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}

		endpoint.ID = id
		search.RegisterEndpoint(app, endpoint)

		return c.JSONPretty(http.StatusCreated, struct {
			ID string `json:"id"`
		}{ID: id}, "  ")
	}
}

func DeleteEndpoint(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := core.DeleteEndpoint(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error deleting endpoint:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
}

// ValidateEndpoint checks that the endpoint answers over its API.
func ValidateEndpoint(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		endpoint, err := core.GetEndpoint(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error getting endpoint:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}

		adapter, ok := core.LookupAdapter(app, endpoint.AdapterKey())
		if !ok {
			adapter = search.NewEndpointClient(endpoint)
		}
		if err := adapter.ValidateConnection(c.Request().Context()); err != nil {
			c.Logger().Error("error validating endpoint:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
}
