// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"requery/server/core"

	"github.com/labstack/echo/v4"
)

// ExecuteQuery runs the query synchronously and returns the finished record.
// The refresh scheduler covers the periodic case, this is the manual
// trigger.
func ExecuteQuery(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		var request struct {
			TokenValues map[string]string `json:"tokenValues"`
			Overrides   map[string]string `json:"overrides"`
			TimeRange   *core.TimeRange   `json:"timeRange"`
			EndpointID  string            `json:"endpointId"`
		}
		if err := c.Bind(&request); err != nil {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "Invalid request"}, "  ")
		}

		id, err := core.Execute(app, c.Request().Context(), c.Param("id"), core.ExecuteOptions{
			TokenValues: request.TokenValues,
			Overrides:   request.Overrides,
			TimeRange:   request.TimeRange,
			EndpointID:  request.EndpointID,
		})
		if err != nil {
			c.Logger().Error("error executing query:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error       string `json:"error"`
				ExecutionID string `json:"executionId,omitempty"`
			}{Error: err.Error(), ExecutionID: id}, "  ")
		}

		execution, err := core.GetExecution(app, c.Request().Context(), id)
		if err != nil {
			c.Logger().Error("error loading execution:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, execution, "  ")
	}
}

func ListQueryExecutions(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		executions, err := core.ListQueryExecutions(app, c.Request().Context(), c.Param("id"), limit)
		if err != nil {
			c.Logger().Error("error listing executions:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, struct {
			Executions []core.Execution `json:"executions"`
		}{Executions: executions}, "  ")
	}
}

func GetExecution(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		execution, err := core.GetExecution(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error getting execution:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, execution, "  ")
	}
}

func GetExecutionRows(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		rows, err := core.ListExecutionRows(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error getting execution rows:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, struct {
			Rows []core.ExecutionRow `json:"rows"`
		}{Rows: rows}, "  ")
	}
}

// GetExecutionDiff compares the execution against the previous completed run
// of the same query.
func GetExecutionDiff(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		diff, err := core.ExecutionDiff(app, c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error("error diffing execution:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSONPretty(http.StatusOK, diff, "  ")
	}
}

func CancelExecution(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		cancelledBy := ""
		if actor := core.ActorFromContext(c.Request().Context()); actor != nil {
			cancelledBy = actor.String()
		}
		err := core.CancelExecution(app, c.Request().Context(), c.Param("id"), cancelledBy)
		if err != nil {
			c.Logger().Error("error cancelling execution:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
}

// DownloadExecution supports .csv and .xlsx
func DownloadExecution(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		filename := c.Param("filename")

		if strings.HasSuffix(strings.ToLower(filename), ".csv") {
			c.Response().Header().Set(echo.HeaderContentType, "text/csv")
			c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))

			// Disable response buffering
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("Transfer-Encoding", "chunked")

			writer := c.Response().Writer

			err := core.StreamExecutionCSV(app, c.Request().Context(), c.Param("id"), writer)
			if err != nil {
				if c.Response().Committed {
					// If we've already started streaming, log the error since we can't modify the response
					c.Logger().Error("streaming error after response started:", slog.Any("error", err))
					return err
				}
				c.Logger().Error("error downloading CSV:", slog.Any("error", err))
				return c.JSONPretty(http.StatusBadRequest, struct {
					Error string `json:"error"`
				}{Error: err.Error()}, "  ")
			}
			return nil
		}

		if strings.HasSuffix(strings.ToLower(filename), ".xlsx") {
			c.Response().Header().Set(echo.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
			c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))

			// Disable response buffering
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("Transfer-Encoding", "chunked")

			writer := c.Response().Writer

			err := core.StreamExecutionXLSX(app, c.Request().Context(), c.Param("id"), writer)
			if err != nil {
				if c.Response().Committed {
					// If we've already started streaming, log the error since we can't modify the response
					c.Logger().Error("streaming error after response started:", slog.Any("error", err))
					return err
				}
				c.Logger().Error("error downloading .xlsx file:", slog.Any("error", err))
				return c.JSONPretty(http.StatusBadRequest, struct {
					Error string `json:"error"`
				}{Error: err.Error()}, "  ")
			}
			return nil
		}

		return c.JSONPretty(
			http.StatusBadRequest,
			struct {
				Error string `json:"error"`
			}{Error: "Invalid filename extension. Must be .csv or .xlsx"},
			"  ",
		)
	}
}
