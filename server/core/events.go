// SPDX-License-Identifier: MPL-2.0

package core

import (
	"encoding/json"
	"log/slog"
	"time"
)

// TokenEvent tells listeners that a token changed. Published on
// <prefix>tokens.<dashboardID> so a view can subscribe to one dashboard.
type TokenEvent struct {
	DashboardID string    `json:"dashboardId"`
	Token       string    `json:"token"`
	Value       string    `json:"value"`
	Source      string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecutionEvent tells listeners that an execution reached a terminal
// status. Published on <prefix>executions.<dashboardID>.
type ExecutionEvent struct {
	DashboardID string    `json:"dashboardId"`
	QueryID     string    `json:"queryId"`
	ExecutionID string    `json:"executionId"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// Events are notifications, not state. They go over plain NATS, fire and
// forget, losing one only costs a repaint.
func PublishTokenEvent(app *App, dashboardID, token, value, source string) {
	if app.NATSConn == nil {
		return
	}
	payload, err := json.Marshal(TokenEvent{
		DashboardID: dashboardID,
		Token:       token,
		Value:       value,
		Source:      source,
		Timestamp:   time.Now(),
	})
	if err != nil {
		app.Logger.Error("failed to marshal token event", slog.Any("error", err))
		return
	}
	err = app.NATSConn.Publish(app.EventSubjectPrefix+"tokens."+dashboardID, payload)
	if err != nil {
		app.Logger.Warn("failed to publish token event", slog.Any("error", err))
	}
}

func PublishExecutionEvent(app *App, execution Execution) {
	if app.NATSConn == nil {
		return
	}
	payload, err := json.Marshal(ExecutionEvent{
		DashboardID: execution.DashboardID,
		QueryID:     execution.QueryID,
		ExecutionID: execution.ID,
		Status:      execution.Status,
		Timestamp:   time.Now(),
	})
	if err != nil {
		app.Logger.Error("failed to marshal execution event", slog.Any("error", err))
		return
	}
	err = app.NATSConn.Publish(app.EventSubjectPrefix+"executions."+execution.DashboardID, payload)
	if err != nil {
		app.Logger.Warn("failed to publish execution event", slog.Any("error", err))
	}
}
