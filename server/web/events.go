// SPDX-License-Identifier: MPL-2.0

package web

import (
	"log/slog"
	"net/http"
	"strings"

	"requery/server/core"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricWSClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "requery_ws_clients",
		Help: "Number of connected websocket clients",
	},
)

// EventsHandler upgrades the connection and forwards every engine
// notification to the client as JSON. Token changes and execution updates go
// over the same socket, the payload type tells them apart.
func EventsHandler(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !validEventsAuth(app, c) {
			return c.NoContent(http.StatusUnauthorized)
		}

		conn, _, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
		if err != nil {
			app.Logger.Error("WebSocket upgrade failed", slog.Any("error", err))
			return nil
		}

		connID := uuid.New().String()
		metricWSClients.Inc()
		app.Logger.Info("WebSocket connection established", slog.String("connId", connID))

		// NATS serializes callbacks per subscription, so the connection only
		// ever sees one writer.
		sub, err := app.NATSConn.Subscribe(app.EventSubjectPrefix+">", func(msg *nats.Msg) {
			if err := wsutil.WriteServerMessage(conn, ws.OpText, msg.Data); err != nil {
				// Connection is likely closed, the read loop below cleans up
				return
			}
		})
		if err != nil {
			app.Logger.Error("Failed to subscribe websocket client to events", slog.Any("error", err))
			conn.Close()
			metricWSClients.Dec()
			return nil
		}

		go func() {
			defer func() {
				sub.Unsubscribe()
				conn.Close()
				metricWSClients.Dec()
				app.Logger.Info("WebSocket connection closed", slog.String("connId", connID))
			}()

			// Keep connection alive by reading messages (though we don't expect any)
			for {
				if _, _, err := wsutil.ReadClientData(conn); err != nil {
					return
				}
			}
		}()

		return nil
	}
}

// validEventsAuth accepts the JWT from the Authorization header or a token
// query parameter. Browsers cannot set headers on websocket upgrades, so the
// query parameter is the practical path.
func validEventsAuth(app *core.App, c echo.Context) bool {
	token := c.QueryParam("token")
	if token == "" {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return false
	}
	parsed, err := jwt.Parse(token, GetJWTKeyfunc(app))
	return err == nil && parsed.Valid
}
