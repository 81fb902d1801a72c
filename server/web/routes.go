// SPDX-License-Identifier: MPL-2.0

package web

import (
	"fmt"
	"net/http"

	"requery/server/core"
	"requery/server/snapshots"
	"requery/server/web/handler"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Actor is either a user or an API key.
// This is useful for audit logging and saving that context to the database.
func SetActor(app *core.App) func(next echo.HandlerFunc) echo.HandlerFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := c.Get("user").(*jwt.Token).Claims.(jwt.MapClaims)

			var actor *core.Actor
			if userID, ok := claims["userId"].(string); ok {
				actor = &core.Actor{
					Type: core.ActorUser,
					ID:   userID,
				}
			} else if apiKeyID, ok := claims["apiKeyId"].(string); ok {
				actor = &core.Actor{
					Type: core.ActorAPIKey,
					ID:   apiKeyID,
				}
			}

			if actor != nil {
				c.SetRequest(c.Request().WithContext(core.ContextWithActor(c.Request().Context(), actor)))
			}

			return next(c)
		}
	}
}

func SetAPIKeyActor(contextKey string) func(next echo.HandlerFunc) echo.HandlerFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Get(contextKey)
			token, _ := raw.(string)
			if token == "" {
				return next(c)
			}

			apiKeyID := core.GetAPIKeyID(token)
			if apiKeyID == "" {
				return next(c)
			}

			actor := &core.Actor{
				Type: core.ActorAPIKey,
				ID:   apiKeyID,
			}
			ctx := core.ContextWithActor(c.Request().Context(), actor)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

const keyAuthContextKey = "api_key_token"

func routes(e *echo.Echo, app *core.App, snapshotService *snapshots.Service) {
	apiWithAuth := e.Group("/api",
		echojwt.WithConfig(echojwt.Config{
			TokenLookup: "header:Authorization",
			KeyFunc:     GetJWTKeyfunc(app),
		}),
		SetActor(app),
	)

	// Deploy and metrics accept API keys and JWTs alike so both machines and
	// logged-in users can reach them.
	keyAuthConfig := middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			if core.IsAPIKeyToken(key) {
				valid, err := core.ValidateAPIKey(app.Sqlite, c.Request().Context(), key)
				if err != nil {
					return false, err
				}
				if valid {
					c.Set(keyAuthContextKey, key)
				}
				return valid, nil
			}
			token, err := jwt.Parse(key, GetJWTKeyfunc(app))
			if err != nil {
				return false, nil
			}
			return token.Valid, nil
		},
	}
	apiKeyActor := SetAPIKeyActor(keyAuthContextKey)

	e.HEAD("/", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.HEAD("/health", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/metrics", echoprometheus.NewHandler(), middleware.KeyAuthWithConfig(keyAuthConfig), apiKeyActor)

	// API routes
	e.GET("/api/system/config", handler.GetSystemConfig(app))
	e.POST("/api/login", handler.Login(app))
	e.POST("/api/auth/token", handler.TokenAuth(app))
	e.POST("/api/deploy", handler.Deploy(app), middleware.KeyAuthWithConfig(keyAuthConfig), apiKeyActor)
	// Read access for deploy automation, it diffs against the remote state.
	e.GET("/api/dashboards", handler.ListDashboards(app), middleware.KeyAuthWithConfig(keyAuthConfig), apiKeyActor)
	e.GET("/api/dashboards/:id/source", handler.GetDashboardSource(app), middleware.KeyAuthWithConfig(keyAuthConfig), apiKeyActor)
	e.GET("/api/events/ws", EventsHandler(app))

	apiWithAuth.POST("/dashboards", handler.SaveDashboard(app))
	apiWithAuth.GET("/dashboards/:id", handler.GetDashboard(app))
	apiWithAuth.DELETE("/dashboards/:id", handler.DeleteDashboard(app))
	apiWithAuth.GET("/dashboards/:id/queries", handler.ListDashboardQueries(app))
	apiWithAuth.GET("/dashboards/:id/tokens", handler.ListDashboardTokens(app))
	apiWithAuth.POST("/dashboards/:id/tokens", handler.SetDashboardTokens(app))
	apiWithAuth.POST("/dashboards/:id/tokens/:name/select", handler.SelectTokenValue(app))
	apiWithAuth.POST("/dashboards/:id/refresh/start", handler.StartDashboardRefresh(app))
	apiWithAuth.POST("/dashboards/:id/refresh/stop", handler.StopDashboardRefresh(app))
	apiWithAuth.GET("/refresh", handler.ListRefreshTimers(app))
	apiWithAuth.POST("/queries/:id/execute", handler.ExecuteQuery(app))
	apiWithAuth.GET("/queries/:id/executions", handler.ListQueryExecutions(app))
	apiWithAuth.GET("/executions/:id", handler.GetExecution(app))
	apiWithAuth.GET("/executions/:id/rows", handler.GetExecutionRows(app))
	apiWithAuth.GET("/executions/:id/diff", handler.GetExecutionDiff(app))
	apiWithAuth.POST("/executions/:id/cancel", handler.CancelExecution(app))
	apiWithAuth.GET("/executions/:id/:filename", handler.DownloadExecution(app))
	apiWithAuth.GET("/endpoints", handler.ListEndpoints(app))
	apiWithAuth.POST("/endpoints", handler.SaveEndpoint(app))
	apiWithAuth.DELETE("/endpoints/:id", handler.DeleteEndpoint(app))
	apiWithAuth.POST("/endpoints/:id/validate", handler.ValidateEndpoint(app))
	apiWithAuth.GET("/keys", handler.ListAPIKeys(app))
	apiWithAuth.POST("/keys", handler.CreateAPIKey(app))
	apiWithAuth.DELETE("/keys/:id", handler.DeleteAPIKey(app))
	apiWithAuth.POST("/snapshots", handler.TriggerSnapshot(snapshotService))
	apiWithAuth.POST("/admin/reset-jwt-secret", handler.ResetJWTSecret(app))
}

// We overide the Keyfunc handler so we can send the JWT secret dynamically when it changes over time
func GetJWTKeyfunc(app *core.App) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != echojwt.AlgorithmHS256 {
			return nil, &echojwt.TokenError{Token: token, Err: fmt.Errorf("unexpected jwt signing method=%v", token.Header["alg"])}
		}
		return app.JWTSecret, nil
	}
}
