// SPDX-License-Identifier: MPL-2.0

package handler

import (
	"log/slog"
	"net/http"
	"time"

	"requery/server/core"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func issueJWT(app *core.App, userID string) (string, time.Time, error) {
	expiresAt := time.Now().Add(app.JWTExp)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"exp":    expiresAt.Unix(),
	})
	signed, err := token.SignedString(app.JWTSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Login trades the shared login token for a short-lived JWT.
func Login(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		var request struct {
			Token string `json:"token"`
		}
		if err := c.Bind(&request); err != nil {
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: "Invalid request"}, "  ")
		}

		ok, err := core.ValidLogin(app, c.Request().Context(), request.Token)
		if err != nil {
			c.Logger().Error("error validating login:", slog.Any("error", err))
			return c.JSONPretty(http.StatusBadRequest, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		if !ok {
			return c.JSONPretty(http.StatusUnauthorized, struct {
				Error string `json:"error"`
			}{Error: "Invalid token"}, "  ")
		}

		signed, expiresAt, err := issueJWT(app, "admin")
		if err != nil {
			c.Logger().Error("error signing JWT:", slog.Any("error", err))
			return c.JSONPretty(http.StatusInternalServerError, struct {
				Error string `json:"error"`
			}{Error: "Failed to issue token"}, "  ")
		}

		return c.JSON(http.StatusOK, struct {
			JWT       string    `json:"jwt"`
			ExpiresAt time.Time `json:"expiresAt"`
		}{JWT: signed, ExpiresAt: expiresAt})
	}
}

// TokenAuth is the same exchange as Login under the path API clients expect.
func TokenAuth(app *core.App) echo.HandlerFunc {
	return Login(app)
}

// ResetJWTSecret rotates the signing secret, which invalidates every issued
// JWT including the caller's own.
func ResetJWTSecret(app *core.App) echo.HandlerFunc {
	return func(c echo.Context) error {
		secret, err := core.ResetJWTSecret(app, c.Request().Context())
		if err != nil {
			c.Logger().Error("error resetting JWT secret:", slog.Any("error", err))
			return c.JSONPretty(http.StatusInternalServerError, struct {
				Error string `json:"error"`
			}{Error: err.Error()}, "  ")
		}
		app.JWTSecret = secret
		return c.JSON(http.StatusOK, map[string]bool{"ok": true})
	}
}
