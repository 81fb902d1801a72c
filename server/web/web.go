// SPDX-License-Identifier: MPL-2.0

// TODO: rate limit https://echo.labstack.com/docs/middleware/rate-limiter
package web

import (
	"net/http"

	"requery/server/core"
	"requery/server/snapshots"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/crypto/acme/autocert"
)

func Start(
	addr string,
	app *core.App,
	snapshotService *snapshots.Service,
	tlsDomain,
	tlsEmail,
	tlsCacheDir,
	httpsHost string,
) (*echo.Echo, *http.Server) {
	// Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middlewares
	e.Use(slogecho.New(app.Logger.WithGroup("web")))
	e.Use(middleware.BodyLimit("2M"))
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{Level: 5}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		// Does more bad than good: https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/X-XSS-Protection
		XSSProtection:      "",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         2592000, // 30 days
	}))
	// CORS restricted
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		// TODO: Allow to restrict origins via config
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogLevel:  log.ERROR,
	}))
	// Prometheus metrics
	e.Use(echoprometheus.NewMiddleware(app.Name))

	// Routes
	routes(e, app, snapshotService)

	// Configure Let's Encrypt if TLS is enabled
	var httpRedirectServer *http.Server
	if tlsDomain != "" {
		if tlsCacheDir != "" {
			e.AutoTLSManager.Cache = autocert.DirCache(tlsCacheDir)
		}
		if tlsEmail != "" {
			e.AutoTLSManager.Email = tlsEmail
		}
		httpRedirectServer = &http.Server{
			Addr:    ":80",
			Handler: e.AutoTLSManager.HTTPHandler(nil),
		}
	}

	// Start server in background
	go func() {
		if tlsDomain != "" {
			if err := httpRedirectServer.ListenAndServe(); err != http.ErrServerClosed {
				e.Logger.Fatal("Error starting HTTP server", err)
			}
			if err := e.StartAutoTLS(httpsHost + ":443"); err != nil && err != http.ErrServerClosed {
				e.Logger.Fatal("Error starting HTTPS server", err)
			}
		} else {
			if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
				e.Logger.Fatal("Error starting HTTP server", err)
			}
		}
	}()
	if tlsDomain != "" {
		app.Logger.Info("Web server listening on ports 80 and 443 with automatic TLS via letsencrypt")
		app.Logger.Info("API served at https://" + tlsDomain)
	} else {
		app.Logger.Info("Web server is listening at " + addr)
	}

	return e, httpRedirectServer
}
