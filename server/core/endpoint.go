// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nrednav/cuid2"
)

// Endpoint is the connection config of a remote search endpoint. Many
// queries may share one endpoint. The auth token never leaves the server in
// API responses.
type Endpoint struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Host         string    `db:"host" json:"host"`
	Port         int       `db:"port" json:"port"`
	Token        string    `db:"token" json:"-"`
	DefaultOwner string    `db:"default_owner" json:"defaultOwner,omitempty"`
	DefaultApp   string    `db:"default_app" json:"defaultApp,omitempty"`
	IsDefault    bool      `db:"is_default" json:"isDefault"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// AdapterKey derives the registry key of this endpoint's search adapter.
// Credentials are hashed so the key can show up in logs.
func (e Endpoint) AdapterKey() string {
	sum := sha256.Sum256([]byte(e.Token))
	return fmt.Sprintf("%s:%d:%s", e.Host, e.Port, hex.EncodeToString(sum[:8]))
}

type SaveEndpointPayload struct {
	Endpoint  Endpoint  `json:"endpoint"`
	Timestamp time.Time `json:"timestamp"`
	SavedBy   string    `json:"savedBy"`
}

type DeleteEndpointPayload struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	DeletedBy string    `json:"deletedBy"`
}

func SaveEndpoint(app *App, ctx context.Context, endpoint Endpoint) (string, error) {
	actor := ActorFromContext(ctx)
	if actor == nil {
		return "", fmt.Errorf("no actor in context")
	}
	if endpoint.Host == "" {
		return "", fmt.Errorf("endpoint host cannot be empty")
	}
	if endpoint.Port <= 0 {
		return "", fmt.Errorf("endpoint port must be positive")
	}
	if endpoint.Name == "" {
		endpoint.Name = fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port)
	}
	if endpoint.ID == "" {
		endpoint.ID = cuid2.Generate()
	}
	err := app.SubmitState(ctx, "save_endpoint", SaveEndpointPayload{
		Endpoint:  endpoint,
		Timestamp: time.Now(),
		SavedBy:   actor.String(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit endpoint save: %w", err)
	}
	return endpoint.ID, nil
}

func HandleSaveEndpoint(app *App, data []byte) bool {
	var payload SaveEndpointPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal save endpoint payload", slog.Any("error", err))
		return false
	}
	e := payload.Endpoint
	tx, err := app.Sqlite.Beginx()
	if err != nil {
		app.Logger.Error("failed to begin endpoint save transaction", slog.Any("error", err))
		return false
	}
	defer tx.Rollback()
	if e.IsDefault {
		// Only one default endpoint at a time
		if _, err := tx.Exec(`UPDATE endpoints SET is_default = FALSE WHERE id != $1`, e.ID); err != nil {
			app.Logger.Error("failed to clear default endpoints", slog.Any("error", err))
			return false
		}
	}
	_, err = tx.Exec(
		`INSERT INTO endpoints (
			id, name, host, port, token, default_owner, default_app, is_default, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT(id) DO UPDATE SET
			name = $2, host = $3, port = $4, token = $5, default_owner = $6,
			default_app = $7, is_default = $8, updated_at = $9`,
		e.ID, e.Name, e.Host, e.Port, e.Token, e.DefaultOwner, e.DefaultApp, e.IsDefault, payload.Timestamp,
	)
	if err != nil {
		app.Logger.Error("failed to upsert endpoint", slog.Any("error", err))
		return false
	}
	if err := tx.Commit(); err != nil {
		app.Logger.Error("failed to commit endpoint save", slog.Any("error", err))
		return false
	}
	return true
}

func DeleteEndpoint(app *App, ctx context.Context, id string) error {
	actor := ActorFromContext(ctx)
	if actor == nil {
		return fmt.Errorf("no actor in context")
	}
	var count int
	err := app.Sqlite.GetContext(ctx, &count, `SELECT COUNT(*) FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to query endpoint: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("endpoint not found")
	}
	err = app.SubmitState(ctx, "delete_endpoint", DeleteEndpointPayload{
		ID:        id,
		Timestamp: time.Now(),
		DeletedBy: actor.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to submit endpoint deletion: %w", err)
	}
	return nil
}

func HandleDeleteEndpoint(app *App, data []byte) bool {
	var payload DeleteEndpointPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal delete endpoint payload", slog.Any("error", err))
		return false
	}
	_, err = app.Sqlite.Exec(`DELETE FROM endpoints WHERE id = $1`, payload.ID)
	if err != nil {
		app.Logger.Error("failed to delete endpoint", slog.Any("error", err))
		return false
	}
	return true
}

func GetEndpoint(app *App, ctx context.Context, id string) (Endpoint, error) {
	var endpoint Endpoint
	err := app.Sqlite.GetContext(ctx, &endpoint, `SELECT * FROM endpoints WHERE id = $1`, id)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to get endpoint: %w", err)
	}
	return endpoint, nil
}

func ListEndpoints(app *App, ctx context.Context) ([]Endpoint, error) {
	endpoints := []Endpoint{}
	err := app.Sqlite.SelectContext(ctx, &endpoints,
		`SELECT * FROM endpoints ORDER BY name COLLATE NOCASE ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	return endpoints, nil
}

// GetDefaultEndpoint returns nil when no default is configured.
func GetDefaultEndpoint(app *App, ctx context.Context) (*Endpoint, error) {
	var endpoint Endpoint
	err := app.Sqlite.GetContext(ctx, &endpoint,
		`SELECT * FROM endpoints WHERE is_default = TRUE LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default endpoint: %w", err)
	}
	return &endpoint, nil
}
