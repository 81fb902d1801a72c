// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"requery/server/util"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nrednav/cuid2"
)

const API_KEY_PREFIX = "requerykey."

type APIKey struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Hash      string    `db:"hash" json:"-"`
	Salt      string    `db:"salt" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	CreatedBy *string   `db:"created_by" json:"createdBy,omitempty"`
}

type APIKeyListResult struct {
	Keys []APIKey `json:"keys"`
}

type CreateAPIKeyPayload struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Name      string    `json:"name"`
	Hash      string    `json:"hash"`
	Salt      string    `json:"salt"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

type DeleteAPIKeyPayload struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func ListAPIKeys(app *App, ctx context.Context) (APIKeyListResult, error) {
	keys := []APIKey{}
	err := app.Sqlite.SelectContext(ctx, &keys,
		`SELECT id, name, created_at, created_by
		 FROM api_keys
		 ORDER BY created_at DESC`)
	if err != nil {
		err = fmt.Errorf("error listing api keys: %w", err)
	}
	return APIKeyListResult{Keys: keys}, err
}

// CreateAPIKey returns the key id and the full token. The token is shown
// once and only its HMAC is stored.
func CreateAPIKey(app *App, ctx context.Context, name string) (string, string, error) {
	name = strings.TrimSpace(name)
	id := cuid2.Generate()
	suffix := util.GenerateRandomString(32)
	key := fmt.Sprintf("%s%s.%s", API_KEY_PREFIX, id, suffix)

	salt := util.GenerateRandomString(32)
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(key))
	hash := hex.EncodeToString(mac.Sum(nil))

	payload := CreateAPIKeyPayload{
		ID:        id,
		Timestamp: time.Now(),
		Name:      name,
		Hash:      hash,
		Salt:      salt,
	}
	if actor := ActorFromContext(ctx); actor != nil {
		payload.CreatedBy = actor.String()
	}
	err := app.SubmitState(ctx, "create_api_key", payload)
	return id, key, err
}

func HandleCreateAPIKey(app *App, data []byte) bool {
	var payload CreateAPIKeyPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal create api key payload", slog.Any("error", err))
		return false
	}
	_, err = app.Sqlite.Exec(
		`INSERT OR IGNORE INTO api_keys (
			id, hash, salt, name, created_at, updated_at, created_by, updated_by
		) VALUES ($1, $2, $3, $4, $5, $5, $6, $6)`,
		payload.ID, payload.Hash, payload.Salt, payload.Name, payload.Timestamp, payload.CreatedBy,
	)
	if err != nil {
		app.Logger.Error("failed to insert api key into DB", slog.Any("error", err))
		return false
	}
	return true
}

func DeleteAPIKey(app *App, ctx context.Context, id string) error {
	var count int
	err := app.Sqlite.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to query api key: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("api key not found")
	}
	return app.SubmitState(ctx, "delete_api_key", DeleteAPIKeyPayload{
		ID:        id,
		Timestamp: time.Now(),
	})
}

func HandleDeleteAPIKey(app *App, data []byte) bool {
	var payload DeleteAPIKeyPayload
	err := json.Unmarshal(data, &payload)
	if err != nil {
		app.Logger.Error("failed to unmarshal delete api key payload", slog.Any("error", err))
		return false
	}
	_, err = app.Sqlite.Exec(`DELETE FROM api_keys WHERE id = $1`, payload.ID)
	if err != nil {
		app.Logger.Error("failed to delete api key from DB", slog.Any("error", err))
		return false
	}
	return true
}

// ValidateAPIKey checks a presented token against the stored HMAC. It takes
// the database handle directly so auth middleware can run without the full
// App.
func ValidateAPIKey(sdb *sqlx.DB, ctx context.Context, token string) (bool, error) {
	if !strings.HasPrefix(token, API_KEY_PREFIX) {
		return false, nil
	}

	id := GetAPIKeyID(token)
	if id == "" {
		return false, nil
	}

	var storedKey APIKey
	err := sdb.GetContext(ctx, &storedKey,
		`SELECT hash, salt FROM api_keys WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	mac := hmac.New(sha256.New, []byte(storedKey.Salt))
	mac.Write([]byte(token))
	hash := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(hash), []byte(storedKey.Hash)) == 1, nil
}

func GetAPIKeyID(token string) string {
	parts := strings.Split(strings.TrimPrefix(token, API_KEY_PREFIX), ".")
	if len(parts) != 2 {
		return ""
	}
	return parts[0]
}

func IsAPIKeyToken(token string) bool {
	return strings.HasPrefix(token, API_KEY_PREFIX)
}
