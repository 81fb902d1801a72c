// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"crypto/subtle"
	"fmt"
	"requery/server/util"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

type contextKey string

const ACTOR_CONTEXT_KEY contextKey = "actor"

type ActorType string

const (
	ActorUser      ActorType = "user"
	ActorAPIKey    ActorType = "api_key"
	ActorNoAuth    ActorType = "no_auth"
	ActorScheduler ActorType = "scheduler"
	ActorConfig    ActorType = "config"
)

// Actor is whoever caused a state change: a logged-in user, an API key, the
// refresh scheduler or the server config at boot. It ends up in the audit
// columns of the store.
type Actor struct {
	Type ActorType
	ID   string
}

func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Type)
	}
	return fmt.Sprintf("%s:%s", a.Type, a.ID)
}

func ActorFromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	if actor, ok := ctx.Value(ACTOR_CONTEXT_KEY).(*Actor); ok {
		return actor
	}
	return nil
}

func ActorFromString(s string) *Actor {
	if s == "" {
		return nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 1 {
		return &Actor{
			Type: ActorType(parts[0]),
		}
	}
	return &Actor{
		Type: ActorType(parts[0]),
		ID:   parts[1],
	}
}

func ContextWithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, ACTOR_CONTEXT_KEY, actor)
}

// ValidLogin checks a presented token against the shared login token from
// the config.
func ValidLogin(app *App, ctx context.Context, token string) (bool, error) {
	return subtle.ConstantTimeCompare([]byte(token), []byte(app.LoginToken)) == 1, nil
}

func ResetJWTSecret(app *App, ctx context.Context) ([]byte, error) {
	secret := util.GenerateRandomString(64)
	b := []byte(secret)
	_, err := app.ConfigKV.Put(ctx, CONFIG_KEY_JWT_SECRET, b)
	return b, err
}

func LoadJWTSecret(app *App) error {
	entry, err := app.ConfigKV.Get(context.Background(), CONFIG_KEY_JWT_SECRET)
	if err == jetstream.ErrKeyNotFound {
		secret, err := ResetJWTSecret(app, context.Background())
		if err != nil {
			return fmt.Errorf("failed to reset JWT secret: %w", err)
		}
		app.JWTSecret = secret
	} else if err != nil {
		return fmt.Errorf("failed to get JWT secret from config KV: %w", err)
	} else {
		app.JWTSecret = entry.Value()
	}
	return nil
}
