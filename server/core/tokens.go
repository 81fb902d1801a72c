// SPDX-License-Identifier: MPL-2.0

package core

import (
	"log/slog"
	"strings"
	"time"
)

const (
	TokenSourceUser       = "user"
	TokenSourceDefault    = "default"
	TokenSourceCalculated = "calculated"
	TokenSourceSearch     = "search"
)

// TokenValue is one dashboard variable. Source records who wrote the value
// last so user edits and change-handler results can be told apart.
type TokenValue struct {
	Value       string    `json:"value"`
	Source      string    `json:"source"`
	LastUpdated time.Time `json:"lastUpdated"`
}

const multiValueSeparator = ","

// SplitMultiValue breaks a multiselect or checkbox token value into its
// selected values. Whitespace around values and empty entries are dropped.
func SplitMultiValue(value string) []string {
	parts := strings.Split(value, multiValueSeparator)
	values := []string{}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}

// JoinMultiValue is the one formatting rule for multi-value tokens. Stored
// defaults are split and re-joined through it on load so they match what
// user edits produce.
func JoinMultiValue(values []string) string {
	return strings.Join(values, multiValueSeparator)
}

// LoadDashboardTokens resets the token store to the given dashboard's inputs
// and marks that dashboard as the active one. Values resolve initial over
// default. Inputs with neither stay unset entirely, unset and empty string
// are different states and callers rely on the difference.
func LoadDashboardTokens(app *App, dashboardID string, inputs []Input) {
	app.tokenMutex.Lock()
	defer app.tokenMutex.Unlock()
	app.activeDashboardID = dashboardID
	app.tokens = make(map[string]TokenValue)
	app.changeHandlers = make(map[string]*ChangeHandler)
	now := time.Now()
	for _, input := range inputs {
		if input.ChangeHandler != nil && *input.ChangeHandler != "" {
			handler, err := ParseChangeHandler(*input.ChangeHandler)
			if err != nil {
				app.Logger.Warn("ignoring invalid change handler",
					slog.String("token", input.Token), slog.Any("error", err))
			} else {
				app.changeHandlers[input.Token] = handler
			}
		}
		value, ok := defaultTokenValue(input)
		if !ok {
			continue
		}
		app.tokens[input.Token] = TokenValue{
			Value:       value,
			Source:      TokenSourceDefault,
			LastUpdated: now,
		}
	}
}

func defaultTokenValue(input Input) (string, bool) {
	var value string
	switch {
	case input.InitialValue != nil:
		value = *input.InitialValue
	case input.DefaultValue != nil:
		value = *input.DefaultValue
	default:
		return "", false
	}
	if input.IsMultiValue() {
		value = JoinMultiValue(SplitMultiValue(value))
	}
	return value, true
}

// SetToken writes a token value and notifies listeners.
func SetToken(app *App, name, value, source string) {
	app.tokenMutex.Lock()
	app.tokens[name] = TokenValue{Value: value, Source: source, LastUpdated: time.Now()}
	dashboardID := app.activeDashboardID
	app.tokenMutex.Unlock()
	PublishTokenEvent(app, dashboardID, name, value, source)
}

// UnsetToken removes the token entirely, which is not the same as setting it
// to the empty string. Listeners get a notification with an empty value.
func UnsetToken(app *App, name, source string) {
	app.tokenMutex.Lock()
	delete(app.tokens, name)
	dashboardID := app.activeDashboardID
	app.tokenMutex.Unlock()
	PublishTokenEvent(app, dashboardID, name, "", source)
}

// GetToken also reports whether the token is set at all.
func GetToken(app *App, name string) (TokenValue, bool) {
	app.tokenMutex.Lock()
	defer app.tokenMutex.Unlock()
	token, ok := app.tokens[name]
	return token, ok
}

// ListTokens returns the active dashboard id and a copy of its token state.
func ListTokens(app *App) (string, map[string]TokenValue) {
	app.tokenMutex.Lock()
	defer app.tokenMutex.Unlock()
	tokens := make(map[string]TokenValue, len(app.tokens))
	for name, token := range app.tokens {
		tokens[name] = token
	}
	return app.activeDashboardID, tokens
}

// TokenValuesFor returns a snapshot of the current token values when the
// given dashboard is the active one. Any other dashboard gets an empty map:
// token state is scoped to a single active dashboard, so a background
// dashboard's refresh runs with no token values rather than with whatever
// dashboard happens to be open. That can be surprising when a background
// refresh ignores a token you set earlier, but it never leaks values across
// dashboards.
func TokenValuesFor(app *App, dashboardID string) map[string]string {
	app.tokenMutex.Lock()
	defer app.tokenMutex.Unlock()
	values := map[string]string{}
	if dashboardID != app.activeDashboardID {
		return values
	}
	for name, token := range app.tokens {
		values[name] = token.Value
	}
	return values
}
