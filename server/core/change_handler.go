// SPDX-License-Identifier: MPL-2.0

package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

const (
	ChangeActionSet   = "set"
	ChangeActionUnset = "unset"
	ChangeActionEval  = "eval"
	ChangeActionLink  = "link"

	ChangeMatchLabel = "label"
	ChangeMatchValue = "value"
	ChangeMatchRegex = "regex"
)

// ChangeAction mutates one token. A link action is navigational, it carries
// a target URL in Value and never touches token state.
type ChangeAction struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Value string `json:"value,omitempty"`
}

// ChangeCondition matches the selected choice by exact label, exact value or
// a regex over the value.
type ChangeCondition struct {
	MatchType  string         `json:"matchType"`
	MatchValue string         `json:"matchValue"`
	Actions    []ChangeAction `json:"actions"`
}

// ChangeHandler is the rule set attached to an input. Unconditional actions
// always run. Conditions are checked in declaration order and only the first
// match fires, even when later conditions would match too.
type ChangeHandler struct {
	UnconditionalActions []ChangeAction    `json:"unconditionalActions,omitempty"`
	Conditions           []ChangeCondition `json:"conditions,omitempty"`
}

func ParseChangeHandler(raw string) (*ChangeHandler, error) {
	var handler ChangeHandler
	if err := json.Unmarshal([]byte(raw), &handler); err != nil {
		return nil, fmt.Errorf("failed to parse change handler: %w", err)
	}
	return &handler, nil
}

// SelectInputValue records a choice for an input's token and runs the
// input's change handler. The label falls back to the value when the choice
// list doesn't carry one.
func SelectInputValue(app *App, input Input, value string) {
	label := value
	for _, choice := range input.Choices {
		if choice.Value == value {
			label = choice.Label
			break
		}
	}
	if input.IsMultiValue() {
		value = JoinMultiValue(SplitMultiValue(value))
	}
	SetToken(app, input.Token, value, TokenSourceUser)
	if handler := lookupChangeHandler(app, input.Token); handler != nil {
		ExecuteChangeHandler(app, handler, value, label)
	}
}

func lookupChangeHandler(app *App, token string) *ChangeHandler {
	app.tokenMutex.Lock()
	defer app.tokenMutex.Unlock()
	return app.changeHandlers[token]
}

// ExecuteChangeHandler applies the handler's actions for one selection:
// unconditional actions first, then the actions of the first matching
// condition. A set or eval writes its token with the calculated source, an
// unset removes the token, a link changes nothing here.
func ExecuteChangeHandler(app *App, handler *ChangeHandler, selectedValue, selectedLabel string) {
	substitute := newActionSubstituter(app, selectedValue, selectedLabel)

	actions := make([]ChangeAction, 0, len(handler.UnconditionalActions))
	actions = append(actions, handler.UnconditionalActions...)
	for _, condition := range handler.Conditions {
		if matchCondition(app, condition, selectedValue, selectedLabel) {
			actions = append(actions, condition.Actions...)
			break
		}
	}

	for _, action := range actions {
		applyChangeAction(app, action, substitute)
	}
}

func matchCondition(app *App, condition ChangeCondition, selectedValue, selectedLabel string) bool {
	switch condition.MatchType {
	case ChangeMatchLabel:
		return condition.MatchValue == selectedLabel
	case ChangeMatchValue:
		return condition.MatchValue == selectedValue
	case ChangeMatchRegex:
		matched, err := regexp.MatchString(condition.MatchValue, selectedValue)
		if err != nil {
			app.Logger.Warn("invalid change handler regex",
				slog.String("pattern", condition.MatchValue), slog.Any("error", err))
			return false
		}
		return matched
	}
	return false
}

func applyChangeAction(app *App, action ChangeAction, substitute func(string) string) {
	switch action.Type {
	case ChangeActionSet, ChangeActionEval:
		SetToken(app, action.Token, substitute(action.Value), TokenSourceCalculated)
	case ChangeActionUnset:
		UnsetToken(app, action.Token, TokenSourceCalculated)
	case ChangeActionLink:
		// Navigation happens client side.
	default:
		app.Logger.Warn("unknown change handler action", slog.String("type", action.Type))
	}
}

var formTokenPattern = regexp.MustCompile(`\$form\.([\w.]+)\$`)

// newActionSubstituter resolves $label$, $value$ and $form.<token>$ inside
// action payloads. Token values are snapshotted before any action runs, so
// one action never observes a sibling action's write.
func newActionSubstituter(app *App, selectedValue, selectedLabel string) func(string) string {
	app.tokenMutex.Lock()
	values := make(map[string]string, len(app.tokens))
	for name, token := range app.tokens {
		values[name] = token.Value
	}
	app.tokenMutex.Unlock()

	return func(s string) string {
		s = strings.ReplaceAll(s, "$label$", selectedLabel)
		s = strings.ReplaceAll(s, "$value$", selectedValue)
		return formTokenPattern.ReplaceAllStringFunc(s, func(match string) string {
			name := match[len("$form.") : len(match)-1]
			if value, ok := values[name]; ok {
				return value
			}
			return match
		})
	}
}
