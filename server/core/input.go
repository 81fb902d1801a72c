// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"fmt"
	"time"
)

const (
	InputTypeText        = "text"
	InputTypeDropdown    = "dropdown"
	InputTypeRadio       = "radio"
	InputTypeCheckbox    = "checkbox"
	InputTypeMultiselect = "multiselect"
	InputTypeTime        = "time"
	InputTypeLink        = "link"
	InputTypeCalculated  = "calculated"
)

// Input declares one token of a dashboard: the placeholder key, how it is
// presented and its defaults. InitialValue and DefaultValue stay nil when
// the definition does not set them, an unset default is different from an
// empty one. ChangeHandler carries the raw JSON rule set, decoded once when
// the dashboard's tokens are loaded.
type Input struct {
	ID            string     `db:"id" json:"id"`
	DashboardID   string     `db:"dashboard_id" json:"dashboardId"`
	Token         string     `db:"token" json:"token"`
	Type          string     `db:"type" json:"type"`
	Label         string     `db:"label" json:"label,omitempty"`
	InitialValue  *string    `db:"initial_value" json:"initialValue,omitempty"`
	DefaultValue  *string    `db:"default_value" json:"defaultValue,omitempty"`
	Choices       ChoiceList `db:"choices" json:"choices,omitempty"`
	ChangeHandler *string    `db:"change_handler" json:"changeHandler,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

func ListDashboardInputs(app *App, ctx context.Context, dashboardID string) ([]Input, error) {
	inputs := []Input{}
	err := app.Sqlite.SelectContext(ctx, &inputs,
		`SELECT * FROM inputs WHERE dashboard_id = $1`, dashboardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list inputs: %w", err)
	}
	return inputs, nil
}

// IsMultiValue reports whether the input holds several values joined into
// one token value.
func (input Input) IsMultiValue() bool {
	return input.Type == InputTypeMultiselect || input.Type == InputTypeCheckbox
}
