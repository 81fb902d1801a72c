// SPDX-License-Identifier: MPL-2.0

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangeHandler(t *testing.T) {
	handler, err := ParseChangeHandler(`{
		"unconditionalActions": [{"type": "set", "token": "a", "value": "1"}],
		"conditions": [{
			"matchType": "value",
			"matchValue": "x",
			"actions": [{"type": "unset", "token": "b"}]
		}]
	}`)
	require.NoError(t, err)
	require.Len(t, handler.UnconditionalActions, 1)
	require.Len(t, handler.Conditions, 1)
	assert.Equal(t, ChangeActionSet, handler.UnconditionalActions[0].Type)
	assert.Equal(t, ChangeMatchValue, handler.Conditions[0].MatchType)

	_, err = ParseChangeHandler("{not json")
	assert.Error(t, err)
}

func TestExecuteChangeHandlerFirstMatchWins(t *testing.T) {
	app := setupTestApp(t)
	LoadDashboardTokens(app, "dash-1", nil)

	handler := &ChangeHandler{
		UnconditionalActions: []ChangeAction{
			{Type: ChangeActionSet, Token: "always", Value: "yes"},
		},
		Conditions: []ChangeCondition{
			{
				MatchType:  ChangeMatchValue,
				MatchValue: "prod",
				Actions:    []ChangeAction{{Type: ChangeActionSet, Token: "matched", Value: "first"}},
			},
			{
				MatchType:  ChangeMatchValue,
				MatchValue: "prod",
				Actions:    []ChangeAction{{Type: ChangeActionSet, Token: "matched", Value: "second"}},
			},
		},
	}

	ExecuteChangeHandler(app, handler, "prod", "Production")

	always, ok := GetToken(app, "always")
	require.True(t, ok)
	assert.Equal(t, "yes", always.Value)
	assert.Equal(t, TokenSourceCalculated, always.Source)

	matched, ok := GetToken(app, "matched")
	require.True(t, ok)
	assert.Equal(t, "first", matched.Value, "only the first matching condition fires")
}

func TestExecuteChangeHandlerNoConditionMatches(t *testing.T) {
	app := setupTestApp(t)
	LoadDashboardTokens(app, "dash-1", nil)

	handler := &ChangeHandler{
		Conditions: []ChangeCondition{{
			MatchType:  ChangeMatchValue,
			MatchValue: "prod",
			Actions:    []ChangeAction{{Type: ChangeActionSet, Token: "matched", Value: "x"}},
		}},
	}
	ExecuteChangeHandler(app, handler, "dev", "Development")

	_, ok := GetToken(app, "matched")
	assert.False(t, ok)
}

func TestMatchCondition(t *testing.T) {
	app := setupTestApp(t)

	testCases := []struct {
		name      string
		condition ChangeCondition
		expected  bool
	}{
		{
			name:      "label match",
			condition: ChangeCondition{MatchType: ChangeMatchLabel, MatchValue: "Production"},
			expected:  true,
		},
		{
			name:      "label mismatch",
			condition: ChangeCondition{MatchType: ChangeMatchLabel, MatchValue: "prod"},
			expected:  false,
		},
		{
			name:      "value match",
			condition: ChangeCondition{MatchType: ChangeMatchValue, MatchValue: "prod"},
			expected:  true,
		},
		{
			name:      "regex matches the value",
			condition: ChangeCondition{MatchType: ChangeMatchRegex, MatchValue: "^pr"},
			expected:  true,
		},
		{
			name:      "regex mismatch",
			condition: ChangeCondition{MatchType: ChangeMatchRegex, MatchValue: "^x"},
			expected:  false,
		},
		{
			name:      "invalid regex never matches",
			condition: ChangeCondition{MatchType: ChangeMatchRegex, MatchValue: "("},
			expected:  false,
		},
		{
			name:      "unknown match type",
			condition: ChangeCondition{MatchType: "fancy", MatchValue: "prod"},
			expected:  false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, matchCondition(app, tc.condition, "prod", "Production"))
		})
	}
}

func TestChangeActionUnset(t *testing.T) {
	app := setupTestApp(t)
	LoadDashboardTokens(app, "dash-1", nil)
	SetToken(app, "stale", "x", TokenSourceUser)

	handler := &ChangeHandler{
		UnconditionalActions: []ChangeAction{{Type: ChangeActionUnset, Token: "stale"}},
	}
	ExecuteChangeHandler(app, handler, "v", "v")

	_, ok := GetToken(app, "stale")
	assert.False(t, ok)
}

func TestChangeActionLinkAndUnknownLeaveStateAlone(t *testing.T) {
	app := setupTestApp(t)
	LoadDashboardTokens(app, "dash-1", nil)

	handler := &ChangeHandler{
		UnconditionalActions: []ChangeAction{
			{Type: ChangeActionLink, Value: "/dashboards/other?env=$value$"},
			{Type: "teleport", Token: "x", Value: "y"},
		},
	}
	ExecuteChangeHandler(app, handler, "prod", "Production")

	_, tokens := ListTokens(app)
	assert.Empty(t, tokens)
}

func TestActionValueSubstitution(t *testing.T) {
	app := setupTestApp(t)
	LoadDashboardTokens(app, "dash-1", []Input{
		{Token: "region", Type: InputTypeText, DefaultValue: ptr("eu-1")},
	})

	handler := &ChangeHandler{
		UnconditionalActions: []ChangeAction{{
			Type:  ChangeActionSet,
			Token: "summary",
			Value: "$label$ ($value$) in $form.region$ keeps $form.unknown$",
		}},
	}
	ExecuteChangeHandler(app, handler, "prod", "Production")

	summary, ok := GetToken(app, "summary")
	require.True(t, ok)
	assert.Equal(t, "Production (prod) in eu-1 keeps $form.unknown$", summary.Value)
}

// Token values are snapshotted before the first action runs, so an action
// never sees what a sibling action wrote.
func TestActionSubstitutionUsesPreActionSnapshot(t *testing.T) {
	app := setupTestApp(t)
	LoadDashboardTokens(app, "dash-1", []Input{
		{Token: "a", Type: InputTypeText, DefaultValue: ptr("old")},
	})

	handler := &ChangeHandler{
		UnconditionalActions: []ChangeAction{
			{Type: ChangeActionSet, Token: "a", Value: "new"},
			{Type: ChangeActionSet, Token: "b", Value: "$form.a$"},
		},
	}
	ExecuteChangeHandler(app, handler, "v", "v")

	a, _ := GetToken(app, "a")
	assert.Equal(t, "new", a.Value)
	b, _ := GetToken(app, "b")
	assert.Equal(t, "old", b.Value)
}

func TestSelectInputValueResolvesLabelFromChoices(t *testing.T) {
	app := setupTestApp(t)
	input := Input{
		Token: "env",
		Type:  InputTypeDropdown,
		Choices: ChoiceList{
			{Label: "Production", Value: "prod"},
			{Label: "Development", Value: "dev"},
		},
		ChangeHandler: ptr(`{"conditions":[{
			"matchType": "label",
			"matchValue": "Production",
			"actions": [{"type": "set", "token": "alert", "value": "on"}]
		}]}`),
	}
	LoadDashboardTokens(app, "dash-1", []Input{input})

	SelectInputValue(app, input, "prod")

	env, ok := GetToken(app, "env")
	require.True(t, ok)
	assert.Equal(t, "prod", env.Value)
	assert.Equal(t, TokenSourceUser, env.Source)

	alert, ok := GetToken(app, "alert")
	require.True(t, ok)
	assert.Equal(t, "on", alert.Value)
}

func TestSelectInputValueNormalizesMultiValues(t *testing.T) {
	app := setupTestApp(t)
	input := Input{Token: "hosts", Type: InputTypeMultiselect}
	LoadDashboardTokens(app, "dash-1", []Input{input})

	SelectInputValue(app, input, " web-1 , web-2 ,, web-3 ")

	hosts, _ := GetToken(app, "hosts")
	assert.Equal(t, "web-1,web-2,web-3", hosts.Value)
}
