// SPDX-License-Identifier: MPL-2.0

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitMultiValue(t *testing.T) {
	testCases := []struct {
		value    string
		expected []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ,, c ", []string{"a", "b", "c"}},
		{"single", []string{"single"}},
		{"", []string{}},
		{",,", []string{}},
	}
	for _, tc := range testCases {
		t.Run(tc.value, func(t *testing.T) {
			assert.Equal(t, tc.expected, SplitMultiValue(tc.value))
		})
	}
}

func TestJoinMultiValue(t *testing.T) {
	assert.Equal(t, "a,b,c", JoinMultiValue([]string{"a", "b", "c"}))
	assert.Equal(t, "", JoinMultiValue(nil))
}

func TestLoadDashboardTokensDefaults(t *testing.T) {
	app := setupTestApp(t)

	inputs := []Input{
		{Token: "env", Type: InputTypeDropdown, InitialValue: ptr("prod"), DefaultValue: ptr("dev")},
		{Token: "host", Type: InputTypeText, DefaultValue: ptr("web-1")},
		{Token: "free", Type: InputTypeText},
		{Token: "empty", Type: InputTypeText, InitialValue: ptr("")},
	}
	LoadDashboardTokens(app, "dash-1", inputs)

	env, ok := GetToken(app, "env")
	assert.True(t, ok)
	assert.Equal(t, "prod", env.Value, "initial value wins over default")
	assert.Equal(t, TokenSourceDefault, env.Source)

	host, ok := GetToken(app, "host")
	assert.True(t, ok)
	assert.Equal(t, "web-1", host.Value)

	_, ok = GetToken(app, "free")
	assert.False(t, ok, "input without defaults must stay unset")

	empty, ok := GetToken(app, "empty")
	assert.True(t, ok, "an empty initial value is still a value")
	assert.Equal(t, "", empty.Value)
}

func TestLoadDashboardTokensNormalizesMultiValues(t *testing.T) {
	app := setupTestApp(t)

	inputs := []Input{
		{Token: "hosts", Type: InputTypeMultiselect, DefaultValue: ptr(" web-1 , web-2 ,, web-3 ")},
		{Token: "raw", Type: InputTypeText, DefaultValue: ptr(" web-1 , web-2 ")},
	}
	LoadDashboardTokens(app, "dash-1", inputs)

	hosts, _ := GetToken(app, "hosts")
	assert.Equal(t, "web-1,web-2,web-3", hosts.Value)

	// Single-value inputs keep their default untouched.
	raw, _ := GetToken(app, "raw")
	assert.Equal(t, " web-1 , web-2 ", raw.Value)
}

func TestLoadDashboardTokensReplacesPreviousState(t *testing.T) {
	app := setupTestApp(t)

	LoadDashboardTokens(app, "dash-1", []Input{
		{Token: "env", Type: InputTypeText, DefaultValue: ptr("prod")},
	})
	SetToken(app, "extra", "x", TokenSourceUser)

	LoadDashboardTokens(app, "dash-2", []Input{
		{Token: "host", Type: InputTypeText, DefaultValue: ptr("web-1")},
	})

	activeID, tokens := ListTokens(app)
	assert.Equal(t, "dash-2", activeID)
	assert.Len(t, tokens, 1)
	assert.Contains(t, tokens, "host")
}

func TestSetAndUnsetToken(t *testing.T) {
	app := setupTestApp(t)
	LoadDashboardTokens(app, "dash-1", nil)

	SetToken(app, "env", "prod", TokenSourceUser)
	token, ok := GetToken(app, "env")
	assert.True(t, ok)
	assert.Equal(t, "prod", token.Value)
	assert.Equal(t, TokenSourceUser, token.Source)

	// Setting the empty string keeps the token set.
	SetToken(app, "env", "", TokenSourceUser)
	token, ok = GetToken(app, "env")
	assert.True(t, ok)
	assert.Equal(t, "", token.Value)

	UnsetToken(app, "env", TokenSourceUser)
	_, ok = GetToken(app, "env")
	assert.False(t, ok)
}

func TestTokenValuesForScopedToActiveDashboard(t *testing.T) {
	app := setupTestApp(t)
	LoadDashboardTokens(app, "dash-1", []Input{
		{Token: "env", Type: InputTypeText, DefaultValue: ptr("prod")},
	})
	SetToken(app, "host", "web-1", TokenSourceUser)

	values := TokenValuesFor(app, "dash-1")
	assert.Equal(t, map[string]string{"env": "prod", "host": "web-1"}, values)

	other := TokenValuesFor(app, "dash-2")
	assert.NotNil(t, other)
	assert.Empty(t, other, "background dashboards run without token values")
}

func TestListTokensReturnsACopy(t *testing.T) {
	app := setupTestApp(t)
	LoadDashboardTokens(app, "dash-1", []Input{
		{Token: "env", Type: InputTypeText, DefaultValue: ptr("prod")},
	})

	_, tokens := ListTokens(app)
	tokens["env"] = TokenValue{Value: "tampered"}

	token, _ := GetToken(app, "env")
	assert.Equal(t, "prod", token.Value)
}

func TestLoadDashboardTokensSkipsInvalidChangeHandler(t *testing.T) {
	app := setupTestApp(t)

	LoadDashboardTokens(app, "dash-1", []Input{
		{Token: "bad", Type: InputTypeDropdown, ChangeHandler: ptr("{not json")},
		{Token: "good", Type: InputTypeDropdown, ChangeHandler: ptr(`{"unconditionalActions":[{"type":"set","token":"derived","value":"$value$"}]}`)},
	})

	SelectInputValue(app, Input{Token: "bad", Type: InputTypeDropdown}, "x")
	_, ok := GetToken(app, "derived")
	assert.False(t, ok)

	SelectInputValue(app, Input{Token: "good", Type: InputTypeDropdown}, "y")
	derived, ok := GetToken(app, "derived")
	assert.True(t, ok)
	assert.Equal(t, "y", derived.Value)
}
