// SPDX-License-Identifier: MPL-2.0

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteTokens(t *testing.T) {
	testCases := []struct {
		name     string
		text     string
		values   map[string]string
		expected string
	}{
		{
			name:     "no tokens",
			text:     "search index=web | stats count",
			values:   map[string]string{"env": "prod"},
			expected: "search index=web | stats count",
		},
		{
			name:     "simple replacement",
			text:     "search index=$env$ | head 5",
			values:   map[string]string{"env": "prod"},
			expected: "search index=prod | head 5",
		},
		{
			name:     "multiple tokens",
			text:     "index=$env$ sourcetype=$st$",
			values:   map[string]string{"env": "prod", "st": "access"},
			expected: "index=prod sourcetype=access",
		},
		{
			name:     "dotted token names",
			text:     "earliest=$time.earliest$ latest=$time.latest$",
			values:   map[string]string{"time.earliest": "-24h", "time.latest": "now"},
			expected: "earliest=-24h latest=now",
		},
		{
			name:     "unknown token left verbatim",
			text:     "search index=$env$",
			values:   map[string]string{"other": "x"},
			expected: "search index=$env$",
		},
		{
			name:     "nil values",
			text:     "search index=$env$",
			values:   nil,
			expected: "search index=$env$",
		},
		{
			name:     "substituted values are not rescanned",
			text:     "search $a$",
			values:   map[string]string{"a": "$b$", "b": "boom"},
			expected: "search $b$",
		},
		{
			name:     "same token twice",
			text:     "$env$ and $env$",
			values:   map[string]string{"env": "prod"},
			expected: "prod and prod",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SubstituteTokens(tc.text, tc.values))
		})
	}
}

func TestSubstituteTokensIsIdempotent(t *testing.T) {
	values := map[string]string{"env": "prod", "host": "web-1"}
	text := "search index=$env$ host=$host$ | timechart count"
	once := SubstituteTokens(text, values)
	twice := SubstituteTokens(once, values)
	assert.Equal(t, once, twice)
}

func TestNormalizeAdHocQuery(t *testing.T) {
	testCases := []struct {
		name     string
		text     string
		tokens   map[string]string
		expected string
	}{
		{
			name:     "bare terms get the search prefix",
			text:     "index=web error",
			expected: "search index=web error",
		},
		{
			name:     "existing search prefix is kept",
			text:     "search index=web error",
			expected: "search index=web error",
		},
		{
			name:     "generating command is kept",
			text:     "| tstats count where index=web",
			expected: "| tstats count where index=web",
		},
		{
			name:     "whitespace is trimmed before prefixing",
			text:     "  index=web  ",
			expected: "search index=web",
		},
		{
			name:     "blank query still dispatches",
			text:     "   ",
			expected: "search ",
		},
		{
			name:     "tokens resolve before prefix detection",
			text:     "$base$ index=web",
			tokens:   map[string]string{"base": "search"},
			expected: "search index=web",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			query := Query{Kind: QueryKindAdHoc, Text: tc.text}
			text, missingBase := NormalizeQuery(query, tc.tokens, nil, "")
			assert.Equal(t, tc.expected, text)
			assert.False(t, missingBase)
		})
	}
}

func TestNormalizeOverridesFillUnresolvedTokens(t *testing.T) {
	query := Query{Kind: QueryKindAdHoc, Text: "index=$env$ host=$host$"}
	tokens := map[string]string{"host": "web-1"}
	overrides := map[string]string{"env": "staging", "host": "ignored"}
	text, _ := NormalizeQuery(query, tokens, overrides, "")
	assert.Equal(t, "search index=staging host=web-1", text)
}

func TestNormalizeSavedQuery(t *testing.T) {
	t.Run("without interval uses savedsearch", func(t *testing.T) {
		query := Query{
			Kind:            QueryKindSaved,
			SavedSearchName: "Errors Last Hour",
		}
		text, missingBase := NormalizeQuery(query, nil, nil, "")
		assert.Equal(t, `| savedsearch "Errors Last Hour"`, text)
		assert.False(t, missingBase)
	})

	t.Run("with interval loads the scheduler job", func(t *testing.T) {
		query := Query{
			Kind:            QueryKindSaved,
			SavedSearchName: "Errors Last Hour",
			RefreshInterval: "5m",
			Owner:           "admin",
			App:             "search",
		}
		text, missingBase := NormalizeQuery(query, nil, nil, "")
		assert.Equal(t, `| loadjob savedsearch="admin:search:Errors Last Hour"`, text)
		assert.False(t, missingBase)
	})
}

func TestNormalizeChainedQuery(t *testing.T) {
	t.Run("with base reference", func(t *testing.T) {
		query := Query{Kind: QueryKindChained, Text: "stats count by status"}
		text, missingBase := NormalizeQuery(query, nil, nil, "remote-123")
		assert.Equal(t, "| loadjob remote-123 | stats count by status", text)
		assert.False(t, missingBase)
	})

	t.Run("piped post-processing is not prefixed twice", func(t *testing.T) {
		query := Query{Kind: QueryKindChained, Text: "| stats count by status"}
		text, _ := NormalizeQuery(query, nil, nil, "remote-123")
		assert.Equal(t, "| loadjob remote-123 | stats count by status", text)
	})

	t.Run("missing base reference is reported", func(t *testing.T) {
		query := Query{Kind: QueryKindChained, Text: "stats count by status"}
		text, missingBase := NormalizeQuery(query, nil, nil, "")
		assert.Equal(t, "| stats count by status", text)
		assert.True(t, missingBase)
	})

	t.Run("tokens resolve in post-processing", func(t *testing.T) {
		query := Query{Kind: QueryKindChained, Text: "search status=$status$"}
		text, _ := NormalizeQuery(query, map[string]string{"status": "500"}, nil, "remote-123")
		assert.Equal(t, "| loadjob remote-123 | search status=500", text)
	})
}

func TestParseRefreshInterval(t *testing.T) {
	testCases := []struct {
		interval string
		seconds  int
		ok       bool
	}{
		{"30s", 30, true},
		{"1s", 1, true},
		{"5m", 300, true},
		{"1h", 3600, true},
		{"12h", 43200, true},
		{" 30s ", 30, true},
		{"0s", 0, false},
		{"0m", 0, false},
		{"", 0, false},
		{"30", 0, false},
		{"s", 0, false},
		{"m30", 0, false},
		{"30x", 0, false},
		{"1.5m", 0, false},
		{"-30s", 0, false},
		{"30s extra", 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.interval, func(t *testing.T) {
			seconds, ok := ParseRefreshInterval(tc.interval)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.seconds, seconds)
		})
	}
}
