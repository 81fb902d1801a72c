// SPDX-License-Identifier: MPL-2.0

package core

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	QueryKindAdHoc   = "adhoc"
	QueryKindSaved   = "saved"
	QueryKindChained = "chained"
)

var tokenPattern = regexp.MustCompile(`\$([\w.]+)\$`)

// SubstituteTokens replaces every $name$ placeholder with its value in a
// single pass. Placeholders without a value are left verbatim, and values are
// never re-scanned, so substitution with no matching tokens is a no-op.
func SubstituteTokens(text string, values map[string]string) string {
	if len(values) == 0 || !strings.Contains(text, "$") {
		return text
	}
	return tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := values[name]; ok {
			return value
		}
		return match
	})
}

// NormalizeQuery turns a stored query into the text that is actually sent to
// the remote endpoint. Token values are substituted first, then parameter
// overrides, then the query kind decides the final rewrite.
//
// For chained queries baseExecutionRef is the remote job id of the base
// query's most recent completed execution. When it is missing the
// post-processing text is emitted on its own, which usually yields empty
// results; missingBaseRef tells the caller to log a warning. This can
// legitimately happen before the base query ever ran.
func NormalizeQuery(query Query, tokenValues, overrides map[string]string, baseExecutionRef string) (text string, missingBaseRef bool) {
	substituted := SubstituteTokens(query.Text, tokenValues)
	substituted = SubstituteTokens(substituted, overrides)
	trimmed := strings.TrimSpace(substituted)

	switch query.Kind {
	case QueryKindSaved:
		ref := query.SavedSearchName
		if query.RefreshInterval != "" {
			// Refreshing saved searches load the job the remote scheduler
			// already ran instead of dispatching the search again.
			return `| loadjob savedsearch="` + query.Owner + `:` + query.App + `:` + ref + `"`, false
		}
		return `| savedsearch "` + ref + `"`, false
	case QueryKindChained:
		post := trimmed
		if !strings.HasPrefix(post, "|") {
			post = "| " + post
		}
		if baseExecutionRef == "" {
			return post, true
		}
		return "| loadjob " + baseExecutionRef + " " + post, false
	default:
		if trimmed == "" {
			// Never return an empty query
			return "search ", false
		}
		if strings.HasPrefix(trimmed, "search ") || strings.HasPrefix(trimmed, "|") {
			return trimmed, false
		}
		return "search " + trimmed, false
	}
}

var refreshIntervalPattern = regexp.MustCompile(`^(\d+)([smh])$`)

// ParseRefreshInterval parses interval strings like "30s", "5m" or "1h".
// Anything else reports ok=false; malformed intervals mean "no refresh"
// rather than an error.
func ParseRefreshInterval(interval string) (seconds int, ok bool) {
	matches := refreshIntervalPattern.FindStringSubmatch(strings.TrimSpace(interval))
	if matches == nil {
		return 0, false
	}
	n, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	switch matches[2] {
	case "m":
		n *= 60
	case "h":
		n *= 3600
	}
	if n <= 0 {
		return 0, false
	}
	return n, true
}
