package dev

import (
	"encoding/json"
	"fmt"
	"strings"
)

const DASHBOARD_SUFFIX = ".dashboard.json"

// extractDashboardID reads the dashboard id out of a definition file.
// Definitions carry their id inside the document, files without one have
// never been deployed.
func extractDashboardID(content string) string {
	var def struct {
		Dashboard struct {
			ID string `json:"id"`
		} `json:"dashboard"`
	}
	if err := json.Unmarshal([]byte(content), &def); err != nil {
		return ""
	}
	return strings.TrimSpace(def.Dashboard.ID)
}

// extractDashboardTitle reads the title out of a definition file.
func extractDashboardTitle(content string) string {
	var def struct {
		Dashboard struct {
			Title string `json:"title"`
		} `json:"dashboard"`
	}
	if err := json.Unmarshal([]byte(content), &def); err != nil {
		return ""
	}
	return strings.TrimSpace(def.Dashboard.Title)
}

// injectDashboardID writes the server-assigned id into a definition. The
// document is re-encoded, so only call this when the id is actually missing.
func injectDashboardID(id, content string) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return "", fmt.Errorf("failed to parse dashboard definition: %w", err)
	}
	dashboard, _ := doc["dashboard"].(map[string]any)
	if dashboard == nil {
		dashboard = map[string]any{}
	}
	dashboard["id"] = id
	doc["dashboard"] = dashboard

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode dashboard definition: %w", err)
	}
	return string(data) + "\n", nil
}

func sanitizeFileName(name string) string {
	// Escape slashes and backslashes to prevent path traversal
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
