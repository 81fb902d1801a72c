// SPDX-License-Identifier: MPL-2.0

package api

import "time"

// Request is a deploy request carrying multiple dashboard operations.
type Request struct {
	Dashboards []DashboardRequest `json:"dashboards"`
}

// DashboardRequest is a single dashboard operation in a deploy request.
type DashboardRequest struct {
	Operation string        `json:"operation"`
	Data      DashboardData `json:"data"`
}

// DashboardData is the payload of a dashboard operation. Source holds the
// full dashboard definition as JSON text.
type DashboardData struct {
	ID     *string `json:"id"`
	Title  *string `json:"title"`
	Source *string `json:"source"`
}

// Dashboard is a dashboard as returned by the API.
type Dashboard struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Format      string    `json:"format"`
	Source      string    `json:"source,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CreatedBy   *string   `json:"createdBy,omitempty"`
	UpdatedBy   *string   `json:"updatedBy,omitempty"`
}

// DashboardsResponse lists dashboards.
type DashboardsResponse struct {
	Dashboards []Dashboard `json:"dashboards"`
}

// DeployResult reports the outcome of one deploy operation.
type DeployResult struct {
	Operation string `json:"operation"`
	ID        string `json:"id,omitempty"`
	Status    string `json:"status"`
}

// DeployResponse is the body of a successful deploy request.
type DeployResponse struct {
	Results []DeployResult `json:"results"`
}
