// SPDX-License-Identifier: MPL-2.0

// Package search implements the remote search adapter the execution engine
// dispatches through. One Client talks to one endpoint over its JSON REST
// API.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"requery/server/core"
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ core.SearchAdapter = &Client{} // Static type check

// NewClient takes the endpoint base URL, e.g. https://search.example.com:8089.
func NewClient(baseURL string, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// NewEndpointClient builds the client for a stored endpoint.
func NewEndpointClient(endpoint core.Endpoint) *Client {
	return NewClient(fmt.Sprintf("https://%s:%d", endpoint.Host, endpoint.Port), endpoint.Token)
}

// StartSearch dispatches the query and returns the remote job handle. The
// remote only queues the job here, results come later via FetchResults.
func (c *Client) StartSearch(ctx context.Context, query string, params map[string]string) (core.SearchJob, error) {
	form := url.Values{}
	form.Set("search", query)
	for key, value := range params {
		form.Set(key, value)
	}
	resp, err := c.postForm(ctx, "/services/search/jobs", form)
	if err != nil {
		return core.SearchJob{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return core.SearchJob{}, readAPIError(resp)
	}
	var payload struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return core.SearchJob{}, fmt.Errorf("failed to decode dispatch response: %w", err)
	}
	if payload.SID == "" {
		return core.SearchJob{}, fmt.Errorf("dispatch response carries no sid")
	}
	return core.SearchJob{
		RemoteJobID: payload.SID,
		StartTime:   time.Now(),
		Status:      core.JobStateRunning,
	}, nil
}

type jobMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type jobStatusResponse struct {
	Entry []struct {
		Content struct {
			DispatchState string       `json:"dispatchState"`
			IsDone        bool         `json:"isDone"`
			IsFailed      bool         `json:"isFailed"`
			Messages      []jobMessage `json:"messages"`
		} `json:"content"`
	} `json:"entry"`
}

// JobStatus reduces whatever dispatch state the remote reports to the three
// states the engine acts on.
func (c *Client) JobStatus(ctx context.Context, remoteJobID string) (core.JobStatus, error) {
	resp, err := c.get(ctx, "/services/search/jobs/"+url.PathEscape(remoteJobID))
	if err != nil {
		return core.JobStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return core.JobStatus{}, readAPIError(resp)
	}
	var payload jobStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return core.JobStatus{}, fmt.Errorf("failed to decode job status: %w", err)
	}
	if len(payload.Entry) == 0 {
		return core.JobStatus{}, fmt.Errorf("job status response carries no entry")
	}
	content := payload.Entry[0].Content
	switch {
	case content.IsFailed:
		return core.JobStatus{State: core.JobStateFailed, Message: firstErrorMessage(content.Messages)}, nil
	case content.IsDone:
		return core.JobStatus{State: core.JobStateDone}, nil
	}
	return core.JobStatus{State: core.JobStateRunning}, nil
}

// firstErrorMessage picks the message worth surfacing to the user. Fatal
// beats error, anything else is noise.
func firstErrorMessage(messages []jobMessage) string {
	for _, message := range messages {
		if strings.EqualFold(message.Type, "fatal") {
			return message.Text
		}
	}
	for _, message := range messages {
		if strings.EqualFold(message.Type, "error") {
			return message.Text
		}
	}
	return ""
}

// FetchResults reads one page of results of a finished job.
func (c *Client) FetchResults(ctx context.Context, remoteJobID string, offset, limit int) (core.ResultPage, error) {
	path := fmt.Sprintf("/services/search/jobs/%s/results?offset=%d&count=%d",
		url.PathEscape(remoteJobID), offset, limit)
	resp, err := c.get(ctx, path)
	if err != nil {
		return core.ResultPage{}, err
	}
	defer resp.Body.Close()
	// 204 means the job produced no results at all
	if resp.StatusCode == http.StatusNoContent {
		return core.ResultPage{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return core.ResultPage{}, readAPIError(resp)
	}
	var payload struct {
		Fields []struct {
			Name string `json:"name"`
		} `json:"fields"`
		Results []core.ResultRow `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return core.ResultPage{}, fmt.Errorf("failed to decode results: %w", err)
	}
	page := core.ResultPage{Rows: payload.Results}
	for _, field := range payload.Fields {
		page.Fields = append(page.Fields, field.Name)
	}
	return page, nil
}

// Cancel asks the remote to stop the job. A job that already finished and
// expired responds with 404, which counts as cancelled.
func (c *Client) Cancel(ctx context.Context, remoteJobID string) error {
	form := url.Values{}
	form.Set("action", "cancel")
	resp, err := c.postForm(ctx, "/services/search/jobs/"+url.PathEscape(remoteJobID)+"/control", form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

// ValidateConnection checks reachability and auth without dispatching
// anything.
func (c *Client) ValidateConnection(ctx context.Context) error {
	resp, err := c.get(ctx, "/services/server/info")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(path), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// requestURL appends the JSON output flag every API call needs.
func (c *Client) requestURL(path string) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return c.baseURL + path + separator + "output_mode=json"
}

// readAPIError turns an unexpected response into an error with a bounded
// slice of the body attached, since these APIs put the reason there.
func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	message := strings.TrimSpace(string(data))
	if message == "" {
		return fmt.Errorf("request failed with status %s", resp.Status)
	}
	return fmt.Errorf("request failed with status %s: %s", resp.Status, message)
}
