// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nrednav/cuid2"
)

const (
	JobStateRunning = "running"
	JobStateDone    = "done"
	JobStateFailed  = "failed"
)

// SearchJob is the remote side's handle for a dispatched search.
type SearchJob struct {
	RemoteJobID string
	StartTime   time.Time
	Status      string
}

// JobStatus is a remote job's state reduced to the three states the engine
// acts on. Adapters map whatever their backend reports onto these.
type JobStatus struct {
	State   string
	Message string
}

// ResultPage is one page of results. Fields carries the column order the
// remote reported, which the diff engine later relies on.
type ResultPage struct {
	Fields []string
	Rows   []ResultRow
}

// SearchAdapter talks to one remote search endpoint. One adapter is
// registered per endpoint identity, see Endpoint.AdapterKey.
type SearchAdapter interface {
	StartSearch(ctx context.Context, query string, params map[string]string) (SearchJob, error)
	JobStatus(ctx context.Context, remoteJobID string) (JobStatus, error)
	FetchResults(ctx context.Context, remoteJobID string, offset, limit int) (ResultPage, error)
	Cancel(ctx context.Context, remoteJobID string) error
	ValidateConnection(ctx context.Context) error
}

// SavedSearchLookuper is an optional adapter capability. Adapters that
// implement it let the engine resolve the owner and app of a saved search
// the first time a reference to it runs.
type SavedSearchLookuper interface {
	LookupSavedSearch(ctx context.Context, name string) (owner, appName string, err error)
}

// RegisterAdapter binds an adapter to an endpoint identity key.
// Re-registering the same key replaces the previous adapter.
func RegisterAdapter(app *App, key string, adapter SearchAdapter) {
	app.adapterMutex.Lock()
	defer app.adapterMutex.Unlock()
	app.adapters[key] = adapter
}

func LookupAdapter(app *App, key string) (SearchAdapter, bool) {
	app.adapterMutex.RLock()
	defer app.adapterMutex.RUnlock()
	adapter, ok := app.adapters[key]
	return adapter, ok
}

func AdapterCount(app *App) int {
	app.adapterMutex.RLock()
	defer app.adapterMutex.RUnlock()
	return len(app.adapters)
}

type TimeRange struct {
	Earliest string `json:"earliest,omitempty"`
	Latest   string `json:"latest,omitempty"`
}

type ExecuteOptions struct {
	// TokenValues overrides the token store lookup. Leave nil to use the
	// current values of the query's dashboard (empty unless active).
	TokenValues map[string]string
	Overrides   map[string]string
	TimeRange   *TimeRange
	// EndpointID forces an endpoint. Otherwise the query's own endpoint is
	// used, then the default endpoint.
	EndpointID string

	// Query ids already executed in this chained cascade. Stops cycles.
	triggerChain []string
}

// Execute runs a query against its endpoint and blocks until the execution
// is terminal. The returned id names the execution record and is non-empty
// whenever a record was persisted, including failed ones, so callers can
// look up error details. Timer ticks call this in a goroutine, the API
// calls it inline.
func Execute(app *App, ctx context.Context, queryID string, opts ExecuteOptions) (string, error) {
	query, err := GetQuery(app, ctx, queryID)
	if err != nil {
		return "", err
	}

	tokenValues := opts.TokenValues
	if tokenValues == nil {
		tokenValues = TokenValuesFor(app, query.DashboardID)
	}

	baseExecutionRef := ""
	if query.Kind == QueryKindChained && query.BaseQueryID != nil {
		base, err := LatestCompletedExecution(app, ctx, *query.BaseQueryID)
		if err != nil {
			return "", err
		}
		if base != nil {
			baseExecutionRef = base.RemoteJobID
		}
	}

	text, missingBaseRef := NormalizeQuery(query, tokenValues, opts.Overrides, baseExecutionRef)
	if missingBaseRef {
		app.Logger.Warn("chained query has no completed base execution",
			slog.String("queryId", query.ID))
	}

	execution := Execution{
		ID:             cuid2.Generate(),
		QueryID:        query.ID,
		DashboardID:    query.DashboardID,
		NormalizedText: text,
		Status:         ExecutionStatusRunning,
		StartedAt:      time.Now(),
	}

	endpoint, err := resolveEndpoint(app, ctx, query, opts.EndpointID)
	if err != nil {
		return "", err
	}
	if endpoint == nil {
		err := fmt.Errorf("no endpoint configured for query %s", query.ID)
		persistFailedExecution(app, ctx, execution, err)
		return execution.ID, err
	}
	adapter, ok := LookupAdapter(app, endpoint.AdapterKey())
	if !ok {
		err := fmt.Errorf("no adapter registered for endpoint %s", endpoint.Name)
		persistFailedExecution(app, ctx, execution, err)
		return execution.ID, err
	}

	if ensureSavedSearchMeta(app, ctx, &query, adapter, endpoint) {
		text, _ = NormalizeQuery(query, tokenValues, opts.Overrides, baseExecutionRef)
		execution.NormalizedText = text
	}

	dispatchStart := time.Now()
	params := buildSearchParams(query, tokenValues, opts.Overrides, opts.TimeRange)
	job, err := adapter.StartSearch(ctx, text, params)
	if err != nil {
		err = fmt.Errorf("failed to dispatch search: %w", err)
		persistFailedExecution(app, ctx, execution, err)
		return execution.ID, err
	}
	execution.RemoteJobID = job.RemoteJobID
	if !job.StartTime.IsZero() {
		execution.StartedAt = job.StartTime
	}

	// The record only exists once the remote accepted the dispatch, so a
	// running execution always has a remote job behind it.
	if err := CreateExecution(app, ctx, execution); err != nil {
		return "", err
	}

	if err := waitForCompletion(app, ctx, adapter, job.RemoteJobID); err != nil {
		return execution.ID, finishFailed(app, ctx, execution, dispatchStart, err)
	}

	fields, rows, err := fetchAllResults(app, ctx, adapter, job.RemoteJobID)
	if err != nil {
		return execution.ID, finishFailed(app, ctx, execution, dispatchStart, err)
	}

	executionRows := make([]ExecutionRow, len(rows))
	for i, row := range rows {
		executionRows[i] = ExecutionRow{
			ID:          cuid2.Generate(),
			ExecutionID: execution.ID,
			RowIndex:    i,
			Fields:      row,
		}
	}
	err = FinishExecution(app, ctx, FinishExecutionPayload{
		ID:          execution.ID,
		Status:      ExecutionStatusCompleted,
		RemoteJobID: job.RemoteJobID,
		Fields:      fields,
		Rows:        executionRows,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return execution.ID, err
	}
	metricExecutionCounter.WithLabelValues(ExecutionStatusCompleted).Inc()
	metricExecutionDuration.Observe(time.Since(dispatchStart).Seconds())

	execution.Status = ExecutionStatusCompleted
	PublishExecutionEvent(app, execution)
	triggerDependents(app, execution, opts.triggerChain)
	return execution.ID, nil
}

func resolveEndpoint(app *App, ctx context.Context, query Query, endpointID string) (*Endpoint, error) {
	if endpointID != "" {
		endpoint, err := GetEndpoint(app, ctx, endpointID)
		if err != nil {
			return nil, err
		}
		return &endpoint, nil
	}
	if query.EndpointID != nil && *query.EndpointID != "" {
		endpoint, err := GetEndpoint(app, ctx, *query.EndpointID)
		if err != nil {
			return nil, err
		}
		return &endpoint, nil
	}
	return GetDefaultEndpoint(app, ctx)
}

// ensureSavedSearchMeta fills the owner/app pair of a saved-reference query.
// The lookup runs against the endpoint once and the result is written back,
// so later executions skip it. Lookup failures fall back to the endpoint
// defaults and never block the execution. Reports whether the query changed,
// in which case the caller has to normalize again.
func ensureSavedSearchMeta(app *App, ctx context.Context, query *Query, adapter SearchAdapter, endpoint *Endpoint) bool {
	if query.Kind != QueryKindSaved || query.SavedSearchName == "" {
		return false
	}
	if query.Owner != "" && query.App != "" {
		return false
	}
	owner, appName := query.Owner, query.App
	if lookuper, ok := adapter.(SavedSearchLookuper); ok {
		o, a, err := lookuper.LookupSavedSearch(ctx, query.SavedSearchName)
		if err != nil {
			app.Logger.Warn("failed to look up saved search",
				slog.String("savedSearch", query.SavedSearchName), slog.Any("error", err))
		} else {
			if o != "" {
				owner = o
			}
			if a != "" {
				appName = a
			}
		}
	}
	if owner == "" {
		owner = endpoint.DefaultOwner
	}
	if appName == "" {
		appName = endpoint.DefaultApp
	}
	if owner == query.Owner && appName == query.App {
		return false
	}
	query.Owner = owner
	query.App = appName
	if err := UpdateQueryMetadata(app, ctx, query.ID, owner, appName); err != nil {
		app.Logger.Warn("failed to persist saved search metadata",
			slog.String("queryId", query.ID), slog.Any("error", err))
	}
	return true
}

// buildSearchParams merges the query's stored options with the call's time
// range. Option values get the same token treatment as the query text, a
// value like $time.earliest$ is common.
func buildSearchParams(query Query, tokenValues, overrides map[string]string, timeRange *TimeRange) map[string]string {
	params := map[string]string{}
	for k, v := range query.Options {
		params[k] = SubstituteTokens(SubstituteTokens(v, tokenValues), overrides)
	}
	if timeRange != nil {
		if timeRange.Earliest != "" {
			params["earliest_time"] = timeRange.Earliest
		}
		if timeRange.Latest != "" {
			params["latest_time"] = timeRange.Latest
		}
	}
	return params
}

func waitForCompletion(app *App, ctx context.Context, adapter SearchAdapter, remoteJobID string) error {
	ticker := time.NewTicker(app.PollInterval)
	defer ticker.Stop()
	for {
		status, err := adapter.JobStatus(ctx, remoteJobID)
		if err != nil {
			return fmt.Errorf("failed to check job status: %w", err)
		}
		switch status.State {
		case JobStateDone:
			return nil
		case JobStateFailed:
			if status.Message != "" {
				return fmt.Errorf("remote job failed: %s", status.Message)
			}
			return fmt.Errorf("remote job failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func fetchAllResults(app *App, ctx context.Context, adapter SearchAdapter, remoteJobID string) ([]string, []ResultRow, error) {
	var fields []string
	var rows []ResultRow
	offset := 0
	for {
		page, err := adapter.FetchResults(ctx, remoteJobID, offset, app.FetchPageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch results: %w", err)
		}
		if fields == nil && len(page.Fields) > 0 {
			fields = page.Fields
		}
		rows = append(rows, page.Rows...)
		if len(page.Rows) < app.FetchPageSize {
			return fields, rows, nil
		}
		offset += len(page.Rows)
	}
}

// persistFailedExecution records an execution that never made it past
// dispatch. The record is terminal from the start.
func persistFailedExecution(app *App, ctx context.Context, execution Execution, failure error) {
	message := failure.Error()
	finished := time.Now()
	execution.Status = ExecutionStatusFailed
	execution.ErrorMessage = &message
	execution.FinishedAt = &finished
	if err := CreateExecution(app, ctx, execution); err != nil {
		app.Logger.Error("failed to persist failed execution",
			slog.String("executionId", execution.ID), slog.Any("error", err))
		return
	}
	metricExecutionCounter.WithLabelValues(ExecutionStatusFailed).Inc()
	PublishExecutionEvent(app, execution)
}

func finishFailed(app *App, ctx context.Context, execution Execution, dispatchStart time.Time, failure error) error {
	message := failure.Error()
	err := FinishExecution(app, ctx, FinishExecutionPayload{
		ID:           execution.ID,
		Status:       ExecutionStatusFailed,
		RemoteJobID:  execution.RemoteJobID,
		ErrorMessage: &message,
		Timestamp:    time.Now(),
	})
	if err != nil {
		app.Logger.Error("failed to record execution failure",
			slog.String("executionId", execution.ID), slog.Any("error", err))
	}
	metricExecutionCounter.WithLabelValues(ExecutionStatusFailed).Inc()
	metricExecutionDuration.Observe(time.Since(dispatchStart).Seconds())
	// Failed executions notify listeners but never trigger chained
	// dependents.
	execution.Status = ExecutionStatusFailed
	PublishExecutionEvent(app, execution)
	return failure
}

// triggerDependents starts every chained query whose base just completed,
// each in its own goroutine with this execution's remote job id available as
// the base reference. The chain carries the query ids already run in this
// cascade so definition cycles stop instead of looping forever.
func triggerDependents(app *App, execution Execution, chain []string) {
	chain = append(chain, execution.QueryID)
	dependents, err := ListChainedDependents(app, context.Background(), execution.QueryID)
	if err != nil {
		app.Logger.Error("failed to list chained dependents", slog.Any("error", err))
		return
	}
	for _, dependent := range dependents {
		if slices.Contains(chain, dependent.ID) {
			app.Logger.Warn("skipping chained query cycle",
				slog.String("queryId", dependent.ID),
				slog.String("baseQueryId", execution.QueryID))
			continue
		}
		go func() {
			_, err := Execute(app, context.Background(), dependent.ID, ExecuteOptions{
				triggerChain: chain,
			})
			if err != nil {
				app.Logger.Error("failed to execute chained query",
					slog.String("queryId", dependent.ID), slog.Any("error", err))
			}
		}()
	}
}

func CreateExecution(app *App, ctx context.Context, execution Execution) error {
	return app.SubmitState(ctx, "create_execution", CreateExecutionPayload{
		Execution: execution,
		Timestamp: time.Now(),
	})
}

func FinishExecution(app *App, ctx context.Context, payload FinishExecutionPayload) error {
	return app.SubmitState(ctx, "finish_execution", payload)
}

// CancelExecution flips a still-running execution to cancelled and asks the
// adapter to stop the remote job. The remote cancel is best effort. An
// Execute call still polling the job observes the remote failure, and its
// late finish lands on an already-terminal record, which keeps cancelled.
func CancelExecution(app *App, ctx context.Context, executionID, cancelledBy string) error {
	execution, err := GetExecution(app, ctx, executionID)
	if err != nil {
		return err
	}
	if execution.IsTerminal() {
		return fmt.Errorf("execution %s is already %s", executionID, execution.Status)
	}
	err = app.SubmitState(ctx, "cancel_execution", CancelExecutionPayload{
		ID:          executionID,
		Timestamp:   time.Now(),
		CancelledBy: cancelledBy,
	})
	if err != nil {
		return err
	}
	metricExecutionCounter.WithLabelValues(ExecutionStatusCancelled).Inc()

	execution.Status = ExecutionStatusCancelled
	PublishExecutionEvent(app, execution)

	if execution.RemoteJobID != "" {
		query, err := GetQuery(app, ctx, execution.QueryID)
		if err == nil {
			endpoint, err := resolveEndpoint(app, ctx, query, "")
			if err == nil && endpoint != nil {
				if adapter, ok := LookupAdapter(app, endpoint.AdapterKey()); ok {
					if err := adapter.Cancel(ctx, execution.RemoteJobID); err != nil {
						app.Logger.Warn("failed to cancel remote job",
							slog.String("remoteJobId", execution.RemoteJobID),
							slog.Any("error", err))
					}
				}
			}
		}
	}
	return nil
}
