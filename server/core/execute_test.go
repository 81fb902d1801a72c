// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSaveDashboard(t *testing.T, app *App, def DashboardDefinition) string {
	t.Helper()
	id, err := SaveDashboard(app, testCtx(), def)
	require.NoError(t, err)
	return id
}

func completedExecutionsOf(app *App, queryID string) []Execution {
	executions, err := ListQueryExecutions(app, context.Background(), queryID, 100)
	if err != nil {
		return nil
	}
	completed := []Execution{}
	for _, e := range executions {
		if e.Status == ExecutionStatusCompleted {
			completed = append(completed, e)
		}
	}
	return completed
}

func executionCountOf(app *App, queryID string) int {
	executions, err := ListQueryExecutions(app, context.Background(), queryID, 100)
	if err != nil {
		return -1
	}
	return len(executions)
}

func TestExecuteCompletesAndStoresResults(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	// Three rows against a fetch page size of two exercises paging.
	stub := &stubAdapter{
		fields: []string{"host", "count"},
		results: [][]ResultRow{{
			hostCountRow("web-1", 10),
			hostCountRow("web-2", 20),
			hostCountRow("web-3", 30),
		}},
	}
	registerTestEndpoint(t, app, stub, true)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web status>=500"},
		},
	})

	executionID, err := Execute(app, ctx, "q1", ExecuteOptions{})
	require.NoError(t, err)

	execution, err := GetExecution(app, ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, "search index=web status>=500", execution.NormalizedText)
	assert.Equal(t, "job-1", execution.RemoteJobID)
	assert.Equal(t, 3, execution.RowCount)
	assert.Equal(t, StringList{"host", "count"}, execution.Fields)
	require.NotNil(t, execution.FinishedAt)

	rows, err := ListExecutionRows(app, ctx, executionID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "web-1", rows[0].Fields["host"].String())
	assert.Equal(t, "web-3", rows[2].Fields["host"].String())

	require.Equal(t, []string{"search index=web status>=500"}, stub.dispatchedQueries())
}

func TestExecuteUsesActiveDashboardTokens(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &stubAdapter{fields: []string{"host", "count"}}
	registerTestEndpoint(t, app, stub, true)
	dashID := mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=$env$"},
		},
		Inputs: []Input{
			{ID: "in-1", Token: "env", Type: InputTypeDropdown, DefaultValue: ptr("prod")},
		},
	})

	LoadDashboardTokens(app, dashID, []Input{
		{Token: "env", Type: InputTypeDropdown, DefaultValue: ptr("prod")},
	})
	executionID, err := Execute(app, ctx, "q1", ExecuteOptions{})
	require.NoError(t, err)
	execution, err := GetExecution(app, ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, "search index=prod", execution.NormalizedText)

	// With another dashboard active the query runs without token values.
	LoadDashboardTokens(app, "someone-else", nil)
	executionID, err = Execute(app, ctx, "q1", ExecuteOptions{})
	require.NoError(t, err)
	execution, err = GetExecution(app, ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, "search index=$env$", execution.NormalizedText)
}

func TestExecutePassesOptionsAndTimeRange(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &stubAdapter{fields: []string{"host", "count"}}
	registerTestEndpoint(t, app, stub, true)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{
				ID: "q1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web",
				Options: OptionMap{"earliest_time": "$time.earliest$", "max_count": "1000"},
			},
		},
	})

	_, err := Execute(app, ctx, "q1", ExecuteOptions{
		TokenValues: map[string]string{"time.earliest": "-4h"},
		TimeRange:   &TimeRange{Latest: "now"},
	})
	require.NoError(t, err)

	params := stub.dispatchedParams()
	require.Len(t, params, 1)
	assert.Equal(t, map[string]string{
		"earliest_time": "-4h",
		"max_count":     "1000",
		"latest_time":   "now",
	}, params[0])
}

// A query with a refresh interval executes on its own after the dashboard is
// saved, and consecutive runs diff against each other.
func TestRefreshCycleExecutesAndDiffs(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &stubAdapter{
		fields: []string{"host", "count"},
		results: [][]ResultRow{
			{hostCountRow("web-1", 10), hostCountRow("web-2", 20)},
			{hostCountRow("web-1", 10), hostCountRow("web-2", 25)},
		},
	}
	registerTestEndpoint(t, app, stub, true)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web", RefreshInterval: "1s"},
		},
	})

	require.Eventually(t, func() bool {
		return len(completedExecutionsOf(app, "q1")) >= 2
	}, 10*time.Second, 25*time.Millisecond, "two scheduled runs should complete")

	UnscheduleAllRefreshes(app)

	completed := completedExecutionsOf(app, "q1")
	require.GreaterOrEqual(t, len(completed), 2)
	// Newest first, so the second run ever is the second-to-last entry.
	second := completed[len(completed)-2]

	diff, err := ExecutionDiff(app, ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, []ChangedCell{{Row: 1, Field: "count"}}, diff.ChangedCells)
	assert.Empty(t, diff.NewRowIndices)
	assert.Empty(t, diff.DeletedRowSignatures)

	info := ListRefreshInfos(app)
	assert.Empty(t, info, "unschedule must drop the timer")
}

func TestExecuteTriggersChainedDependents(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &stubAdapter{
		fields:  []string{"url", "count"},
		results: [][]ResultRow{{{"url": StringField("/checkout"), "count": NumberField(3)}}},
	}
	registerTestEndpoint(t, app, stub, true)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q-base", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web"},
			{ID: "q-top", Name: "top", Kind: QueryKindChained, Text: "stats count by url", BaseQueryID: ptr("q-base")},
		},
	})

	_, err := Execute(app, ctx, "q-base", ExecuteOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(completedExecutionsOf(app, "q-top")) == 1
	}, 10*time.Second, 25*time.Millisecond, "dependent should run after its base completes")

	dependent := completedExecutionsOf(app, "q-top")[0]
	assert.Equal(t, "| loadjob job-1 | stats count by url", dependent.NormalizedText)
}

// Two chained queries referencing each other run once each, the trigger
// chain stops the loop.
func TestChainedCycleRunsEachQueryOnce(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &stubAdapter{fields: []string{"host", "count"}}
	registerTestEndpoint(t, app, stub, true)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q-a", Name: "a", Kind: QueryKindChained, Text: "| head 5", BaseQueryID: ptr("q-b")},
			{ID: "q-b", Name: "b", Kind: QueryKindChained, Text: "| tail 5", BaseQueryID: ptr("q-a")},
		},
	})

	_, err := Execute(app, ctx, "q-a", ExecuteOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return executionCountOf(app, "q-b") == 1
	}, 10*time.Second, 25*time.Millisecond)

	// Give a would-be loop time to show up.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, executionCountOf(app, "q-a"), "cycle must not re-run the starting query")
	assert.Equal(t, 1, executionCountOf(app, "q-b"))
}

func TestFailedExecutionDoesNotTriggerDependents(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &stubAdapter{failJob: "quota exceeded"}
	registerTestEndpoint(t, app, stub, true)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q-base", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web"},
			{ID: "q-top", Name: "top", Kind: QueryKindChained, Text: "| head 5", BaseQueryID: ptr("q-base")},
		},
	})

	executionID, err := Execute(app, ctx, "q-base", ExecuteOptions{})
	require.ErrorContains(t, err, "remote job failed: quota exceeded")

	execution, err := GetExecution(app, ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, execution.Status)
	require.NotNil(t, execution.ErrorMessage)
	assert.Contains(t, *execution.ErrorMessage, "quota exceeded")

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, executionCountOf(app, "q-top"), "failed base must not start dependents")
}

func TestExecuteWithoutEndpointFailsFast(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web"},
		},
	})

	executionID, err := Execute(app, ctx, "q1", ExecuteOptions{})
	require.ErrorContains(t, err, "no endpoint configured")
	require.NotEmpty(t, executionID)

	execution, err := GetExecution(app, ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, execution.Status)
	assert.Equal(t, 0, execution.RowCount)
}

func TestExecuteWithoutAdapterFailsFast(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	// Endpoint exists but nothing registered an adapter for it.
	_, err := SaveEndpoint(app, testCtx(), Endpoint{
		ID: "ep-1", Name: "orphan", Host: "stub.invalid", Port: 8089, Token: "x", IsDefault: true,
	})
	require.NoError(t, err)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web"},
		},
	})

	executionID, err := Execute(app, ctx, "q1", ExecuteOptions{})
	require.ErrorContains(t, err, "no adapter registered for endpoint orphan")

	execution, err := GetExecution(app, ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, execution.Status)
}

func TestExecuteDispatchFailure(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &stubAdapter{failStart: errors.New("connection refused")}
	registerTestEndpoint(t, app, stub, true)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web"},
		},
	})

	executionID, err := Execute(app, ctx, "q1", ExecuteOptions{})
	require.ErrorContains(t, err, "failed to dispatch search")

	execution, err := GetExecution(app, ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, execution.Status)
	require.NotNil(t, execution.FinishedAt)
	require.NotNil(t, execution.ErrorMessage)
	assert.Contains(t, *execution.ErrorMessage, "connection refused")
}

// The owner/app pair of a saved search is resolved through the adapter once
// and written back to the query.
func TestExecuteResolvesSavedSearchMeta(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &savedSearchAdapter{
		stubAdapter: stubAdapter{fields: []string{"host", "count"}},
		owner:       "admin",
		appName:     "search",
	}
	registerTestEndpoint(t, app, stub, true)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{
				ID: "q1", Name: "report", Kind: QueryKindSaved,
				SavedSearchName: "Daily Errors", RefreshInterval: "12h",
			},
		},
	})

	executionID, err := Execute(app, ctx, "q1", ExecuteOptions{})
	require.NoError(t, err)

	execution, err := GetExecution(app, ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, `| loadjob savedsearch="admin:search:Daily Errors"`, execution.NormalizedText)

	query, err := GetQuery(app, ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, "admin", query.Owner)
	assert.Equal(t, "search", query.App)

	// The resolved pair is cached on the query, a second run skips the
	// lookup.
	_, err = Execute(app, ctx, "q1", ExecuteOptions{})
	require.NoError(t, err)
	stub.mu.Lock()
	lookups := stub.lookups
	stub.mu.Unlock()
	assert.Equal(t, 1, lookups)
}

// Without a lookup-capable adapter the endpoint defaults fill the gap.
func TestExecuteSavedSearchFallsBackToEndpointDefaults(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &stubAdapter{fields: []string{"host", "count"}}
	_, err := SaveEndpoint(app, testCtx(), Endpoint{
		ID: "ep-1", Name: "main", Host: "stub.invalid", Port: 8089, Token: "x",
		DefaultOwner: "svc-account", DefaultApp: "ops", IsDefault: true,
	})
	require.NoError(t, err)
	endpoint, err := GetEndpoint(app, ctx, "ep-1")
	require.NoError(t, err)
	RegisterAdapter(app, endpoint.AdapterKey(), stub)

	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{
				ID: "q1", Name: "report", Kind: QueryKindSaved,
				SavedSearchName: "Daily Errors", RefreshInterval: "12h",
			},
		},
	})

	executionID, err := Execute(app, ctx, "q1", ExecuteOptions{})
	require.NoError(t, err)

	execution, err := GetExecution(app, ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, `| loadjob savedsearch="svc-account:ops:Daily Errors"`, execution.NormalizedText)
}

func TestCancelExecutionStopsRemoteJob(t *testing.T) {
	app := setupEngineApp(t)
	ctx := context.Background()

	stub := &stubAdapter{fields: []string{"host", "count"}}
	registerTestEndpoint(t, app, stub, true)
	mustSaveDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops"},
		Queries: []Query{
			{ID: "q1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web"},
		},
	})

	err := CreateExecution(app, ctx, Execution{
		ID:             "ex-cancel",
		QueryID:        "q1",
		DashboardID:    "dash-1",
		NormalizedText: "search index=web",
		RemoteJobID:    "job-7",
		Status:         ExecutionStatusRunning,
		StartedAt:      time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, CancelExecution(app, ctx, "ex-cancel", "user:tester"))

	execution, err := GetExecution(app, ctx, "ex-cancel")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCancelled, execution.Status)
	assert.Equal(t, []string{"job-7"}, stub.cancelledJobs())

	err = CancelExecution(app, ctx, "ex-cancel", "user:tester")
	require.ErrorContains(t, err, "already cancelled")
}
