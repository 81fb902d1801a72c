// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"requery/server/comms"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestApp builds an app on an in-memory database without NATS. State
// changes have to go through the Handle* functions directly, SubmitState
// needs the full engine from setupEngineApp.
func setupTestApp(t *testing.T) *App {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		db.Close()
	})

	app, err := New(
		"test",
		db,
		testLogger(),
		"test-login-token",
		time.Minute,
		"test.state.",
		"test-state",
		time.Hour,
		INTERNAL_STATE_CONSUMER_NAME,
		"test-config",
		"test.events.",
		10*time.Millisecond,
		100,
		false,
	)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app
}

// setupEngineApp builds a fully initialized app with an embedded NATS
// server, so SubmitState and Execute work end to end. The server doesn't
// listen on a socket and keeps its stream in memory.
func setupEngineApp(t *testing.T) *App {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		db.Close()
	})

	c, err := comms.New(comms.Config{
		Logger:     testLogger(),
		JSDir:      t.TempDir(),
		DontListen: true,
	})
	if err != nil {
		t.Fatalf("failed to start NATS: %v", err)
	}
	t.Cleanup(c.Close)

	app, err := New(
		"test",
		db,
		testLogger(),
		"test-login-token",
		time.Minute,
		"test.state.",
		"test-state",
		time.Hour,
		INTERNAL_STATE_CONSUMER_NAME,
		"test-config",
		"test.events.",
		10*time.Millisecond,
		2,
		false,
	)
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	if err := app.Init(c.Conn); err != nil {
		t.Fatalf("failed to init app: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

func testCtx() context.Context {
	return ContextWithActor(context.Background(), &Actor{Type: ActorUser, ID: "tester"})
}

func ptr[T any](v T) *T {
	return &v
}

// stubAdapter is an in-memory SearchAdapter. Every dispatch hands out the
// next result set, the last one repeats once they run out. Jobs complete on
// the first status poll unless failJob is set.
type stubAdapter struct {
	mu         sync.Mutex
	fields     []string
	results    [][]ResultRow
	failStart  error
	failJob    string
	dispatches int
	queries    []string
	params     []map[string]string
	cancelled  []string
}

func (s *stubAdapter) StartSearch(ctx context.Context, query string, params map[string]string) (SearchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStart != nil {
		return SearchJob{}, s.failStart
	}
	s.dispatches++
	s.queries = append(s.queries, query)
	s.params = append(s.params, params)
	return SearchJob{
		RemoteJobID: fmt.Sprintf("job-%d", s.dispatches),
		StartTime:   time.Now(),
		Status:      JobStateRunning,
	}, nil
}

func (s *stubAdapter) JobStatus(ctx context.Context, remoteJobID string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failJob != "" {
		return JobStatus{State: JobStateFailed, Message: s.failJob}, nil
	}
	return JobStatus{State: JobStateDone}, nil
}

func (s *stubAdapter) FetchResults(ctx context.Context, remoteJobID string, offset, limit int) (ResultPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.resultsFor(remoteJobID)
	if offset >= len(rows) {
		return ResultPage{Fields: s.fields, Rows: []ResultRow{}}, nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return ResultPage{Fields: s.fields, Rows: rows[offset:end]}, nil
}

func (s *stubAdapter) Cancel(ctx context.Context, remoteJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, remoteJobID)
	return nil
}

func (s *stubAdapter) ValidateConnection(ctx context.Context) error {
	return nil
}

func (s *stubAdapter) resultsFor(remoteJobID string) []ResultRow {
	if len(s.results) == 0 {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(remoteJobID, "job-"))
	if err != nil || n < 1 {
		return nil
	}
	if n > len(s.results) {
		n = len(s.results)
	}
	return s.results[n-1]
}

func (s *stubAdapter) dispatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatches
}

func (s *stubAdapter) dispatchedQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.queries...)
}

func (s *stubAdapter) dispatchedParams() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string{}, s.params...)
}

func (s *stubAdapter) cancelledJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.cancelled...)
}

// savedSearchAdapter additionally resolves saved search owners, like the
// real endpoint client does.
type savedSearchAdapter struct {
	stubAdapter
	owner   string
	appName string
	lookups int
}

func (s *savedSearchAdapter) LookupSavedSearch(ctx context.Context, name string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	return s.owner, s.appName, nil
}

// saveTestDashboard writes a definition straight through the state handler,
// bypassing NATS. The definition must carry its own ids.
func saveTestDashboard(t *testing.T, app *App, def DashboardDefinition) {
	t.Helper()
	data, err := json.Marshal(SaveDashboardPayload{
		Definition: def,
		Timestamp:  time.Now().UTC(),
		SavedBy:    "user:tester",
	})
	if err != nil {
		t.Fatalf("failed to marshal dashboard payload: %v", err)
	}
	if !HandleSaveDashboard(app, data) {
		t.Fatal("HandleSaveDashboard failed")
	}
}

// registerTestEndpoint saves an endpoint through the state stream and binds
// the given adapter to it. Returns the endpoint id.
func registerTestEndpoint(t *testing.T, app *App, adapter SearchAdapter, isDefault bool) string {
	t.Helper()
	endpoint := Endpoint{
		ID:        "ep-" + strconv.FormatBool(isDefault),
		Name:      "test-endpoint",
		Host:      "stub.invalid",
		Port:      8089,
		Token:     "stub-token",
		IsDefault: isDefault,
	}
	id, err := SaveEndpoint(app, testCtx(), endpoint)
	if err != nil {
		t.Fatalf("failed to save endpoint: %v", err)
	}
	saved, err := GetEndpoint(app, context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load endpoint: %v", err)
	}
	RegisterAdapter(app, saved.AdapterKey(), adapter)
	return id
}
