// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"testing"
	"time"
)

// Long intervals keep the timers from firing during the test, these tests
// only check the bookkeeping around them.

func TestScheduleQueryRefreshArmsTimer(t *testing.T) {
	app := setupTestApp(t)

	before := time.Now()
	ScheduleQueryRefresh(app, Query{
		ID:              "q1",
		DashboardID:     "dash-1",
		Kind:            QueryKindAdHoc,
		RefreshInterval: "1h",
	})

	infos := ListRefreshInfos(app)
	if len(infos) != 1 {
		t.Fatalf("expected 1 refresh info, got %d", len(infos))
	}
	info := infos[0]
	if info.DashboardID != "dash-1" || info.QueryID != "q1" {
		t.Fatalf("unexpected refresh info: %+v", info)
	}
	if info.Interval != time.Hour {
		t.Fatalf("expected 1h interval, got %s", info.Interval)
	}
	if info.LastRefreshAt != nil {
		t.Fatalf("expected no last refresh yet, got %v", info.LastRefreshAt)
	}
	if info.NextRefreshAt.Before(before.Add(time.Hour)) {
		t.Fatalf("next refresh %v is earlier than interval allows", info.NextRefreshAt)
	}
	if len(app.RefreshTimers) != 1 {
		t.Fatalf("expected 1 timer, got %d", len(app.RefreshTimers))
	}
}

func TestScheduleQueryRefreshReplacesExisting(t *testing.T) {
	app := setupTestApp(t)

	query := Query{ID: "q1", DashboardID: "dash-1", Kind: QueryKindAdHoc, RefreshInterval: "1h"}
	ScheduleQueryRefresh(app, query)
	query.RefreshInterval = "2h"
	ScheduleQueryRefresh(app, query)

	infos := ListRefreshInfos(app)
	if len(infos) != 1 {
		t.Fatalf("expected 1 refresh info after replace, got %d", len(infos))
	}
	if infos[0].Interval != 2*time.Hour {
		t.Fatalf("expected replaced interval 2h, got %s", infos[0].Interval)
	}
}

func TestScheduleQueryRefreshSkipsChainedAndUnparseable(t *testing.T) {
	app := setupTestApp(t)

	ScheduleQueryRefresh(app, Query{
		ID: "q1", DashboardID: "dash-1", Kind: QueryKindChained, RefreshInterval: "30s",
	})
	ScheduleQueryRefresh(app, Query{
		ID: "q2", DashboardID: "dash-1", Kind: QueryKindAdHoc, RefreshInterval: "",
	})
	ScheduleQueryRefresh(app, Query{
		ID: "q3", DashboardID: "dash-1", Kind: QueryKindAdHoc, RefreshInterval: "whenever",
	})

	if len(ListRefreshInfos(app)) != 0 {
		t.Fatalf("expected no timers, got %+v", ListRefreshInfos(app))
	}
}

// Re-saving a query without an interval drops the timer the earlier
// definition armed.
func TestScheduleQueryRefreshDropsTimerWhenIntervalRemoved(t *testing.T) {
	app := setupTestApp(t)

	query := Query{ID: "q1", DashboardID: "dash-1", Kind: QueryKindAdHoc, RefreshInterval: "1h"}
	ScheduleQueryRefresh(app, query)
	query.RefreshInterval = ""
	ScheduleQueryRefresh(app, query)

	if len(ListRefreshInfos(app)) != 0 {
		t.Fatalf("expected timer to be dropped, got %+v", ListRefreshInfos(app))
	}
}

func TestUnscheduleQueryRefresh(t *testing.T) {
	app := setupTestApp(t)

	ScheduleQueryRefresh(app, Query{ID: "q1", DashboardID: "dash-1", Kind: QueryKindAdHoc, RefreshInterval: "1h"})
	ScheduleQueryRefresh(app, Query{ID: "q2", DashboardID: "dash-1", Kind: QueryKindAdHoc, RefreshInterval: "1h"})

	UnscheduleQueryRefresh(app, "dash-1", "q1")

	infos := ListRefreshInfos(app)
	if len(infos) != 1 || infos[0].QueryID != "q2" {
		t.Fatalf("expected only q2 to stay scheduled, got %+v", infos)
	}

	// Unscheduling an unknown pair is a no-op.
	UnscheduleQueryRefresh(app, "dash-1", "unknown")
	if len(ListRefreshInfos(app)) != 1 {
		t.Fatal("unknown pair must not change the timer set")
	}
}

func TestUnscheduleDashboardRefreshes(t *testing.T) {
	app := setupTestApp(t)

	ScheduleQueryRefresh(app, Query{ID: "q1", DashboardID: "dash-1", Kind: QueryKindAdHoc, RefreshInterval: "1h"})
	ScheduleQueryRefresh(app, Query{ID: "q2", DashboardID: "dash-1", Kind: QueryKindAdHoc, RefreshInterval: "1h"})
	ScheduleQueryRefresh(app, Query{ID: "q3", DashboardID: "dash-2", Kind: QueryKindAdHoc, RefreshInterval: "1h"})

	UnscheduleDashboardRefreshes(app, "dash-1")

	infos := ListRefreshInfos(app)
	if len(infos) != 1 || infos[0].DashboardID != "dash-2" {
		t.Fatalf("expected only dash-2 timers to survive, got %+v", infos)
	}
}

func TestUnscheduleAllRefreshes(t *testing.T) {
	app := setupTestApp(t)

	ScheduleQueryRefresh(app, Query{ID: "q1", DashboardID: "dash-1", Kind: QueryKindAdHoc, RefreshInterval: "1h"})
	ScheduleQueryRefresh(app, Query{ID: "q2", DashboardID: "dash-2", Kind: QueryKindAdHoc, RefreshInterval: "1h"})

	UnscheduleAllRefreshes(app)

	if len(ListRefreshInfos(app)) != 0 {
		t.Fatalf("expected no timers, got %+v", ListRefreshInfos(app))
	}
	if len(app.RefreshTimers) != 0 {
		t.Fatalf("expected timer map to be empty, got %d", len(app.RefreshTimers))
	}
}

func TestListRefreshInfosSorted(t *testing.T) {
	app := setupTestApp(t)

	ScheduleQueryRefresh(app, Query{ID: "q2", DashboardID: "dash-b", Kind: QueryKindAdHoc, RefreshInterval: "1h"})
	ScheduleQueryRefresh(app, Query{ID: "q1", DashboardID: "dash-b", Kind: QueryKindAdHoc, RefreshInterval: "1h"})
	ScheduleQueryRefresh(app, Query{ID: "q3", DashboardID: "dash-a", Kind: QueryKindAdHoc, RefreshInterval: "1h"})

	infos := ListRefreshInfos(app)
	if len(infos) != 3 {
		t.Fatalf("expected 3 infos, got %d", len(infos))
	}
	got := []string{}
	for _, info := range infos {
		got = append(got, refreshKey(info.DashboardID, info.QueryID))
	}
	expected := []string{"dash-a/q3", "dash-b/q1", "dash-b/q2"}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("expected order %v, got %v", expected, got)
		}
	}
}

// ScheduleDashboardRefreshes reads the stored queries, so chained queries
// and queries without an interval never get a timer even when the earlier
// definition had one.
func TestScheduleDashboardRefreshesFromStore(t *testing.T) {
	app := setupTestApp(t)
	ctx := context.Background()

	saveTestDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops", Format: DashboardFormatStudio},
		Queries: []Query{
			{ID: "q1", DashboardID: "dash-1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web", RefreshInterval: "1h"},
			{ID: "q2", DashboardID: "dash-1", Name: "top", Kind: QueryKindChained, Text: "| head 5", BaseQueryID: ptr("q1"), RefreshInterval: "1h"},
			{ID: "q3", DashboardID: "dash-1", Name: "static", Kind: QueryKindAdHoc, Text: "index=web"},
		},
	})

	if err := ScheduleDashboardRefreshes(app, ctx, "dash-1"); err != nil {
		t.Fatalf("failed to schedule dashboard refreshes: %v", err)
	}

	infos := ListRefreshInfos(app)
	if len(infos) != 1 || infos[0].QueryID != "q1" {
		t.Fatalf("expected only q1 scheduled, got %+v", infos)
	}

	// A re-save without intervals drops the timer on reschedule.
	saveTestDashboard(t, app, DashboardDefinition{
		Dashboard: Dashboard{ID: "dash-1", Title: "Ops", Format: DashboardFormatStudio},
		Queries: []Query{
			{ID: "q1", DashboardID: "dash-1", Name: "errors", Kind: QueryKindAdHoc, Text: "index=web"},
		},
	})
	if err := ScheduleDashboardRefreshes(app, ctx, "dash-1"); err != nil {
		t.Fatalf("failed to reschedule dashboard refreshes: %v", err)
	}
	if len(ListRefreshInfos(app)) != 0 {
		t.Fatalf("expected no timers after re-save, got %+v", ListRefreshInfos(app))
	}
}
