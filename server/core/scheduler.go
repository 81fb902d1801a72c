// SPDX-License-Identifier: MPL-2.0

package core

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// RefreshInfo is advisory metadata about one armed refresh timer, exposed
// over the API. It never gates execution. The pointer identity doubles as
// the registration marker: a fired timer only re-arms while its info is
// still the one registered for the pair.
type RefreshInfo struct {
	DashboardID   string        `json:"dashboardId"`
	QueryID       string        `json:"queryId"`
	Interval      time.Duration `json:"interval"`
	LastRefreshAt *time.Time    `json:"lastRefreshAt,omitempty"`
	NextRefreshAt time.Time     `json:"nextRefreshAt"`
}

func refreshKey(dashboardID, queryID string) string {
	return dashboardID + "/" + queryID
}

// ScheduleAllRefreshes arms a timer for every query in the store with a
// parseable refresh interval. Called once at startup.
func ScheduleAllRefreshes(app *App, ctx context.Context) error {
	app.Logger.Info("Loading query refresh schedules")
	queries, err := ListAllRefreshQueries(app, ctx)
	if err != nil {
		return err
	}
	for _, query := range queries {
		ScheduleQueryRefresh(app, query)
	}
	app.Logger.Info("All query refreshes scheduled")
	return nil
}

// ScheduleDashboardRefreshes re-arms the timers of one dashboard after its
// definition changed.
func ScheduleDashboardRefreshes(app *App, ctx context.Context, dashboardID string) error {
	UnscheduleDashboardRefreshes(app, dashboardID)
	queries, err := ListRefreshQueries(app, ctx, dashboardID)
	if err != nil {
		return err
	}
	for _, query := range queries {
		ScheduleQueryRefresh(app, query)
	}
	return nil
}

// ScheduleQueryRefresh arms the refresh timer for one dashboard/query pair,
// replacing any existing timer for it. Chained queries and queries without
// a parseable interval are skipped, dropping whatever timer the pair had
// before.
func ScheduleQueryRefresh(app *App, query Query) {
	seconds, ok := ParseRefreshInterval(query.RefreshInterval)
	if !ok || query.Kind == QueryKindChained {
		UnscheduleQueryRefresh(app, query.DashboardID, query.ID)
		return
	}
	interval := time.Duration(seconds) * time.Second
	info := &RefreshInfo{
		DashboardID:   query.DashboardID,
		QueryID:       query.ID,
		Interval:      interval,
		NextRefreshAt: time.Now().Add(interval),
	}

	app.refreshMutex.Lock()
	defer app.refreshMutex.Unlock()
	armRefreshTimer(app, info)
	metricRefreshTimers.Set(float64(len(app.RefreshTimers)))
	app.Logger.Info("Scheduled query refresh",
		slog.String("dashboard", info.DashboardID),
		slog.String("query", info.QueryID),
		slog.Duration("interval", interval))
}

// armRefreshTimer must run under refreshMutex.
func armRefreshTimer(app *App, info *RefreshInfo) {
	key := refreshKey(info.DashboardID, info.QueryID)
	if existing, hasTimer := app.RefreshTimers[key]; hasTimer {
		existing.Stop()
	}
	app.RefreshInfos[key] = info
	app.RefreshTimers[key] = time.AfterFunc(info.Interval, func() {
		refreshTick(app, info)
	})
}

// refreshTick re-arms the timer first, then hands the execution to its own
// goroutine. The timer path never waits on remote work, so a slow query can
// overlap with its own next tick.
func refreshTick(app *App, info *RefreshInfo) {
	now := time.Now()
	app.refreshMutex.Lock()
	if app.RefreshInfos[refreshKey(info.DashboardID, info.QueryID)] != info {
		// Unscheduled or re-armed between firing and running.
		app.refreshMutex.Unlock()
		return
	}
	info.LastRefreshAt = &now
	info.NextRefreshAt = now.Add(info.Interval)
	armRefreshTimer(app, info)
	app.refreshMutex.Unlock()

	go func() {
		ctx := ContextWithActor(context.Background(), &Actor{Type: ActorScheduler})
		_, err := Execute(app, ctx, info.QueryID, ExecuteOptions{})
		if err != nil {
			app.Logger.Error("Scheduled refresh failed",
				slog.String("query", info.QueryID), slog.Any("error", err))
		}
	}()
}

// UnscheduleQueryRefresh stops the pair's timer so no further ticks fire.
// Work already handed off keeps running, stopping is "no new work", not
// "kill active work".
func UnscheduleQueryRefresh(app *App, dashboardID, queryID string) {
	app.refreshMutex.Lock()
	defer app.refreshMutex.Unlock()
	key := refreshKey(dashboardID, queryID)
	if timer, hasTimer := app.RefreshTimers[key]; hasTimer {
		timer.Stop()
		delete(app.RefreshTimers, key)
		delete(app.RefreshInfos, key)
	}
	metricRefreshTimers.Set(float64(len(app.RefreshTimers)))
}

func UnscheduleDashboardRefreshes(app *App, dashboardID string) {
	app.refreshMutex.Lock()
	defer app.refreshMutex.Unlock()
	prefix := dashboardID + "/"
	for key, timer := range app.RefreshTimers {
		if strings.HasPrefix(key, prefix) {
			timer.Stop()
			delete(app.RefreshTimers, key)
			delete(app.RefreshInfos, key)
		}
	}
	metricRefreshTimers.Set(float64(len(app.RefreshTimers)))
}

func UnscheduleAllRefreshes(app *App) {
	app.refreshMutex.Lock()
	defer app.refreshMutex.Unlock()
	for key, timer := range app.RefreshTimers {
		timer.Stop()
		delete(app.RefreshTimers, key)
		delete(app.RefreshInfos, key)
	}
	metricRefreshTimers.Set(0)
}

// TriggerQueryRefresh runs a query immediately without touching its timer.
func TriggerQueryRefresh(app *App, ctx context.Context, queryID string) (string, error) {
	return Execute(app, ctx, queryID, ExecuteOptions{})
}

// ListRefreshInfos returns a point-in-time copy of all timer metadata in a
// stable order.
func ListRefreshInfos(app *App) []RefreshInfo {
	app.refreshMutex.Lock()
	defer app.refreshMutex.Unlock()
	infos := make([]RefreshInfo, 0, len(app.RefreshInfos))
	for _, info := range app.RefreshInfos {
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].DashboardID != infos[j].DashboardID {
			return infos[i].DashboardID < infos[j].DashboardID
		}
		return infos[i].QueryID < infos[j].QueryID
	})
	return infos
}
