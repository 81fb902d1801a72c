package dev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"requery/server/api"

	"github.com/syncthing/notify"
)

const TIMEOUT = 10 * time.Second

type DashboardClient interface {
	Deploy(ctx context.Context, req api.Request) (api.DeployResponse, error)
}

type WatchConfig struct {
	WatchDirPath string
	Client       DashboardClient
	Logger       *slog.Logger
}

type Dev struct {
	c              chan notify.EventInfo
	dashboardFiles map[string]string // file path -> dashboard id
	selfWrites     map[string]string // file path -> content we wrote ourselves
	filesMutex     sync.Mutex
	logger         *slog.Logger
	client         DashboardClient
}

func Watch(cfg WatchConfig) (*Dev, error) {
	if cfg.WatchDirPath == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("dashboard client is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dev := Dev{
		dashboardFiles: make(map[string]string),
		selfWrites:     make(map[string]string),
		logger:         logger,
		client:         cfg.Client,
	}

	dev.logger.Info("Watching dashboard files in dev mode", slog.String("dir", cfg.WatchDirPath))

	// Make the channel buffered to ensure no event is dropped. Notify will drop
	// an event if the receiver is not able to keep up the sending pace.
	c := make(chan notify.EventInfo, 1)
	dev.c = c

	absWatchDir, err := filepath.Abs(cfg.WatchDirPath)
	if err != nil {
		return nil, err
	}
	if err := notify.Watch(path.Join(absWatchDir, "..."), c, notify.Create, notify.Write); err != nil {
		return nil, err
	}

	go func() {
		for ei := range c {
			p := ei.Path()
			if !strings.HasSuffix(p, DASHBOARD_SUFFIX) {
				continue
			}
			dev.handleFileEvent(p)
		}
	}()

	return &dev, nil
}

func (d *Dev) Stop() {
	notify.Stop(d.c)
}

func (d *Dev) handleFileEvent(p string) {
	contentBytes, err := os.ReadFile(p)
	if err != nil {
		d.logger.Error("Failed reading watched dashboard file", slog.String("file", p), slog.Any("error", err))
		return
	}
	content := string(contentBytes)

	// Writing the assigned id back into the file fires another event, skip it
	d.filesMutex.Lock()
	if previous, ok := d.selfWrites[p]; ok && previous == content {
		delete(d.selfWrites, p)
		d.filesMutex.Unlock()
		return
	}
	d.filesMutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), TIMEOUT)
	defer cancel()

	dashboardID := extractDashboardID(content)
	if dashboardID == "" {
		d.filesMutex.Lock()
		dashboardID = d.dashboardFiles[p]
		d.filesMutex.Unlock()
	}

	if dashboardID != "" {
		_, err := d.client.Deploy(ctx, api.Request{
			Dashboards: []api.DashboardRequest{{
				Operation: "update",
				Data:      api.DashboardData{ID: &dashboardID, Source: &content},
			}},
		})
		if err != nil {
			d.logger.Error("Failed updating dashboard from watched file", slog.String("file", p), slog.Any("error", err))
			return
		}
		d.logger.Info("Updated dashboard from file",
			slog.String("file", path.Base(p)),
			slog.String("dashboard_id", dashboardID))
		return
	}

	result, err := d.client.Deploy(ctx, api.Request{
		Dashboards: []api.DashboardRequest{{
			Operation: "create",
			Data:      api.DashboardData{Source: &content},
		}},
	})
	if err != nil {
		d.logger.Error("Failed creating dashboard from watched file", slog.String("file", p), slog.Any("error", err))
		return
	}
	if len(result.Results) == 0 || result.Results[0].ID == "" {
		d.logger.Error("Deploy response missing dashboard id", slog.String("file", p))
		return
	}
	dashboardID = result.Results[0].ID

	d.filesMutex.Lock()
	d.dashboardFiles[p] = dashboardID
	d.filesMutex.Unlock()

	d.logger.Info("Created new dashboard from file",
		slog.String("file", path.Base(p)),
		slog.String("dashboard_id", dashboardID))

	// Persist the id in the file so later runs update instead of re-creating
	withID, err := injectDashboardID(dashboardID, content)
	if err != nil {
		d.logger.Error("Failed injecting dashboard id into file", slog.String("file", p), slog.Any("error", err))
		return
	}
	d.filesMutex.Lock()
	d.selfWrites[p] = withID
	d.filesMutex.Unlock()
	if err := os.WriteFile(p, []byte(withID), 0o644); err != nil {
		d.logger.Error("Failed writing dashboard id to file", slog.String("file", p), slog.Any("error", err))
	}
}
