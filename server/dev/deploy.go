package dev

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"requery/server/api"
)

const deployAPIKeyEnv = "REQUERY_DEPLOY_API_KEY"

type LocalDashboard struct {
	ID       string
	Title    string
	Source   string
	FilePath string
}

func RunDeployCommand(ctx context.Context, configPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	apiKey := strings.TrimSpace(os.Getenv(deployAPIKeyEnv))
	if apiKey == "" {
		return fmt.Errorf("%s must be set to run requery deploy", deployAPIKeyEnv)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LastPull == nil {
		return errors.New("config missing lastPull timestamp; run `requery pull` before deploying")
	}

	watchDir, err := resolveAbsolutePath(cfg.Directory)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}
	if err := EnsureDirExists(watchDir); err != nil {
		return err
	}

	localDashboards, err := loadLocalDashboards(watchDir)
	if err != nil {
		return err
	}
	logger.Info("Loaded local dashboards", slog.Int("count", len(localDashboards)))

	client, err := newAPIKeyClient(cfg.URL, apiKey, logger)
	if err != nil {
		return err
	}

	logger.Info("Fetching remote dashboards...", slog.String("url", cfg.URL))
	remoteDashboards, err := fetchAllDashboards(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to fetch dashboards: %w", err)
	}
	logger.Info("Loaded remote dashboards", slog.Int("count", len(remoteDashboards)))

	if err := ensureRemoteFreshness(remoteDashboards, *cfg.LastPull, client.actor); err != nil {
		return err
	}

	logger.Info("Deploy checkpoint established", slog.Time("last_pull", cfg.LastPull.UTC()))

	// Diffing needs the remote definition text of every dashboard that also
	// exists locally
	remoteSources := make(map[string]string)
	for _, remote := range remoteDashboards {
		if _, ok := localDashboards[remote.ID]; !ok {
			continue
		}
		source, err := fetchDashboardSource(ctx, client, remote.ID)
		if err != nil {
			return fmt.Errorf("failed to fetch source of dashboard %s: %w", remote.ID, err)
		}
		remoteSources[remote.ID] = source
	}

	ops := buildDeployOperations(localDashboards, remoteDashboards, remoteSources)
	if len(ops) == 0 {
		logger.Info("No changes detected; nothing to deploy")
		return nil
	}

	var createCount, updateCount, deleteCount int
	for _, op := range ops {
		switch op.Operation {
		case "create":
			createCount++
		case "update":
			updateCount++
		case "delete":
			deleteCount++
		}
	}

	logger.Info("Submitting deploy request",
		slog.Int("operations", len(ops)),
		slog.Int("creates", createCount),
		slog.Int("updates", updateCount),
		slog.Int("deletes", deleteCount))

	logDeployChanges(logger, ops, localDashboards, remoteDashboards)

	if err := submitDeploy(ctx, client, ops); err != nil {
		return err
	}

	logger.Info("Deploy completed", slog.Time("timestamp", time.Now().UTC()))
	return nil
}

func loadLocalDashboards(baseDir string) (map[string]LocalDashboard, error) {
	dashboards := make(map[string]LocalDashboard)
	err := filepath.WalkDir(baseDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), DASHBOARD_SUFFIX) {
			return nil
		}

		contentBytes, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		content := string(contentBytes)
		id := extractDashboardID(content)
		if id == "" {
			return fmt.Errorf("%s is missing a dashboard id; run `requery pull` or `requery dev` first", p)
		}

		if _, exists := dashboards[id]; exists {
			return fmt.Errorf("duplicate dashboard id %s found in %s and %s", id, dashboards[id].FilePath, p)
		}

		title := extractDashboardTitle(content)
		if title == "" {
			title = strings.TrimSuffix(d.Name(), DASHBOARD_SUFFIX)
		}

		dashboards[id] = LocalDashboard{
			ID:       id,
			Title:    title,
			Source:   content,
			FilePath: p,
		}
		return nil
	})

	return dashboards, err
}

func ensureRemoteFreshness(remote []api.Dashboard, lastPull time.Time, actor string) error {
	for _, dashboard := range remote {
		updatedBy := ""
		if dashboard.UpdatedBy != nil {
			updatedBy = *dashboard.UpdatedBy
		}
		if dashboard.UpdatedAt.After(lastPull) && updatedBy != actor {
			return fmt.Errorf("remote dashboard %s (%s) was updated after last pull by %s; run `requery pull` first", dashboard.Title, dashboard.ID, updatedBy)
		}
	}
	return nil
}

func buildDeployOperations(local map[string]LocalDashboard, remote []api.Dashboard, remoteSources map[string]string) []api.DashboardRequest {
	remoteByID := make(map[string]api.Dashboard, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}

	var ops []api.DashboardRequest

	localList := make([]LocalDashboard, 0, len(local))
	for _, l := range local {
		localList = append(localList, l)
	}
	sort.Slice(localList, func(i, j int) bool {
		if localList[i].Title == localList[j].Title {
			return localList[i].ID < localList[j].ID
		}
		return localList[i].Title < localList[j].Title
	})

	for _, localDash := range localList {
		id := localDash.ID
		source := localDash.Source

		if remoteDash, ok := remoteByID[id]; ok {
			if dashboardsDiffer(localDash, remoteDash, remoteSources[id]) {
				ops = append(ops, api.DashboardRequest{
					Operation: "update",
					Data: api.DashboardData{
						ID:     &id,
						Source: &source,
					},
				})
			}
			continue
		}

		ops = append(ops, api.DashboardRequest{
			Operation: "create",
			Data: api.DashboardData{
				ID:     &id,
				Source: &source,
			},
		})
	}

	remoteList := make([]api.Dashboard, 0, len(remoteByID))
	for _, r := range remoteByID {
		remoteList = append(remoteList, r)
	}
	sort.Slice(remoteList, func(i, j int) bool {
		if remoteList[i].Title == remoteList[j].Title {
			return remoteList[i].ID < remoteList[j].ID
		}
		return remoteList[i].Title < remoteList[j].Title
	})

	for _, remoteDash := range remoteList {
		if _, ok := local[remoteDash.ID]; ok {
			continue
		}
		id := remoteDash.ID
		ops = append(ops, api.DashboardRequest{
			Operation: "delete",
			Data: api.DashboardData{
				ID: &id,
			},
		})
	}

	return ops
}

func dashboardsDiffer(local LocalDashboard, remote api.Dashboard, remoteSource string) bool {
	if local.Title != remote.Title {
		return true
	}
	return local.Source != remoteSource
}

func logDeployChanges(logger *slog.Logger, ops []api.DashboardRequest, local map[string]LocalDashboard, remote []api.Dashboard) {
	remoteByID := make(map[string]api.Dashboard, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}

	for _, op := range ops {
		id := ""
		if op.Data.ID != nil {
			id = *op.Data.ID
		}

		changeAttrs := []any{
			slog.String("operation", op.Operation),
			slog.String("id", id),
		}

		if localDash, ok := local[id]; ok {
			changeAttrs = append(changeAttrs, slog.String("title", localDash.Title))
		}

		if prev, ok := remoteByID[id]; ok {
			changeAttrs = append(changeAttrs,
				slog.String("previous_title", prev.Title),
				slog.Time("previous_updated_at", prev.UpdatedAt),
			)
		}

		logger.Info("Deploy dashboard change", (changeAttrs)...)
	}
}

func submitDeploy(ctx context.Context, client *apiKeyClient, ops []api.DashboardRequest) error {
	body, err := json.Marshal(api.Request{Dashboards: ops})
	if err != nil {
		return fmt.Errorf("failed to marshal deploy request: %w", err)
	}

	resp, err := client.DoRequest(ctx, http.MethodPost, "/api/deploy", body)
	if err != nil {
		return fmt.Errorf("deploy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	return nil
}

type apiKeyClient struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	actor      string
	logger     *slog.Logger
}

func newAPIKeyClient(baseURL, apiKey string, logger *slog.Logger) (*apiKeyClient, error) {
	keyID, actor, err := parseAPIKeyActor(apiKey)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Using API key for deploy", slog.String("key_id", keyID))

	return &apiKeyClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		apiKey: apiKey,
		actor:  actor,
		logger: logger,
	}, nil
}

func (c *apiKeyClient) DoRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func parseAPIKeyActor(key string) (string, string, error) {
	parts := strings.Split(key, ".")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("invalid API key format; expected {prefix}.{key_id}.{random}")
	}
	keyID := strings.TrimSpace(parts[1])
	if keyID == "" {
		return "", "", fmt.Errorf("invalid API key format; missing key_id component")
	}
	return keyID, fmt.Sprintf("api_key:%s", keyID), nil
}
