package dev

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"requery/server/api"
)

func RunPullCommand(ctx context.Context, configPath, authFile string, logger *slog.Logger) error {
	cfg, err := LoadOrPromptConfig(configPath)
	if err != nil {
		return err
	}

	watchDir, err := resolveAbsolutePath(cfg.Directory)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}
	if err := EnsureDirExists(watchDir); err != nil {
		return err
	}

	authFilePath, err := resolveAbsolutePath(authFile)
	if err != nil {
		return fmt.Errorf("failed to resolve auth file path: %w", err)
	}

	systemCfg, err := fetchSystemConfig(ctx, cfg.URL)
	if err != nil {
		return err
	}
	logger.Info("Connected", slog.String("url", cfg.URL), slog.String("server", systemCfg.Name))

	authManager := NewAuthManager(ctx, cfg.URL, authFilePath, logger)
	if err := authManager.EnsureSession(); err != nil {
		return err
	}

	client, err := NewAPIClient(ctx, cfg.URL, logger, authManager)
	if err != nil {
		return fmt.Errorf("failed to initialize API client: %w", err)
	}

	// Fetch all dashboards from remote
	logger.Info("Fetching dashboards from server...", slog.String("url", cfg.URL))
	remoteDashboards, err := fetchAllDashboards(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to fetch dashboards: %w", err)
	}
	logger.Info("Found remote dashboards", slog.Int("count", len(remoteDashboards)))

	// Scan local files for existing dashboard IDs
	localIDs, err := scanLocalDashboardIDs(watchDir)
	if err != nil {
		return fmt.Errorf("failed to scan local dashboards: %w", err)
	}
	logger.Info("Found local dashboards", slog.String("folder", watchDir), slog.Int("count", len(localIDs)))

	// Compare and categorize
	var toCreate, toUpdate []api.Dashboard
	var maxUpdatedAt time.Time

	// Track file names to detect duplicates
	seenNames := make(map[string]string) // file name -> dashboard title (for error reporting)

	for _, dashboard := range remoteDashboards {
		if dashboard.UpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = dashboard.UpdatedAt
		}

		// Dashboards share a flat namespace, so equal titles collide on disk
		fileName := sanitizeFileName(dashboard.Title) + DASHBOARD_SUFFIX
		if existingTitle, exists := seenNames[fileName]; exists {
			return fmt.Errorf("duplicate dashboard title %q (conflicts with %q) - please rename one of them before pulling", dashboard.Title, existingTitle)
		}
		seenNames[fileName] = dashboard.Title

		// Skip dashboards older than lastPull
		if cfg.LastPull != nil && !dashboard.UpdatedAt.After(*cfg.LastPull) {
			continue
		}

		if _, exists := localIDs[dashboard.ID]; exists {
			toUpdate = append(toUpdate, dashboard)
		} else {
			toCreate = append(toCreate, dashboard)
		}
	}

	if len(toCreate) == 0 && len(toUpdate) == 0 {
		fmt.Println("No changes.")
		return nil
	}

	// Show summary
	fmt.Println()
	if len(toCreate) > 0 {
		fmt.Printf("Dashboards to create (%d):\n", len(toCreate))
		for _, d := range toCreate {
			fmt.Printf("  + %s%s\n", sanitizeFileName(d.Title), DASHBOARD_SUFFIX)
		}
	}
	if len(toUpdate) > 0 {
		fmt.Printf("Dashboards to update (%d):\n", len(toUpdate))
		for _, d := range toUpdate {
			fmt.Printf("  + %s%s\n", sanitizeFileName(d.Title), DASHBOARD_SUFFIX)
		}
	}
	fmt.Println()

	// Ask for confirmation
	fmt.Print("Proceed with pull? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))
	if input != "y" && input != "yes" {
		fmt.Println("Pull cancelled.")
		return nil
	}

	// Write dashboards to files
	var writeErrors []error
	for _, dashboard := range append(toCreate, toUpdate...) {
		if err := writeDashboardFile(ctx, client, watchDir, dashboard); err != nil {
			logger.Error("Failed to write dashboard", slog.String("title", dashboard.Title), slog.Any("error", err))
			writeErrors = append(writeErrors, err)
			continue
		}
		logger.Info("Wrote dashboard", slog.String("file", sanitizeFileName(dashboard.Title)+DASHBOARD_SUFFIX))
	}

	if len(writeErrors) > 0 {
		return fmt.Errorf("pull completed with %d error(s), lastPull not updated", len(writeErrors))
	}

	// Update lastPull timestamp
	cfg.LastPull = &maxUpdatedAt
	if err := SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config with lastPull: %w", err)
	}

	fmt.Printf("\nPull complete. Last pull timestamp: %s\n", maxUpdatedAt.Format(time.RFC3339))
	return nil
}

func fetchAllDashboards(ctx context.Context, requester dashboardsRequester) ([]api.Dashboard, error) {
	resp, err := requester.DoRequest(ctx, http.MethodGet, "/api/dashboards", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var result api.DashboardsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode dashboards response: %w", err)
	}
	return result.Dashboards, nil
}

func fetchDashboardSource(ctx context.Context, requester dashboardsRequester, dashboardID string) (string, error) {
	path := fmt.Sprintf("/api/dashboards/%s/source", url.PathEscape(dashboardID))
	resp, err := requester.DoRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read dashboard source: %w", err)
	}
	return string(data), nil
}

func scanLocalDashboardIDs(dir string) (map[string]string, error) {
	ids := make(map[string]string) // dashboard id -> file path

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), DASHBOARD_SUFFIX) {
			return nil
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return nil
		}

		if id := extractDashboardID(string(content)); id != "" {
			ids[id] = p
		}

		return nil
	})

	return ids, err
}

func writeDashboardFile(ctx context.Context, client *APIClient, baseDir string, dashboard api.Dashboard) error {
	source, err := fetchDashboardSource(ctx, client, dashboard.ID)
	if err != nil {
		return err
	}

	// Make sure the file carries the server-assigned id
	if extractDashboardID(source) == "" {
		source, err = injectDashboardID(dashboard.ID, source)
		if err != nil {
			return err
		}
	}

	fileName := sanitizeFileName(dashboard.Title) + DASHBOARD_SUFFIX
	filePath := filepath.Join(baseDir, fileName)

	if err := os.WriteFile(filePath, []byte(source), 0o644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", filePath, err)
	}

	return nil
}
