package dev

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfig([]byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != defaultServerURL {
		t.Fatalf("expected default url %q, got %q", defaultServerURL, cfg.URL)
	}
	if cfg.Directory != defaultWatchFolder {
		t.Fatalf("expected default directory %q, got %q", defaultWatchFolder, cfg.Directory)
	}
	if cfg.LastPull != nil {
		t.Fatalf("expected no lastPull, got %v", cfg.LastPull)
	}
}

func TestParseConfigTrimsAndValidates(t *testing.T) {
	cfg, err := parseConfig([]byte(`{"url":"  https://dashboards.example.com  ","directory":" reports "}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "https://dashboards.example.com" {
		t.Fatalf("url not trimmed: %q", cfg.URL)
	}
	if cfg.Directory != "reports" {
		t.Fatalf("directory not trimmed: %q", cfg.Directory)
	}

	if _, err := parseConfig([]byte(`{"url":"://bad"}`)); err == nil {
		t.Fatal("expected error for invalid url")
	}
	if _, err := parseConfig([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "requery.json")
	lastPull := time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC)

	saved := Config{
		URL:       "http://localhost:3000",
		Directory: "dashboards",
		LastPull:  &lastPull,
	}
	if err := SaveConfig(path, saved); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if loaded.URL != saved.URL || loaded.Directory != saved.Directory {
		t.Fatalf("config changed in round trip: %+v", loaded)
	}
	if loaded.LastPull == nil || !loaded.LastPull.Equal(lastPull) {
		t.Fatalf("lastPull changed in round trip: %v", loaded.LastPull)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestExpandUserPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}

	if got, err := expandUserPath(""); err != nil || got != "" {
		t.Fatalf("empty path: got %q, %v", got, err)
	}
	if got, err := expandUserPath("dashboards/main"); err != nil || got != "dashboards/main" {
		t.Fatalf("plain path has to pass through: got %q, %v", got, err)
	}
	if got, err := expandUserPath("~"); err != nil || got != homeDir {
		t.Fatalf("bare tilde: got %q, %v", got, err)
	}
	if got, err := expandUserPath("~/team/reports"); err != nil || got != filepath.Join(homeDir, "team", "reports") {
		t.Fatalf("tilde prefix: got %q, %v", got, err)
	}
	if _, err := expandUserPath("~alice/reports"); err == nil {
		t.Fatal("expected error for other-user home reference")
	}
}

func TestResolveAbsolutePath(t *testing.T) {
	tmpDir := t.TempDir()

	resolved, err := resolveAbsolutePath(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != tmpDir {
		t.Fatalf("absolute input has to stay unchanged: got %q, want %q", resolved, tmpDir)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}
	resolved, err = resolveAbsolutePath("~")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != homeDir {
		t.Fatalf("expected home dir %q, got %q", homeDir, resolved)
	}
}
