package dev

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type SystemConfig struct {
	Name string `json:"name"`
}

// fetchSystemConfig doubles as the connectivity check before any auth runs.
func fetchSystemConfig(ctx context.Context, baseURL string) (SystemConfig, error) {
	var cfg SystemConfig
	base := strings.TrimSuffix(baseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/system/config", nil)
	if err != nil {
		return cfg, fmt.Errorf("failed to build system config request: %w", err)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return cfg, fmt.Errorf("failed to fetch system config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return cfg, fmt.Errorf("system config request failed with status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode system config: %w", err)
	}
	return cfg, nil
}

// AuthManager holds the login token the tooling exchanges for JWTs. The
// token is cached in the auth file between runs and prompted for on the
// terminal when missing or rejected.
type AuthManager struct {
	ctx          context.Context
	baseURL      string
	authFile     string
	logger       *slog.Logger
	sessionToken string
	mu           sync.Mutex
}

func NewAuthManager(ctx context.Context, baseURL, authFile string, logger *slog.Logger) *AuthManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthManager{
		ctx:      ctx,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		authFile: authFile,
		logger:   logger,
	}
}

func (a *AuthManager) EnsureSession() error {
	_, err := a.getOrPromptSessionToken(true)
	return err
}

func (a *AuthManager) SessionToken() (string, error) {
	return a.getOrPromptSessionToken(true)
}

// RequireInteractiveLogin drops the cached token and prompts again. Called
// when the server rejects the stored token.
func (a *AuthManager) RequireInteractiveLogin() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionToken = ""
	fmt.Fprintln(os.Stdout, "The stored login token was rejected.")
	_, err := a.promptForLoginLocked()
	return err
}

func (a *AuthManager) getOrPromptSessionToken(allowPrompt bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessionToken == "" {
		if token, err := os.ReadFile(a.authFile); err == nil {
			if trimmed := strings.TrimSpace(string(token)); trimmed != "" {
				a.sessionToken = trimmed
			}
		}
	}

	if a.sessionToken != "" {
		return a.sessionToken, nil
	}

	if !allowPrompt {
		return "", errors.New("authentication required")
	}

	token, err := a.promptForLoginLocked()
	if err != nil {
		return "", err
	}
	a.sessionToken = token
	return a.sessionToken, nil
}

func (a *AuthManager) promptForLoginLocked() (string, error) {
	fmt.Fprintf(os.Stdout, "Authentication is required to talk to %s.\n", a.baseURL)

	reader := bufio.NewReader(os.Stdin)
	var token string
	for {
		select {
		case <-a.ctx.Done():
			return "", errors.New("authentication cancelled")
		default:
		}

		fmt.Fprint(os.Stdout, "Login token: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read login token: %w", err)
		}
		token = strings.TrimSpace(input)
		if token != "" {
			break
		}
		fmt.Fprintln(os.Stdout, "Token cannot be empty.")
	}

	a.sessionToken = token
	if err := a.saveTokenLocked(token); err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stdout, "Token saved to %s\n", a.authFile)
	return token, nil
}

func (a *AuthManager) saveTokenLocked(token string) error {
	dir := filepath.Dir(a.authFile)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create auth directory: %w", err)
		}
	}
	if err := os.WriteFile(a.authFile, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to save auth token: %w", err)
	}
	return nil
}
