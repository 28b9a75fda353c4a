package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// startOpenCode launches the local agent server and blocks until its
// health endpoint responds, closing agentReady so startBridge can proceed.
//
// Grounded on entrypoint.py's start_opencode/_setup_openai_oauth/
// _install_tools/_wait_for_health.
func (s *Supervisor) startOpenCode(ctx context.Context) error {
	s.setupOpenAIOAuth()
	s.log.Info("opencode.start")

	provider := s.cfg.Session.Provider
	if provider == "" {
		provider = "anthropic"
	}
	model := s.cfg.Session.Model
	if model == "" {
		model = "claude-sonnet-4-6"
	}

	opencodeConfig := map[string]any{
		"model": fmt.Sprintf("%s/%s", provider, model),
		"permission": map[string]any{
			"*": map[string]any{"*": "allow"},
		},
	}
	configJSON, err := json.Marshal(opencodeConfig)
	if err != nil {
		return fmt.Errorf("marshal opencode config: %w", err)
	}

	workdir := s.cfg.WorkspacePath
	repoPath := s.cfg.RepoPath()
	if _, err := os.Stat(filepath.Join(repoPath, ".git")); err == nil {
		workdir = repoPath
	}

	installTools(workdir, s.log)

	cmd := exec.CommandContext(ctx, "opencode", "serve",
		"--port", strconv.Itoa(OpenCodePort),
		"--hostname", "0.0.0.0",
		"--print-logs")
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"OPENCODE_CONFIG_CONTENT="+string(configJSON),
		// Disable OpenCode's question tool in headless mode: the tool blocks
		// waiting for user input over the HTTP API, but the bridge has no
		// channel to relay it to the web client and back. Without this the
		// session hangs until the SSE inactivity timeout.
		"OPENCODE_CLIENT=serve",
	)

	proc, err := startProcess("opencode", cmd, s.log)
	if err != nil {
		return fmt.Errorf("start opencode: %w", err)
	}

	s.mu.Lock()
	s.agentProc = proc
	s.mu.Unlock()

	if err := s.waitForOpenCodeHealth(ctx); err != nil {
		return err
	}

	s.agentReadyOnce.Do(func() { close(s.agentReady) })
	s.log.Info("opencode.ready")
	return nil
}

func (s *Supervisor) waitForOpenCodeHealth(ctx context.Context) error {
	healthURL := fmt.Sprintf("http://localhost:%d/global/health", OpenCodePort)
	deadline := time.Now().Add(HealthCheckTimeout)
	client := &http.Client{Timeout: 2 * time.Second}

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		} else {
			s.log.Debug("opencode.health_check_error", "error", err.Error())
		}

		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("opencode server failed to become healthy")
}

// startBridge waits for the agent server to be healthy, then spawns the
// bridge binary. A missing session ID (no control-plane session attached
// to this sandbox) is a no-op, matching entrypoint.py's start_bridge.
func (s *Supervisor) startBridge(ctx context.Context) {
	s.log.Info("bridge.start")

	if s.cfg.ControlPlaneURL == "" {
		s.log.Info("bridge.skip", "reason", "no_control_plane_url")
		return
	}

	select {
	case <-s.agentReady:
	case <-ctx.Done():
		return
	}

	if s.cfg.Session.SessionID == "" {
		s.log.Info("bridge.skip", "reason", "no_session_id")
		return
	}

	cmd := exec.CommandContext(ctx, s.cfg.BridgeBinaryPath,
		"--sandbox-id", s.cfg.SandboxID,
		"--session-id", s.cfg.Session.SessionID,
		"--control-plane", s.cfg.ControlPlaneURL,
		"--token", s.cfg.SandboxToken,
		"--opencode-port", strconv.Itoa(OpenCodePort))

	proc, err := startProcess("bridge", cmd, s.log)
	if err != nil {
		s.log.Error("bridge.startup_crash", "error", err.Error())
		return
	}

	s.mu.Lock()
	s.bridgeProc = proc
	s.mu.Unlock()

	s.log.Info("bridge.started")

	select {
	case <-proc.Done():
		s.log.Warn("bridge.early_exit", "exit_code", exitCode(proc.ExitErr()))
	case <-time.After(500 * time.Millisecond):
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// monitorProcesses restarts the agent server and bridge on crash with
// bounded exponential backoff, and reports a fatal error if either child
// exceeds its restart budget. A graceful (exit code 0) bridge exit ends
// the loop without restarting: it means a shutdown command, a terminated
// session, or an unrecoverable control-plane error.
func (s *Supervisor) monitorProcesses(ctx context.Context) error {
	restartCount := 0
	bridgeRestartCount := 0

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		s.mu.Lock()
		agent := s.agentProc
		bridge := s.bridgeProc
		s.mu.Unlock()

		if agent != nil && agent.Exited() && !agent.wasStoppedByUs() {
			restartCount++
			s.log.Error("opencode.crash", "exit_code", exitCode(agent.ExitErr()), "restart_count", restartCount)

			if restartCount > MaxRestarts {
				s.log.Error("opencode.max_restarts", "restart_count", restartCount)
				s.reportFatalError(ctx, fmt.Sprintf("OpenCode crashed %d times, giving up", restartCount))
				return fmt.Errorf("opencode exceeded restart budget")
			}

			delay := backoffDelay(restartCount)
			s.log.Info("opencode.restart", "delay_s", delay.Seconds(), "restart_count", restartCount)
			if !sleepOrDone(ctx, delay) {
				return nil
			}

			s.agentReady = make(chan struct{})
			s.agentReadyOnce = sync.Once{}
			if err := s.startOpenCode(ctx); err != nil {
				s.log.Error("opencode.restart_failed", "error", err.Error())
			}
		}

		if bridge != nil && bridge.Exited() {
			exit := exitCode(bridge.ExitErr())
			if exit == 0 {
				s.log.Info("bridge.graceful_exit", "exit_code", exit)
				return nil
			}

			bridgeRestartCount++
			s.log.Error("bridge.crash", "exit_code", exit, "restart_count", bridgeRestartCount)

			if bridgeRestartCount > MaxRestarts {
				s.log.Error("bridge.max_restarts", "restart_count", bridgeRestartCount)
				s.reportFatalError(ctx, fmt.Sprintf("Bridge crashed %d times, giving up", bridgeRestartCount))
				return fmt.Errorf("bridge exceeded restart budget")
			}

			delay := backoffDelay(bridgeRestartCount)
			s.log.Info("bridge.restart", "delay_s", delay.Seconds(), "restart_count", bridgeRestartCount)
			if !sleepOrDone(ctx, delay) {
				return nil
			}

			s.startBridge(ctx)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// installTools copies any custom OpenCode tool files into .opencode/tool
// so the agent server discovers them on startup, following
// entrypoint.py's _install_tools.
func installTools(workdir string, log *slog.Logger) {
	toolsDir := "/app/sandbox/tools"
	entries, err := os.ReadDir(toolsDir)
	if err != nil {
		return
	}

	dest := filepath.Join(workdir, ".opencode", "tool")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		log.Warn("opencode.install_tools_error", "error", err.Error())
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".js" {
			continue
		}
		copyFile(filepath.Join(toolsDir, entry.Name()), filepath.Join(dest, entry.Name()))
	}

	nodeModules := filepath.Join(workdir, ".opencode", "node_modules")
	globalModules := "/usr/lib/node_modules"
	if _, err := os.Lstat(nodeModules); os.IsNotExist(err) {
		if _, err := os.Stat(globalModules); err == nil {
			if err := os.Symlink(globalModules, nodeModules); err != nil {
				log.Warn("opencode.symlink_error", "error", err.Error())
			}
		}
	}

	packageJSON := filepath.Join(workdir, ".opencode", "package.json")
	if _, err := os.Stat(packageJSON); os.IsNotExist(err) {
		_ = os.WriteFile(packageJSON, []byte(`{"name": "opencode-tools", "type": "module"}`), 0o644)
	}
}

func copyFile(src, dst string) {
	data, err := os.ReadFile(src)
	if err != nil {
		return
	}
	_ = os.WriteFile(dst, data, 0o644)
}

// setupOpenAIOAuth writes OpenCode's auth.json for ChatGPT OAuth when a
// refresh token is configured, following entrypoint.py's
// _setup_openai_oauth: written to a 0o600 temp file first, then renamed
// into place so the target is never briefly world-readable.
func (s *Supervisor) setupOpenAIOAuth() {
	refreshToken := os.Getenv("OPENAI_OAUTH_REFRESH_TOKEN")
	if refreshToken == "" {
		return
	}

	home, err := os.UserHomeDir()
	if err != nil {
		s.log.Warn("openai_oauth.setup_error", "error", err.Error())
		return
	}

	authDir := filepath.Join(home, ".local", "share", "opencode")
	if err := os.MkdirAll(authDir, 0o755); err != nil {
		s.log.Warn("openai_oauth.setup_error", "error", err.Error())
		return
	}

	entry := map[string]any{
		"type":    "oauth",
		"refresh": "managed-by-control-plane",
		"access":  "",
		"expires": 0,
	}
	if accountID := os.Getenv("OPENAI_OAUTH_ACCOUNT_ID"); accountID != "" {
		entry["accountId"] = accountID
	}

	payload, err := json.Marshal(map[string]any{"openai": entry})
	if err != nil {
		s.log.Warn("openai_oauth.setup_error", "error", err.Error())
		return
	}

	tmpFile := filepath.Join(authDir, ".auth.json.tmp")
	authFile := filepath.Join(authDir, "auth.json")

	if err := os.WriteFile(tmpFile, payload, 0o600); err != nil {
		s.log.Warn("openai_oauth.setup_error", "error", err.Error())
		return
	}
	if err := os.Rename(tmpFile, authFile); err != nil {
		s.log.Warn("openai_oauth.setup_error", "error", err.Error())
		return
	}

	s.log.Info("openai_oauth.setup")
}
