// Package supervisor is the sandbox's process-1: it synchronizes the
// workspace with git, runs the repo's setup script, starts the local agent
// server, starts the bridge, and keeps both alive with bounded,
// exponential-backoff restarts until shutdown.
//
// Grounded on entrypoint.py's SandboxSupervisor in its entirety; Python's
// asyncio.Event/asyncio.subprocess primitives are replaced with contexts,
// WaitGroups, and os/exec, following the process-management idiom already
// used by the bridge's stdio provider.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sandboxctl/agent-bridge/internal/config"
)

const (
	OpenCodePort               = 4096
	HealthCheckTimeout         = 30 * time.Second
	MaxRestarts                = 5
	BackoffBase                = 2.0
	BackoffMax                 = 60 * time.Second
	SetupScriptPath            = ".openinspect/setup.sh"
	DefaultSetupTimeoutSeconds = 300
)

// Config is the supervisor's full set of environment-derived inputs.
type Config struct {
	SandboxID         string
	ControlPlaneURL   string
	SandboxToken      string
	RepoOwner         string
	RepoName          string
	VCSHost           string
	VCSCloneUsername  string
	VCSCloneToken     string
	Session           config.SessionConfig

	WorkspacePath string
	SessionIDFile string

	// BridgeBinaryPath is the path to the bridge executable this supervisor
	// spawns once the agent server is healthy.
	BridgeBinaryPath string

	ImageBuildMode       bool
	RestoredFromSnapshot bool
	FromRepoImage        bool
	RepoImageSHA         string
}

// ConfigFromEnv reads the same environment variables entrypoint.py reads.
func ConfigFromEnv() (Config, error) {
	session, err := config.LoadSessionConfig()
	if err != nil {
		return Config{}, err
	}

	vcsCloneToken := os.Getenv("VCS_CLONE_TOKEN")
	if vcsCloneToken == "" {
		vcsCloneToken = os.Getenv("GITHUB_APP_TOKEN")
	}
	vcsHost := os.Getenv("VCS_HOST")
	if vcsHost == "" {
		vcsHost = "github.com"
	}
	vcsCloneUsername := os.Getenv("VCS_CLONE_USERNAME")
	if vcsCloneUsername == "" {
		vcsCloneUsername = "x-access-token"
	}

	workspacePath := "/workspace"
	repoName := os.Getenv("REPO_NAME")

	return Config{
		SandboxID:            envOr("SANDBOX_ID", "unknown"),
		ControlPlaneURL:      os.Getenv("CONTROL_PLANE_URL"),
		SandboxToken:         os.Getenv("SANDBOX_AUTH_TOKEN"),
		RepoOwner:            os.Getenv("REPO_OWNER"),
		RepoName:             repoName,
		VCSHost:              vcsHost,
		VCSCloneUsername:     vcsCloneUsername,
		VCSCloneToken:        vcsCloneToken,
		Session:              session,
		WorkspacePath:        workspacePath,
		SessionIDFile:        "/tmp/opencode-session-id",
		BridgeBinaryPath:     envOr("BRIDGE_BINARY_PATH", "bridge"),
		ImageBuildMode:       os.Getenv("IMAGE_BUILD_MODE") == "true",
		RestoredFromSnapshot: os.Getenv("RESTORED_FROM_SNAPSHOT") == "true",
		FromRepoImage:        os.Getenv("FROM_REPO_IMAGE") == "true",
		RepoImageSHA:         envOr("REPO_IMAGE_SHA", "unknown"),
	}, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// RepoPath is the workspace-relative checkout directory.
func (c Config) RepoPath() string {
	return filepath.Join(c.WorkspacePath, c.RepoName)
}

// BuildRepoURL returns the repo's clone URL, optionally embedding the clone
// token for authenticated access.
func (c Config) BuildRepoURL(authenticated bool) string {
	if authenticated && c.VCSCloneToken != "" {
		return fmt.Sprintf("https://%s:%s@%s/%s/%s.git", c.VCSCloneUsername, c.VCSCloneToken, c.VCSHost, c.RepoOwner, c.RepoName)
	}
	return fmt.Sprintf("https://%s/%s/%s.git", c.VCSHost, c.RepoOwner, c.RepoName)
}

// Supervisor owns the two child processes (agent server, bridge) and the
// lifecycle phases that start, monitor, and stop them.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	mu             sync.Mutex
	agentProc      *process
	bridgeProc     *process
	agentReady     chan struct{}
	agentReadyOnce sync.Once
}

// New constructs a Supervisor ready to Run.
func New(cfg Config, log *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		log:        log,
		agentReady: make(chan struct{}),
	}
}

// Run executes the full supervisor lifecycle: git sync, setup script, agent
// server start, bridge start, then monitoring until ctx is cancelled or a
// child exhausts its restart budget. It always runs shutdown before
// returning.
func (s *Supervisor) Run(ctx context.Context) error {
	startupStart := time.Now()
	s.log.Info("supervisor.start", "repo_owner", s.cfg.RepoOwner, "repo_name", s.cfg.RepoName)

	switch {
	case s.cfg.ImageBuildMode:
		s.log.Info("supervisor.image_build_mode")
	case s.cfg.RestoredFromSnapshot:
		s.log.Info("supervisor.restored_from_snapshot")
	case s.cfg.FromRepoImage:
		s.log.Info("supervisor.from_repo_image", "build_sha", s.cfg.RepoImageSHA)
	}

	defer s.shutdown()

	gitSyncSuccess := false
	opencodeReady := false

	switch {
	case s.cfg.RestoredFromSnapshot:
		s.quickGitFetch(ctx)
		gitSyncSuccess = true
	case s.cfg.FromRepoImage:
		gitSyncSuccess = s.incrementalGitSync(ctx)
	default:
		gitSyncSuccess = s.performGitSync(ctx)
	}

	var setupSuccess *bool
	if !s.cfg.RestoredFromSnapshot && !s.cfg.FromRepoImage {
		ok := s.runSetupScript(ctx)
		setupSuccess = &ok
	}

	if s.cfg.ImageBuildMode {
		s.log.Info("image_build.complete", "duration_ms", time.Since(startupStart).Milliseconds())
		<-ctx.Done()
		return nil
	}

	if err := s.startOpenCode(ctx); err != nil {
		s.log.Error("supervisor.error", "error", err.Error())
		s.reportFatalError(ctx, err.Error())
		return err
	}
	opencodeReady = true

	s.startBridge(ctx)

	s.log.Info("sandbox.startup",
		"repo_owner", s.cfg.RepoOwner,
		"repo_name", s.cfg.RepoName,
		"restored_from_snapshot", s.cfg.RestoredFromSnapshot,
		"from_repo_image", s.cfg.FromRepoImage,
		"git_sync_success", gitSyncSuccess,
		"setup_success", setupSuccess,
		"opencode_ready", opencodeReady,
		"duration_ms", time.Since(startupStart).Milliseconds(),
		"outcome", "success")

	return s.monitorProcesses(ctx)
}

// reportFatalError POSTs a fatal error back to the control plane so it can
// spawn a replacement sandbox instead of waiting out a dead one.
func (s *Supervisor) reportFatalError(ctx context.Context, message string) {
	s.log.Error("supervisor.fatal", "message", message)
	if s.cfg.ControlPlaneURL == "" {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	payload, _ := json.Marshal(map[string]any{"error": message, "fatal": true})
	url := fmt.Sprintf("%s/sandbox/%s/error", strings.TrimRight(s.cfg.ControlPlaneURL, "/"), s.cfg.SandboxID)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		s.log.Error("supervisor.report_error_failed", "error", err.Error())
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.SandboxToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.log.Error("supervisor.report_error_failed", "error", err.Error())
		return
	}
	resp.Body.Close()
}

// shutdown gracefully terminates the bridge then the agent server, matching
// entrypoint.py's ordering and per-process grace periods.
func (s *Supervisor) shutdown() {
	s.log.Info("supervisor.shutdown_start")

	s.mu.Lock()
	bridge := s.bridgeProc
	agent := s.agentProc
	s.mu.Unlock()

	if bridge != nil {
		bridge.terminateWithGrace(5 * time.Second)
	}
	if agent != nil {
		agent.terminateWithGrace(10 * time.Second)
	}

	s.log.Info("supervisor.shutdown_complete")
}

func backoffDelay(attempt int) time.Duration {
	seconds := math.Min(math.Pow(BackoffBase, float64(attempt)), BackoffMax.Seconds())
	return time.Duration(seconds * float64(time.Second))
}

func parseSetupTimeout() time.Duration {
	raw := os.Getenv("SETUP_TIMEOUT_SECONDS")
	if raw == "" {
		return DefaultSetupTimeoutSeconds * time.Second
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultSetupTimeoutSeconds * time.Second
	}
	return time.Duration(seconds) * time.Second
}
