// Package gitops configures the per-prompt commit identity and performs the
// authenticated push back to GitHub.
//
// Grounded on the sandbox bridge's _configure_git_identity, _handle_push,
// and _resolve_github_token, with subprocess execution following the
// process-group isolation idiom used by the bridge's stdio provider.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sandboxctl/agent-bridge/internal/model"
)

const pushTimeout = 30 * time.Second

// FindRepoDir locates the single git working tree under root by globbing
// for "*/.git", mirroring the bridge's repo_path.glob("*/.git") lookup. It
// reports ok=false when no repository is present yet (e.g. git sync hasn't
// completed).
func FindRepoDir(root string) (dir string, ok bool) {
	matches, err := filepath.Glob(filepath.Join(root, "*", ".git"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return filepath.Dir(matches[0]), true
}

// ConfigureIdentity sets the local git user.name/user.email for repoDir so
// the next commit is attributed to user. A missing repository is logged and
// skipped rather than treated as an error, since the prompt may run before
// git sync has produced a working tree.
func ConfigureIdentity(ctx context.Context, repoRoot string, user model.GitUser, log *slog.Logger) {
	log.Debug("git.identity_configure", "git_name", user.Name, "git_email", user.Email)

	repoDir, ok := FindRepoDir(repoRoot)
	if !ok {
		log.Debug("git.identity_skip", "reason", "no_repository")
		return
	}

	if err := runGit(ctx, repoDir, "config", "--local", "user.name", user.Name); err != nil {
		log.Error("git.identity_error", "error", err.Error())
		return
	}
	if err := runGit(ctx, repoDir, "config", "--local", "user.email", user.Email); err != nil {
		log.Error("git.identity_error", "error", err.Error())
	}
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// TokenResolution is the outcome of resolving a GitHub push token, kept
// alongside its source for logging.
type TokenResolution struct {
	Token  string
	Source string
}

// ResolveGitHubToken applies the priority order the control plane expects:
// a token attached to this specific push command first (freshly minted),
// falling back to the token the supervisor started this sandbox with.
func ResolveGitHubToken(commandToken string) TokenResolution {
	if commandToken != "" {
		return TokenResolution{Token: commandToken, Source: "fresh from command"}
	}
	if envToken := os.Getenv("GITHUB_APP_TOKEN"); envToken != "" {
		return TokenResolution{Token: envToken, Source: "from env"}
	}
	return TokenResolution{Token: "", Source: "none"}
}

// PushRequest carries everything needed to push the current HEAD.
type PushRequest struct {
	BranchName string
	RepoOwner  string
	RepoName   string
	Token      string
}

// Push force-pushes HEAD to refs/heads/<branch> on the given GitHub repo
// using an x-access-token push URL, and returns the Event the bridge should
// send back to the control plane. It never returns a Go error: every
// failure mode (missing repo, missing credentials, git failure) is surfaced
// as a push_error Event, matching the bridge's own catch-all error handling.
func Push(ctx context.Context, repoRoot string, req PushRequest, tokenSource string, log *slog.Logger) model.Event {
	log.Info("git.push_start", "branch_name", req.BranchName, "repo_owner", req.RepoOwner,
		"repo_name", req.RepoName, "token_source", tokenSource)

	repoDir, ok := FindRepoDir(repoRoot)
	if !ok {
		log.Warn("git.push_error", "reason", "no_repository")
		return model.Event{Type: model.EventPushError, Error: "No repository found"}
	}

	if req.Token == "" || req.RepoOwner == "" || req.RepoName == "" {
		log.Warn("git.push_error", "reason", "missing_credentials")
		return model.Event{
			Type:       model.EventPushError,
			Error:      "Push failed - GitHub authentication token is required",
			BranchName: req.BranchName,
		}
	}

	pushURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", req.Token, req.RepoOwner, req.RepoName)
	refspec := fmt.Sprintf("HEAD:refs/heads/%s", req.BranchName)

	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	cmd := exec.CommandContext(pushCtx, "git", "push", pushURL, refspec, "-f")
	cmd.Dir = repoDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if _, err := cmd.CombinedOutput(); err != nil {
		log.Warn("git.push_failed", "branch_name", req.BranchName)
		return model.Event{
			Type:       model.EventPushError,
			Error:      "Push failed - authentication may be required",
			BranchName: req.BranchName,
		}
	}

	log.Info("git.push_complete", "branch_name", req.BranchName)
	return model.Event{Type: model.EventPushComplete, BranchName: req.BranchName}
}
