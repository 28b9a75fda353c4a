package supervisor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// performGitSync is the cold-start path: clone the repo if it isn't
// already checked out, point origin at an authenticated URL, fetch the
// base branch, and rebase onto it. A rebase conflict is logged and
// abandoned rather than left half-applied; git sync is considered
// "complete" (the agent is allowed to proceed) regardless of outcome,
// matching entrypoint.py's perform_git_sync.
func (s *Supervisor) performGitSync(ctx context.Context) bool {
	repoPath := s.cfg.RepoPath()
	s.log.Debug("git.sync_start", "repo_owner", s.cfg.RepoOwner, "repo_name", s.cfg.RepoName,
		"repo_path", repoPath, "has_clone_token", s.cfg.VCSCloneToken != "")

	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		if s.cfg.RepoOwner == "" || s.cfg.RepoName == "" {
			s.log.Info("git.skip_clone", "reason", "no_repo_configured")
			return true
		}

		s.log.Info("git.clone_start", "repo_owner", s.cfg.RepoOwner, "repo_name", s.cfg.RepoName,
			"authenticated", s.cfg.VCSCloneToken != "")

		depth := "1"
		if s.cfg.ImageBuildMode {
			depth = "100"
		}

		cmd := exec.CommandContext(ctx, "git", "clone", "--depth", depth, "--branch", s.baseBranch(),
			s.cfg.BuildRepoURL(true), repoPath)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			s.log.Error("git.clone_error", "stderr", stderr.String(), "error", err.Error())
			return true
		}
		s.log.Info("git.clone_complete", "repo_path", repoPath)
	}

	if s.cfg.VCSCloneToken != "" {
		_ = runGitQuiet(ctx, repoPath, "remote", "set-url", "origin", s.cfg.BuildRepoURL(true))
	}

	baseBranch := s.baseBranch()
	if out, err := runGit(ctx, repoPath, "fetch", "origin", baseBranch); err != nil {
		s.log.Error("git.fetch_error", "stderr", out, "error", err.Error())
		return false
	}

	if out, err := runGit(ctx, repoPath, "rebase", "origin/"+baseBranch); err != nil {
		if rebaseInProgress(repoPath) {
			_ = runGitQuiet(ctx, repoPath, "rebase", "--abort")
		}
		s.log.Warn("git.rebase_error", "base_branch", baseBranch, "stderr", out)
	}

	sha, _ := runGit(ctx, repoPath, "rev-parse", "HEAD")
	s.log.Info("git.sync_complete", "head_sha", strings.TrimSpace(sha))
	return true
}

// incrementalGitSync is the from-repo-image path: the checkout already
// exists from the image build, so this just fetches and hard-resets onto
// the base branch rather than rebasing.
func (s *Supervisor) incrementalGitSync(ctx context.Context) bool {
	repoPath := s.cfg.RepoPath()
	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		s.log.Warn("git.incremental_sync_skip", "reason", "no_repo_path")
		return false
	}

	if s.cfg.VCSCloneToken != "" {
		if err := runGitQuiet(ctx, repoPath, "remote", "set-url", "origin", s.cfg.BuildRepoURL(true)); err != nil {
			s.log.Warn("git.set_url_failed", "error", err.Error())
		}
	}

	baseBranch := s.baseBranch()
	if out, err := runGit(ctx, repoPath, "fetch", "origin", baseBranch); err != nil {
		s.log.Error("git.incremental_fetch_error", "stderr", out, "error", err.Error())
		return false
	}

	if out, err := runGit(ctx, repoPath, "reset", "--hard", "origin/"+baseBranch); err != nil {
		s.log.Error("git.incremental_reset_error", "stderr", out, "error", err.Error())
	}

	s.log.Info("git.incremental_sync_complete")
	return true
}

// quickGitFetch is the restored-from-snapshot path: the workspace already
// has everything from the snapshot, so this is a best-effort diagnostic
// fetch that logs how far the remote has moved on rather than mutating
// the tree.
func (s *Supervisor) quickGitFetch(ctx context.Context) {
	repoPath := s.cfg.RepoPath()
	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		s.log.Info("git.quick_fetch_skip", "reason", "no_repo_path")
		return
	}

	if s.cfg.VCSCloneToken != "" {
		_ = runGitQuiet(ctx, repoPath, "remote", "set-url", "origin", s.cfg.BuildRepoURL(true))
	}

	if out, err := runGit(ctx, repoPath, "fetch", "--quiet", "origin"); err != nil {
		s.log.Warn("git.quick_fetch_error", "stderr", out, "error", err.Error())
		return
	}

	branch, err := runGit(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		s.log.Debug("git.snapshot_status_unknown", "reason", "no_upstream")
		return
	}
	branch = strings.TrimSpace(branch)

	count, err := runGit(ctx, repoPath, "rev-list", "--count", "HEAD..origin/"+branch)
	if err != nil {
		s.log.Debug("git.snapshot_status_unknown", "reason", "no_upstream")
		return
	}
	commitsBehind, _ := strconv.Atoi(strings.TrimSpace(count))
	s.log.Info("git.snapshot_status", "commits_behind", commitsBehind, "current_branch", branch)
}

func (s *Supervisor) baseBranch() string {
	return s.cfg.Session.BaseBranch()
}

func rebaseInProgress(repoPath string) bool {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(repoPath, ".git", name)); err == nil {
			return true
		}
	}
	return false
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stderr.String(), err
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}

func runGitQuiet(ctx context.Context, dir string, args ...string) error {
	_, err := runGit(ctx, dir, args...)
	return err
}
