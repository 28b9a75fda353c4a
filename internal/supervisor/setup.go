package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/creack/pty"
)

// runSetupScript runs .openinspect/setup.sh in the repo if present, under a
// pty so interactive-looking build tooling (progress bars, prompts that
// auto-answer on EOF) behaves the way it would in a real terminal rather
// than buffering or blocking on a plain pipe. Failures and timeouts are
// logged but never fatal: a broken setup script shouldn't keep the rest of
// the sandbox from starting.
func (s *Supervisor) runSetupScript(ctx context.Context) bool {
	setupScript := filepath.Join(s.cfg.RepoPath(), SetupScriptPath)

	if _, err := os.Stat(setupScript); os.IsNotExist(err) {
		s.log.Debug("setup.skip", "reason", "no_setup_script", "path", setupScript)
		return true
	}

	timeout := parseSetupTimeout()
	s.log.Info("setup.start", "script", setupScript, "timeout_seconds", int(timeout.Seconds()))

	cmd := exec.Command("bash", setupScript)
	cmd.Dir = s.cfg.RepoPath()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		s.log.Error("setup.error", "error", err.Error(), "script", setupScript)
		return false
	}
	defer ptmx.Close()

	output := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(ptmx)
		output <- string(data)
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		tail := lastLines(<-output, 50)
		if err != nil {
			s.log.Error("setup.failed", "error", err.Error(), "output_tail", tail, "script", setupScript)
			return false
		}
		s.log.Debug("setup.complete", "exit_code", 0, "output_tail", tail)
		return true

	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-done
		tail := lastLines(<-output, 50)
		s.log.Error("setup.timeout", "timeout_seconds", int(timeout.Seconds()), "output_tail", tail, "script", setupScript)
		return false

	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return false
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
