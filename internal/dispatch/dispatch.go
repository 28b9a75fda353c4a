// Package dispatch implements the bridge's control-plane Handler: it turns
// an inbound model.Command into calls against the agent client, the prompt
// translator, and gitops, and turns their results back into model.Events
// sent over the link.
//
// Grounded on the sandbox bridge's _handle_command/_handle_prompt/
// _handle_stop/_handle_snapshot/_handle_shutdown/_handle_push.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sandboxctl/agent-bridge/internal/agentclient"
	"github.com/sandboxctl/agent-bridge/internal/auditlog"
	"github.com/sandboxctl/agent-bridge/internal/gitops"
	"github.com/sandboxctl/agent-bridge/internal/model"
	"github.com/sandboxctl/agent-bridge/internal/promptsession"
)

// Sender is the subset of *link.Link the Bridge needs: sending an event
// back over the control-plane connection.
type Sender interface {
	Send(model.Event)
}

// Bridge owns the one agent-server session a sandbox runs at a time and
// dispatches every inbound command against it.
type Bridge struct {
	agent         *agentclient.Client
	translator    *promptsession.Translator
	sender        Sender
	audit         *auditlog.Store
	repoRoot      string
	sessionIDFile string
	log           *slog.Logger

	defaultRepoOwner string
	defaultRepoName  string

	mu                sync.Mutex
	opencodeSessionID string

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Config collects Bridge's constructor dependencies.
type Config struct {
	Agent         *agentclient.Client
	Translator    *promptsession.Translator
	Sender        Sender
	Audit         *auditlog.Store // may be nil; auditing is best-effort
	RepoRoot      string
	SessionIDFile string
	RepoOwner     string
	RepoName      string
	Log           *slog.Logger
}

// New constructs a Bridge ready to receive commands via HandleCommand.
func New(cfg Config) *Bridge {
	b := &Bridge{
		agent:            cfg.Agent,
		translator:       cfg.Translator,
		sender:           cfg.Sender,
		audit:            cfg.Audit,
		repoRoot:         cfg.RepoRoot,
		sessionIDFile:    cfg.SessionIDFile,
		defaultRepoOwner: cfg.RepoOwner,
		defaultRepoName:  cfg.RepoName,
		log:              cfg.Log,
		shutdown:         make(chan struct{}),
	}
	b.loadSessionID()
	return b
}

// ShutdownRequested returns a channel that closes once a shutdown command
// has been handled.
func (b *Bridge) ShutdownRequested() <-chan struct{} {
	return b.shutdown
}

// SessionID returns the agent session id this bridge currently owns, or
// "" if none has been loaded or created yet. Used to stamp the link's
// ready event so the control plane can correlate a restored session.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opencodeSessionID
}

// HandleCommand implements link.Handler. Prompt commands run in their own
// goroutine so the link's read loop stays responsive to a concurrent stop
// or push; every other command type is handled inline since none of them
// block for long.
func (b *Bridge) HandleCommand(ctx context.Context, cmd model.Command) {
	b.log.Debug("bridge.command_received", "cmd_type", string(cmd.Type))

	switch cmd.Type {
	case model.CommandPrompt:
		go b.handlePrompt(ctx, cmd)
	case model.CommandStop:
		b.handleStop(ctx)
	case model.CommandSnapshot:
		b.handleSnapshot()
	case model.CommandShutdown:
		b.handleShutdown()
	case model.CommandGitSyncComplete:
		// The supervisor signals this directly via its own git-sync phase;
		// the bridge itself has no gate waiting on it, so this is a no-op
		// kept for protocol symmetry with the control plane.
	case model.CommandPush:
		b.handlePush(ctx, cmd)
	default:
		b.log.Debug("bridge.unknown_command", "cmd_type", string(cmd.Type))
	}
}

func (b *Bridge) handlePrompt(ctx context.Context, cmd model.Command) {
	messageID := cmd.MessageID
	if messageID == "" {
		messageID = "unknown"
	}
	modelStr := ""
	if cmd.Model != nil {
		modelStr = *cmd.Model
	}

	start := time.Now()
	outcome := "success"
	b.log.Info("prompt.start", "message_id", messageID, "model", modelStr)

	gitUser := model.GitUser{Name: cmd.Author.GithubName, Email: cmd.Author.GithubEmail}
	if gitUser.Name == "" {
		gitUser.Name = model.FallbackGitUser.Name
	}
	if gitUser.Email == "" {
		gitUser.Email = model.FallbackGitUser.Email
	}
	gitops.ConfigureIdentity(ctx, b.repoRoot, gitUser, b.log)

	sessionID, err := b.ensureSession(ctx)
	if err != nil {
		b.finishPrompt(messageID, modelStr, start, "error", err)
		return
	}

	err = b.translator.Stream(ctx, promptsession.Request{
		MessageID: messageID,
		Content:   cmd.Content,
		Model:     modelStr,
		SessionID: sessionID,
	}, b.sender.Send)

	if err != nil {
		outcome = "error"
	}
	b.finishPrompt(messageID, modelStr, start, outcome, err)
}

func (b *Bridge) finishPrompt(messageID, modelStr string, start time.Time, outcome string, err error) {
	success := err == nil
	ev := model.Event{
		Type:      model.EventExecutionComplete,
		MessageID: messageID,
		Success:   model.BoolPtr(success),
	}
	if err != nil {
		ev.Error = err.Error()
		b.log.Error("prompt.error", "error", err.Error(), "message_id", messageID)
	}
	b.sender.Send(ev)

	durationMS := time.Since(start).Milliseconds()
	b.log.Info("prompt.run", "message_id", messageID, "model", modelStr, "outcome", outcome, "duration_ms", durationMS)

	if b.audit != nil {
		rec := auditlog.Record{
			MessageID:  messageID,
			Model:      modelStr,
			Outcome:    outcome,
			StartedAt:  start,
			DurationMS: durationMS,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if auditErr := b.audit.Record(rec); auditErr != nil {
			b.log.Warn("auditlog.record_error", "error", auditErr.Error())
		}
	}
}

func (b *Bridge) ensureSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	existing := b.opencodeSessionID
	b.mu.Unlock()
	if existing != "" {
		return existing, nil
	}

	sessionID, err := b.agent.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("create agent session: %w", err)
	}

	b.mu.Lock()
	b.opencodeSessionID = sessionID
	b.mu.Unlock()
	b.log.Info("opencode.session.ensure", "opencode_session_id", sessionID, "action", "created")
	b.saveSessionID(sessionID)
	return sessionID, nil
}

func (b *Bridge) handleStop(ctx context.Context) {
	b.log.Info("bridge.stop")
	b.requestAgentStop(ctx, "command")
}

func (b *Bridge) requestAgentStop(ctx context.Context, reason string) {
	b.mu.Lock()
	sessionID := b.opencodeSessionID
	b.mu.Unlock()
	if sessionID == "" {
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := b.agent.StopSession(stopCtx, sessionID); err != nil {
		b.log.Warn("bridge.stop_request_error", "error", err.Error(), "reason", reason)
		return
	}
	b.log.Info("bridge.stop_requested", "reason", reason)
}

func (b *Bridge) handleSnapshot() {
	b.log.Info("bridge.snapshot_prepare")
	b.mu.Lock()
	sessionID := b.opencodeSessionID
	b.mu.Unlock()
	b.sender.Send(model.Event{Type: model.EventSnapshotReady, OpencodeSessionID: sessionID})
}

func (b *Bridge) handleShutdown() {
	b.log.Info("bridge.shutdown_requested")
	b.shutdownOnce.Do(func() { close(b.shutdown) })
}

func (b *Bridge) handlePush(ctx context.Context, cmd model.Command) {
	repoOwner := cmd.RepoOwner
	if repoOwner == "" {
		repoOwner = b.defaultRepoOwner
	}
	repoName := cmd.RepoName
	if repoName == "" {
		repoName = b.defaultRepoName
	}

	resolved := gitops.ResolveGitHubToken(cmd.GithubToken)
	ev := gitops.Push(ctx, b.repoRoot, gitops.PushRequest{
		BranchName: cmd.BranchName,
		RepoOwner:  repoOwner,
		RepoName:   repoName,
		Token:      resolved.Token,
	}, resolved.Source, b.log)

	b.sender.Send(ev)
}

func (b *Bridge) loadSessionID() {
	if b.sessionIDFile == "" {
		return
	}
	data, err := os.ReadFile(b.sessionIDFile)
	if err != nil {
		return
	}
	sessionID := strings.TrimSpace(string(data))
	if sessionID == "" {
		return
	}

	if !b.agent.ProbeSession(context.Background(), sessionID) {
		b.log.Info("opencode.session.invalid", "opencode_session_id", sessionID)
		return
	}

	b.mu.Lock()
	b.opencodeSessionID = sessionID
	b.mu.Unlock()
	b.log.Info("opencode.session.ensure", "opencode_session_id", sessionID, "action", "loaded")
}

// saveSessionID writes sessionID to a temp file in the same directory and
// renames it into place, so a concurrent loadSessionID never observes a
// partially written file.
func (b *Bridge) saveSessionID(sessionID string) {
	if b.sessionIDFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.sessionIDFile), 0o755); err != nil {
		b.log.Error("opencode.session.save_error", "error", err.Error())
		return
	}

	tmpFile := b.sessionIDFile + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(sessionID), 0o644); err != nil {
		b.log.Error("opencode.session.save_error", "error", err.Error())
		return
	}
	if err := os.Rename(tmpFile, b.sessionIDFile); err != nil {
		b.log.Error("opencode.session.save_error", "error", err.Error())
	}
}
