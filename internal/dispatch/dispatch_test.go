package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxctl/agent-bridge/internal/agentclient"
	"github.com/sandboxctl/agent-bridge/internal/idgen"
	"github.com/sandboxctl/agent-bridge/internal/model"
	"github.com/sandboxctl/agent-bridge/internal/promptsession"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSender captures every event sent to the control plane so tests
// can assert on ordering and content without a real websocket.
type recordingSender struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingSender) Send(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSender) all() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

type fakeAgent struct {
	mu       sync.Mutex
	sessions int
	stopped  []string
	srv      *httptest.Server
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		fa.sessions++
		id := fmt.Sprintf("sess-%d", fa.sessions)
		fa.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q}`, id)
	})
	mux.HandleFunc("/session/sess-1/prompt_async", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/sess-1/stop", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		fa.stopped = append(fa.stopped, "sess-1")
		fa.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/sess-1/message", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/session/", func(w http.ResponseWriter, r *http.Request) {
		// Catch-all probe endpoint: any session id GET succeeds, exercised by
		// loadSessionID's validity check. More specific patterns above win.
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"sess-1\"}}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(100 * time.Millisecond)
	})

	fa.srv = httptest.NewServer(mux)
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAgent) port(t *testing.T) int {
	t.Helper()
	parts := strings.Split(fa.srv.URL, ":")
	port, err := strconv.Atoi(parts[len(parts)-1])
	require.NoError(t, err)
	return port
}

func newTestBridge(t *testing.T, fa *fakeAgent, sender *recordingSender) *Bridge {
	t.Helper()
	client := agentclient.New(fa.port(t))
	translator := promptsession.New(client, idgen.New(), 2*time.Second, discardLogger())
	return New(Config{
		Agent:      client,
		Translator: translator,
		Sender:     sender,
		RepoRoot:   t.TempDir(),
		RepoOwner:  "acme",
		RepoName:   "widgets",
		Log:        discardLogger(),
	})
}

func TestHandlePromptCreatesSessionAndEmitsCompletion(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	cmd := model.Command{
		Type:      model.CommandPrompt,
		MessageID: "msg-1",
		Content:   "do the thing",
	}
	b.handlePrompt(context.Background(), cmd)

	events := sender.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, model.EventExecutionComplete, last.Type)
	require.Equal(t, "msg-1", last.MessageID)
	require.NotNil(t, last.Success)
	require.True(t, *last.Success)
}

func TestHandlePromptReusesCachedSession(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	b.handlePrompt(context.Background(), model.Command{Type: model.CommandPrompt, MessageID: "m1", Content: "a"})
	b.handlePrompt(context.Background(), model.Command{Type: model.CommandPrompt, MessageID: "m2", Content: "b"})

	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.Equal(t, 1, fa.sessions)
}

func TestHandlePromptConfiguresGitIdentityWhenAuthorPresent(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	repoDir := filepath.Join(b.repoRoot, "workspace")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	initCmd := exec.Command("git", "init", "-q")
	initCmd.Dir = repoDir
	require.NoError(t, initCmd.Run())

	cmd := model.Command{
		Type:      model.CommandPrompt,
		MessageID: "msg-1",
		Content:   "do the thing",
		Author:    model.Author{GithubName: "Jane Dev", GithubEmail: "jane@example.com"},
	}
	b.handlePrompt(context.Background(), cmd)

	require.Equal(t, "Jane Dev", gitConfigValue(t, repoDir, "user.name"))
	require.Equal(t, "jane@example.com", gitConfigValue(t, repoDir, "user.email"))
}

func TestHandlePromptFallsBackToDefaultIdentityWhenAuthorMissing(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	repoDir := filepath.Join(b.repoRoot, "workspace")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	initCmd := exec.Command("git", "init", "-q")
	initCmd.Dir = repoDir
	require.NoError(t, initCmd.Run())

	b.handlePrompt(context.Background(), model.Command{Type: model.CommandPrompt, MessageID: "msg-1", Content: "do the thing"})

	require.Equal(t, model.FallbackGitUser.Name, gitConfigValue(t, repoDir, "user.name"))
	require.Equal(t, model.FallbackGitUser.Email, gitConfigValue(t, repoDir, "user.email"))
}

func TestHandlePromptFallsBackToDefaultEmailWhenOnlyEmailMissing(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	repoDir := filepath.Join(b.repoRoot, "workspace")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	initCmd := exec.Command("git", "init", "-q")
	initCmd.Dir = repoDir
	require.NoError(t, initCmd.Run())

	cmd := model.Command{
		Type:      model.CommandPrompt,
		MessageID: "msg-1",
		Content:   "do the thing",
		Author:    model.Author{GithubName: "Jane Dev"},
	}
	b.handlePrompt(context.Background(), cmd)

	require.Equal(t, "Jane Dev", gitConfigValue(t, repoDir, "user.name"))
	require.Equal(t, model.FallbackGitUser.Email, gitConfigValue(t, repoDir, "user.email"))
}

func TestHandlePromptFallsBackToDefaultNameWhenOnlyNameMissing(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	repoDir := filepath.Join(b.repoRoot, "workspace")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	initCmd := exec.Command("git", "init", "-q")
	initCmd.Dir = repoDir
	require.NoError(t, initCmd.Run())

	cmd := model.Command{
		Type:      model.CommandPrompt,
		MessageID: "msg-1",
		Content:   "do the thing",
		Author:    model.Author{GithubEmail: "jane@example.com"},
	}
	b.handlePrompt(context.Background(), cmd)

	require.Equal(t, model.FallbackGitUser.Name, gitConfigValue(t, repoDir, "user.name"))
	require.Equal(t, "jane@example.com", gitConfigValue(t, repoDir, "user.email"))
}

func gitConfigValue(t *testing.T, repoDir, key string) string {
	t.Helper()
	cmd := exec.Command("git", "config", "--local", key)
	cmd.Dir = repoDir
	out, err := cmd.Output()
	require.NoError(t, err)
	return strings.TrimSpace(string(out))
}

func TestHandleStopCallsAgentWhenSessionExists(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	b.mu.Lock()
	b.opencodeSessionID = "sess-1"
	b.mu.Unlock()

	b.handleStop(context.Background())

	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.Equal(t, []string{"sess-1"}, fa.stopped)
}

func TestHandleStopNoopWithoutSession(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	b.handleStop(context.Background())

	fa.mu.Lock()
	defer fa.mu.Unlock()
	require.Empty(t, fa.stopped)
}

func TestHandleSnapshotSendsCachedSessionID(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	b.mu.Lock()
	b.opencodeSessionID = "sess-7"
	b.mu.Unlock()

	b.handleSnapshot()

	events := sender.all()
	require.Len(t, events, 1)
	require.Equal(t, model.EventSnapshotReady, events[0].Type)
	require.Equal(t, "sess-7", events[0].OpencodeSessionID)
}

func TestHandleShutdownClosesChannelOnce(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	b.handleShutdown()
	b.handleShutdown() // must not panic on double-close

	select {
	case <-b.ShutdownRequested():
	default:
		t.Fatal("expected shutdown channel to be closed")
	}
}

func TestHandlePushWithoutRepoEmitsPushError(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	b.handlePush(context.Background(), model.Command{
		Type:        model.CommandPush,
		BranchName:  "feature/x",
		GithubToken: "tok",
	})

	events := sender.all()
	require.Len(t, events, 1)
	require.Equal(t, model.EventPushError, events[0].Type)
}

func TestHandlePushWithoutTokenEmitsPushErrorWithBranch(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	repoDir := filepath.Join(b.repoRoot, "workspace")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	initCmd := exec.Command("git", "init", "-q")
	initCmd.Dir = repoDir
	require.NoError(t, initCmd.Run())

	// No token supplied and no env fallback: push should fail fast on
	// missing credentials rather than attempting a network push.
	t.Setenv("GITHUB_APP_TOKEN", "")
	b.handlePush(context.Background(), model.Command{
		Type:       model.CommandPush,
		BranchName: "feature/x",
	})

	events := sender.all()
	require.Len(t, events, 1)
	require.Equal(t, model.EventPushError, events[0].Type)
	require.Equal(t, "feature/x", events[0].BranchName)
}

func TestHandleCommandUnknownTypeIsDropped(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	b.HandleCommand(context.Background(), model.Command{Type: model.CommandType("bogus")})

	require.Empty(t, sender.all())
}

func TestHandleCommandGitSyncCompleteIsNoop(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	b.HandleCommand(context.Background(), model.Command{Type: model.CommandGitSyncComplete})

	require.Empty(t, sender.all())
}

func TestSessionIDReflectsCachedSession(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)

	require.Equal(t, "", b.SessionID())

	b.mu.Lock()
	b.opencodeSessionID = "sess-9"
	b.mu.Unlock()

	require.Equal(t, "sess-9", b.SessionID())
}

func TestSaveSessionIDWritesAtomicallyAndLoadTrimsWhitespace(t *testing.T) {
	fa := newFakeAgent(t)
	sender := &recordingSender{}
	b := newTestBridge(t, fa, sender)
	b.sessionIDFile = filepath.Join(t.TempDir(), "opencode-session-id")

	b.saveSessionID("sess-42")

	_, err := os.Stat(b.sessionIDFile + ".tmp")
	require.True(t, os.IsNotExist(err), "temp file should have been renamed into place")

	data, err := os.ReadFile(b.sessionIDFile)
	require.NoError(t, err)
	require.Equal(t, "sess-42", string(data))

	require.NoError(t, os.WriteFile(b.sessionIDFile, []byte("sess-43\n"), 0o644))
	b.opencodeSessionID = ""
	b.loadSessionID()
	require.Equal(t, "sess-43", b.SessionID())
}
