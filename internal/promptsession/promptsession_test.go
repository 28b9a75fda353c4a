package promptsession

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandboxctl/agent-bridge/internal/agentclient"
	"github.com/sandboxctl/agent-bridge/internal/idgen"
	"github.com/sandboxctl/agent-bridge/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAgent serves a scripted SSE event stream and records submitted prompts.
type fakeAgent struct {
	mu          sync.Mutex
	sseFrames   []string
	messages    []agentclient.Message
	stopped     bool
	submitCount int

	srv *httptest.Server
}

func newFakeAgent(t *testing.T, frames []string) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{sseFrames: frames}

	mux := http.NewServeMux()
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, frame := range fa.sseFrames {
			fmt.Fprint(w, frame)
			if flusher != nil {
				flusher.Flush()
			}
		}
		// keep the connection open briefly so the prompt goroutine has time
		// to process before the handler returns and closes the body.
		time.Sleep(100 * time.Millisecond)
	})
	mux.HandleFunc("/session/sess-1/prompt_async", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		fa.submitCount++
		fa.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/sess-1/stop", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		fa.stopped = true
		fa.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/sess-1/message", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(marshalMessages(fa.messages))
	})

	fa.srv = httptest.NewServer(mux)
	t.Cleanup(fa.srv.Close)
	return fa
}

func marshalMessages(msgs []agentclient.Message) []byte {
	if msgs == nil {
		return []byte("[]")
	}
	// minimal hand-rolled encoder to avoid importing encoding/json here twice
	var b strings.Builder
	b.WriteString("[")
	for i, m := range msgs {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"info":{"id":%q,"role":%q,"sessionID":%q,"parentID":%q},"parts":[`,
			m.Info.ID, m.Info.Role, m.Info.SessionID, m.Info.ParentID)
		for j, p := range m.Parts {
			if j > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, `{"type":%q,"id":%q,"text":%q}`, p.Type, p.ID, p.Text)
		}
		b.WriteString("]}")
	}
	b.WriteString("]")
	return []byte(b.String())
}

func (fa *fakeAgent) port(t *testing.T) int {
	t.Helper()
	parts := strings.Split(fa.srv.URL, ":")
	port, err := strconv.Atoi(parts[len(parts)-1])
	require.NoError(t, err)
	return port
}

func sseFrame(eventType, properties string) string {
	return fmt.Sprintf("data: {\"type\":%q,\"properties\":%s}\n\n", eventType, properties)
}

func TestStreamDoesNotEmitUnadmittedParts(t *testing.T) {
	ids := idgen.New()

	frames := []string{
		sseFrame("message.part.updated", `{"part":{"type":"text","id":"prt_early","messageID":"msg_assistant"},"delta":"ignored because not yet admitted"}`),
		sseFrame("message.updated", `{"info":{"id":"msg_assistant","sessionID":"sess-1","parentID":"REPLACE_ME","role":"assistant"}}`),
		sseFrame("message.part.updated", `{"part":{"type":"text","id":"prt_1","messageID":"msg_assistant"},"delta":"Hello"}`),
		sseFrame("session.idle", `{"sessionID":"sess-1"}`),
	}
	fa := newFakeAgent(t, frames)

	client := agentclient.New(fa.port(t))
	tr := New(client, ids, DefaultSSEInactivityTimeout, discardLogger())

	var events []model.Event
	var mu sync.Mutex
	emit := func(e model.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}

	// The test doesn't control the ascending ID the translator generates
	// internally, so we can't pre-fill parentID to match exactly; instead
	// assert on the shape of what we CAN observe: buffered parts never
	// surface before admission, and the session terminates cleanly.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := tr.Stream(ctx, Request{MessageID: "cp-msg-1", Content: "hi", SessionID: "sess-1"}, emit)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	for _, e := range events {
		require.NotEqual(t, "ignored because not yet admitted", e.Content)
	}
}

func TestStreamEmitsErrorEventOnSessionError(t *testing.T) {
	ids := idgen.New()
	frames := []string{
		sseFrame("session.error", `{"sessionID":"sess-1","error":{"message":"boom"}}`),
	}
	fa := newFakeAgent(t, frames)
	client := agentclient.New(fa.port(t))
	tr := New(client, ids, DefaultSSEInactivityTimeout, discardLogger())

	var events []model.Event
	emit := func(e model.Event) { events = append(events, e) }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := tr.Stream(ctx, Request{MessageID: "cp-msg-1", Content: "hi", SessionID: "sess-1"}, emit)

	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, model.EventError, events[0].Type)
	require.Equal(t, "boom", events[0].Error)
}

func TestStreamFinalStateSkipsUnmatchedMessage(t *testing.T) {
	ids := idgen.New()
	frames := []string{
		sseFrame("session.idle", `{"sessionID":"sess-1"}`),
	}
	fa := newFakeAgent(t, frames)
	fa.messages = []agentclient.Message{
		{
			Parts: []agentclient.MessagePart{{Type: "text", ID: "prt_x", Text: "final text"}},
		},
	}
	fa.messages[0].Info.Role = "assistant"
	fa.messages[0].Info.SessionID = "sess-1"
	fa.messages[0].Info.ParentID = "does-not-match"
	fa.messages[0].Info.ID = "msg_untracked"

	client := agentclient.New(fa.port(t))
	tr := New(client, ids, DefaultSSEInactivityTimeout, discardLogger())

	var events []model.Event
	emit := func(e model.Event) { events = append(events, e) }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := tr.Stream(ctx, Request{MessageID: "cp-msg-1", Content: "hi", SessionID: "sess-1"}, emit)
	require.NoError(t, err)

	// Not tracked and parentID doesn't match opencodeMessageID, so the final
	// fetch correctly skips it - this asserts the skip path doesn't panic
	// and produces no spurious token.
	for _, e := range events {
		require.NotEqual(t, "final text", e.Content)
	}
}

func TestBufferPartDropsBeyondLimitWithSingleWarning(t *testing.T) {
	s := &streamState{
		messageID:              "cp-1",
		pendingParts:           map[string][]bufferedPart{},
		allowedAssistantMsgIDs: map[string]struct{}{},
	}
	log := discardLogger()
	for i := 0; i < MaxPendingPartEvents+5; i++ {
		s.bufferPart("msg_x", wirePart{Type: "text", ID: fmt.Sprintf("p%d", i)}, "x", log)
	}
	require.Equal(t, MaxPendingPartEvents, s.pendingPartsTotal)
	require.True(t, s.pendingDropLogged)
}

func TestTransformToolPartSkipsEmptyPendingInput(t *testing.T) {
	part := wirePart{Type: "tool", Tool: "bash", CallID: "call_1", State: &wireToolState{Status: "pending"}}
	_, ok := transformToolPart(part, "cp-1")
	require.False(t, ok)
}

func TestTransformToolPartEmitsWithInput(t *testing.T) {
	part := wirePart{
		Type:   "tool",
		Tool:   "bash",
		CallID: "call_1",
		State:  &wireToolState{Status: "completed", Input: map[string]any{"cmd": "ls"}, Output: "ok"},
	}
	ev, ok := transformToolPart(part, "cp-1")
	require.True(t, ok)
	require.Equal(t, model.EventToolCall, ev.Type)
	require.Equal(t, "bash", ev.Tool)
	require.Equal(t, "completed", ev.Status)
}

func TestDecodeDeltaHandlesNullAndString(t *testing.T) {
	require.Equal(t, "", decodeDelta(nil))
	require.Equal(t, "", decodeDelta([]byte("null")))
	require.Equal(t, "abc", decodeDelta([]byte(`"abc"`)))
}

func TestDecodeErrorMessageFallsBackToUnknown(t *testing.T) {
	require.Equal(t, "Unknown error", decodeErrorMessage(nil))
	require.Equal(t, "boom", decodeErrorMessage([]byte(`{"message":"boom"}`)))
	require.Equal(t, "plain", decodeErrorMessage([]byte(`"plain"`)))
}
