// Package agentclient is the HTTP+SSE client the bridge uses to talk to the
// local coding-agent server (OpenCode-compatible REST + SSE API).
//
// Grounded on the sandbox bridge's httpx calls: session creation/probe,
// async prompt submission, stop, final-message fetch, and the raw SSE event
// stream reader.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	connectTimeout  = 30 * time.Second
	defaultTimeout  = 30 * time.Second
	requestTimeout  = 10 * time.Second
)

// Client talks to a single local agent server instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client targeting http://localhost:<port>.
func New(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://localhost:%d", port),
		http: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// CreateSession creates a new agent session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create session: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("create session: decode response: %w", err)
	}
	return body.ID, nil
}

// ProbeSession reports whether sessionID is still valid on the agent side.
// A non-200 response (including a request error) is treated as invalid,
// matching the bridge's "discard on probe failure" behavior.
func (c *Client) ProbeSession(ctx context.Context, sessionID string) bool {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/"+sessionID, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// PromptRequest is the body of a prompt_async POST.
type PromptRequest struct {
	Parts     []PromptPart `json:"parts"`
	MessageID string       `json:"messageID,omitempty"`
	Model     *PromptModel `json:"model,omitempty"`
}

type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type PromptModel struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// BuildPromptRequest mirrors _build_prompt_request_body: splits a
// "provider/model" string on the first slash, defaulting to "anthropic"
// when no slash is present.
func BuildPromptRequest(content string, model string, agentMessageID string) PromptRequest {
	req := PromptRequest{
		Parts:     []PromptPart{{Type: "text", Text: content}},
		MessageID: agentMessageID,
	}
	if model != "" {
		providerID, modelID := "anthropic", model
		if idx := strings.IndexByte(model, '/'); idx >= 0 {
			providerID, modelID = model[:idx], model[idx+1:]
		}
		req.Model = &PromptModel{ProviderID: providerID, ModelID: modelID}
	}
	return req
}

// SubmitPromptAsync POSTs the async prompt request. Accepts 200 or 204.
func (c *Client) SubmitPromptAsync(ctx context.Context, sessionID string, body PromptRequest) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal prompt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session/"+sessionID+"/prompt_async", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		errBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("async prompt failed: %d - %s", resp.StatusCode, string(errBody))
	}
	return nil
}

// StopSession best-effort-requests the agent abort the session. Errors are
// returned for the caller to log; the spec treats this as best-effort and
// never fails the surrounding operation because of it.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session/"+sessionID+"/stop", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// Message mirrors the subset of the agent's message-list response shape
// the translator cares about.
type Message struct {
	Info struct {
		ID       string `json:"id"`
		Role     string `json:"role"`
		SessionID string `json:"sessionID"`
		ParentID string `json:"parentID"`
	} `json:"info"`
	Parts []MessagePart `json:"parts"`
}

type MessagePart struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Text string `json:"text"`
}

// FinalMessages fetches the full message list for a session.
func (c *Client) FinalMessages(ctx context.Context, sessionID string) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/"+sessionID+"/message", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch final messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch final messages: unexpected status %d", resp.StatusCode)
	}

	var messages []Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decode final messages: %w", err)
	}
	return messages, nil
}

// Health checks the agent's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/global/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SSEEvent is a single parsed Server-Sent Event from the agent's /event
// stream: the raw JSON payload from one or more `data:` lines.
type SSEEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// OpenEventStream opens the agent's long-lived SSE endpoint. The caller is
// responsible for closing the returned body.
func (c *Client) OpenEventStream(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No read timeout on this client: the stream is long-lived and the
	// inactivity deadline is enforced by the prompt session's own timer,
	// not by an HTTP client timeout.
	client := &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			ResponseHeaderTimeout: connectTimeout,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open event stream: unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

// SSEReader parses the double-newline-delimited `data:` event framing the
// agent uses, resetting an inactivity deadline on every chunk received via
// the onChunk callback.
type SSEReader struct {
	r      *bufio.Reader
	buffer strings.Builder
}

// NewSSEReader wraps body for line-oriented reads.
func NewSSEReader(body io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReaderSize(body, 64*1024)}
}

// Next blocks until a complete event is parsed, the stream ends (io.EOF),
// or an error occurs. onChunk, if non-nil, is invoked once per underlying
// read so callers can reset an inactivity deadline.
func (s *SSEReader) Next(onChunk func()) (*SSEEvent, error) {
	for {
		if ev, ok := s.drainBuffered(); ok {
			return ev, nil
		}

		line, err := s.r.ReadString('\n')
		if len(line) > 0 {
			if onChunk != nil {
				onChunk()
			}
			s.buffer.WriteString(line)
		}
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

func (s *SSEReader) drainBuffered() (*SSEEvent, bool) {
	buffered := s.buffer.String()
	idx := strings.Index(buffered, "\n\n")
	if idx < 0 {
		return nil, false
	}

	eventStr := buffered[:idx]
	rest := buffered[idx+2:]
	s.buffer.Reset()
	s.buffer.WriteString(rest)

	var dataLines []string
	for _, line := range strings.Split(eventStr, "\n") {
		if strings.HasPrefix(line, "data:") {
			content := strings.TrimPrefix(line, "data:")
			content = strings.TrimLeft(content, " ")
			if content != "" {
				dataLines = append(dataLines, content)
			}
		}
	}
	if len(dataLines) == 0 {
		// Blank/keepalive frame; keep scanning.
		return s.drainBuffered()
	}

	var ev SSEEvent
	if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &ev); err != nil {
		// Malformed chunk: skip it, matching the bridge's debug-and-continue
		// behavior on a single bad SSE frame.
		return s.drainBuffered()
	}
	return &ev, true
}
