// Package link is the persistent bidirectional channel between the bridge
// and the remote control plane: a websocket connection carrying JSON
// Command frames inbound and JSON Event frames outbound, with reconnect and
// heartbeat handling.
//
// Grounded on the sandbox bridge's AgentBridge.run/_connect_and_run/
// _heartbeat_loop/_send_event/_handle_command, adapted to Go's goroutine and
// channel idiom in the reconnect/dispatch shape used by the wider example
// pack's websocket client (overseer-client.go.go).
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxctl/agent-bridge/internal/model"
)

const (
	HeartbeatInterval  = 30 * time.Second
	ReconnectBackoffBase = 2.0
	ReconnectMaxDelay  = 60 * time.Second
	pingInterval       = 20 * time.Second
	pingTimeout        = 10 * time.Second
)

// ErrSessionTerminated is returned from Run when the control plane rejects
// the connection with a status that can never succeed on retry (401, 403,
// 404, 410). The caller should shut down rather than reconnect.
var ErrSessionTerminated = errors.New("link: session terminated by control plane")

// Handler processes inbound commands. ready/heartbeat framing and outbound
// event delivery are owned by the Link itself; Handler only reacts to
// commands the control plane sends.
type Handler interface {
	// HandleCommand is invoked for every decoded inbound command. Long
	// running commands (prompt) should be run in their own goroutine by the
	// handler; HandleCommand itself must return promptly so the read loop
	// stays responsive to subsequent commands (e.g. push arriving while a
	// prompt is in flight).
	HandleCommand(ctx context.Context, cmd model.Command)
}

// Link owns one websocket connection to the control plane at a time, plus
// the reconnect loop that replaces it on failure.
type Link struct {
	url       string
	sandboxID string
	authToken string
	log       *slog.Logger
	handler   Handler
	sessionID func() string

	mu   sync.Mutex
	conn *websocket.Conn
}

// New constructs a Link. url is the full wss:// endpoint; authToken is sent
// as a bearer token and sandboxID as the X-Sandbox-ID header, matching the
// control plane's expected handshake. sessionID is called each time a
// connection is (re)established to stamp the ready event with whatever
// agent session the handler currently owns (possibly none yet); it may be
// nil if the caller never has one to report.
func New(url, sandboxID, authToken string, handler Handler, sessionID func() string, log *slog.Logger) *Link {
	return &Link{
		url:       url,
		sandboxID: sandboxID,
		authToken: authToken,
		handler:   handler,
		sessionID: sessionID,
		log:       log,
	}
}

// Run connects and reconnects until ctx is cancelled or the control plane
// terminates the session. It returns ErrSessionTerminated on a fatal status
// and nil on ordinary context cancellation; any other returned error
// indicates the reconnect loop itself failed unexpectedly (it normally
// never does, since transient errors are retried internally).
func (l *Link) Run(ctx context.Context) error {
	l.log.Info("bridge.run_start")

	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := l.connectAndRun(ctx)
		if err == nil {
			attempts = 0
			continue
		}

		if errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, ErrSessionTerminated) {
			l.log.Info("bridge.disconnect", "reason", "session_terminated", "detail", err.Error())
			return ErrSessionTerminated
		}
		if isFatalConnectionError(err) {
			l.log.Error("bridge.disconnect", "reason", "fatal_error", "error", err.Error())
			return ErrSessionTerminated
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			l.log.Warn("bridge.disconnect", "reason", "connection_closed", "ws_close_code", closeErr.Code)
		} else {
			l.log.Warn("bridge.disconnect", "reason", "connection_error", "detail", err.Error())
		}

		attempts++
		delay := time.Duration(math.Min(math.Pow(ReconnectBackoffBase, float64(attempts)), ReconnectMaxDelay.Seconds())) * time.Second
		l.log.Info("bridge.reconnect", "attempt", attempts, "delay_s", delay.Seconds())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// isFatalConnectionError mirrors _is_fatal_connection_error: a handshake
// rejection carrying one of these statuses means retrying is futile.
func isFatalConnectionError(err error) bool {
	var statusErr *websocket.CloseError
	if errors.As(err, &statusErr) {
		return false
	}
	msg := err.Error()
	for _, code := range []string{"401", "403", "404", "410"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

func (l *Link) connectAndRun(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+l.authToken)
	headers.Set("X-Sandbox-ID", l.sandboxID)

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, l.url, headers)
	if err != nil {
		if resp != nil {
			if status := resp.StatusCode; status == 401 || status == 403 || status == 404 || status == 410 {
				return fmt.Errorf("%w: HTTP %d", ErrSessionTerminated, status)
			}
		}
		return fmt.Errorf("dial control plane: %w", err)
	}

	l.setConn(conn)
	l.log.Info("bridge.connect", "outcome", "success")

	conn.SetPingHandler(func(string) error {
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(pingTimeout))
	})

	defer func() {
		conn.Close()
		l.setConn(nil)
		l.log.Info("bridge.disconnect")
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.heartbeatLoop(runCtx)
	}()
	defer wg.Wait()

	ready := model.Event{
		Type:      model.EventReady,
		SandboxID: l.sandboxID,
	}
	if l.sessionID != nil {
		ready.OpencodeSessionID = l.sessionID()
	}
	l.Send(ready)

	for {
		if ctx.Err() != nil {
			cancel()
			return nil
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			cancel()
			return err
		}

		var cmd model.Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			l.log.Warn("bridge.invalid_message", "error", err.Error())
			continue
		}
		l.log.Debug("bridge.command_received", "cmd_type", cmd.Type)
		l.handler.HandleCommand(runCtx, cmd)
	}
}

func (l *Link) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Send(model.Event{
				Type:      model.EventHeartbeat,
				SandboxID: l.sandboxID,
				Status:    "ready",
			})
		}
	}
}

func (l *Link) setConn(c *websocket.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = c
}

// Send delivers event to the control plane. It is a silent no-op when no
// connection is currently open, matching the bridge's _send_event behavior
// of logging and dropping rather than buffering or failing the caller.
func (l *Link) Send(event model.Event) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		l.log.Debug("bridge.send_failed", "event_type", event.Type, "reason", "ws_none")
		return
	}

	if event.SandboxID == "" {
		event.SandboxID = l.sandboxID
	}
	event = event.WithTimestamp(time.Now())

	payload, err := json.Marshal(event)
	if err != nil {
		l.log.Error("bridge.send_error", "event_type", event.Type, "error", err.Error())
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		l.log.Error("bridge.send_error", "event_type", event.Type, "error", err.Error())
	}
}
