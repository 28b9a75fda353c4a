// Command bridge runs inside a sandbox alongside the local agent server: it
// holds the persistent control-plane connection, translates prompt commands
// into agent server calls, and relays streamed output back as events.
//
// Grounded on the sandbox bridge's main()/AgentBridge: flags mirror its
// argparse block (--sandbox-id/--session-id/--control-plane/--token/
// --opencode-port), and the websocket URL derivation mirrors its ws_url
// property.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sandboxctl/agent-bridge/internal/agentclient"
	"github.com/sandboxctl/agent-bridge/internal/auditlog"
	"github.com/sandboxctl/agent-bridge/internal/config"
	"github.com/sandboxctl/agent-bridge/internal/dispatch"
	"github.com/sandboxctl/agent-bridge/internal/idgen"
	"github.com/sandboxctl/agent-bridge/internal/link"
	"github.com/sandboxctl/agent-bridge/internal/model"
	"github.com/sandboxctl/agent-bridge/internal/promptsession"
	"github.com/sandboxctl/agent-bridge/internal/redact"
)

// linkSender adapts a *link.Link, assigned after construction, to
// dispatch.Sender. The bridge's handler needs a Sender before the Link
// that owns the connection exists (Link's constructor requires a Handler),
// so this indirection breaks that construction cycle.
type linkSender struct {
	link **link.Link
}

func (s linkSender) Send(ev model.Event) {
	if *s.link != nil {
		(*s.link).Send(ev)
	}
}

func main() {
	sandboxID := flag.String("sandbox-id", "", "Sandbox ID")
	sessionID := flag.String("session-id", "", "Session ID for WebSocket connection")
	controlPlane := flag.String("control-plane", "", "Control plane URL")
	token := flag.String("token", "", "Auth token")
	opencodePort := flag.Int("opencode-port", 4096, "OpenCode port")
	configPath := flag.String("config", "", "optional local-dev config file (logging/timeouts overlay)")
	flag.Parse()

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	redactor := redact.NewDefault()
	if len(cfg.Logging.RedactPatterns) > 0 {
		custom, err := redact.New(cfg.Logging.RedactPatterns)
		if err != nil {
			fmt.Fprintf(os.Stderr, "compile redact_patterns: %v\n", err)
			os.Exit(1)
		}
		redactor = custom
	}

	log := slog.New(slog.NewJSONHandler(redactor.Writer(os.Stdout), &slog.HandlerOptions{Level: cfg.Logging.ParsedLevel()}))

	if *sandboxID == "" || *sessionID == "" || *controlPlane == "" || *token == "" {
		log.Error("bridge.flags_missing", "sandbox_id", *sandboxID, "session_id", *sessionID, "control_plane", *controlPlane)
		os.Exit(1)
	}

	agent := agentclient.New(*opencodePort)

	sseTimeout := config.ResolveTimeoutSeconds(log, "BRIDGE_SSE_INACTIVITY_TIMEOUT",
		config.ParseDuration(cfg.Timeouts.SSEInactivity, promptsession.DefaultSSEInactivityTimeout).Seconds(),
		promptsession.MinSSEInactivityTimeout.Seconds(),
		promptsession.MaxSSEInactivityTimeout.Seconds())
	translator := promptsession.New(agent, idgen.New(), time.Duration(sseTimeout*float64(time.Second)), log)

	var audit *auditlog.Store
	store, err := auditlog.Open("/tmp/agent-bridge-audit.db")
	if err != nil {
		log.Warn("auditlog.open_error", "error", err.Error())
	} else {
		audit = store
		defer store.Close()
	}

	var lnk *link.Link
	sender := linkSender{link: &lnk}

	bridge := dispatch.New(dispatch.Config{
		Agent:         agent,
		Translator:    translator,
		Sender:        sender,
		Audit:         audit,
		RepoRoot:      "/workspace",
		SessionIDFile: "/tmp/opencode-session-id",
		RepoOwner:     os.Getenv("REPO_OWNER"),
		RepoName:      os.Getenv("REPO_NAME"),
		Log:           log,
	})

	wsURL := controlPlaneWSURL(*controlPlane, *sessionID)
	lnk = link.New(wsURL, *sandboxID, *token, bridge, bridge.SessionID, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		select {
		case <-bridge.ShutdownRequested():
			stop()
		case <-ctx.Done():
		}
	}()

	err = lnk.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, link.ErrSessionTerminated) {
		// A fatal control-plane rejection (401/403/404/410) or an ordinary
		// context cancellation is an intentional shutdown: exit 0 so the
		// supervisor doesn't treat it as a crash and restart with backoff.
		return
	}

	log.Error("bridge.run_error", "error", err.Error())
	os.Exit(1)
}

// controlPlaneWSURL derives the session websocket endpoint from the
// control plane's HTTP(S) base URL.
func controlPlaneWSURL(controlPlaneURL, sessionID string) string {
	url := strings.Replace(controlPlaneURL, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.TrimRight(url, "/")
	return fmt.Sprintf("%s/sessions/%s/ws?type=sandbox", url, sessionID)
}
