// Package promptsession implements the SSE translator: the per-prompt state
// machine that correlates the local agent server's OpenCode-shaped event
// stream back to a single prompt, buffers parts that arrive before their
// owning assistant message is identified, and converts them into the
// control-plane's Event vocabulary.
//
// Grounded on the sandbox bridge's _stream_opencode_response_sse,
// _transform_part_to_event, _build_prompt_request_body, _parse_sse_stream,
// and _fetch_final_message_state.
package promptsession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sandboxctl/agent-bridge/internal/agentclient"
	"github.com/sandboxctl/agent-bridge/internal/idgen"
	"github.com/sandboxctl/agent-bridge/internal/model"
)

const (
	DefaultSSEInactivityTimeout = 120 * time.Second
	MinSSEInactivityTimeout     = 5 * time.Second
	MaxSSEInactivityTimeout     = 3600 * time.Second
	PromptMaxDuration           = 5400 * time.Second
	MaxPendingPartEvents        = 2000
)

// Request describes one prompt to run against the agent server.
type Request struct {
	// MessageID is the control-plane's id for this prompt; every emitted
	// event carries it so the control plane can correlate the reply.
	MessageID string
	Content   string
	Model     string
	SessionID string
}

// Translator runs one prompt at a time against the local agent server and
// emits Events via the supplied callback as they become attributable.
type Translator struct {
	agent                *agentclient.Client
	ids                  *idgen.Generator
	sseInactivityTimeout time.Duration
	log                  *slog.Logger
}

// New builds a Translator. sseInactivityTimeout should already be resolved
// and clamped (see config.ResolveTimeoutSeconds).
func New(agent *agentclient.Client, ids *idgen.Generator, sseInactivityTimeout time.Duration, log *slog.Logger) *Translator {
	return &Translator{agent: agent, ids: ids, sseInactivityTimeout: sseInactivityTimeout, log: log}
}

// Stream runs req to completion, invoking emit for each event in order. A
// returned error means the prompt ended abnormally (timeout, read failure,
// or a rejected submission) and the caller should report execution_complete
// with success=false; a nil error means the stream ended cleanly, including
// the case where a session.error event was already emitted to the caller.
func (t *Translator) Stream(ctx context.Context, req Request, emit func(model.Event)) error {
	opencodeMessageID := t.ids.Ascending("message")
	body := agentclient.BuildPromptRequest(req.Content, req.Model, opencodeMessageID)

	streamResp, err := t.agent.OpenEventStream(ctx)
	if err != nil {
		return fmt.Errorf("sse connection failed: %w", err)
	}
	defer streamResp.Body.Close()

	promptStart := time.Now()
	if err := t.agent.SubmitPromptAsync(ctx, req.SessionID, body); err != nil {
		return err
	}

	state := &streamState{
		opencodeSessionID:      req.SessionID,
		opencodeMessageID:      opencodeMessageID,
		messageID:              req.MessageID,
		cumulativeText:         map[string]string{},
		emittedToolStates:      map[string]struct{}{},
		allowedAssistantMsgIDs: map[string]struct{}{},
		pendingParts:           map[string][]bufferedPart{},
	}

	reader := agentclient.NewSSEReader(streamResp.Body)

	type readResult struct {
		ev  *agentclient.SSEEvent
		err error
	}
	results := make(chan readResult, 1)
	chunks := make(chan struct{}, 1)
	notifyChunk := func() {
		select {
		case chunks <- struct{}{}:
		default:
		}
	}

	go func() {
		for {
			ev, err := reader.Next(notifyChunk)
			results <- readResult{ev, err}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(t.sseInactivityTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-chunks:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.sseInactivityTimeout)

		case res := <-results:
			if res.err != nil {
				if res.err == io.EOF {
					return nil
				}
				return fmt.Errorf("sse read error: %w", res.err)
			}

			outcome := t.dispatchEvent(res.ev, state, emit)
			switch outcome {
			case outcomeContinue:
				// fall through to duration check below
			case outcomeIdle:
				t.fetchFinalMessageState(ctx, state, emit)
				return nil
			case outcomeSessionError:
				return nil
			}

			if time.Since(promptStart) > PromptMaxDuration {
				t.log.Error("bridge.prompt_max_duration_timeout",
					"timeout_ms", PromptMaxDuration.Milliseconds(),
					"message_id", req.MessageID)
				t.requestStop(req.SessionID, "prompt_max_duration_timeout")
				t.fetchFinalMessageState(ctx, state, emit)
				return fmt.Errorf("prompt exceeded max duration of %.0fs", PromptMaxDuration.Seconds())
			}

		case <-timer.C:
			elapsed := time.Since(promptStart)
			t.log.Error("bridge.sse_inactivity_timeout",
				"timeout_ms", t.sseInactivityTimeout.Milliseconds(),
				"elapsed_ms", elapsed.Milliseconds(),
				"message_id", req.MessageID)
			t.requestStop(req.SessionID, "inactivity_timeout")
			t.fetchFinalMessageState(ctx, state, emit)
			return fmt.Errorf("sse stream inactive for %.0fs (no data received), total elapsed %.0fs",
				t.sseInactivityTimeout.Seconds(), elapsed.Seconds())
		}
	}
}

func (t *Translator) requestStop(sessionID, reason string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.agent.StopSession(stopCtx, sessionID); err != nil {
		t.log.Warn("bridge.stop_request_failed", "reason", reason, "error", err.Error())
	}
}

type streamOutcome int

const (
	outcomeContinue streamOutcome = iota
	outcomeIdle
	outcomeSessionError
)

// streamState is the per-prompt correlation state threaded through every
// event the agent server emits while this prompt is in flight.
type streamState struct {
	opencodeSessionID string
	opencodeMessageID string
	messageID         string

	cumulativeText         map[string]string
	emittedToolStates      map[string]struct{}
	allowedAssistantMsgIDs map[string]struct{}
	pendingParts           map[string][]bufferedPart
	pendingPartsTotal      int
	pendingDropLogged      bool
}

type bufferedPart struct {
	part  wirePart
	delta string
}

type wirePart struct {
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	MessageID string         `json:"messageID"`
	Text      string         `json:"text"`
	Tool      string         `json:"tool"`
	CallID    string         `json:"callID"`
	State     *wireToolState `json:"state,omitempty"`
	Cost      *float64       `json:"cost,omitempty"`
	Tokens    any            `json:"tokens,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

type wireToolState struct {
	Status string `json:"status"`
	Input  any    `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

type messageUpdatedProps struct {
	Info struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionID"`
		ParentID  string `json:"parentID"`
		Role      string `json:"role"`
		Finish    string `json:"finish"`
	} `json:"info"`
}

type partUpdatedProps struct {
	Part  wirePart        `json:"part"`
	Delta json.RawMessage `json:"delta"`
}

type sessionIdleProps struct {
	SessionID string `json:"sessionID"`
}

type sessionStatusProps struct {
	SessionID string `json:"sessionID"`
	Status    struct {
		Type string `json:"type"`
	} `json:"status"`
}

type sessionErrorProps struct {
	SessionID string          `json:"sessionID"`
	Error     json.RawMessage `json:"error"`
}

func (t *Translator) dispatchEvent(ev *agentclient.SSEEvent, s *streamState, emit func(model.Event)) streamOutcome {
	switch ev.Type {
	case "server.connected", "server.heartbeat":
		return outcomeContinue

	case "message.updated":
		var props messageUpdatedProps
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return outcomeContinue
		}
		if props.Info.SessionID != s.opencodeSessionID {
			return outcomeContinue
		}
		if props.Info.Role == "assistant" && props.Info.ParentID == s.opencodeMessageID && props.Info.ID != "" {
			s.allowedAssistantMsgIDs[props.Info.ID] = struct{}{}
			pending := s.pendingParts[props.Info.ID]
			delete(s.pendingParts, props.Info.ID)
			s.pendingPartsTotal -= len(pending)
			for _, bp := range pending {
				s.handlePart(bp.part, bp.delta, emit)
			}
		}
		return outcomeContinue

	case "message.part.updated":
		var props partUpdatedProps
		if err := json.Unmarshal(ev.Properties, &props); err != nil {
			return outcomeContinue
		}
		if props.Part.MessageID == "" {
			return outcomeContinue
		}
		delta := decodeDelta(props.Delta)
		if _, ok := s.allowedAssistantMsgIDs[props.Part.MessageID]; ok {
			s.handlePart(props.Part, delta, emit)
		} else {
			s.bufferPart(props.Part.MessageID, props.Part, delta, t.log)
		}
		return outcomeContinue

	case "session.idle":
		var props sessionIdleProps
		if err := json.Unmarshal(ev.Properties, &props); err == nil && props.SessionID == s.opencodeSessionID {
			return outcomeIdle
		}
		return outcomeContinue

	case "session.status":
		var props sessionStatusProps
		if err := json.Unmarshal(ev.Properties, &props); err == nil &&
			props.SessionID == s.opencodeSessionID && props.Status.Type == "idle" {
			return outcomeIdle
		}
		return outcomeContinue

	case "session.error":
		var props sessionErrorProps
		if err := json.Unmarshal(ev.Properties, &props); err == nil && props.SessionID == s.opencodeSessionID {
			t.log.Error("bridge.session_error", "error", decodeErrorMessage(props.Error))
			emit(model.Event{
				Type:      model.EventError,
				Error:     decodeErrorMessage(props.Error),
				MessageID: s.messageID,
			})
			return outcomeSessionError
		}
		return outcomeContinue

	default:
		return outcomeContinue
	}
}

func (s *streamState) handlePart(part wirePart, delta string, emit func(model.Event)) {
	switch part.Type {
	case "text":
		if delta != "" {
			s.cumulativeText[part.ID] = s.cumulativeText[part.ID] + delta
		} else {
			s.cumulativeText[part.ID] = part.Text
		}
		if text := s.cumulativeText[part.ID]; text != "" {
			emit(model.Event{Type: model.EventToken, Content: text, MessageID: s.messageID})
		}

	case "tool":
		ev, ok := transformToolPart(part, s.messageID)
		if !ok {
			return
		}
		status := ""
		if part.State != nil {
			status = part.State.Status
		}
		key := fmt.Sprintf("tool:%s:%s", part.CallID, status)
		if _, seen := s.emittedToolStates[key]; seen {
			return
		}
		s.emittedToolStates[key] = struct{}{}
		emit(ev)

	case "step-start":
		emit(model.Event{Type: model.EventStepStart, MessageID: s.messageID})

	case "step-finish":
		emit(model.Event{
			Type:      model.EventStepFinish,
			Cost:      part.Cost,
			Tokens:    part.Tokens,
			Reason:    part.Reason,
			MessageID: s.messageID,
		})
	}
}

func (s *streamState) bufferPart(opencodeMsgID string, part wirePart, delta string, log *slog.Logger) {
	if s.pendingPartsTotal >= MaxPendingPartEvents {
		if !s.pendingDropLogged {
			log.Warn("bridge.pending_parts_dropped", "message_id", s.messageID, "limit", MaxPendingPartEvents)
			s.pendingDropLogged = true
		}
		return
	}
	s.pendingParts[opencodeMsgID] = append(s.pendingParts[opencodeMsgID], bufferedPart{part: part, delta: delta})
	s.pendingPartsTotal++
}

// transformToolPart mirrors _transform_part_to_event's tool branch: a
// pending call with no input yet is not worth surfacing.
func transformToolPart(part wirePart, messageID string) (model.Event, bool) {
	status := ""
	var input any
	var output string
	if part.State != nil {
		status = part.State.Status
		input = part.State.Input
		output = part.State.Output
	}
	if (status == "pending" || status == "") && isEmptyInput(input) {
		return model.Event{}, false
	}
	return model.Event{
		Type:      model.EventToolCall,
		Tool:      part.Tool,
		Args:      input,
		CallID:    part.CallID,
		Status:    status,
		Output:    output,
		MessageID: messageID,
	}, true
}

func isEmptyInput(input any) bool {
	if input == nil {
		return true
	}
	m, ok := input.(map[string]any)
	return ok && len(m) == 0
}

func decodeDelta(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func decodeErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "Unknown error"
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return "Unknown error"
}

// fetchFinalMessageState re-reads the agent's message list after an idle
// signal to pick up any text the SSE stream may have missed due to event
// ordering, and emits a token event for anything longer than what was
// already sent.
func (t *Translator) fetchFinalMessageState(ctx context.Context, s *streamState, emit func(model.Event)) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	messages, err := t.agent.FinalMessages(ctx, s.opencodeSessionID)
	if err != nil {
		t.log.Error("bridge.final_state_error", "error", err.Error())
		return
	}

	for _, msg := range messages {
		if msg.Info.Role != "assistant" {
			continue
		}
		_, tracked := s.allowedAssistantMsgIDs[msg.Info.ID]
		if msg.Info.ParentID != s.opencodeMessageID && !tracked {
			continue
		}
		for _, part := range msg.Parts {
			if part.Type != "text" {
				continue
			}
			previous := s.cumulativeText[part.ID]
			if len(part.Text) > len(previous) {
				s.cumulativeText[part.ID] = part.Text
				emit(model.Event{Type: model.EventToken, Content: part.Text, MessageID: s.messageID})
			}
		}
	}
}
