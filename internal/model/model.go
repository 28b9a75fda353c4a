// Package model defines the tagged command/event types exchanged over the
// control-plane link, and the small set of identity/config values the
// bridge needs to operate.
package model

import "time"

// SandboxIdentity is immutable for the life of the bridge process, built
// from CLI arguments at startup.
type SandboxIdentity struct {
	SandboxID      string
	SessionID      string
	ControlPlaneURL string
	Token          string
	AgentPort      int
}

// GitUser is a commit-author identity applied before a prompt runs.
type GitUser struct {
	Name  string
	Email string
}

// FallbackGitUser substitutes, field by field, for whichever part of a
// prompt's author identity is missing, so every prompt commits under some
// identifiable author even when the control plane sends a partial or empty
// author block.
var FallbackGitUser = GitUser{Name: "Rove", Email: "rove@noreply.github.com"}

// Author mirrors the optional author block attached to a prompt command.
type Author struct {
	GithubName  string `json:"githubName,omitempty"`
	GithubEmail string `json:"githubEmail,omitempty"`
}

// Model selects a provider/model pair for a single prompt.
type Model struct {
	ProviderID string `json:"providerID,omitempty"`
	ModelID    string `json:"modelID,omitempty"`
}

// CommandType enumerates the closed set of inbound command discriminators.
type CommandType string

const (
	CommandPrompt          CommandType = "prompt"
	CommandStop            CommandType = "stop"
	CommandSnapshot        CommandType = "snapshot"
	CommandShutdown        CommandType = "shutdown"
	CommandGitSyncComplete CommandType = "git_sync_complete"
	CommandPush            CommandType = "push"
)

// Command is the envelope for every inbound control-plane message. Only the
// fields relevant to Type are populated; the rest stay at zero value.
type Command struct {
	Type         CommandType `json:"type"`
	MessageID    string      `json:"messageId"`
	Content      string      `json:"content"`
	Model        *string     `json:"model,omitempty"`
	Author       Author      `json:"author,omitempty"`
	BranchName   string      `json:"branchName,omitempty"`
	RepoOwner    string      `json:"repoOwner,omitempty"`
	RepoName     string      `json:"repoName,omitempty"`
	GithubToken  string      `json:"githubToken,omitempty"`
}

// EventType enumerates the closed set of outbound event discriminators.
type EventType string

const (
	EventReady             EventType = "ready"
	EventHeartbeat         EventType = "heartbeat"
	EventToken             EventType = "token"
	EventToolCall          EventType = "tool_call"
	EventStepStart         EventType = "step_start"
	EventStepFinish        EventType = "step_finish"
	EventExecutionComplete EventType = "execution_complete"
	EventError             EventType = "error"
	EventPushComplete      EventType = "push_complete"
	EventPushError         EventType = "push_error"
	EventSnapshotReady     EventType = "snapshot_ready"
)

// Event is the envelope for every outbound event. SandboxID and Timestamp
// are populated by the link's send path if left zero.
type Event struct {
	Type              EventType `json:"type"`
	SandboxID         string    `json:"sandboxId,omitempty"`
	Timestamp         float64   `json:"timestamp,omitempty"`
	MessageID         string    `json:"messageId,omitempty"`
	AgentSessionID    string    `json:"agentSessionId,omitempty"`
	OpencodeSessionID string    `json:"opencodeSessionId,omitempty"`
	Status            string    `json:"status,omitempty"`
	Content           string    `json:"content,omitempty"`
	Tool              string    `json:"tool,omitempty"`
	Args              any       `json:"args,omitempty"`
	CallID            string    `json:"callId,omitempty"`
	Output            string    `json:"output,omitempty"`
	Cost              *float64  `json:"cost,omitempty"`
	Tokens            any       `json:"tokens,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Success           *bool     `json:"success,omitempty"`
	Error             string    `json:"error,omitempty"`
	BranchName        string    `json:"branchName,omitempty"`
}

// WithTimestamp stamps e with the current time if it has none yet.
func (e Event) WithTimestamp(now time.Time) Event {
	if e.Timestamp == 0 {
		e.Timestamp = float64(now.UnixNano()) / 1e9
	}
	return e
}

func BoolPtr(b bool) *bool { return &b }
