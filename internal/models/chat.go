package models

import (
	"fmt"
	"io"
	"strings"
)

// Session is a conversation: an optional backend-assigned identifier and the ordered messages.
// ConversationID is unset until the first start event that carries one, and immutable afterwards.
type Session struct {
	ConversationID string    `json:"conversationId,omitempty"`
	Messages       []Message `json:"messages"`
}

// Mode is a named behavior profile selecting which backend tools are eligible for a turn.
type Mode string

// Route is the transport call shape for a turn.
type Route string

// Tool identifies a backend tool family, as inferred from tool_call messages.
type Tool string

const (
	ModeInstant  Mode = "instant"
	ModeThinking Mode = "thinking"
	ModeAgent    Mode = "agent"
	ModeSwarm    Mode = "swarm"
	ModeResearch Mode = "research"
	ModeCode     Mode = "code"

	RouteChat     Route = "chat"
	RouteAgent    Route = "agent"
	RouteResearch Route = "research"

	ToolNone    Tool = ""
	ToolSearch  Tool = "search"
	ToolFileGen Tool = "file"
	ToolCode    Tool = "code"
)

// Modes lists every valid mode.
var Modes = []Mode{ModeInstant, ModeThinking, ModeAgent, ModeSwarm, ModeResearch, ModeCode}

// ParseMode returns the Mode named by s, case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range Modes {
		if v == m {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode: %q", s)
}

// ToolHints is the optimistic expectation of tool usage for a turn. It only drives UI affordances;
// actual tool activity comes from tool_call events.
type ToolHints struct {
	ToolsEnabled    bool
	SearchExpected  bool
	FileGenExpected bool
	CodeExpected    bool
	Route           Route
}

// ToolActivity is the session-level indicator of which tools are believed to be running.
type ToolActivity struct {
	Searching      bool `json:"searching"`
	GeneratingFile bool `json:"generatingFile"`
	RunningCode    bool `json:"runningCode"`
}

// Raise sets the flag that corresponds to t.
func (a *ToolActivity) Raise(t Tool) {
	switch t {
	case ToolSearch:
		a.Searching = true
	case ToolFileGen:
		a.GeneratingFile = true
	case ToolCode:
		a.RunningCode = true
	case ToolNone:
	}
}

// HistoryEntry is one (role, content) pair sent to the backend as conversation history.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest parameterizes one streaming turn.
type ChatRequest struct {
	History        []HistoryEntry `json:"history"`
	Mode           Mode           `json:"mode"`
	ToolsEnabled   bool           `json:"toolsEnabled"`
	ConversationID string         `json:"conversationId,omitempty"`

	// Route is not sent; it selects the endpoint.
	Route Route `json:"-"`
}

// UploadRequest parameterizes the single-shot upload call.
type UploadRequest struct {
	Prompt   string
	Mode     Mode
	Filename string
	File     io.Reader
}

// UploadResult is the answer of a single-shot upload call.
type UploadResult struct {
	Answer string
}
