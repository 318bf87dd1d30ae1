// ABOUTME: Contract for the agent execution engine driven by the conversation layer
// ABOUTME: Defines options, input sources, the typed event stream, and the tool permission hook

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoResult indicates the engine stopped without producing a terminal result.
var ErrNoResult = errors.New("engine finished without a result")

// Engine runs one agent invocation. Events are delivered in engine order on
// the returned channel, which is closed when the invocation ends. A failure
// after startup is reported as an EventError before the channel closes.
type Engine interface {
	Run(ctx context.Context, input Input, opts Options) (<-chan Event, error)
}

// UserMessage is one piece of user content fed to the engine.
type UserMessage struct {
	Sender string
	Text   string
}

// Input is the source of user messages for an invocation. Next returns
// io.EOF when no more input will arrive. Session returns the engine session
// token the messages belong to, or "" before the engine has assigned one.
type Input interface {
	Next(ctx context.Context) (UserMessage, error)
	Session() string
}

// PermissionMode controls whether tool use needs human confirmation.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// RequiresConfirmation reports whether tool calls must pass through the
// permission hook in this mode.
func (m PermissionMode) RequiresConfirmation() bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, "":
		return true
	default:
		return false
	}
}

// Valid reports whether m is a known mode.
func (m PermissionMode) Valid() bool {
	switch m {
	case PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
		return true
	default:
		return false
	}
}

// ToolCall is a tool execution the engine wants to perform.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Decision answers a ToolCall permission check.
type Decision struct {
	Allow   bool
	Message string // Relayed to the agent when the call is declined
}

// PermissionFunc is consulted before each tool execution. It may block; the
// engine keeps delivering other events while a decision is outstanding.
type PermissionFunc func(ctx context.Context, call ToolCall) Decision

// Options configure a single invocation.
type Options struct {
	ResumeToken    string // Engine session to resume; empty starts a new one
	Model          string
	MaxTurns       int
	PermissionMode PermissionMode
	SystemPrompt   string
	MCPConfig      string // Path or inline JSON describing tool servers
	AllowedTools   []string
	ThinkingBudget int // Reasoning-token budget; zero leaves the engine default
	WorkingDir     string

	// CanUseTool gates tool calls. Nil means the engine decides on its own.
	CanUseTool PermissionFunc
}

// EventKind identifies the type of an Event.
type EventKind int

const (
	EventSessionInit EventKind = iota
	EventText
	EventThinking
	EventToolUse
	EventResult
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventSessionInit:
		return "session_init"
	case EventText:
		return "text"
	case EventThinking:
		return "thinking"
	case EventToolUse:
		return "tool_use"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of the engine's output stream.
type Event struct {
	Kind      EventKind
	SessionID string    // EventSessionInit
	Text      string    // EventText, EventThinking
	ToolUse   *ToolCall // EventToolUse
	Result    *Result   // EventResult
	Err       error     // EventError
}

// Result is the terminal outcome of an invocation.
type Result struct {
	Text      string
	SessionID string
	ToolsUsed []string
	CostUSD   float64
	Duration  time.Duration
	NumTurns  int
	IsError   bool
}
