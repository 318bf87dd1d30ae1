// ABOUTME: Wire format of the Claude Code CLI stream-json protocol
// ABOUTME: Decodes stdout lines into engine events and encodes user and control messages

package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// wireMessage is one line of stream-json output.
type wireMessage struct {
	Type            string           `json:"type"`    // "system", "assistant", "user", "result", "stream_event", "control_request", "control_response"
	Subtype         string           `json:"subtype"` // "init", "success", "error_max_turns", ...
	SessionID       string           `json:"session_id,omitempty"`
	ParentToolUseID string           `json:"parent_tool_use_id,omitempty"`
	Message         json.RawMessage  `json:"message,omitempty"`
	Event           *wireStreamEvent `json:"event,omitempty"`

	// Result fields
	Result       string   `json:"result,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
	DurationMs   int64    `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`

	// Control request fields
	RequestID string              `json:"request_id,omitempty"`
	Request   *wireControlRequest `json:"request,omitempty"`
}

type wireAssistantMessage struct {
	Content []wireContentBlock `json:"content"`
}

type wireContentBlock struct {
	Type     string          `json:"type"` // "text", "thinking", "tool_use"
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// wireStreamEvent is the payload of stream_event lines (--include-partial-messages).
type wireStreamEvent struct {
	Type  string `json:"type"` // "content_block_delta", ...
	Delta *struct {
		Type     string `json:"type"` // "text_delta", "thinking_delta"
		Text     string `json:"text,omitempty"`
		Thinking string `json:"thinking,omitempty"`
	} `json:"delta,omitempty"`
}

type wireControlRequest struct {
	Subtype   string          `json:"subtype"` // "can_use_tool"
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// decoded is everything one output line contributes.
type decoded struct {
	events  []Event
	control *controlRequest
}

// controlRequest is a permission check the CLI is waiting on.
type controlRequest struct {
	requestID string
	call      ToolCall
}

// decodeLine parses a single stream-json line. When partial is true, text
// and thinking arrive as stream_event deltas and the duplicate content in
// complete assistant messages is skipped.
func decodeLine(line []byte, partial bool) (decoded, error) {
	var out decoded
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return out, fmt.Errorf("decoding stream line: %w", err)
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			out.events = append(out.events, Event{Kind: EventSessionInit, SessionID: msg.SessionID})
		}

	case "stream_event":
		if msg.ParentToolUseID != "" || msg.Event == nil || msg.Event.Delta == nil {
			break
		}
		switch msg.Event.Delta.Type {
		case "text_delta":
			out.events = append(out.events, Event{Kind: EventText, Text: msg.Event.Delta.Text})
		case "thinking_delta":
			out.events = append(out.events, Event{Kind: EventThinking, Text: msg.Event.Delta.Thinking})
		}

	case "assistant":
		var am wireAssistantMessage
		if len(msg.Message) > 0 {
			if err := json.Unmarshal(msg.Message, &am); err != nil {
				return out, fmt.Errorf("decoding assistant message: %w", err)
			}
		}
		subagent := msg.ParentToolUseID != ""
		for _, block := range am.Content {
			switch block.Type {
			case "text":
				if !partial && !subagent && block.Text != "" {
					out.events = append(out.events, Event{Kind: EventText, Text: block.Text})
				}
			case "thinking":
				if !partial && !subagent && block.Thinking != "" {
					out.events = append(out.events, Event{Kind: EventThinking, Text: block.Thinking})
				}
			case "tool_use":
				out.events = append(out.events, Event{
					Kind:    EventToolUse,
					ToolUse: &ToolCall{ID: block.ID, Name: block.Name, Input: block.Input},
				})
			}
		}

	case "result":
		text := msg.Result
		if text == "" && len(msg.Errors) > 0 {
			text = strings.Join(msg.Errors, "\n")
		}
		out.events = append(out.events, Event{
			Kind: EventResult,
			Result: &Result{
				Text:      text,
				SessionID: msg.SessionID,
				CostUSD:   msg.TotalCostUSD,
				Duration:  time.Duration(msg.DurationMs) * time.Millisecond,
				NumTurns:  msg.NumTurns,
				IsError:   msg.IsError || (msg.Subtype != "" && msg.Subtype != "success"),
			},
		})

	case "control_request":
		if msg.Request != nil && msg.Request.Subtype == "can_use_tool" {
			out.control = &controlRequest{
				requestID: msg.RequestID,
				call: ToolCall{
					ID:    msg.Request.ToolUseID,
					Name:  msg.Request.ToolName,
					Input: msg.Request.Input,
				},
			}
		}
	}

	return out, nil
}

// wireUserMessage is a user turn written to stdin.
type wireUserMessage struct {
	Type            string  `json:"type"`
	SessionID       string  `json:"session_id"`
	ParentToolUseID *string `json:"parent_tool_use_id"`
	Message         struct {
		Role    string             `json:"role"`
		Content []wireContentBlock `json:"content"`
	} `json:"message"`
}

func encodeUserMessage(msg UserMessage, session string) ([]byte, error) {
	w := wireUserMessage{Type: "user", SessionID: session}
	w.Message.Role = "user"
	w.Message.Content = []wireContentBlock{{Type: "text", Text: msg.Text}}
	return marshalLine(w)
}

func encodeInitialize(requestID string) ([]byte, error) {
	return marshalLine(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    map[string]any{"subtype": "initialize"},
	})
}

// encodePermissionDecision answers a can_use_tool control request.
func encodePermissionDecision(requestID string, call ToolCall, d Decision) ([]byte, error) {
	var body map[string]any
	if d.Allow {
		input := call.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		body = map[string]any{"behavior": "allow", "updatedInput": input}
	} else {
		message := d.Message
		if message == "" {
			message = "denied by user"
		}
		body = map[string]any{"behavior": "deny", "message": message}
	}

	return marshalLine(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   body,
		},
	})
}

func marshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
