// ABOUTME: Human-readable one-line summaries of agent tool calls
// ABOUTME: Lookup table keyed by tool name with a generic JSON fallback for unknown tools

package tooltext

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultMaxLen bounds the detail part of a summary.
const DefaultMaxLen = 120

// Formatter extracts the interesting part of a tool's input. Returning ""
// falls back to the generic rendering.
type Formatter func(input map[string]any) string

// Table maps tool names to formatters. Tool names are open-ended (MCP servers
// add their own), so anything not registered uses the fallback.
type Table struct {
	mu         sync.RWMutex
	formatters map[string]Formatter
	maxLen     int
}

// NewTable returns a table preloaded with the Claude Code built-in tools.
func NewTable(maxLen int) *Table {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	t := &Table{formatters: make(map[string]Formatter), maxLen: maxLen}
	for name, f := range builtin {
		t.formatters[name] = f
	}
	return t
}

var builtin = map[string]Formatter{
	"Bash":         Field("command"),
	"Read":         Field("file_path"),
	"Write":        Field("file_path"),
	"Edit":         Field("file_path"),
	"MultiEdit":    Field("file_path"),
	"NotebookEdit": Field("notebook_path"),
	"Glob":         withScope("pattern"),
	"Grep":         withScope("pattern"),
	"WebFetch":     Field("url"),
	"WebSearch":    Field("query"),
	"Task":         Field("description"),
	"TodoWrite":    countOf("todos", "item"),
}

// Field formats a tool by a single string input field.
func Field(name string) Formatter {
	return func(input map[string]any) string {
		s, _ := input[name].(string)
		return s
	}
}

// withScope renders a search pattern plus the directory it runs in.
func withScope(name string) Formatter {
	return func(input map[string]any) string {
		pattern, _ := input[name].(string)
		if path, _ := input["path"].(string); path != "" && pattern != "" {
			return pattern + " in " + path
		}
		return pattern
	}
}

func countOf(name, noun string) Formatter {
	return func(input map[string]any) string {
		items, ok := input[name].([]any)
		if !ok {
			return ""
		}
		if len(items) == 1 {
			return "1 " + noun
		}
		return fmt.Sprintf("%d %ss", len(items), noun)
	}
}

// Register installs or replaces the formatter for a tool.
func (t *Table) Register(tool string, f Formatter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.formatters[tool] = f
}

// Describe returns the detail part of a summary: the formatted input for a
// known tool, or compact JSON for anything else.
func (t *Table) Describe(tool string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	t.mu.RLock()
	f, ok := t.formatters[tool]
	t.mu.RUnlock()

	if ok {
		var fields map[string]any
		if err := json.Unmarshal(input, &fields); err == nil {
			if s := strings.TrimSpace(f(fields)); s != "" {
				return Truncate(oneLine(s), t.maxLen)
			}
		}
	}
	return Truncate(compactJSON(input), t.maxLen)
}

// Summarize returns "Tool: detail", or just the tool name when there is no detail.
func (t *Table) Summarize(tool string, input json.RawMessage) string {
	detail := t.Describe(tool, input)
	if detail == "" || detail == "{}" {
		return tool
	}
	return tool + ": " + detail
}

// Default is the table used by the package-level helpers.
var Default = NewTable(DefaultMaxLen)

// Register installs a formatter on the Default table.
func Register(tool string, f Formatter) { Default.Register(tool, f) }

// Summarize summarizes a tool call with the Default table.
func Summarize(tool string, input json.RawMessage) string {
	return Default.Summarize(tool, input)
}

// Truncate shortens s to at most maxLen runes including a "..." suffix.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return oneLine(string(raw))
	}
	out, err := json.Marshal(v)
	if err != nil {
		return oneLine(string(raw))
	}
	return string(out)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
