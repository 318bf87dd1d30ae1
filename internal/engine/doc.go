// Package engine defines how the relay talks to an agent engine and ships the
// Claude Code CLI implementation.
//
// An invocation reads user messages from an Input for as long as it runs, so
// a conversation can keep feeding it while the agent works. Output arrives as
// an ordered stream of Events ending in a single EventResult, or an
// EventError when the engine fails. Tool calls can be gated through
// Options.CanUseTool.
package engine
