// Package tooltext renders agent tool calls as short text for chat messages.
package tooltext
