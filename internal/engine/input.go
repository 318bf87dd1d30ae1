// ABOUTME: Input implementations for engine runs
// ABOUTME: Single-prompt Input for one-off engine runs

package engine

import (
	"context"
	"io"
	"sync"
)

// textInput is an Input that yields a single prompt.
type textInput struct {
	mu   sync.Mutex
	msg  UserMessage
	used bool
}

// Text returns an Input carrying one prompt.
func Text(prompt string) Input {
	return &textInput{msg: UserMessage{Text: prompt}}
}

func (t *textInput) Next(ctx context.Context) (UserMessage, error) {
	if err := ctx.Err(); err != nil {
		return UserMessage{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.used {
		return UserMessage{}, io.EOF
	}
	t.used = true
	return t.msg, nil
}

func (t *textInput) Session() string { return "" }
