// ABOUTME: Correlation table turning asynchronous human tool approvals into awaitable decisions
// ABOUTME: Every pending request settles exactly once: resolve, timeout, or chat cancellation

package permission

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a request waits for a human before it is denied.
const DefaultTimeout = 5 * time.Minute

// Denial messages for decisions the broker makes on the user's behalf.
const (
	MessageTimedOut      = "timed out"
	MessageCancelled     = "cancelled"
	MessageUndeliverable = "permission request could not be delivered"
)

// Request describes a tool execution awaiting approval.
type Request struct {
	ID        string
	ChatID    string
	ToolName  string
	Input     json.RawMessage
	CreatedAt time.Time
}

// Response is the decision for a Request.
type Response struct {
	Allowed     bool
	AlwaysAllow bool   // Allow this tool for the chat without asking again
	Message     string // Reason relayed to the agent on denial
}

// NotifyFunc delivers a permission request to the user. It is purely a
// delivery mechanism; an error makes the broker deny the request.
type NotifyFunc func(ctx context.Context, req Request) error

// pending is a request that has not been settled yet.
type pending struct {
	req   Request
	timer *time.Timer
	done  chan Response // buffered 1; written exactly once by settle
}

// Broker tracks pending permission requests and per-chat always-allow sets.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending            // request ID -> entry
	always  map[string]map[string]struct{} // chatID -> tool names

	notify  NotifyFunc
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithTimeout sets how long a request may stay pending. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) { b.timeout = d }
}

// WithLogger sets the broker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger.With("component", "permission")
		}
	}
}

// WithClock overrides time.Now for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a Broker that delivers requests through notify.
func New(notify NotifyFunc, opts ...Option) *Broker {
	b := &Broker{
		pending: make(map[string]*pending),
		always:  make(map[string]map[string]struct{}),
		notify:  notify,
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  slog.Default().With("component", "permission"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetNotifier replaces the delivery callback. Used when the transport is
// constructed after the broker.
func (b *Broker) SetNotifier(notify NotifyFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = notify
}

// Request asks the user whether toolName may run in chatID and blocks until
// the request is resolved, times out, is cancelled for the chat, or ctx is done.
// Tools the chat has always-allowed are approved immediately without a
// pending entry or notification.
func (b *Broker) Request(ctx context.Context, chatID, toolName string, input json.RawMessage) Response {
	b.mu.Lock()
	if _, ok := b.always[chatID][toolName]; ok {
		b.mu.Unlock()
		recordDecision(outcomeAuto)
		return Response{Allowed: true}
	}

	p := &pending{
		req: Request{
			ID:        uuid.New().String(),
			ChatID:    chatID,
			ToolName:  toolName,
			Input:     input,
			CreatedAt: b.now(),
		},
		done: make(chan Response, 1),
	}
	b.pending[p.req.ID] = p
	if b.timeout > 0 {
		id := p.req.ID
		p.timer = time.AfterFunc(b.timeout, func() {
			if b.settle(id, Response{Allowed: false, Message: MessageTimedOut}) {
				recordDecision(outcomeTimeout)
				b.logger.Info("permission request timed out", "request_id", id, "chat_id", chatID, "tool", toolName)
			}
		})
	}
	notify := b.notify
	b.mu.Unlock()

	b.logger.Debug("permission requested",
		"request_id", p.req.ID,
		"chat_id", chatID,
		"tool", toolName,
	)

	if notify == nil {
		b.deny(p.req, MessageUndeliverable, nil)
	} else if err := notify(ctx, p.req); err != nil {
		b.deny(p.req, MessageUndeliverable, err)
	}

	select {
	case resp := <-p.done:
		return resp
	case <-ctx.Done():
		if b.settle(p.req.ID, Response{Allowed: false, Message: MessageCancelled}) {
			recordDecision(outcomeCancelled)
		}
		return <-p.done
	}
}

// deny settles a request whose delivery failed.
func (b *Broker) deny(req Request, message string, err error) {
	if b.settle(req.ID, Response{Allowed: false, Message: message}) {
		recordDecision(outcomeUndeliverable)
		b.logger.Warn("permission request undeliverable, denying",
			"request_id", req.ID,
			"chat_id", req.ChatID,
			"tool", req.ToolName,
			"error", err,
		)
	}
}

// Resolve settles a pending request with the user's decision. It returns
// false if the request is unknown or was already settled by a timeout,
// cancellation or an earlier Resolve.
func (b *Broker) Resolve(id string, resp Response) bool {
	if !b.settle(id, resp) {
		return false
	}
	switch {
	case resp.Allowed && resp.AlwaysAllow:
		recordDecision(outcomeAlways)
	case resp.Allowed:
		recordDecision(outcomeAllowed)
	default:
		recordDecision(outcomeDenied)
	}
	return true
}

// settle is the single resolution gate. Whoever removes the entry first wins;
// every later caller sees it missing and does nothing.
func (b *Broker) settle(id string, resp Response) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	if resp.Allowed && resp.AlwaysAllow {
		b.allowLocked(p.req.ChatID, p.req.ToolName)
	}
	b.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- resp
	return true
}

// CancelPendingForChat denies every pending request for chatID and returns
// how many requests this call settled.
func (b *Broker) CancelPendingForChat(chatID string) int {
	b.mu.Lock()
	var ids []string
	for id, p := range b.pending {
		if p.req.ChatID == chatID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.settle(id, Response{Allowed: false, Message: MessageCancelled}) {
			recordDecision(outcomeCancelled)
			n++
		}
	}
	if n > 0 {
		b.logger.Info("cancelled pending permissions", "chat_id", chatID, "count", n)
	}
	return n
}

// SetToolAlwaysAllowed adds toolName to the chat's always-allow set.
func (b *Broker) SetToolAlwaysAllowed(chatID, toolName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowLocked(chatID, toolName)
}

func (b *Broker) allowLocked(chatID, toolName string) {
	tools, ok := b.always[chatID]
	if !ok {
		tools = make(map[string]struct{})
		b.always[chatID] = tools
	}
	tools[toolName] = struct{}{}
}

// ClearAlwaysAllowed empties the chat's always-allow set.
func (b *Broker) ClearAlwaysAllowed(chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.always, chatID)
}

// IsAlwaysAllowed reports whether toolName bypasses prompts in chatID.
func (b *Broker) IsAlwaysAllowed(chatID, toolName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.always[chatID][toolName]
	return ok
}

// AlwaysAllowed returns the chat's always-allowed tools, sorted.
func (b *Broker) AlwaysAllowed(chatID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	tools := make([]string, 0, len(b.always[chatID]))
	for name := range b.always[chatID] {
		tools = append(tools, name)
	}
	sort.Strings(tools)
	return tools
}

// Pending returns the chat's unresolved requests, oldest first.
func (b *Broker) Pending(chatID string) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	var reqs []Request
	for _, p := range b.pending {
		if p.req.ChatID == chatID {
			reqs = append(reqs, p.req)
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
	return reqs
}

// Lookup returns the pending request with the given ID.
func (b *Broker) Lookup(id string) (Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[id]
	if !ok {
		return Request{}, false
	}
	return p.req, true
}
