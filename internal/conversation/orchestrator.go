// ABOUTME: Per-chat state machine tying session resumption, input injection and tool permissions together
// ABOUTME: A chat is Idle or Active; messages to an Active chat are injected into the running turn

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/engine"
	"github.com/2389/coven-relay/internal/permission"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/stream"
)

// ErrShutdown is returned by Send once Shutdown has been called.
var ErrShutdown = errors.New("orchestrator is shut down")

// ErrNotDirectory is returned by SetWorkingDir for paths that are not directories.
var ErrNotDirectory = errors.New("not a directory")

// persistTimeout bounds store writes made on behalf of a finished turn.
const persistTimeout = 5 * time.Second

// InvocationError reports that the agent engine failed during a turn. The
// chat is already Idle again when it is returned.
type InvocationError struct {
	ChatID string
	TurnID string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("agent turn %s in %s failed: %v", e.TurnID, e.ChatID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// PermissionBroker is what the orchestrator needs from the permission layer.
type PermissionBroker interface {
	Request(ctx context.Context, chatID, toolName string, input json.RawMessage) permission.Response
	CancelPendingForChat(chatID string) int
	ClearAlwaysAllowed(chatID string)
}

// Policy holds the engine settings applied to every turn.
type Policy struct {
	Model          string
	MaxTurns       int
	PermissionMode engine.PermissionMode
	SystemPrompt   string
	MCPConfig      string
	AllowedTools   []string
	ThinkingBudget int
}

// Config wires an Orchestrator.
type Config struct {
	Engine     engine.Engine
	Store      store.Store
	Broker     PermissionBroker // nil disables interactive approval
	BotID      string
	Defaults   Policy
	WorkingDir string // Default working directory for the engine
	Logger     *slog.Logger
}

// Hooks receive progress of the turn started by a Send. Hooks run on the
// turn's goroutine, so a slow hook delays the turn.
type Hooks struct {
	OnStart    func(turnID string) // The message started a new turn; not called for follow-ups
	OnText     func(delta string)
	OnThinking func(delta string)
	OnToolUse  func(call engine.ToolCall)

	// OnFollowUp receives the outcome of an automatic follow-up turn that
	// processes messages injected too late to reach the engine.
	OnFollowUp func(res *Result, err error)
}

// Result is the outcome of a Send.
type Result struct {
	Injected bool // The message joined a running turn; the other fields are empty

	TurnID       string
	Text         string
	SessionToken string
	ToolsUsed    []string
	CostUSD      float64
	Duration     time.Duration
	NumTurns     int
	IsError      bool // The engine finished but reported an error result
	Injections   int  // Messages injected into this turn after it started
}

// Status is a snapshot of a chat.
type Status struct {
	Active       bool
	TurnID       string
	Since        time.Time
	Injections   int
	Queued       int // Injected messages the engine has not read yet
	SessionToken string
	WorkingDir   string
	Model        string
}

// chatState is the per-chat record. Fields are guarded by Orchestrator.mu.
type chatState struct {
	chatID     string
	token      string
	workingDir string
	model      string
	active     *invocation
}

// invocation is one running agent turn.
type invocation struct {
	id      string
	channel *stream.Channel[engine.UserMessage]
	cancel  context.CancelFunc
	started time.Time
	hooks   Hooks
	done    chan struct{}

	// Guarded by Orchestrator.mu.
	injections int
	reset      bool // session was cleared mid-turn; do not persist its token
	deleted    bool // session was deleted mid-turn; record nothing for it

	// Written before done is closed.
	result *Result
	err    error
}

// Orchestrator runs at most one agent turn per chat and routes everything
// else that arrives for the chat into that turn.
type Orchestrator struct {
	mu       sync.Mutex
	chats    map[string]*chatState
	shutdown bool

	engine     engine.Engine
	store      store.Store
	broker     PermissionBroker
	botID      string
	defaults   Policy
	workingDir string
	logger     *slog.Logger

	ctx    context.Context // parent of every turn; cancelled by Shutdown
	cancel context.CancelFunc
	turns  sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		chats:      make(map[string]*chatState),
		engine:     cfg.Engine,
		store:      cfg.Store,
		broker:     cfg.Broker,
		botID:      cfg.BotID,
		defaults:   cfg.Defaults,
		workingDir: cfg.WorkingDir,
		logger:     logger.With("component", "conversation"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Send delivers a user message to a chat. If the chat is Active the message
// is injected into the running turn and Send returns at once with
// Result.Injected set. Otherwise a new turn starts and Send blocks until it
// ends. Cancelling ctx stops the wait, not the turn.
func (o *Orchestrator) Send(ctx context.Context, chatID string, msg engine.UserMessage, hooks Hooks) (*Result, error) {
	for {
		if _, err := o.load(ctx, chatID); err != nil {
			return nil, err
		}

		o.mu.Lock()
		if o.shutdown {
			o.mu.Unlock()
			return nil, ErrShutdown
		}
		// Re-read: DeleteSession may have replaced the record since load.
		st := o.chats[chatID]
		if st == nil {
			o.mu.Unlock()
			continue
		}

		if inv := st.active; inv != nil {
			if err := inv.channel.Push(msg); err == nil {
				inv.injections++
				o.mu.Unlock()
				metricInjections.Inc()
				o.logger.Debug("message injected", "chat_id", chatID, "turn_id", inv.id)
				return &Result{Injected: true, TurnID: inv.id}, nil
			}

			// The turn already produced its result and is cleaning up.
			done := inv.done
			o.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		inv := o.startLocked(st, msg, hooks)
		o.mu.Unlock()
		if hooks.OnStart != nil {
			hooks.OnStart(inv.id)
		}

		select {
		case <-inv.done:
			return inv.result, inv.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// load returns the chat's state, reading its session from the store the
// first time the chat is seen.
func (o *Orchestrator) load(ctx context.Context, chatID string) (*chatState, error) {
	o.mu.Lock()
	st := o.chats[chatID]
	o.mu.Unlock()
	if st != nil {
		return st, nil
	}

	fresh := &chatState{chatID: chatID}
	sess, err := o.store.GetSession(ctx, chatID, o.botID)
	switch {
	case err == nil:
		fresh.token = sess.Token
		fresh.workingDir = sess.WorkingDir
		fresh.model = sess.Model
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("loading session for %s: %w", chatID, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing := o.chats[chatID]; existing != nil {
		return existing, nil
	}
	o.chats[chatID] = fresh
	return fresh, nil
}

// startLocked makes the chat Active with a fresh channel seeded with msg.
// Must hold mu.
func (o *Orchestrator) startLocked(st *chatState, msg engine.UserMessage, hooks Hooks) *invocation {
	ch := stream.New[engine.UserMessage]()
	ch.Stamp(st.token)
	_ = ch.Push(msg) // fresh channel, cannot be closed

	ctx, cancel := context.WithCancel(o.ctx)
	inv := &invocation{
		id:      uuid.New().String(),
		channel: ch,
		cancel:  cancel,
		started: time.Now(),
		hooks:   hooks,
		done:    make(chan struct{}),
	}
	st.active = inv

	opts := o.optionsLocked(st)
	o.turns.Add(1)
	metricActiveTurns.Inc()
	go o.run(ctx, st.chatID, inv, opts)
	return inv
}

// optionsLocked builds engine options from the chat's token and policy. Must hold mu.
func (o *Orchestrator) optionsLocked(st *chatState) engine.Options {
	opts := engine.Options{
		ResumeToken:    st.token,
		Model:          o.defaults.Model,
		MaxTurns:       o.defaults.MaxTurns,
		PermissionMode: o.defaults.PermissionMode,
		SystemPrompt:   o.defaults.SystemPrompt,
		MCPConfig:      o.defaults.MCPConfig,
		AllowedTools:   o.defaults.AllowedTools,
		ThinkingBudget: o.defaults.ThinkingBudget,
		WorkingDir:     o.workingDir,
	}
	if st.model != "" {
		opts.Model = st.model
	}
	if st.workingDir != "" {
		opts.WorkingDir = st.workingDir
	}
	return opts
}

// run drives one turn from engine start to cleanup.
func (o *Orchestrator) run(ctx context.Context, chatID string, inv *invocation, opts engine.Options) {
	defer o.turns.Done()
	logger := o.logger.With("chat_id", chatID, "turn_id", inv.id)

	if o.broker != nil && opts.PermissionMode.RequiresConfirmation() {
		opts.CanUseTool = func(ctx context.Context, call engine.ToolCall) engine.Decision {
			resp := o.broker.Request(ctx, chatID, call.Name, call.Input)
			return engine.Decision{Allow: resp.Allowed, Message: resp.Message}
		}
	}

	var res *Result
	var err error
	defer func() { o.finish(chatID, inv, res, err, logger) }()

	logger.Info("turn started", "resume", opts.ResumeToken != "", "model", opts.Model)
	events, runErr := o.engine.Run(ctx, inv.channel, opts)
	if runErr != nil {
		err = &InvocationError{ChatID: chatID, TurnID: inv.id, Err: runErr}
		return
	}
	res, err = o.consume(chatID, inv, events)
}

// consume classifies engine events until the terminal result or failure.
func (o *Orchestrator) consume(chatID string, inv *invocation, events <-chan engine.Event) (*Result, error) {
	var text strings.Builder
	var tools []string

	for ev := range events {
		switch ev.Kind {
		case engine.EventSessionInit:
			inv.channel.Stamp(ev.SessionID)

		case engine.EventText:
			text.WriteString(ev.Text)
			if inv.hooks.OnText != nil {
				inv.hooks.OnText(ev.Text)
			}

		case engine.EventThinking:
			if inv.hooks.OnThinking != nil {
				inv.hooks.OnThinking(ev.Text)
			}

		case engine.EventToolUse:
			tools = appendUnique(tools, ev.ToolUse.Name)
			if inv.hooks.OnToolUse != nil {
				inv.hooks.OnToolUse(*ev.ToolUse)
			}

		case engine.EventResult:
			// Anything pushed from here on starts the next turn.
			inv.channel.Close()
			go drainEvents(events)

			r := ev.Result
			res := &Result{
				TurnID:       inv.id,
				Text:         r.Text,
				SessionToken: r.SessionID,
				ToolsUsed:    r.ToolsUsed,
				CostUSD:      r.CostUSD,
				Duration:     r.Duration,
				NumTurns:     r.NumTurns,
				IsError:      r.IsError,
			}
			if res.Text == "" {
				res.Text = text.String()
			}
			if len(res.ToolsUsed) == 0 {
				res.ToolsUsed = tools
			}
			if res.SessionToken == "" {
				res.SessionToken = inv.channel.Session()
			}
			o.persistToken(chatID, inv, res.SessionToken)
			return res, nil

		case engine.EventError:
			inv.channel.Close()
			go drainEvents(events)
			return nil, &InvocationError{ChatID: chatID, TurnID: inv.id, Err: ev.Err}
		}
	}
	return nil, &InvocationError{ChatID: chatID, TurnID: inv.id, Err: engine.ErrNoResult}
}

// persistToken records the token the engine confirmed, unless the session
// was reset or deleted while the turn ran.
func (o *Orchestrator) persistToken(chatID string, inv *invocation, token string) {
	if token == "" {
		return
	}

	o.mu.Lock()
	st := o.chats[chatID]
	keep := st != nil && st.active == inv && !inv.reset
	if keep {
		st.token = token
	}
	o.mu.Unlock()
	if !keep {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.SaveSession(ctx, chatID, o.botID, token); err != nil {
		o.logger.Error("failed to persist session token", "chat_id", chatID, "error", err)
	}
}

// finish returns the chat to Idle. It runs for every turn however it ended.
// Messages injected after the engine stopped reading seed the next turn
// before done is closed, so senders waiting on done queue up behind them.
func (o *Orchestrator) finish(chatID string, inv *invocation, res *Result, err error, logger *slog.Logger) {
	inv.channel.Close()
	inv.cancel()
	leftovers := inv.channel.Drain()

	o.mu.Lock()
	injections := inv.injections
	deleted := inv.deleted
	carry := len(leftovers) > 0 && !deleted
	var next *invocation
	if st := o.chats[chatID]; st != nil && st.active == inv {
		st.active = nil
		if carry && !o.shutdown {
			next = o.startLocked(st, mergeMessages(leftovers), inv.hooks)
		}
	}
	o.mu.Unlock()

	elapsed := time.Since(inv.started)

	outcome := outcomeSuccess
	switch {
	case err != nil:
		outcome = outcomeFailed
		logger.Warn("turn failed", "error", err, "elapsed", elapsed)
	case res.IsError:
		outcome = outcomeError
		logger.Warn("turn ended with error result", "elapsed", elapsed)
	default:
		logger.Info("turn finished", "elapsed", elapsed, "tools", len(res.ToolsUsed), "injections", injections)
	}
	if res != nil {
		res.Injections = injections
	}
	metricActiveTurns.Dec()
	metricTurns.WithLabelValues(outcome).Inc()
	metricTurnDuration.Observe(elapsed.Seconds())

	if !deleted {
		o.recordTurn(chatID, inv, res, err, injections, elapsed)
	}

	inv.result, inv.err = res, err
	close(inv.done)

	if carry {
		logger.Info("carried injected messages into a follow-up turn", "count", len(leftovers))
		o.reportFollowUp(next, inv.hooks, logger)
	}
}

func (o *Orchestrator) recordTurn(chatID string, inv *invocation, res *Result, err error, injections int, elapsed time.Duration) {
	rec := &store.TurnRecord{
		ID:       inv.id,
		ChatID:   chatID,
		BotID:    o.botID,
		Outcome:  store.OutcomeSuccess,
		Duration: elapsed,
		Injected: injections,
	}
	if res != nil {
		rec.SessionToken = res.SessionToken
		rec.CostUSD = res.CostUSD
		rec.NumTurns = res.NumTurns
		rec.ToolsUsed = res.ToolsUsed
		if res.Duration > 0 {
			rec.Duration = res.Duration
		}
	}
	if err != nil || (res != nil && res.IsError) {
		rec.Outcome = store.OutcomeError
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.RecordTurn(ctx, rec); err != nil {
		o.logger.Error("failed to record turn", "chat_id", chatID, "turn_id", inv.id, "error", err)
	}
}

// mergeMessages folds messages the engine never read into one.
func mergeMessages(msgs []engine.UserMessage) engine.UserMessage {
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Text
	}
	return engine.UserMessage{Sender: msgs[0].Sender, Text: strings.Join(texts, "\n\n")}
}

// reportFollowUp waits for a follow-up turn and hands its outcome to
// OnFollowUp. A nil next means the orchestrator shut down first.
func (o *Orchestrator) reportFollowUp(next *invocation, hooks Hooks, logger *slog.Logger) {
	o.turns.Add(1)
	go func() {
		defer o.turns.Done()
		var res *Result
		err := ErrShutdown
		if next != nil {
			<-next.done
			res, err = next.result, next.err
		}
		if hooks.OnFollowUp != nil {
			hooks.OnFollowUp(res, err)
			return
		}
		if err != nil {
			logger.Warn("follow-up turn failed", "error", err)
		}
	}()
}

// Cancel asks the running turn to wrap up: no further input is accepted and
// pending permission requests are denied. Reports whether a turn was running.
func (o *Orchestrator) Cancel(chatID string) bool {
	o.mu.Lock()
	inv := o.activeLocked(chatID)
	if inv != nil {
		inv.channel.Close()
	}
	o.mu.Unlock()

	if inv == nil {
		return false
	}
	o.cancelPermissions(chatID)
	o.logger.Info("turn cancelled", "chat_id", chatID, "turn_id", inv.id)
	return true
}

// Interrupt stops the running turn immediately. Reports whether a turn was running.
func (o *Orchestrator) Interrupt(chatID string) bool {
	o.mu.Lock()
	inv := o.activeLocked(chatID)
	o.mu.Unlock()

	if inv == nil {
		return false
	}
	o.cancelPermissions(chatID)
	inv.cancel()
	o.logger.Info("turn interrupted", "chat_id", chatID, "turn_id", inv.id)
	return true
}

// ClearSession starts the chat over: the session token is forgotten, the
// running turn is cancelled and tool approvals are revoked. Working directory
// and model overrides are kept.
func (o *Orchestrator) ClearSession(ctx context.Context, chatID string) error {
	o.mu.Lock()
	if st := o.chats[chatID]; st != nil {
		st.token = ""
		if inv := st.active; inv != nil {
			inv.reset = true
			inv.channel.Close()
		}
	}
	o.mu.Unlock()

	o.cancelPermissions(chatID)
	if o.broker != nil {
		o.broker.ClearAlwaysAllowed(chatID)
	}

	if err := o.store.ClearSessionToken(ctx, chatID, o.botID); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	o.logger.Info("session cleared", "chat_id", chatID)
	return nil
}

// DeleteSession forgets the chat entirely, interrupting any running turn.
// A blank record replaces the chat's state; it keeps the interrupted turn as
// the active one until that turn has cleaned up, so new messages wait for it
// instead of running beside it, and the stale session is never read back.
func (o *Orchestrator) DeleteSession(ctx context.Context, chatID string) error {
	o.mu.Lock()
	var inv *invocation
	if st := o.chats[chatID]; st != nil && st.active != nil {
		inv = st.active
		inv.reset = true
		inv.deleted = true
		inv.channel.Close()
	}
	o.chats[chatID] = &chatState{chatID: chatID, active: inv}
	o.mu.Unlock()

	o.cancelPermissions(chatID)
	if o.broker != nil {
		o.broker.ClearAlwaysAllowed(chatID)
	}
	if inv != nil {
		inv.cancel()
	}

	if err := o.store.DeleteSession(ctx, chatID, o.botID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	o.logger.Info("session deleted", "chat_id", chatID)
	return nil
}

// SetWorkingDir changes where the engine runs for this chat, starting with the
// next turn. An empty dir restores the default.
func (o *Orchestrator) SetWorkingDir(ctx context.Context, chatID, dir string) error {
	if dir != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("checking working dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s: %w", dir, ErrNotDirectory)
		}
	}

	st, err := o.load(ctx, chatID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	st.workingDir = dir
	o.mu.Unlock()

	if err := o.store.SetWorkingDir(ctx, chatID, o.botID, dir); err != nil {
		return fmt.Errorf("saving working dir: %w", err)
	}
	return nil
}

// SetModel overrides the model for this chat, starting with the next turn.
// An empty model restores the default.
func (o *Orchestrator) SetModel(ctx context.Context, chatID, model string) error {
	st, err := o.load(ctx, chatID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	st.model = model
	o.mu.Unlock()

	if err := o.store.SetModel(ctx, chatID, o.botID, model); err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	return nil
}

// Status reports the chat's current state.
func (o *Orchestrator) Status(ctx context.Context, chatID string) (Status, error) {
	st, err := o.load(ctx, chatID)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{
		SessionToken: st.token,
		WorkingDir:   o.workingDir,
		Model:        o.defaults.Model,
	}
	if st.workingDir != "" {
		s.WorkingDir = st.workingDir
	}
	if st.model != "" {
		s.Model = st.model
	}
	if inv := st.active; inv != nil {
		s.Active = true
		s.TurnID = inv.id
		s.Since = inv.started
		s.Injections = inv.injections
		s.Queued = inv.channel.Len()
	}
	return s, nil
}

// Stats returns the recorded turn statistics of a chat.
func (o *Orchestrator) Stats(ctx context.Context, chatID string) (*store.ChatStats, error) {
	return o.store.GetChatStats(ctx, chatID, o.botID)
}

// Shutdown interrupts every running turn and waits for them to finish
// cleaning up, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shutdown = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) activeLocked(chatID string) *invocation {
	if st := o.chats[chatID]; st != nil {
		return st.active
	}
	return nil
}

func (o *Orchestrator) cancelPermissions(chatID string) {
	if o.broker == nil {
		return
	}
	if n := o.broker.CancelPendingForChat(chatID); n > 0 {
		o.logger.Debug("cancelled pending permissions", "chat_id", chatID, "count", n)
	}
}

func drainEvents(events <-chan engine.Event) {
	for range events {
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
