// ABOUTME: Tests for the conversation orchestrator
// ABOUTME: Drives the Idle/Active state machine with a scripted engine and the in-memory store

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/engine"
	"github.com/2389/coven-relay/internal/permission"
	"github.com/2389/coven-relay/internal/store"
)

const testBot = "@relay:example.org"

// fakeRun is one invocation of fakeEngine.
type fakeRun struct {
	ctx    context.Context
	input  engine.Input
	opts   engine.Options
	events chan engine.Event
}

func (r *fakeRun) read(t *testing.T) engine.UserMessage {
	t.Helper()
	msg, err := r.input.Next(r.ctx)
	if err != nil {
		t.Errorf("engine input: %v", err)
	}
	return msg
}

func (r *fakeRun) emit(ev engine.Event) {
	r.events <- ev
}

func (r *fakeRun) result(text, session string) {
	r.emit(engine.Event{Kind: engine.EventResult, Result: &engine.Result{Text: text, SessionID: session, NumTurns: 1}})
}

// fakeEngine runs script for every invocation and records the runs.
type fakeEngine struct {
	mu       sync.Mutex
	runs     []*fakeRun
	started  chan *fakeRun
	script   func(r *fakeRun)
	startErr error
}

func newFakeEngine(script func(r *fakeRun)) *fakeEngine {
	return &fakeEngine{started: make(chan *fakeRun, 16), script: script}
}

func (f *fakeEngine) Run(ctx context.Context, input engine.Input, opts engine.Options) (<-chan engine.Event, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	r := &fakeRun{ctx: ctx, input: input, opts: opts, events: make(chan engine.Event, 16)}
	f.mu.Lock()
	f.runs = append(f.runs, r)
	f.mu.Unlock()
	f.started <- r

	go func() {
		defer close(r.events)
		f.script(r)
	}()
	return r.events, nil
}

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeEngine) nextRun(t *testing.T) *fakeRun {
	t.Helper()
	select {
	case r := <-f.started:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("engine was not started")
		return nil
	}
}

// fakeBroker answers every permission request with a fixed response.
type fakeBroker struct {
	mu        sync.Mutex
	resp      permission.Response
	requests  []string
	cancelled []string
	cleared   []string
}

func (b *fakeBroker) Request(_ context.Context, chatID, toolName string, _ json.RawMessage) permission.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, chatID+"/"+toolName)
	return b.resp
}

func (b *fakeBroker) CancelPendingForChat(chatID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, chatID)
	return 0
}

func (b *fakeBroker) ClearAlwaysAllowed(chatID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared = append(b.cleared, chatID)
}

func echoScript(t *testing.T) func(r *fakeRun) {
	return func(r *fakeRun) {
		msg := r.read(t)
		r.emit(engine.Event{Kind: engine.EventSessionInit, SessionID: "sess-1"})
		r.emit(engine.Event{Kind: engine.EventText, Text: "echo: "})
		r.emit(engine.Event{Kind: engine.EventText, Text: msg.Text})
		r.emit(engine.Event{Kind: engine.EventResult, Result: &engine.Result{SessionID: "sess-1", CostUSD: 0.02, NumTurns: 1}})
	}
}

func newTestOrchestrator(t *testing.T, eng engine.Engine, broker PermissionBroker, st store.Store) *Orchestrator {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	o := New(Config{
		Engine:   eng,
		Store:    st,
		Broker:   broker,
		BotID:    testBot,
		Defaults: Policy{Model: "sonnet", MaxTurns: 10, PermissionMode: engine.PermissionDefault},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func sendAsync(o *Orchestrator, chatID, text string, hooks Hooks) <-chan sendOutcome {
	out := make(chan sendOutcome, 1)
	go func() {
		res, err := o.Send(context.Background(), chatID, engine.UserMessage{Sender: "@alice:example.org", Text: text}, hooks)
		out <- sendOutcome{res, err}
	}()
	return out
}

type sendOutcome struct {
	res *Result
	err error
}

func await(t *testing.T, ch <-chan sendOutcome) sendOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("send did not return")
		return sendOutcome{}
	}
}

func TestSend_IdleChatRunsTurnAndPersistsToken(t *testing.T) {
	st := store.NewMemoryStore()
	eng := newFakeEngine(echoScript(t))
	o := newTestOrchestrator(t, eng, nil, st)

	var deltas []string
	res, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "hello"}, Hooks{
		OnText: func(d string) { deltas = append(deltas, d) },
	})
	require.NoError(t, err)

	assert.False(t, res.Injected)
	assert.Equal(t, "echo: hello", res.Text, "text falls back to the streamed deltas")
	assert.Equal(t, "sess-1", res.SessionToken)
	assert.Equal(t, []string{"echo: ", "hello"}, deltas)

	sess, err := st.GetSession(context.Background(), "!room", testBot)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.Token)

	status, err := o.Status(context.Background(), "!room")
	require.NoError(t, err)
	assert.False(t, status.Active)

	turns := st.Turns("!room", testBot)
	require.Len(t, turns, 1)
	assert.Equal(t, store.OutcomeSuccess, turns[0].Outcome)
	assert.InDelta(t, 0.02, turns[0].CostUSD, 1e-9)

	// The first run had nothing to resume; the options carry the policy.
	first := eng.nextRun(t)
	assert.Empty(t, first.opts.ResumeToken)
	assert.Equal(t, "sonnet", first.opts.Model)
	assert.Equal(t, 10, first.opts.MaxTurns)
}

func TestSend_ResumesStoredSession(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveSession(context.Background(), "!room", testBot, "sess-old"))

	var stamped string
	eng := newFakeEngine(func(r *fakeRun) {
		stamped = r.input.Session()
		r.read(t)
		r.result("ok", "sess-old")
	})
	o := newTestOrchestrator(t, eng, nil, st)

	_, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "again"}, Hooks{})
	require.NoError(t, err)

	run := eng.nextRun(t)
	assert.Equal(t, "sess-old", run.opts.ResumeToken)
	assert.Equal(t, "sess-old", stamped, "the input carries the session being resumed")
}

func TestSend_SecondTurnResumesFirstTurnsToken(t *testing.T) {
	eng := newFakeEngine(echoScript(t))
	o := newTestOrchestrator(t, eng, nil, nil)

	for _, text := range []string{"one", "two"} {
		_, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: text}, Hooks{})
		require.NoError(t, err)
	}

	assert.Empty(t, eng.nextRun(t).opts.ResumeToken)
	assert.Equal(t, "sess-1", eng.nextRun(t).opts.ResumeToken)
}

// TestSend_InjectsIntoActiveTurn sends a second message while the first turn
// is running; it must join the same invocation.
func TestSend_InjectsIntoActiveTurn(t *testing.T) {
	firstRead := make(chan struct{})
	eng := newFakeEngine(func(r *fakeRun) {
		m1 := r.read(t)
		close(firstRead)
		m2 := r.read(t)
		r.result(m1.Text+"+"+m2.Text, "sess-1")
	})
	o := newTestOrchestrator(t, eng, nil, nil)

	first := sendAsync(o, "!room", "M1", Hooks{})
	<-firstRead

	status, err := o.Status(context.Background(), "!room")
	require.NoError(t, err)
	assert.True(t, status.Active)

	injected, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "M2"}, Hooks{})
	require.NoError(t, err)
	assert.True(t, injected.Injected)

	out := await(t, first)
	require.NoError(t, out.err)
	assert.Equal(t, "M1+M2", out.res.Text)
	assert.Equal(t, 1, out.res.Injections)
	assert.Equal(t, 1, eng.runCount(), "injection must not start a second invocation")

	status, err = o.Status(context.Background(), "!room")
	require.NoError(t, err)
	assert.False(t, status.Active)
}

func TestSend_EngineFailureReturnsChatToIdle(t *testing.T) {
	boom := errors.New("process exited")
	calls := 0
	var mu sync.Mutex
	eng := newFakeEngine(func(r *fakeRun) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		r.read(t)
		if n == 1 {
			r.emit(engine.Event{Kind: engine.EventError, Err: boom})
			return
		}
		r.result("recovered", "sess-2")
	})
	st := store.NewMemoryStore()
	o := newTestOrchestrator(t, eng, nil, st)

	_, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "hi"}, Hooks{})
	require.Error(t, err)
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "!room", invErr.ChatID)
	assert.ErrorIs(t, err, boom)

	status, err := o.Status(context.Background(), "!room")
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Empty(t, status.SessionToken, "a failed turn persists no token")

	res, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "again"}, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)

	turns := st.Turns("!room", testBot)
	require.Len(t, turns, 2)
	assert.Equal(t, store.OutcomeError, turns[0].Outcome)
	assert.Equal(t, store.OutcomeSuccess, turns[1].Outcome)
}

func TestSend_EngineClosesWithoutResult(t *testing.T) {
	eng := newFakeEngine(func(r *fakeRun) { r.read(t) })
	o := newTestOrchestrator(t, eng, nil, nil)

	_, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "hi"}, Hooks{})
	assert.ErrorIs(t, err, engine.ErrNoResult)
}

func TestSend_EngineStartFailure(t *testing.T) {
	eng := newFakeEngine(nil)
	eng.startErr = errors.New("claude not installed")
	o := newTestOrchestrator(t, eng, nil, nil)

	_, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "hi"}, Hooks{})
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.ErrorIs(t, err, eng.startErr)

	status, err := o.Status(context.Background(), "!room")
	require.NoError(t, err)
	assert.False(t, status.Active)
}

func TestSend_ErrorResultIsAResult(t *testing.T) {
	eng := newFakeEngine(func(r *fakeRun) {
		r.read(t)
		r.emit(engine.Event{Kind: engine.EventResult, Result: &engine.Result{Text: "max turns", SessionID: "s", IsError: true}})
	})
	st := store.NewMemoryStore()
	o := newTestOrchestrator(t, eng, nil, st)

	res, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "hi"}, Hooks{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, store.OutcomeError, st.Turns("!room", testBot)[0].Outcome)
}

func TestSend_PermissionHookRoutesThroughBroker(t *testing.T) {
	broker := &fakeBroker{resp: permission.Response{Allowed: false, Message: "not now"}}
	var decision engine.Decision
	eng := newFakeEngine(func(r *fakeRun) {
		r.read(t)
		call := engine.ToolCall{ID: "t1", Name: "Bash", Input: json.RawMessage(`{"command":"rm -rf /"}`)}
		r.emit(engine.Event{Kind: engine.EventToolUse, ToolUse: &call})
		decision = r.opts.CanUseTool(r.ctx, call)
		r.result("done", "s")
	})
	o := newTestOrchestrator(t, eng, broker, nil)

	var tools []string
	res, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "clean up"}, Hooks{
		OnToolUse: func(call engine.ToolCall) { tools = append(tools, call.Name) },
	})
	require.NoError(t, err)

	assert.False(t, decision.Allow)
	assert.Equal(t, "not now", decision.Message)
	assert.Equal(t, []string{"!room/Bash"}, broker.requests)
	assert.Equal(t, []string{"Bash"}, tools)
	assert.Equal(t, []string{"Bash"}, res.ToolsUsed)
}

func TestSend_BypassModeInstallsNoHook(t *testing.T) {
	broker := &fakeBroker{}
	eng := newFakeEngine(func(r *fakeRun) {
		r.read(t)
		r.result("done", "s")
	})
	o := New(Config{
		Engine:   eng,
		Store:    store.NewMemoryStore(),
		Broker:   broker,
		BotID:    testBot,
		Defaults: Policy{PermissionMode: engine.PermissionBypass},
	})

	_, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "go"}, Hooks{})
	require.NoError(t, err)
	assert.Nil(t, eng.nextRun(t).opts.CanUseTool)
}

// TestSend_LateInjectionCarriesIntoFollowUp pushes a message after the engine
// read its last input but before the result closed the channel.
func TestSend_LateInjectionCarriesIntoFollowUp(t *testing.T) {
	readDone := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	eng := newFakeEngine(func(r *fakeRun) {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()

		msg := r.read(t)
		if n == 1 {
			close(readDone)
			<-release
		}
		r.result("answer to "+msg.Text, "sess-1")
	})
	o := newTestOrchestrator(t, eng, nil, nil)

	followUps := make(chan sendOutcome, 1)
	first := sendAsync(o, "!room", "first", Hooks{
		OnFollowUp: func(res *Result, err error) { followUps <- sendOutcome{res, err} },
	})
	<-readDone

	injected, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "late"}, Hooks{})
	require.NoError(t, err)
	require.True(t, injected.Injected)
	close(release)

	out := await(t, first)
	require.NoError(t, out.err)
	assert.Equal(t, "answer to first", out.res.Text)

	follow := await(t, followUps)
	require.NoError(t, follow.err)
	assert.Equal(t, "answer to late", follow.res.Text)
	assert.Equal(t, 2, eng.runCount())
	eng.mu.Lock()
	second := eng.runs[1]
	eng.mu.Unlock()
	assert.Equal(t, "sess-1", second.opts.ResumeToken, "the follow-up resumes the session of the turn it follows")
}

// gatedStore holds the first SaveSession until release is closed.
type gatedStore struct {
	*store.MemoryStore
	once    sync.Once
	saving  chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{MemoryStore: store.NewMemoryStore(), saving: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedStore) SaveSession(ctx context.Context, chatID, botID, token string) error {
	g.once.Do(func() {
		close(g.saving)
		<-g.release
	})
	return g.MemoryStore.SaveSession(ctx, chatID, botID, token)
}

// TestSend_FollowUpKeepsRoomOrder sends M3 while the turn that left M2
// unread is still saving its session. The engine must see M2 before M3.
func TestSend_FollowUpKeepsRoomOrder(t *testing.T) {
	st := newGatedStore()
	firstRead := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	runs := 0
	eng := newFakeEngine(func(r *fakeRun) {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()

		m := r.read(t)
		mu.Lock()
		seen = append(seen, m.Text)
		mu.Unlock()
		if n == 1 {
			close(firstRead)
			<-release
			r.result("re: "+m.Text, "sess-1")
			return
		}
		next := r.read(t)
		mu.Lock()
		seen = append(seen, next.Text)
		mu.Unlock()
		r.result(m.Text+"|"+next.Text, "sess-1")
	})
	o := newTestOrchestrator(t, eng, nil, st)

	followUps := make(chan sendOutcome, 1)
	first := sendAsync(o, "!room", "M1", Hooks{
		OnFollowUp: func(res *Result, err error) { followUps <- sendOutcome{res, err} },
	})
	<-firstRead
	m2 := await(t, sendAsync(o, "!room", "M2", Hooks{}))
	require.NoError(t, m2.err)
	require.True(t, m2.res.Injected)

	close(release)
	<-st.saving
	third := sendAsync(o, "!room", "M3", Hooks{})
	time.Sleep(20 * time.Millisecond)
	close(st.release)

	require.NoError(t, await(t, first).err)
	m3 := await(t, third)
	require.NoError(t, m3.err)
	assert.True(t, m3.res.Injected, "M3 joins the follow-up turn")

	follow := await(t, followUps)
	require.NoError(t, follow.err)
	assert.Equal(t, "M2|M3", follow.res.Text)
	assert.Equal(t, 2, eng.runCount())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"M1", "M2", "M3"}, seen)
}

func TestCancel_ClosesInputAndLetsTurnFinish(t *testing.T) {
	broker := &fakeBroker{}
	firstRead := make(chan struct{})
	eng := newFakeEngine(func(r *fakeRun) {
		r.read(t)
		close(firstRead)
		// Wait for more input; Cancel ends it.
		_, err := r.input.Next(r.ctx)
		if !errors.Is(err, io.EOF) {
			t.Errorf("expected end of input, got %v", err)
		}
		r.result("wrapped up", "sess-1")
	})
	o := newTestOrchestrator(t, eng, broker, nil)

	first := sendAsync(o, "!room", "long task", Hooks{})
	<-firstRead

	assert.True(t, o.Cancel("!room"))
	out := await(t, first)
	require.NoError(t, out.err)
	assert.Equal(t, "wrapped up", out.res.Text)
	assert.Contains(t, broker.cancelled, "!room")

	assert.False(t, o.Cancel("!room"), "nothing left to cancel")
}

func TestSend_AfterCancelStartsNewTurn(t *testing.T) {
	firstRead := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	eng := newFakeEngine(func(r *fakeRun) {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()

		msg := r.read(t)
		if n == 1 {
			close(firstRead)
			<-release
		}
		r.result("re: "+msg.Text, "sess-1")
	})
	o := newTestOrchestrator(t, eng, nil, nil)

	first := sendAsync(o, "!room", "one", Hooks{})
	<-firstRead
	require.True(t, o.Cancel("!room"))

	// The closed turn cannot take input; this Send waits for it and starts a new one.
	second := sendAsync(o, "!room", "two", Hooks{})
	close(release)

	assert.Equal(t, "re: one", await(t, first).res.Text)
	out := await(t, second)
	require.NoError(t, out.err)
	assert.False(t, out.res.Injected)
	assert.Equal(t, "re: two", out.res.Text)
	assert.Equal(t, 2, eng.runCount())
}

func TestInterrupt_StopsTurn(t *testing.T) {
	broker := &fakeBroker{}
	started := make(chan struct{})
	eng := newFakeEngine(func(r *fakeRun) {
		r.read(t)
		close(started)
		<-r.ctx.Done()
		r.emit(engine.Event{Kind: engine.EventError, Err: r.ctx.Err()})
	})
	o := newTestOrchestrator(t, eng, broker, nil)

	first := sendAsync(o, "!room", "spin", Hooks{})
	<-started

	assert.True(t, o.Interrupt("!room"))
	out := await(t, first)
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.Contains(t, broker.cancelled, "!room")

	status, err := o.Status(context.Background(), "!room")
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.False(t, o.Interrupt("!room"))
}

func TestClearSession_ForgetsTokenKeepsSettings(t *testing.T) {
	broker := &fakeBroker{}
	st := store.NewMemoryStore()
	eng := newFakeEngine(echoScript(t))
	o := newTestOrchestrator(t, eng, broker, st)
	ctx := context.Background()

	require.NoError(t, o.SetModel(ctx, "!room", "opus"))
	_, err := o.Send(ctx, "!room", engine.UserMessage{Text: "hi"}, Hooks{})
	require.NoError(t, err)

	require.NoError(t, o.ClearSession(ctx, "!room"))
	assert.Equal(t, []string{"!room"}, broker.cleared)

	sess, err := st.GetSession(ctx, "!room", testBot)
	require.NoError(t, err)
	assert.Empty(t, sess.Token)
	assert.Equal(t, "opus", sess.Model)

	_, err = o.Send(ctx, "!room", engine.UserMessage{Text: "fresh start"}, Hooks{})
	require.NoError(t, err)
	eng.nextRun(t)
	second := eng.nextRun(t)
	assert.Empty(t, second.opts.ResumeToken)
	assert.Equal(t, "opus", second.opts.Model)
}

func TestClearSession_DuringTurnDiscardsItsToken(t *testing.T) {
	st := store.NewMemoryStore()
	firstRead := make(chan struct{})
	release := make(chan struct{})
	eng := newFakeEngine(func(r *fakeRun) {
		r.read(t)
		close(firstRead)
		<-release
		r.result("late answer", "sess-stale")
	})
	o := newTestOrchestrator(t, eng, nil, st)

	first := sendAsync(o, "!room", "hi", Hooks{})
	<-firstRead
	require.NoError(t, o.ClearSession(context.Background(), "!room"))
	close(release)
	require.NoError(t, await(t, first).err)

	status, err := o.Status(context.Background(), "!room")
	require.NoError(t, err)
	assert.Empty(t, status.SessionToken)
	sess, err := st.GetSession(context.Background(), "!room", testBot)
	if err == nil {
		assert.Empty(t, sess.Token)
	}
}

func TestDeleteSession_RemovesEverything(t *testing.T) {
	broker := &fakeBroker{}
	st := store.NewMemoryStore()
	eng := newFakeEngine(echoScript(t))
	o := newTestOrchestrator(t, eng, broker, st)
	ctx := context.Background()

	_, err := o.Send(ctx, "!room", engine.UserMessage{Text: "hi"}, Hooks{})
	require.NoError(t, err)

	require.NoError(t, o.DeleteSession(ctx, "!room"))
	_, err = st.GetSession(ctx, "!room", testBot)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, broker.cleared, "!room")

	stats, err := o.Stats(ctx, "!room")
	require.NoError(t, err)
	assert.Zero(t, stats.Turns)
}

// TestDeleteSession_DuringTurnWaitsAndForgets deletes a chat while its turn
// is still producing a result, then sends a new message.
func TestDeleteSession_DuringTurnWaitsAndForgets(t *testing.T) {
	st := store.NewMemoryStore()
	firstRead := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	runs := 0
	eng := newFakeEngine(func(r *fakeRun) {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()

		msg := r.read(t)
		if n == 1 {
			close(firstRead)
			<-release
			r.result("stale", "old-sess")
			return
		}
		r.result("re: "+msg.Text, "new-sess")
	})
	o := newTestOrchestrator(t, eng, nil, st)
	ctx := context.Background()

	require.NoError(t, o.SetModel(ctx, "!room", "opus"))
	first := sendAsync(o, "!room", "one", Hooks{})
	<-firstRead

	require.NoError(t, o.DeleteSession(ctx, "!room"))
	second := sendAsync(o, "!room", "two", Hooks{})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, eng.runCount(), "the deleted turn must finish before another starts")

	status, err := o.Status(ctx, "!room")
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Empty(t, status.SessionToken)

	close(release)
	await(t, first)
	out := await(t, second)
	require.NoError(t, out.err)
	assert.False(t, out.res.Injected)
	assert.Equal(t, "re: two", out.res.Text)

	eng.mu.Lock()
	next := eng.runs[1]
	eng.mu.Unlock()
	assert.Empty(t, next.opts.ResumeToken)
	assert.Equal(t, "sonnet", next.opts.Model, "overrides go with the deleted session")

	sess, err := st.GetSession(ctx, "!room", testBot)
	require.NoError(t, err)
	assert.Equal(t, "new-sess", sess.Token)
	require.Len(t, st.Turns("!room", testBot), 1, "the deleted turn records nothing")
}

func TestSetWorkingDir(t *testing.T) {
	eng := newFakeEngine(echoScript(t))
	o := newTestOrchestrator(t, eng, nil, nil)
	ctx := context.Background()

	err := o.SetWorkingDir(ctx, "!room", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	dir := t.TempDir()
	require.NoError(t, o.SetWorkingDir(ctx, "!room", dir))
	_, err = o.Send(ctx, "!room", engine.UserMessage{Text: "ls"}, Hooks{})
	require.NoError(t, err)
	assert.Equal(t, dir, eng.nextRun(t).opts.WorkingDir)

	status, err := o.Status(ctx, "!room")
	require.NoError(t, err)
	assert.Equal(t, dir, status.WorkingDir)
}

func TestSend_ChatsRunIndependently(t *testing.T) {
	release := make(chan struct{})
	eng := newFakeEngine(func(r *fakeRun) {
		msg := r.read(t)
		if msg.Text == "slow" {
			<-release
		}
		r.result(msg.Text, "s")
	})
	o := newTestOrchestrator(t, eng, nil, nil)

	slow := sendAsync(o, "!slow", "slow", Hooks{})
	fast := await(t, sendAsync(o, "!fast", "fast", Hooks{}))
	require.NoError(t, fast.err)
	assert.Equal(t, "fast", fast.res.Text)

	close(release)
	assert.Equal(t, "slow", await(t, slow).res.Text)
}

func TestShutdown_InterruptsAndRejects(t *testing.T) {
	started := make(chan struct{})
	eng := newFakeEngine(func(r *fakeRun) {
		r.read(t)
		close(started)
		<-r.ctx.Done()
		r.emit(engine.Event{Kind: engine.EventError, Err: r.ctx.Err()})
	})
	o := newTestOrchestrator(t, eng, nil, nil)

	first := sendAsync(o, "!room", "work", Hooks{})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	assert.Error(t, await(t, first).err)

	_, err := o.Send(context.Background(), "!room", engine.UserMessage{Text: "more"}, Hooks{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestSend_OnStartFiresOnlyForNewTurns(t *testing.T) {
	firstRead := make(chan struct{})
	release := make(chan struct{})
	eng := newFakeEngine(func(r *fakeRun) {
		r.read(t)
		close(firstRead)
		<-release
		r.read(t)
		r.result("done", "sess-1")
	})
	o := newTestOrchestrator(t, eng, nil, nil)

	started := make(chan string, 2)
	hooks := Hooks{OnStart: func(id string) { started <- id }}

	first := sendAsync(o, "!room", "one", hooks)
	<-firstRead
	injected := await(t, sendAsync(o, "!room", "two", hooks))
	require.NoError(t, injected.err)
	assert.True(t, injected.res.Injected)
	close(release)

	out := await(t, first)
	require.NoError(t, out.err)
	require.Len(t, started, 1)
	assert.Equal(t, out.res.TurnID, <-started)
	assert.Equal(t, 1, out.res.Injections)
}
