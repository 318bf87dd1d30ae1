// ABOUTME: Matrix bridge core for coven-relay
// ABOUTME: Routes room messages to the conversation orchestrator and posts replies, progress and approvals

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/engine"
	"github.com/2389/coven-relay/internal/permission"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/tooltext"
)

const (
	// networkTimeout bounds every Matrix API call the bridge makes.
	networkTimeout = 30 * time.Second

	// typingRefresh re-sends the typing indicator before it expires.
	typingRefresh = 20 * time.Second

	// acceptTimeout is how long message dispatch waits for a message to
	// start or join a turn before handling the next event.
	acceptTimeout = 2 * time.Second

	seenTTL  = 30 * time.Minute
	seenSize = 10000
)

// Message is a text message received in a room.
type Message struct {
	RoomID  string
	Sender  string
	EventID string
	Body    string
}

// Messenger is the outgoing side of the Matrix connection.
type Messenger interface {
	SendHTML(ctx context.Context, roomID, plain, html string) error
	SendNotice(ctx context.Context, roomID, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool) error
	JoinRoom(ctx context.Context, roomID string) error
}

// Syncer runs the incoming side until ctx ends or the connection fails.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Conversations is the orchestrator surface the bridge drives.
type Conversations interface {
	Send(ctx context.Context, chatID string, msg engine.UserMessage, hooks conversation.Hooks) (*conversation.Result, error)
	Cancel(chatID string) bool
	Interrupt(chatID string) bool
	ClearSession(ctx context.Context, chatID string) error
	DeleteSession(ctx context.Context, chatID string) error
	SetWorkingDir(ctx context.Context, chatID, dir string) error
	SetModel(ctx context.Context, chatID, model string) error
	Status(ctx context.Context, chatID string) (conversation.Status, error)
	Stats(ctx context.Context, chatID string) (*store.ChatStats, error)
}

// Permissions is the broker surface the approval commands use.
type Permissions interface {
	Resolve(id string, resp permission.Response) bool
	Pending(chatID string) []permission.Request
	AlwaysAllowed(chatID string) []string
}

// Config controls which messages the bridge answers and how.
type Config struct {
	UserID          string   // The bot's own user ID; its messages are ignored
	AllowedUsers    []string // Empty allows everyone
	AllowedRooms    []string // Empty allows every joined room
	CommandPrefix   string   // Messages without it are ignored when set
	TypingIndicator bool
	AutoJoin        bool // Accept invites from allowed users into allowed rooms

	// ProgressInterval is the minimum spacing of tool progress notices in
	// one room. Zero disables progress notices.
	ProgressInterval time.Duration
	ProgressBurst    int
}

// Bridge connects Matrix rooms to conversations.
type Bridge struct {
	cfg      Config
	out      Messenger
	convos   Conversations
	perms    Permissions
	renderer *Renderer
	seen     *dedupe.Cache
	commands []command
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // roomID -> progress limiter

	newBackOff func() backoff.BackOff

	// ctx is the parent of message processing; Run cancels it on exit.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge creates a bridge. perms may be nil when tool approval is off.
func NewBridge(cfg Config, out Messenger, convos Conversations, perms Permissions, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProgressBurst <= 0 {
		cfg.ProgressBurst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		out:      out,
		convos:   convos,
		perms:    perms,
		renderer: NewRenderer(),
		seen:     dedupe.New(seenTTL, seenSize),
		logger:   logger.With("component", "bridge"),
		limiters: make(map[string]*rate.Limiter),
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.MaxInterval = 2 * time.Minute
			eb.MaxElapsedTime = 0
			return eb
		},
		ctx:    ctx,
		cancel: cancel,
	}
	b.commands = b.commandTable()
	return b
}

// Run syncs until ctx is cancelled, retrying failed syncs with exponential
// backoff. It returns after in-flight message handling has stopped.
func (b *Bridge) Run(ctx context.Context, syncer Syncer) error {
	defer func() {
		b.cancel()
		b.wg.Wait()
	}()

	b.logger.Info("matrix bridge running", "user_id", b.cfg.UserID)

	policy := backoff.WithContext(b.newBackOff(), ctx)
	err := backoff.RetryNotify(func() error {
		err := syncer.Sync(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("sync stopped")
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		metricSyncRetries.Inc()
		b.logger.Warn("matrix sync failed, retrying", "error", err, "in", wait)
	})

	if ctx.Err() != nil {
		b.logger.Info("shutting down matrix bridge")
		return nil
	}
	return fmt.Errorf("matrix sync failed: %w", err)
}

// HandleMessage processes one incoming message. It is called sequentially
// by the sync loop and returns once the message has started or joined a
// turn, so messages reach the agent in room order.
func (b *Bridge) HandleMessage(_ context.Context, msg Message) {
	if msg.Sender == b.cfg.UserID {
		return
	}
	if msg.EventID != "" && b.seen.Seen(msg.EventID) {
		b.logger.Debug("ignoring duplicate event", "event_id", msg.EventID)
		return
	}
	if !b.isRoomAllowed(msg.RoomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", msg.RoomID)
		return
	}
	if !b.isUserAllowed(msg.Sender) {
		b.logger.Debug("ignoring message from non-allowed user", "sender", msg.Sender)
		return
	}

	body := strings.TrimSpace(msg.Body)
	if b.cfg.CommandPrefix != "" {
		if !strings.HasPrefix(body, b.cfg.CommandPrefix) {
			return
		}
		body = strings.TrimSpace(strings.TrimPrefix(body, b.cfg.CommandPrefix))
	}
	if body == "" {
		return
	}

	if reply, ok := b.runCommand(msg.RoomID, body); ok {
		if reply != "" {
			b.notice(msg.RoomID, reply)
		}
		return
	}

	b.logger.Info("received message",
		"room", msg.RoomID,
		"sender", msg.Sender,
		"content", tooltext.Truncate(body, 50),
	)

	accepted := make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processMessage(msg.RoomID, msg.Sender, body, accepted)
	}()

	select {
	case <-accepted:
	case <-time.After(acceptTimeout):
		b.logger.Debug("message not accepted yet, continuing", "room", msg.RoomID)
	}
}

// HandleInvite joins rooms the bot is invited to when the invite is allowed.
func (b *Bridge) HandleInvite(ctx context.Context, roomID, inviter string) {
	if !b.cfg.AutoJoin || !b.isRoomAllowed(roomID) || !b.isUserAllowed(inviter) {
		b.logger.Info("ignoring invite", "room", roomID, "inviter", inviter)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if err := b.out.JoinRoom(ctx, roomID); err != nil {
		b.logger.Error("failed to join room", "room", roomID, "error", err)
		return
	}
	b.logger.Info("joined room", "room", roomID, "inviter", inviter)
}

// processMessage sends the message to the room's conversation and posts the
// reply once the turn it started ends.
func (b *Bridge) processMessage(roomID, sender, text string, accepted chan struct{}) {
	var once sync.Once
	accept := func() { once.Do(func() { close(accepted) }) }
	defer accept()

	var stopTyping func(clear bool)
	hooks := conversation.Hooks{
		OnStart: func(string) {
			stopTyping = b.startTyping(roomID)
			accept()
		},
		OnToolUse: func(call engine.ToolCall) {
			b.progress(roomID, call)
		},
		OnFollowUp: func(res *conversation.Result, err error) {
			b.deliver(roomID, res, err)
		},
	}

	res, err := b.convos.Send(b.ctx, roomID, engine.UserMessage{Sender: sender, Text: text}, hooks)
	if stopTyping != nil {
		stopTyping(true)
	}
	b.deliver(roomID, res, err)
}

// deliver posts the outcome of a turn.
func (b *Bridge) deliver(roomID string, res *conversation.Result, err error) {
	switch {
	case err != nil:
		if errors.Is(err, conversation.ErrShutdown) || b.ctx.Err() != nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			b.notice(roomID, "Stopped.")
			return
		}
		b.logger.Error("turn failed", "room", roomID, "error", err)
		b.notice(roomID, fmt.Sprintf("Error: %v", err))

	case res.Injected:
		b.logger.Debug("message joined running turn", "room", roomID, "turn_id", res.TurnID)

	case res.IsError:
		text := strings.TrimSpace(res.Text)
		if text == "" {
			text = "the agent stopped without a message"
		}
		b.reply(roomID, "**Agent error:** "+text)

	case strings.TrimSpace(res.Text) == "":
		b.logger.Warn("empty response from agent", "room", roomID)

	default:
		b.logger.Info("sending response", "room", roomID, "length", len(res.Text), "cost_usd", res.CostUSD)
		b.reply(roomID, res.Text)
	}
}

// reply posts Markdown text, split into chunks that fit in one event.
func (b *Bridge) reply(roomID, markdown string) {
	for _, chunk := range Chunk(markdown, MaxChunkSize) {
		formatted, err := b.renderer.Render(chunk)
		if err != nil {
			b.logger.Warn("failed to render reply, sending plain text", "error", err)
			formatted = ""
		}

		ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
		if formatted == "" {
			err = b.out.SendNotice(ctx, roomID, chunk)
		} else {
			err = b.out.SendHTML(ctx, roomID, chunk, formatted)
		}
		cancel()
		if err != nil {
			b.logger.Error("failed to send message", "room", roomID, "error", err)
			return
		}
	}
}

func (b *Bridge) notice(roomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if err := b.out.SendNotice(ctx, roomID, text); err != nil {
		b.logger.Error("failed to send notice", "room", roomID, "error", err)
	}
}

// progress posts a tool-use line, at most as often as the room's limiter allows.
func (b *Bridge) progress(roomID string, call engine.ToolCall) {
	if b.cfg.ProgressInterval <= 0 {
		return
	}
	if !b.limiter(roomID).Allow() {
		metricProgressDropped.Inc()
		return
	}
	b.notice(roomID, "› "+tooltext.Summarize(call.Name, call.Input))
}

func (b *Bridge) limiter(roomID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[roomID]
	if !ok {
		l = rate.NewLimiter(rate.Every(b.cfg.ProgressInterval), b.cfg.ProgressBurst)
		b.limiters[roomID] = l
	}
	return l
}

// startTyping shows the typing indicator until the returned func is called.
func (b *Bridge) startTyping(roomID string) func(clear bool) {
	if !b.cfg.TypingIndicator {
		return func(bool) {}
	}

	ctx, cancel := context.WithCancel(b.ctx)
	b.setTyping(roomID, true)
	go func() {
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.setTyping(roomID, true)
			}
		}
	}()

	return func(clear bool) {
		cancel()
		if clear {
			b.setTyping(roomID, false)
		}
	}
}

func (b *Bridge) setTyping(roomID string, typing bool) {
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if err := b.out.SetTyping(ctx, roomID, typing); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID, "error", err)
	}
}

// Notify delivers a permission request to its room. It satisfies
// permission.NotifyFunc.
func (b *Bridge) Notify(ctx context.Context, req permission.Request) error {
	short := shortID(req.ID)
	text := fmt.Sprintf("Permission requested [%s]\n%s\n\nReply !allow %s, !deny %s or !always %s",
		short, tooltext.Summarize(req.ToolName, req.Input), short, short, short)

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if err := b.out.SendNotice(ctx, req.ChatID, text); err != nil {
		return fmt.Errorf("posting permission request: %w", err)
	}
	return nil
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	return allowed(b.cfg.AllowedRooms, roomID)
}

func (b *Bridge) isUserAllowed(userID string) bool {
	return allowed(b.cfg.AllowedUsers, userID)
}

func allowed(list []string, v string) bool {
	if len(list) == 0 {
		return true // Allow all if no filter
	}
	for _, a := range list {
		if a == v {
			return true
		}
	}
	return false
}

// shortID is the prefix of a request ID users type in approval commands.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
