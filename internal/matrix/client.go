// ABOUTME: mautrix client adapter for the relay bridge
// ABOUTME: Sends replies, notices and typing state, and feeds synced events to the bridge

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// typingTimeout is how long the homeserver shows the typing indicator
// unless it is refreshed or cleared.
const typingTimeout = 30 * time.Second

// Client wraps a mautrix client logged in with an access token.
type Client struct {
	mx     *mautrix.Client
	logger *slog.Logger
}

// NewClient creates a client for an existing access token. deviceID may be
// empty; Connect fills it in from the homeserver.
func NewClient(homeserver, userID, accessToken, deviceID string, logger *slog.Logger) (*Client, error) {
	mx, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if deviceID != "" {
		mx.DeviceID = id.DeviceID(deviceID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{mx: mx, logger: logger.With("component", "matrix")}, nil
}

// Mautrix returns the underlying client, for crypto setup.
func (c *Client) Mautrix() *mautrix.Client {
	return c.mx
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string {
	return c.mx.UserID.String()
}

// Connect checks the access token and learns the device ID.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.mx.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("checking access token: %w", err)
	}
	if resp.UserID != c.mx.UserID {
		return fmt.Errorf("access token belongs to %s, not %s", resp.UserID, c.mx.UserID)
	}
	if c.mx.DeviceID == "" {
		c.mx.DeviceID = resp.DeviceID
	}
	c.logger.Info("connected to homeserver", "user_id", resp.UserID, "device_id", c.mx.DeviceID)
	return nil
}

// Listen registers the bridge's handlers on the client's syncer. Events from
// before the first sync are skipped.
func (c *Client) Listen(onMessage func(context.Context, Message), onInvite func(ctx context.Context, roomID, inviter string)) error {
	syncer, ok := c.mx.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", c.mx.Syncer)
	}
	syncer.OnSync(c.mx.DontProcessOldEvents)

	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || content.MsgType != event.MsgText {
			return
		}
		onMessage(ctx, Message{
			RoomID:  evt.RoomID.String(),
			Sender:  evt.Sender.String(),
			EventID: evt.ID.String(),
			Body:    content.Body,
		})
	})

	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		if evt.GetStateKey() != c.mx.UserID.String() {
			return
		}
		if evt.Content.AsMember().Membership != event.MembershipInvite {
			return
		}
		onInvite(ctx, evt.RoomID.String(), evt.Sender.String())
	})
	return nil
}

// Sync runs the sync loop until ctx is done or the homeserver fails.
func (c *Client) Sync(ctx context.Context) error {
	return c.mx.SyncWithContext(ctx)
}

// SendHTML posts a formatted message.
func (c *Client) SendHTML(ctx context.Context, roomID, plain, html string) error {
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plain,
		Format:        event.FormatHTML,
		FormattedBody: html,
	}
	if _, err := c.mx.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendNotice posts a plain notice. Bots, including this one, ignore notices.
func (c *Client) SendNotice(ctx context.Context, roomID, text string) error {
	if _, err := c.mx.SendNotice(ctx, id.RoomID(roomID), text); err != nil {
		return fmt.Errorf("sending notice: %w", err)
	}
	return nil
}

// SetTyping shows or clears the typing indicator.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool) error {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	if _, err := c.mx.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("setting typing: %w", err)
	}
	return nil
}

// JoinRoom accepts an invite.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	if _, err := c.mx.JoinRoomByID(ctx, id.RoomID(roomID)); err != nil {
		return fmt.Errorf("joining room: %w", err)
	}
	return nil
}
