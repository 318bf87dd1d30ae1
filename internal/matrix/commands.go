// ABOUTME: Chat commands for controlling a room's conversation
// ABOUTME: Session reset, cancellation, tool approvals, per-room overrides and stats

package matrix

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/permission"
)

// command is a "!name" message handled by the bridge itself.
type command struct {
	name string
	args string
	help string
	run  func(ctx context.Context, roomID string, args []string) string
}

func (b *Bridge) commandTable() []command {
	return []command{
		{"help", "", "show this help", b.cmdHelp},
		{"new", "", "start a new session (keeps !cd and !model)", b.cmdNew},
		{"delete", "", "forget everything about this room", b.cmdDelete},
		{"cancel", "", "let the agent wrap up and stop taking messages", b.cmdCancel},
		{"stop", "", "stop the agent immediately", b.cmdStop},
		{"status", "", "show what the agent is doing", b.cmdStatus},
		{"allow", "[id]", "approve a pending tool request", b.cmdAllow},
		{"deny", "[id] [reason]", "reject a pending tool request", b.cmdDeny},
		{"always", "[id]", "approve and stop asking for this tool in this room", b.cmdAlways},
		{"cd", "[dir|-]", "show or set the working directory", b.cmdCd},
		{"model", "[name|-]", "show or set the model", b.cmdModel},
		{"stats", "", "show usage for this room", b.cmdStats},
	}
}

// runCommand handles body if it is a command. ok is false for ordinary
// messages, which go to the agent.
func (b *Bridge) runCommand(roomID, body string) (reply string, ok bool) {
	if !strings.HasPrefix(body, "!") {
		return "", false
	}
	fields := strings.Fields(body)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "!"))
	if name == "" {
		return "", false
	}

	for _, c := range b.commands {
		if c.name != name {
			continue
		}
		b.logger.Info("command", "room", roomID, "command", name)
		ctx, cancel := context.WithTimeout(b.ctx, networkTimeout)
		defer cancel()
		return c.run(ctx, roomID, fields[1:]), true
	}
	return fmt.Sprintf("Unknown command !%s. Try !help.", name), true
}

func (b *Bridge) cmdHelp(context.Context, string, []string) string {
	var sb strings.Builder
	sb.WriteString("Commands:\n")
	for _, c := range b.commands {
		usage := "!" + c.name
		if c.args != "" {
			usage += " " + c.args
		}
		fmt.Fprintf(&sb, "%s - %s\n", usage, c.help)
	}
	sb.WriteString("Anything else is sent to the agent. Messages sent while it works join the running turn.")
	return sb.String()
}

func (b *Bridge) cmdNew(ctx context.Context, roomID string, _ []string) string {
	if err := b.convos.ClearSession(ctx, roomID); err != nil {
		return fmt.Sprintf("Could not reset the session: %v", err)
	}
	return "Started a new session."
}

func (b *Bridge) cmdDelete(ctx context.Context, roomID string, _ []string) string {
	if err := b.convos.DeleteSession(ctx, roomID); err != nil {
		return fmt.Sprintf("Could not delete the session: %v", err)
	}
	return "Session deleted."
}

func (b *Bridge) cmdCancel(_ context.Context, roomID string, _ []string) string {
	if !b.convos.Cancel(roomID) {
		return "Nothing is running."
	}
	return "Cancelling. The agent will finish its current step."
}

func (b *Bridge) cmdStop(_ context.Context, roomID string, _ []string) string {
	if !b.convos.Interrupt(roomID) {
		return "Nothing is running."
	}
	return ""
}

func (b *Bridge) cmdStatus(ctx context.Context, roomID string, _ []string) string {
	st, err := b.convos.Status(ctx, roomID)
	if err != nil {
		return fmt.Sprintf("Could not read status: %v", err)
	}

	var sb strings.Builder
	if st.Active {
		fmt.Fprintf(&sb, "Working for %s (turn %s", time.Since(st.Since).Round(time.Second), shortID(st.TurnID))
		if st.Injections > 0 {
			fmt.Fprintf(&sb, ", %d messages added, %d not read yet", st.Injections, st.Queued)
		}
		sb.WriteString(")\n")
	} else {
		sb.WriteString("Idle\n")
	}

	session := "none"
	if st.SessionToken != "" {
		session = st.SessionToken
	}
	fmt.Fprintf(&sb, "Session: %s\n", session)
	fmt.Fprintf(&sb, "Directory: %s\n", orDefault(st.WorkingDir))
	fmt.Fprintf(&sb, "Model: %s", orDefault(st.Model))

	if b.perms != nil {
		if tools := b.perms.AlwaysAllowed(roomID); len(tools) > 0 {
			fmt.Fprintf(&sb, "\nAlways allowed: %s", strings.Join(tools, ", "))
		}
		if pending := b.perms.Pending(roomID); len(pending) > 0 {
			fmt.Fprintf(&sb, "\nWaiting for approval: %s", describePending(pending))
		}
	}
	return sb.String()
}

func (b *Bridge) cmdAllow(_ context.Context, roomID string, args []string) string {
	return b.resolve(roomID, args, permission.Response{Allowed: true}, "Allowed")
}

func (b *Bridge) cmdAlways(_ context.Context, roomID string, args []string) string {
	return b.resolve(roomID, args, permission.Response{Allowed: true, AlwaysAllow: true}, "Always allowed")
}

func (b *Bridge) cmdDeny(_ context.Context, roomID string, args []string) string {
	resp := permission.Response{Message: "denied by user"}
	switch {
	case len(args) > 0 && b.perms != nil && b.findPending(roomID, args[0]) == nil:
		// No ID given; the words are the reason.
		resp.Message = strings.Join(args, " ")
		args = nil
	case len(args) > 1:
		resp.Message = strings.Join(args[1:], " ")
	}
	return b.resolve(roomID, args, resp, "Denied")
}

// resolve settles the request named by args[0], or the room's only pending
// request when no ID is given.
func (b *Bridge) resolve(roomID string, args []string, resp permission.Response, verb string) string {
	if b.perms == nil {
		return "Tool approval is not enabled."
	}

	var req *permission.Request
	if len(args) > 0 {
		req = b.findPending(roomID, args[0])
		if req == nil {
			return fmt.Sprintf("No pending request %s in this room.", args[0])
		}
	} else {
		pending := b.perms.Pending(roomID)
		switch len(pending) {
		case 0:
			return "No pending requests."
		case 1:
			req = &pending[0]
		default:
			return fmt.Sprintf("Several requests are pending, name one: %s", describePending(pending))
		}
	}

	if !b.perms.Resolve(req.ID, resp) {
		return "That request was already settled."
	}
	return fmt.Sprintf("%s %s [%s].", verb, req.ToolName, shortID(req.ID))
}

// findPending returns the room's pending request whose ID starts with prefix.
func (b *Bridge) findPending(roomID, prefix string) *permission.Request {
	if prefix == "" {
		return nil
	}
	for _, req := range b.perms.Pending(roomID) {
		if strings.HasPrefix(req.ID, prefix) {
			return &req
		}
	}
	return nil
}

func (b *Bridge) cmdCd(ctx context.Context, roomID string, args []string) string {
	if len(args) == 0 {
		st, err := b.convos.Status(ctx, roomID)
		if err != nil {
			return fmt.Sprintf("Could not read status: %v", err)
		}
		return "Directory: " + orDefault(st.WorkingDir)
	}

	dir := strings.Join(args, " ")
	if dir == "-" {
		dir = ""
	}
	if err := b.convos.SetWorkingDir(ctx, roomID, dir); err != nil {
		return fmt.Sprintf("Cannot use %s: %v", dir, err)
	}
	if dir == "" {
		return "Working directory reset to the default."
	}
	return fmt.Sprintf("Working directory set to %s. It applies from the next turn.", dir)
}

func (b *Bridge) cmdModel(ctx context.Context, roomID string, args []string) string {
	if len(args) == 0 {
		st, err := b.convos.Status(ctx, roomID)
		if err != nil {
			return fmt.Sprintf("Could not read status: %v", err)
		}
		return "Model: " + orDefault(st.Model)
	}

	model := args[0]
	if model == "-" {
		model = ""
	}
	if err := b.convos.SetModel(ctx, roomID, model); err != nil {
		return fmt.Sprintf("Could not set model: %v", err)
	}
	if model == "" {
		return "Model reset to the default."
	}
	return fmt.Sprintf("Model set to %s. It applies from the next turn.", model)
}

func (b *Bridge) cmdStats(ctx context.Context, roomID string, _ []string) string {
	stats, err := b.convos.Stats(ctx, roomID)
	if err != nil {
		return fmt.Sprintf("Could not read stats: %v", err)
	}
	if stats.Turns == 0 {
		return "No turns yet."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Turns: %d", stats.Turns)
	if stats.Failed > 0 {
		fmt.Fprintf(&sb, " (%d failed)", stats.Failed)
	}
	fmt.Fprintf(&sb, "\nCost: $%.4f\nAgent time: %s", stats.CostUSD, stats.Duration.Round(time.Second))

	if len(stats.ToolUses) > 0 {
		names := make([]string, 0, len(stats.ToolUses))
		for name := range stats.ToolUses {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			ci, cj := stats.ToolUses[names[i]], stats.ToolUses[names[j]]
			if ci != cj {
				return ci > cj
			}
			return names[i] < names[j]
		})
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = fmt.Sprintf("%s %d", name, stats.ToolUses[name])
		}
		fmt.Fprintf(&sb, "\nTools: %s", strings.Join(parts, ", "))
	}
	if !stats.LastTurnAt.IsZero() {
		fmt.Fprintf(&sb, "\nLast turn: %s", stats.LastTurnAt.Format(time.RFC3339))
	}
	return sb.String()
}

func describePending(reqs []permission.Request) string {
	parts := make([]string, len(reqs))
	for i, req := range reqs {
		parts[i] = fmt.Sprintf("%s [%s]", req.ToolName, shortID(req.ID))
	}
	return strings.Join(parts, ", ")
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}
