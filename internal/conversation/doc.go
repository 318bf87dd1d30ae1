// Package conversation runs agent turns for chats.
//
// # Lifecycle
//
// Each chat is either Idle or Active. Send on an Idle chat creates a
// stream.Channel seeded with the message, starts an engine invocation that
// reads from it and waits for the turn's result. Send on an Active chat
// pushes into that channel instead (injection) and returns immediately, so a
// chat never has two turns at once but a running turn keeps accepting input
// until the engine produces its result.
//
//	orch := conversation.New(conversation.Config{
//	    Engine: engine.NewClaudeCLI(cfg, logger),
//	    Store:  sqliteStore,
//	    Broker: broker,
//	    BotID:  "@bot:example.org",
//	})
//	res, err := orch.Send(ctx, roomID, engine.UserMessage{Text: "hi"}, hooks)
//
// The result closes the channel, persists the engine session token and
// records turn statistics. Cleanup always runs, so a failed turn leaves the
// chat Idle and the next message starts fresh. Messages that were injected
// after the engine stopped reading are carried into a follow-up turn whose
// outcome goes to Hooks.OnFollowUp.
//
// # Permissions
//
// When the permission mode needs confirmation, every tool call goes through
// the PermissionBroker. Only that tool call waits; injection keeps working.
//
// # Control
//
// Cancel closes the running turn's input and lets it finish. Interrupt kills
// it. ClearSession forgets the session token and DeleteSession forgets the
// chat; both revoke pending and always-allowed tool approvals.
package conversation
