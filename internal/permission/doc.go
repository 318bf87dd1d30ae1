// Package permission brokers tool-execution approvals between a running
// agent turn and the human in the chat.
//
// # Overview
//
// When the agent wants to run a tool that needs confirmation, the turn calls
// Broker.Request and blocks. The broker records a pending entry, hands the
// request to the transport through a NotifyFunc, and waits for the first of:
//
//   - Resolve(id, response) from the transport when the user answers
//   - the timeout (DefaultTimeout unless configured), which denies
//   - CancelPendingForChat, used when the session is cleared or deleted
//   - cancellation of the caller's context
//
// # Exactly-once resolution
//
// All four paths funnel through one gate that deletes the entry under the
// broker mutex. Only the caller that removes the entry delivers a response;
// the rest return false. A user answer racing a just-fired timeout therefore
// can never resolve a request twice.
//
// # Always allow
//
// A response with Allowed and AlwaysAllow set adds the tool to the chat's
// always-allow set. Later requests for that chat and tool are approved
// immediately without creating an entry or notifying anyone. The set is
// cleared with ClearAlwaysAllowed.
//
// # Delivery failures
//
// If the NotifyFunc returns an error the request is denied on the spot, so a
// broken transport can never leave a tool call hanging.
package permission
