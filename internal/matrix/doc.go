// Package matrix connects Matrix rooms to the conversation orchestrator.
//
// Each room is one chat. Text messages from allowed users start a turn or
// join the running one; "!" commands control the room's session. The bridge
// also delivers permission requests as notices and resolves them through
// !allow, !deny and !always.
package matrix
