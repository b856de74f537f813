// Package permission applies human decisions to the permission blocks of an
// assistant message.
//
// A permission block records a paused, approval-gated tool call inside the
// message transcript. The Gate resolves blocks in response to a decision:
//
//	gate := permission.NewGate(permission.NewBlockStore(store))
//	eval, err := gate.Evaluate(ctx, permission.Decision{
//		MessageID:      msgID,
//		ToolCallID:     callID,
//		Granted:        true,
//		PermissionType: types.PermissionWrite,
//	})
//
// One decision resolves only pending blocks of the same server and the same
// tool call. Data access types form the hierarchy all > write > read, so a
// write grant also resolves a read request for that tool call. The command
// type is separate: it is only satisfied by a command grant.
//
// # Command approvals
//
// Shell command approvals are keyed by a normalized signature rather than by
// path scope. CommandSignature parses the command with mvdan.cc/sh and keeps
// each command's name and subcommand:
//
//	sig, _ := permission.CommandSignature("git commit -m 'fix' && git push origin")
//	// sig == "git commit && git push"
//
// Approvals keeps per-conversation signatures and server grants in memory,
// and remembered ones in a JSON file that Watch reloads on change. Remembered
// command patterns use the wildcard forms "git commit *", "git *", "git" and
// "*".
//
// PendingRegistry is the per-conversation queue of requests awaiting a
// decision, used to tell clients what to ask about next.
package permission
