// Package resume continues assistant turns that paused for permission.
//
// A human decision is applied by the permission gate, then a Coordinator
// takes the conversation's lock, runs every tool call whose permission is
// now resolved in message order, and re-enters the generation loop once no
// decision is outstanding. A tool that asks for a new permission pauses the
// turn again. The lock is released on every path before clients are told
// what to ask next.
package resume
