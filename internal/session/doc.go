// Package session owns conversations and runs their generation loops.
//
// A turn starts with Prompt, which takes the conversation lock, records the
// user message and a pending assistant message, then runs the loop in the
// background under that lock. The loop
// streams a completion, relays text and reasoning into content blocks, and
// hands any tool calls to a BatchExecutor. When a tool asks for permission
// the executor pauses the turn and the loop returns; a resume later calls
// StartLoop again with SkipLockAcquisition and PreservePendingPermissions so
// the same message continues where it stopped.
//
// Loops that are not resumes take the conversation lock themselves through
// the configured Locker, so a fresh turn and a resume never drive the same
// conversation at once.
package session
