/*
Package event provides the notification bus for gatekeeper.

Publishers hand a typed Event to a Bus. In-process subscribers receive the
value as published, so they can type-assert Data back to the payload struct.
Every event is also JSON encoded and mirrored onto a watermill GoChannel
topic, which the HTTP layer turns into a server-sent event stream.

# Event Types

Permission Events:
  - permission.required: a tool call needs approval
  - permission.updated: the pending queue of a conversation changed

Message Events:
  - message.updated: full message snapshot after a persisted mutation
  - message.block.updated: a single block changed, with optional text delta

Conversation Events:
  - conversation.status: status transition (idle, generating, waiting_permission, error, paused)
  - conversation.error: a turn ended with an error

# Usage

	bus := event.NewBus()
	defer bus.Close()

	unsub := bus.Subscribe(event.PermissionUpdated, func(e event.Event) {
		data := e.Data.(event.PermissionUpdatedData)
		fmt.Println(data.PendingCount)
	})
	defer unsub()

Publish delivers asynchronously, one goroutine per subscriber.
*/
package event
