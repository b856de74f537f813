package resume

import (
	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/tool"
)

// Config wires a Service or Coordinator. Store, Sessions and Tools are
// required; the rest default to fresh instances.
type Config struct {
	Store    storage.MessageStore
	Sessions Sessions
	Tools    tool.Caller

	// Blocks must be shared by everything that edits the same messages.
	Blocks    *permission.BlockStore
	Locks     *LockRegistry
	Pending   *permission.PendingRegistry
	Approvals *permission.Approvals
	Bus       *event.Bus

	Options Options
}

func (c Config) withDefaults() Config {
	if c.Blocks == nil {
		c.Blocks = permission.NewBlockStore(c.Store)
	}
	if c.Locks == nil {
		c.Locks = NewLockRegistry()
	}
	if c.Pending == nil {
		c.Pending = permission.NewPendingRegistry()
	}
	if c.Bus == nil {
		c.Bus = event.NewBus()
	}
	c.Options = c.Options.withDefaults()
	return c
}
