package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// nameSeparator joins server and tool names in the names shown to the LLM.
const nameSeparator = "__"

// Router dispatches calls to the Caller registered for the call's server.
type Router struct {
	mu      sync.RWMutex
	servers map[string]Caller
}

var (
	_ Caller           = (*Router)(nil)
	_ ReadinessChecker = (*Router)(nil)
	_ Lister           = (*Router)(nil)
)

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{servers: make(map[string]Caller)}
}

// Register routes calls for server to c, replacing any previous caller.
func (r *Router) Register(server string, c Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[server] = c
}

// Unregister removes the caller for server.
func (r *Router) Unregister(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, server)
}

// Servers returns the registered server names in sorted order.
func (r *Router) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Router) lookup(server string) (Caller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.servers[server]
	return c, ok
}

// CallTool implements Caller.
func (r *Router) CallTool(ctx context.Context, call Call) (*Response, error) {
	c, ok := r.lookup(call.Server)
	if !ok {
		return nil, fmt.Errorf("no tool runtime for server %q", call.Server)
	}
	return c.CallTool(ctx, call)
}

// Ready implements ReadinessChecker. Servers whose caller does not report
// readiness are treated as ready; unknown servers are not.
func (r *Router) Ready(server string) bool {
	c, ok := r.lookup(server)
	if !ok {
		return false
	}
	if rc, ok := c.(ReadinessChecker); ok {
		return rc.Ready(server)
	}
	return true
}

// Tools implements Lister.
func (r *Router) Tools() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []Definition
	for server, c := range r.servers {
		l, ok := c.(Lister)
		if !ok {
			continue
		}
		for _, d := range l.Tools() {
			if d.Server == "" {
				d.Server = server
			}
			defs = append(defs, d)
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		return QualifiedName(defs[i].Server, defs[i].Name) < QualifiedName(defs[j].Server, defs[j].Name)
	})
	return defs
}

// QualifiedName is the tool name exposed to the LLM.
func QualifiedName(server, name string) string {
	return sanitize(server) + nameSeparator + sanitize(name)
}

// Resolve maps a qualified name back to its server and tool.
func (r *Router) Resolve(qualified string) (server, name string, ok bool) {
	for _, d := range r.Tools() {
		if QualifiedName(d.Server, d.Name) == qualified {
			return d.Server, d.Name, true
		}
	}
	if i := strings.Index(qualified, nameSeparator); i > 0 {
		return qualified[:i], qualified[i+len(nameSeparator):], true
	}
	return "", qualified, false
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
