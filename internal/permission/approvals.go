package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// ServerGrant is standing read/write/all access to a server, optionally
// limited to paths matching Paths (doublestar globs).
type ServerGrant struct {
	Server string               `json:"server"`
	Type   types.PermissionType `json:"type"`
	Paths  []string             `json:"paths,omitempty"`
}

// covers reports whether the grant satisfies a request.
func (g ServerGrant) covers(server string, t types.PermissionType, paths []string) bool {
	if g.Server != "*" && g.Server != server {
		return false
	}
	if !IsSufficient(g.Type, t) {
		return false
	}
	if len(g.Paths) == 0 {
		return true
	}
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !matchAnyGlob(g.Paths, p) {
			return false
		}
	}
	return true
}

func matchAnyGlob(globs []string, path string) bool {
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, clean); ok {
			return true
		}
	}
	return false
}

// approvalsFile is the on-disk form of remembered approvals.
type approvalsFile struct {
	Commands []string      `json:"commands"`
	Grants   []ServerGrant `json:"grants,omitempty"`
}

// Approvals is the command signature approval store together with standing
// server grants. Conversation-scoped approvals live in memory; remembered
// ones are written to the approvals file and shared by all conversations.
type Approvals struct {
	mu       sync.RWMutex
	path     string
	session  map[string]map[string]bool
	grants   map[string][]ServerGrant
	patterns []string
	standing []ServerGrant
	static   []ServerGrant
}

// NewApprovals creates a store backed by path. An empty path keeps every
// approval in memory. allow holds configured grants keyed "server:type".
func NewApprovals(path string, allow map[string][]string) (*Approvals, error) {
	a := &Approvals{
		path:    path,
		session: make(map[string]map[string]bool),
		grants:  make(map[string][]ServerGrant),
		static:  parseAllow(allow),
	}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

func parseAllow(allow map[string][]string) []ServerGrant {
	var out []ServerGrant
	for key, paths := range allow {
		server, t, ok := strings.Cut(key, ":")
		pt := types.PermissionType(t)
		if !ok || server == "" || !pt.Valid() || pt == types.PermissionCommand {
			logging.Warn().Str("key", key).Msg("ignoring invalid permission allow entry")
			continue
		}
		out = append(out, ServerGrant{Server: server, Type: pt, Paths: paths})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// Path returns the approvals file path.
func (a *Approvals) Path() string { return a.path }

// Reload re-reads the approvals file. A missing file is empty.
func (a *Approvals) Reload() error {
	if a.path == "" {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read approvals: %w", err)
	}
	var f approvalsFile
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parse approvals %s: %w", a.path, err)
		}
	}
	a.mu.Lock()
	a.patterns = f.Commands
	a.standing = f.Grants
	a.mu.Unlock()
	return nil
}

// Approve records a command signature approval for a conversation. With
// remember set the signature is also persisted and applies everywhere.
func (a *Approvals) Approve(conversationID, signature string, remember bool) error {
	if signature == "" {
		return errors.New("empty command signature")
	}
	a.mu.Lock()
	set := a.session[conversationID]
	if set == nil {
		set = make(map[string]bool)
		a.session[conversationID] = set
	}
	set[signature] = true

	if !remember {
		a.mu.Unlock()
		return nil
	}
	for _, p := range a.patterns {
		if p == signature {
			a.mu.Unlock()
			return nil
		}
	}
	a.patterns = append(a.patterns, signature)
	f := a.snapshotLocked()
	a.mu.Unlock()

	return a.save(f)
}

// GrantServer records standing access to a server for a conversation.
// With remember set the grant is persisted and applies everywhere.
func (a *Approvals) GrantServer(conversationID string, g ServerGrant, remember bool) error {
	if g.Type == types.PermissionCommand {
		return fmt.Errorf("%w: command access is approved by signature", ErrInvalidType)
	}
	if err := ValidateType(g.Type); err != nil {
		return err
	}
	a.mu.Lock()
	a.grants[conversationID] = append(a.grants[conversationID], g)
	if !remember {
		a.mu.Unlock()
		return nil
	}
	a.standing = append(a.standing, g)
	f := a.snapshotLocked()
	a.mu.Unlock()

	return a.save(f)
}

// IsApproved reports whether a command signature is approved for the
// conversation. Every command in a chained signature must be covered.
func (a *Approvals) IsApproved(conversationID, signature string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.session[conversationID][signature] {
		return true
	}
	for _, part := range strings.Split(signature, " && ") {
		if !a.partApprovedLocked(conversationID, part) {
			return false
		}
	}
	return true
}

func (a *Approvals) partApprovedLocked(conversationID, part string) bool {
	if a.session[conversationID][part] {
		return true
	}
	for _, p := range a.patterns {
		if MatchSignature(p, part) {
			return true
		}
	}
	return false
}

// Check reports whether a permission request can be granted without asking.
// It returns the type to record as granted.
func (a *Approvals) Check(conversationID, server string, req *types.PermissionRequest) (types.PermissionType, bool) {
	if req == nil {
		return "", false
	}
	if req.PermissionType == types.PermissionCommand {
		cmd, err := CommandFromPayload(req.Payload)
		if err != nil {
			return "", false
		}
		sig, err := CommandSignature(cmd)
		if err != nil {
			return "", false
		}
		if a.IsApproved(conversationID, sig) {
			return types.PermissionCommand, true
		}
		return "", false
	}

	paths := PathsFromPayload(req.Payload)
	a.mu.RLock()
	defer a.mu.RUnlock()
	candidates := make([]ServerGrant, 0, len(a.grants[conversationID])+len(a.standing)+len(a.static))
	candidates = append(candidates, a.grants[conversationID]...)
	candidates = append(candidates, a.standing...)
	candidates = append(candidates, a.static...)
	for _, g := range candidates {
		if g.covers(server, req.PermissionType, paths) {
			return g.Type, true
		}
	}
	return "", false
}

func (a *Approvals) snapshotLocked() approvalsFile {
	f := approvalsFile{
		Commands: make([]string, len(a.patterns)),
		Grants:   make([]ServerGrant, len(a.standing)),
	}
	copy(f.Commands, a.patterns)
	copy(f.Grants, a.standing)
	return f
}

func (a *Approvals) save(f approvalsFile) error {
	if a.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("create approvals dir: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write approvals: %w", err)
	}
	return os.Rename(tmp, a.path)
}
