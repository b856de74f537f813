// Package guarded provides an MCP server whose tools refuse to act until the
// caller passes an approval covering the access they need. It exercises the
// permission round trip end to end without touching the real filesystem.
package guarded

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Name is the server name announced during initialization.
const Name = "guarded"

// Workspace is the in-memory state the tools operate on.
type Workspace struct {
	mu       sync.Mutex
	files    map[string]string
	commands []string
}

// NewWorkspace creates a workspace seeded with files.
func NewWorkspace(files map[string]string) *Workspace {
	w := &Workspace{files: make(map[string]string, len(files))}
	for k, v := range files {
		w.files[k] = v
	}
	return w
}

// File returns the content stored at path.
func (w *Workspace) File(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.files[path]
	return s, ok
}

// Paths returns the stored paths in sorted order.
func (w *Workspace) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	paths := make([]string, 0, len(w.files))
	for p := range w.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Commands returns the commands recorded by run_command.
func (w *Workspace) Commands() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.commands...)
}

// NewServer creates the guarded MCP server backed by ws.
func NewServer(ws *Workspace) *server.MCPServer {
	s := server.NewMCPServer(
		Name,
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List the paths stored in the workspace"),
	), ws.listFiles)

	s.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a file from the workspace"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to read")),
	), ws.readFile)

	s.AddTool(mcp.NewTool("write_file",
		mcp.WithDescription("Write a file to the workspace"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to write")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
	), ws.writeFile)

	s.AddTool(mcp.NewTool("delete_file",
		mcp.WithDescription("Remove a file from the workspace"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path to remove")),
	), ws.deleteFile)

	s.AddTool(mcp.NewTool("run_command",
		mcp.WithDescription("Record a shell command as executed"),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command")),
	), ws.runCommand)

	return s
}

func (w *Workspace) listFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paths := w.Paths()
	if len(paths) == 0 {
		return mcp.NewToolResultText("(empty)"), nil
	}
	out, _ := json.Marshal(paths)
	return mcp.NewToolResultText(string(out)), nil
}

func (w *Workspace) readFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !covered(request, types.PermissionRead) {
		return needsPermission(request, types.PermissionRead, "read "+path, map[string]string{"path": path}), nil
	}
	content, ok := w.File(path)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("file not found: %s", path)), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (w *Workspace) writeFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content := request.GetString("content", "")
	if !covered(request, types.PermissionWrite) {
		desc := fmt.Sprintf("write %d bytes to %s", len(content), path)
		return needsPermission(request, types.PermissionWrite, desc, map[string]string{"path": path}), nil
	}
	w.mu.Lock()
	w.files[path] = content
	w.mu.Unlock()
	return mcp.NewToolResultText(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

func (w *Workspace) deleteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !covered(request, types.PermissionAll) {
		return needsPermission(request, types.PermissionAll, "delete "+path, map[string]string{"path": path}), nil
	}
	w.mu.Lock()
	_, ok := w.files[path]
	delete(w.files, path)
	w.mu.Unlock()
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("file not found: %s", path)), nil
	}
	return mcp.NewToolResultText("deleted " + path), nil
}

func (w *Workspace) runCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := permission.CommandSignature(command); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !covered(request, types.PermissionCommand) {
		return needsPermission(request, types.PermissionCommand, "run "+command, map[string]string{"command": command}), nil
	}
	w.mu.Lock()
	w.commands = append(w.commands, command)
	w.mu.Unlock()
	return mcp.NewToolResultText("ran: " + command), nil
}

// covered reports whether the approval passed with the request satisfies need.
func covered(request mcp.CallToolRequest, need types.PermissionType) bool {
	raw, ok := request.GetArguments()[tool.ApprovalArgument]
	if !ok {
		return false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	var a tool.Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return false
	}
	for _, g := range append(a.Granted, a.PermissionType) {
		if permission.IsSufficient(g, need) {
			return true
		}
	}
	return false
}

// needsPermission builds the result a tool returns while it waits for
// approval. The request is carried both as structured content and as JSON
// text for clients that only read text.
func needsPermission(request mcp.CallToolRequest, need types.PermissionType, desc string, payload any) *mcp.CallToolResult {
	p, _ := json.Marshal(payload)
	data := tool.RawData{
		RequiresPermission: true,
		PermissionRequest: &types.PermissionRequest{
			PermissionType: need,
			ToolName:       request.Params.Name,
			Description:    desc,
			Payload:        p,
		},
	}
	text, _ := json.Marshal(data)
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(text))},
		StructuredContent: data,
	}
}
