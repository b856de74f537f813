// Package mcp connects to Model Context Protocol servers using the official
// MCP Go SDK and exposes their tools to the resume engine as a tool.Caller.
//
// # Transport Types
//
//	TransportTypeStdio  - Communication via stdin/stdout with a subprocess
//	TransportTypeLocal  - Same as stdio
//	TransportTypeRemote - Streamable HTTP, falling back to SSE
//
// # Basic Usage
//
//	client := mcp.NewClient()
//	err := client.AddServer(ctx, "fs", &mcp.Config{
//		Enabled: true,
//		Type:    mcp.TransportTypeStdio,
//		Command: []string{"guarded-mcp"},
//	})
//
//	router := tool.NewRouter()
//	client.Register(router)
//
// # Permission Requests
//
// A tool that needs approval answers with a result whose structured content
// (or JSON text content) is
//
//	{"requiresPermission": true, "permissionRequest": {"permissionType": "write", ...}}
//
// CallTool surfaces it as tool.Response.RawData. When the call is retried
// after a grant, the approval is passed to the tool under the "_approval"
// argument.
//
// # Readiness
//
// Start connects in the background. Until the server is connected Ready
// reports false, which the resume engine waits on before invoking tools.
package mcp
