package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// ErrNotConnected is returned when a call targets a server that is not connected.
var ErrNotConnected = errors.New("mcp server not connected")

const defaultTimeout = 5 * time.Second

// Client manages MCP server connections using the official MCP SDK.
type Client struct {
	mu        sync.RWMutex
	servers   map[string]*mcpServer
	sdkClient *sdkmcp.Client
}

var (
	_ tool.Caller           = (*Client)(nil)
	_ tool.ReadinessChecker = (*Client)(nil)
	_ tool.Lister           = (*Client)(nil)
)

// mcpServer represents a configured MCP server.
type mcpServer struct {
	name       string
	config     *Config
	session    *sdkmcp.ClientSession
	tools      []tool.Definition
	status     Status
	error      string
	serverInfo *ServerInfo
}

// NewClient creates a new MCP client.
func NewClient() *Client {
	sdkClient := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "gatekeeper",
		Version: "1.0.0",
	}, nil)

	return &Client{
		servers:   make(map[string]*mcpServer),
		sdkClient: sdkClient,
	}
}

// ConfigFromTypes converts a config file entry. Servers are enabled unless
// the entry says otherwise.
func ConfigFromTypes(c types.MCPConfig) *Config {
	cfg := &Config{
		Enabled:     c.Enabled == nil || *c.Enabled,
		Type:        TransportType(c.Type),
		URL:         c.URL,
		Headers:     c.Headers,
		Command:     c.Command,
		Environment: c.Environment,
		Timeout:     c.Timeout,
	}
	if cfg.Type == "" {
		if cfg.URL != "" {
			cfg.Type = TransportTypeRemote
		} else {
			cfg.Type = TransportTypeLocal
		}
	}
	return cfg
}

// AddServer adds and connects to an MCP server.
func (c *Client) AddServer(ctx context.Context, name string, config *Config) error {
	if err := c.reserve(name, config); err != nil {
		return err
	}
	if !config.Enabled {
		return nil
	}
	return c.connect(ctx, name, config)
}

// Start adds a server and connects to it in the background. Ready reports
// false for the server until the connection is established.
func (c *Client) Start(ctx context.Context, name string, config *Config) error {
	if err := c.reserve(name, config); err != nil {
		return err
	}
	if !config.Enabled {
		return nil
	}
	go func() {
		if err := c.connect(context.WithoutCancel(ctx), name, config); err != nil {
			logging.Warn().Err(err).Str("server", name).Msg("mcp server failed to start")
		}
	}()
	return nil
}

// ConnectTransport adds a server reachable over an already constructed
// transport, such as an in-process pipe.
func (c *Client) ConnectTransport(ctx context.Context, name string, transport sdkmcp.Transport) error {
	config := &Config{Enabled: true, Type: TransportTypeLocal}
	if err := c.reserve(name, config); err != nil {
		return err
	}
	server, err := c.connectWithTransport(ctx, name, config, transport, defaultTimeout)
	c.settle(name, server, err)
	return err
}

// reserve records the server as connecting, or disabled.
func (c *Client) reserve(name string, config *Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.servers[name]; ok {
		return fmt.Errorf("server already exists: %s", name)
	}

	status := StatusConnecting
	if !config.Enabled {
		status = StatusDisabled
	}
	c.servers[name] = &mcpServer{name: name, config: config, status: status}
	return nil
}

func (c *Client) connect(ctx context.Context, name string, config *Config) error {
	server, err := c.connectServer(ctx, name, config)
	c.settle(name, server, err)
	return err
}

// settle stores the outcome of a connection attempt. A server removed while
// it was connecting is closed and dropped.
func (c *Client) settle(name string, server *mcpServer, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.servers[name]
	if !ok {
		if server != nil && server.session != nil {
			server.session.Close()
		}
		return
	}
	if err != nil {
		current.status = StatusFailed
		current.error = err.Error()
		return
	}
	c.servers[name] = server
}

// connectServer establishes connection to an MCP server using the SDK.
func (c *Client) connectServer(ctx context.Context, name string, config *Config) (*mcpServer, error) {
	timeout := time.Duration(config.Timeout) * time.Millisecond
	if timeout == 0 {
		timeout = defaultTimeout
	}

	switch config.Type {
	case TransportTypeRemote:
		httpClient := httpClientWithHeaders(nil, config.Headers)
		transports := []struct {
			name      string
			transport sdkmcp.Transport
		}{
			{name: "streamable", transport: &sdkmcp.StreamableClientTransport{Endpoint: config.URL, HTTPClient: httpClient}},
			{name: "sse", transport: &sdkmcp.SSEClientTransport{Endpoint: config.URL, HTTPClient: httpClient}},
		}

		var lastErr error
		for _, candidate := range transports {
			server, err := c.connectWithTransport(ctx, name, config, candidate.transport, timeout)
			if err != nil {
				lastErr = fmt.Errorf("%s transport: %w", candidate.name, err)
				continue
			}
			return server, nil
		}

		if lastErr == nil {
			lastErr = fmt.Errorf("failed to connect: unknown error")
		}
		return nil, lastErr

	case TransportTypeLocal, TransportTypeStdio:
		if len(config.Command) == 0 {
			return nil, fmt.Errorf("empty command")
		}

		cmd := exec.Command(config.Command[0], config.Command[1:]...)
		cmd.Env = os.Environ()
		for k, v := range config.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}

		return c.connectWithTransport(ctx, name, config, &sdkmcp.CommandTransport{Command: cmd}, timeout)

	default:
		return nil, fmt.Errorf("unknown transport type: %s", config.Type)
	}
}

func (c *Client) connectWithTransport(ctx context.Context, name string, config *Config, transport sdkmcp.Transport, timeout time.Duration) (*mcpServer, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := c.sdkClient.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	server := &mcpServer{
		name:    name,
		config:  config,
		session: session,
		status:  StatusConnected,
	}

	if initResult := session.InitializeResult(); initResult != nil && initResult.ServerInfo != nil {
		server.serverInfo = &ServerInfo{
			Name:    initResult.ServerInfo.Name,
			Version: initResult.ServerInfo.Version,
		}
	}

	if err := server.listTools(connectCtx); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	logging.Info().Str("server", name).Int("tools", len(server.tools)).Msg("mcp server connected")
	return server, nil
}

func httpClientWithHeaders(base *http.Client, headers map[string]string) *http.Client {
	if base == nil {
		base = &http.Client{}
	}

	// Copy to avoid mutating caller-provided client
	client := *base
	client.Timeout = 0 // no global timeout; rely on per-request contexts

	if len(headers) == 0 {
		return &client
	}

	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	client.Transport = &headerRoundTripper{
		headers: headers,
		next:    transport,
	}

	return &client
}

type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range h.headers {
		cloned.Header.Set(k, v)
	}
	return h.next.RoundTrip(cloned)
}

// listTools lists available tools from the server using the SDK.
func (s *mcpServer) listTools(ctx context.Context) error {
	if s.session == nil {
		return fmt.Errorf("not connected")
	}

	result, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}

	s.tools = make([]tool.Definition, 0, len(result.Tools))
	for _, t := range result.Tools {
		def := tool.Definition{
			Server:      s.name,
			Name:        t.Name,
			Description: t.Description,
		}
		if t.InputSchema != nil {
			if schema, err := json.Marshal(t.InputSchema); err == nil {
				def.InputSchema = schema
			}
		}
		s.tools = append(s.tools, def)
	}
	return nil
}

// Tools returns the tools of all connected servers.
func (c *Client) Tools() []tool.Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var defs []tool.Definition
	for _, server := range c.servers {
		if server.status != StatusConnected {
			continue
		}
		defs = append(defs, server.tools...)
	}
	sort.Slice(defs, func(i, j int) bool {
		return tool.QualifiedName(defs[i].Server, defs[i].Name) < tool.QualifiedName(defs[j].Server, defs[j].Name)
	})
	return defs
}

// Ready reports whether server is connected.
func (c *Client) Ready(server string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.servers[server]
	return ok && s.status == StatusConnected
}

// CallTool executes a tool on the server named by the call. A granted
// approval travels with the arguments.
func (c *Client) CallTool(ctx context.Context, call tool.Call) (*tool.Response, error) {
	c.mu.RLock()
	server, ok := c.servers[call.Server]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("server not found: %s", call.Server)
	}
	if server.status != StatusConnected || server.session == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, call.Server)
	}

	args, err := call.ArgumentsWithApproval()
	if err != nil {
		return nil, err
	}

	result, err := server.session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      call.Name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	logging.Debug().
		Str("server", call.Server).
		Str("tool", call.Name).
		Str("toolCallID", call.ID).
		Bool("isError", result.IsError).
		Msg("mcp tool call returned")

	return responseFromResult(result), nil
}

// responseFromResult converts an SDK result. A permission request is read
// from structured content, falling back to JSON text content.
func responseFromResult(result *sdkmcp.CallToolResult) *tool.Response {
	var text strings.Builder
	for _, content := range result.Content {
		if textContent, ok := content.(*sdkmcp.TextContent); ok {
			text.WriteString(textContent.Text)
		}
	}

	resp := &tool.Response{Content: text.String(), IsError: result.IsError}
	if !resp.IsError {
		resp.RawData = rawDataFrom(result.StructuredContent, resp.Content)
	}
	return resp
}

func rawDataFrom(structured any, text string) *tool.RawData {
	var data []byte
	switch {
	case structured != nil:
		b, err := json.Marshal(structured)
		if err != nil {
			return nil
		}
		data = b
	case strings.HasPrefix(strings.TrimSpace(text), "{"):
		data = []byte(text)
	default:
		return nil
	}

	var raw tool.RawData
	if err := json.Unmarshal(data, &raw); err != nil || !raw.RequiresPermission {
		return nil
	}
	return &raw
}

// Status returns status of all MCP servers, sorted by name.
func (c *Client) Status() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make([]ServerStatus, 0, len(c.servers))
	for _, server := range c.servers {
		status = append(status, server.statusOf())
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })
	return status
}

// GetServer returns information about a specific server.
func (c *Client) GetServer(name string) (*ServerStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	server, ok := c.servers[name]
	if !ok {
		return nil, fmt.Errorf("server not found: %s", name)
	}
	s := server.statusOf()
	return &s, nil
}

func (s *mcpServer) statusOf() ServerStatus {
	st := ServerStatus{
		Name:       s.name,
		Status:     s.status,
		ToolCount:  len(s.tools),
		ServerInfo: s.serverInfo,
	}
	if s.error != "" {
		msg := s.error
		st.Error = &msg
	}
	return st
}

// Servers returns the configured server names in sorted order.
func (c *Client) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveServer removes and disconnects a server.
func (c *Client) RemoveServer(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	server, ok := c.servers[name]
	if !ok {
		return fmt.Errorf("server not found: %s", name)
	}

	if server.session != nil {
		server.session.Close()
	}

	delete(c.servers, name)
	return nil
}

// Close disconnects all servers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, server := range c.servers {
		if server.session != nil {
			server.session.Close()
		}
	}

	c.servers = make(map[string]*mcpServer)
	return nil
}

// ServerCount returns the number of configured servers.
func (c *Client) ServerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.servers)
}

// ConnectedCount returns the number of connected servers.
func (c *Client) ConnectedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, server := range c.servers {
		if server.status == StatusConnected {
			count++
		}
	}
	return count
}

// Register routes every configured server through r.
func (c *Client) Register(r *tool.Router) {
	for _, name := range c.Servers() {
		r.Register(name, c.Caller(name))
	}
}

// Caller returns a view of the client restricted to one server, for
// registration with a tool.Router.
func (c *Client) Caller(server string) tool.Caller {
	return serverCaller{client: c, server: server}
}

type serverCaller struct {
	client *Client
	server string
}

func (s serverCaller) CallTool(ctx context.Context, call tool.Call) (*tool.Response, error) {
	call.Server = s.server
	return s.client.CallTool(ctx, call)
}

func (s serverCaller) Ready(string) bool { return s.client.Ready(s.server) }

func (s serverCaller) Tools() []tool.Definition {
	s.client.mu.RLock()
	defer s.client.mu.RUnlock()
	server, ok := s.client.servers[s.server]
	if !ok || server.status != StatusConnected {
		return nil
	}
	return append([]tool.Definition(nil), server.tools...)
}
