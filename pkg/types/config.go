package types

// Config represents the gatekeeper configuration.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	// Default model for continuations, "provider/model"
	Model string `json:"model,omitempty"`

	// Provider configs
	Provider map[string]ProviderConfig `json:"provider,omitempty"`

	// MCP server configs, keyed by server name
	MCP map[string]MCPConfig `json:"mcp,omitempty"`

	Storage    *StorageConfig    `json:"storage,omitempty"`
	Server     *ServerConfig     `json:"server,omitempty"`
	Log        *LogConfig        `json:"log,omitempty"`
	Resume     *ResumeConfig     `json:"resume,omitempty"`
	Permission *PermissionConfig `json:"permission,omitempty"`
}

// ProviderConfig holds configuration for a specific provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`

	// Model/Endpoint ID (ARK needs an endpoint)
	Model string `json:"model,omitempty"`

	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	// Nested options
	Options *ProviderOptions `json:"options,omitempty"`

	Disable bool `json:"disable,omitempty"`
}

// ProviderOptions holds nested provider options.
type ProviderOptions struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
	Timeout *int   `json:"timeout,omitempty"` // ms, nil = default, 0 = disabled
}

// MCPConfig holds MCP server configuration.
type MCPConfig struct {
	Type        string            `json:"type,omitempty"` // "local"|"remote"
	Command     []string          `json:"command,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
}

// StorageConfig selects the message store backend.
type StorageConfig struct {
	Backend string `json:"backend,omitempty"` // "file"|"sqlite"
	Path    string `json:"path,omitempty"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Hostname string   `json:"hostname,omitempty"`
	Port     int      `json:"port,omitempty"`
	CORS     []string `json:"cors,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
	File   bool   `json:"file,omitempty"`
	Dir    string `json:"dir,omitempty"`
}

// ResumeConfig tunes the resume engine. Durations are milliseconds.
type ResumeConfig struct {
	ToolReadyInterval int `json:"toolReadyInterval,omitempty"`
	ToolReadyTimeout  int `json:"toolReadyTimeout,omitempty"`
	MaxSteps          int `json:"maxSteps,omitempty"`
	StreamRetries     int `json:"streamRetries,omitempty"`
}

// PermissionConfig holds approval settings.
type PermissionConfig struct {
	// ApprovalsFile stores remembered command approvals.
	ApprovalsFile string `json:"approvalsFile,omitempty"`
	// Allow pre-grants access per server as path globs, keyed by "server:type".
	Allow map[string][]string `json:"allow,omitempty"`
}
