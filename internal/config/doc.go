// Package config provides configuration loading, merging, and path management
// for gatekeeper.
//
// # Configuration Loading
//
// Load merges configuration from these sources, later ones winning:
//
//  1. .env in the working directory (fills unset environment variables only)
//  2. Global config in the XDG config dir (~/.config/gatekeeper/)
//  3. Project config (gatekeeper.* and .gatekeeper/gatekeeper.*)
//  4. GATEKEEPER_CONFIG file
//  5. GATEKEEPER_CONFIG_CONTENT inline JSON
//  6. Environment variables (GATEKEEPER_MODEL, GATEKEEPER_LOG_LEVEL,
//     GATEKEEPER_STORAGE, GATEKEEPER_STORAGE_PATH, GATEKEEPER_HOSTNAME,
//     GATEKEEPER_PORT, GATEKEEPER_PERMISSION and provider API keys)
//
// In every directory the files gatekeeper.yaml, gatekeeper.yml,
// gatekeeper.json and gatekeeper.jsonc are read in that order. JSONC comments
// are stripped with tidwall/jsonc; YAML is decoded with gopkg.in/yaml.v3.
//
// # Variable Interpolation
//
//   - {env:VAR_NAME} expands to an environment variable
//   - {file:path} expands to file contents, relative to the config file
//     directory, with ~/ expanded
//
// Example:
//
//	{
//	  "model": "anthropic/claude-sonnet-4",
//	  "provider": {
//	    "anthropic": {"options": {"apiKey": "{env:ANTHROPIC_API_KEY}"}}
//	  },
//	  "mcp": {
//	    "fs": {"type": "local", "command": ["guarded-mcp"]}
//	  },
//	  "resume": {"toolReadyInterval": 100, "toolReadyTimeout": 5000},
//	  "permission": {"allow": {"fs:read": ["/tmp/**"]}}
//	}
//
// # Merging
//
// Scalars are overwritten, provider and MCP maps are merged key by key, and
// section objects (storage, server, log, resume) replace earlier ones whole.
// Permission allow maps merge key by key.
//
// ApplyDefaults fills whatever is still unset once loading is done.
package config
