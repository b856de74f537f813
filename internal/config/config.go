package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultHostname          = "127.0.0.1"
	DefaultPort              = 4096
	DefaultStorageBackend    = "file"
	DefaultLogLevel          = "info"
	DefaultToolReadyInterval = 100  // ms
	DefaultToolReadyTimeout  = 5000 // ms
	DefaultMaxSteps          = 50
)

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// configNames are the file names looked up in every config directory, in
// load order.
var configNames = []string{
	"gatekeeper.yaml",
	"gatekeeper.yml",
	"gatekeeper.json",
	"gatekeeper.jsonc",
}

// Load loads configuration from multiple sources (priority order):
// 1. .env in directory (never overrides variables already set)
// 2. Global config (~/.config/gatekeeper/)
// 3. Project config (directory and directory/.gatekeeper/)
// 4. GATEKEEPER_CONFIG file
// 5. GATEKEEPER_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*types.Config, error) {
	if directory != "" {
		if err := LoadDotEnv(filepath.Join(directory, ".env")); err != nil {
			return nil, err
		}
	}

	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		MCP:      make(map[string]types.MCPConfig),
	}

	// Track loaded files to avoid duplicates
	loaded := make(map[string]bool)

	loadOnce := func(path string, baseDir string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if loaded[absPath] {
			return nil
		}
		err = loadConfigFile(path, config, baseDir)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	dirs := []string{GetPaths().Config}
	if directory != "" {
		dirs = append(dirs, directory, filepath.Join(directory, ".gatekeeper"))
	}
	for _, dir := range dirs {
		for _, name := range configNames {
			if err := loadOnce(filepath.Join(dir, name), dir); err != nil {
				return nil, err
			}
		}
	}

	if configPath := os.Getenv("GATEKEEPER_CONFIG"); configPath != "" {
		if err := loadOnce(configPath, filepath.Dir(configPath)); err != nil {
			return nil, err
		}
	}

	if configContent := os.Getenv("GATEKEEPER_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig types.Config
		data := interpolate(jsonc.ToJSON([]byte(configContent)), directory, escapeJSON)
		if err := json.Unmarshal(data, &inlineConfig); err != nil {
			return nil, fmt.Errorf("GATEKEEPER_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inlineConfig)
	}

	applyEnvOverrides(config)
	normalizeProviderConfig(config)

	return config, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment. Variables
// that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *types.Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileConfig types.Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data = interpolate(data, baseDir, singleLine)
		if data, err = yamlToJSON(data); err != nil {
			return err
		}
	default:
		// Strip JSONC comments using tidwall/jsonc
		data = interpolate(jsonc.ToJSON(data), baseDir, escapeJSON)
	}

	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the
// json tags on types.Config.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string, escape func(string) string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return escape(os.Getenv(varName))
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}
		return escape(strings.TrimRight(string(content), "\r\n"))
	})

	return []byte(str)
}

// escapeJSON escapes s for use inside a JSON string literal.
func escapeJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

// singleLine keeps YAML scalars on one line.
func singleLine(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}

// normalizeProviderConfig merges Options fields into direct fields for compatibility.
func normalizeProviderConfig(config *types.Config) {
	for name, provider := range config.Provider {
		if provider.Options != nil {
			// Options take precedence over direct fields
			if provider.Options.APIKey != "" {
				provider.APIKey = provider.Options.APIKey
			}
			if provider.Options.BaseURL != "" {
				provider.BaseURL = provider.Options.BaseURL
			}
		}
		config.Provider[name] = provider
	}
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Model != "" {
		target.Model = source.Model
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	if source.MCP != nil {
		if target.MCP == nil {
			target.MCP = make(map[string]types.MCPConfig)
		}
		for k, v := range source.MCP {
			target.MCP[k] = v
		}
	}

	if source.Storage != nil {
		target.Storage = source.Storage
	}
	if source.Server != nil {
		target.Server = source.Server
	}
	if source.Log != nil {
		target.Log = source.Log
	}
	if source.Resume != nil {
		target.Resume = source.Resume
	}

	if source.Permission != nil {
		if target.Permission == nil {
			target.Permission = &types.PermissionConfig{}
		}
		if source.Permission.ApprovalsFile != "" {
			target.Permission.ApprovalsFile = source.Permission.ApprovalsFile
		}
		if source.Permission.Allow != nil {
			if target.Permission.Allow == nil {
				target.Permission.Allow = make(map[string][]string)
			}
			for k, v := range source.Permission.Allow {
				target.Permission.Allow[k] = v
			}
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"ark":       "ARK_API_KEY",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("GATEKEEPER_MODEL"); model != "" {
		config.Model = model
	}

	if level := os.Getenv("GATEKEEPER_LOG_LEVEL"); level != "" {
		if config.Log == nil {
			config.Log = &types.LogConfig{}
		}
		config.Log.Level = level
	}

	if backend := os.Getenv("GATEKEEPER_STORAGE"); backend != "" {
		if config.Storage == nil {
			config.Storage = &types.StorageConfig{}
		}
		config.Storage.Backend = backend
	}
	if path := os.Getenv("GATEKEEPER_STORAGE_PATH"); path != "" {
		if config.Storage == nil {
			config.Storage = &types.StorageConfig{}
		}
		config.Storage.Path = path
	}

	if host := os.Getenv("GATEKEEPER_HOSTNAME"); host != "" {
		if config.Server == nil {
			config.Server = &types.ServerConfig{}
		}
		config.Server.Hostname = host
	}
	if port, err := strconv.Atoi(os.Getenv("GATEKEEPER_PORT")); err == nil && port > 0 {
		if config.Server == nil {
			config.Server = &types.ServerConfig{}
		}
		config.Server.Port = port
	}

	// Permission override (JSON)
	if permJSON := os.Getenv("GATEKEEPER_PERMISSION"); permJSON != "" {
		var perm types.PermissionConfig
		if err := json.Unmarshal([]byte(permJSON), &perm); err == nil {
			mergeConfig(config, &types.Config{Permission: &perm})
		}
	}
}

// ApplyDefaults fills every unset setting with its default.
func ApplyDefaults(config *types.Config) {
	paths := GetPaths()

	if config.Storage == nil {
		config.Storage = &types.StorageConfig{}
	}
	if config.Storage.Backend == "" {
		config.Storage.Backend = DefaultStorageBackend
	}
	if config.Storage.Path == "" {
		if config.Storage.Backend == "sqlite" {
			config.Storage.Path = filepath.Join(paths.Data, "gatekeeper.db")
		} else {
			config.Storage.Path = paths.StoragePath()
		}
	}

	if config.Server == nil {
		config.Server = &types.ServerConfig{}
	}
	if config.Server.Hostname == "" {
		config.Server.Hostname = DefaultHostname
	}
	if config.Server.Port == 0 {
		config.Server.Port = DefaultPort
	}

	if config.Log == nil {
		config.Log = &types.LogConfig{}
	}
	if config.Log.Level == "" {
		config.Log.Level = DefaultLogLevel
	}
	if config.Log.Dir == "" {
		config.Log.Dir = paths.LogPath()
	}

	if config.Resume == nil {
		config.Resume = &types.ResumeConfig{}
	}
	if config.Resume.ToolReadyInterval <= 0 {
		config.Resume.ToolReadyInterval = DefaultToolReadyInterval
	}
	if config.Resume.ToolReadyTimeout <= 0 {
		config.Resume.ToolReadyTimeout = DefaultToolReadyTimeout
	}
	if config.Resume.MaxSteps <= 0 {
		config.Resume.MaxSteps = DefaultMaxSteps
	}

	if config.Permission == nil {
		config.Permission = &types.PermissionConfig{}
	}
	if config.Permission.ApprovalsFile == "" {
		config.Permission.ApprovalsFile = paths.ApprovalsPath()
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
