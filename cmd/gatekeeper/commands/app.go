package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/opencode-ai/gatekeeper/internal/config"
	"github.com/opencode-ai/gatekeeper/internal/event"
	"github.com/opencode-ai/gatekeeper/internal/logging"
	"github.com/opencode-ai/gatekeeper/internal/mcp"
	"github.com/opencode-ai/gatekeeper/internal/permission"
	"github.com/opencode-ai/gatekeeper/internal/provider"
	"github.com/opencode-ai/gatekeeper/internal/resume"
	"github.com/opencode-ai/gatekeeper/internal/server"
	"github.com/opencode-ai/gatekeeper/internal/session"
	"github.com/opencode-ai/gatekeeper/internal/storage"
	"github.com/opencode-ai/gatekeeper/internal/tool"
	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// app holds every service the server runs with.
type app struct {
	config    *types.Config
	store     storage.MessageStore
	bus       *event.Bus
	mcp       *mcp.Client
	router    *tool.Router
	approvals *permission.Approvals
	watcher   *permission.Watcher
	sessions  *session.Manager
	resume    *resume.Service
	server    *server.Server
}

// openStore opens the configured message store.
func openStore(cfg *types.StorageConfig) (storage.MessageStore, error) {
	switch cfg.Backend {
	case "sqlite":
		return storage.OpenSQLite(cfg.Path)
	case "file", "":
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, err
		}
		return storage.NewFileStore(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// resumeOptions converts the millisecond settings of the config file.
func resumeOptions(cfg *types.ResumeConfig) resume.Options {
	opts := resume.DefaultOptions()
	if cfg == nil {
		return opts
	}
	if cfg.ToolReadyInterval > 0 {
		opts.ToolReadyInterval = time.Duration(cfg.ToolReadyInterval) * time.Millisecond
	}
	if cfg.ToolReadyTimeout > 0 {
		opts.ToolReadyTimeout = time.Duration(cfg.ToolReadyTimeout) * time.Millisecond
	}
	return opts
}

// newApp wires the services for cfg. cfg must have had defaults applied.
func newApp(ctx context.Context, cfg *types.Config) (*app, error) {
	a := &app{config: cfg, bus: event.NewBus()}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	approvals, err := permission.NewApprovals(cfg.Permission.ApprovalsFile, cfg.Permission.Allow)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load approvals: %w", err)
	}
	a.approvals = approvals
	if w, err := permission.Watch(approvals); err != nil {
		logging.Warn().Err(err).Str("path", approvals.Path()).Msg("approvals file will not be watched")
	} else {
		a.watcher = w
	}

	a.router = tool.NewRouter()
	a.mcp = mcp.NewClient()
	names := make([]string, 0, len(cfg.MCP))
	for name := range cfg.MCP {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.mcp.Start(ctx, name, mcp.ConfigFromTypes(cfg.MCP[name])); err != nil {
			logging.Warn().Err(err).Str("server", name).Msg("skipping mcp server")
		}
	}
	a.mcp.Register(a.router)

	providers := provider.InitializeProviders(ctx, cfg)

	a.sessions = session.NewManager(store, providers, a.bus)
	a.sessions.SetMaxSteps(cfg.Resume.MaxSteps)

	a.resume = resume.NewService(resume.Config{
		Store:     store,
		Sessions:  a.sessions,
		Tools:     a.router,
		Approvals: approvals,
		Bus:       a.bus,
		Options:   resumeOptions(cfg.Resume),
	})

	a.sessions.SetBlocks(a.resume.Blocks())
	a.sessions.SetLocker(a.resume.Locks())
	a.sessions.SetExecutor(a.resume.Coordinator())
	a.sessions.SetCatalog(a.router)

	srvCfg := server.DefaultConfig()
	srvCfg.Hostname = cfg.Server.Hostname
	srvCfg.Port = cfg.Server.Port
	if len(cfg.Server.CORS) > 0 {
		srvCfg.CORSOrigins = cfg.Server.CORS
	}
	a.server = server.New(srvCfg, server.Deps{
		Sessions: a.sessions,
		Resume:   a.resume,
		Bus:      a.bus,
		MCP:      a.mcp,
	})
	return a, nil
}

// recoverInterrupted re-drives conversations interrupted by a previous shutdown.
func (a *app) recoverInterrupted(ctx context.Context) {
	n, err := a.resume.RecoverAll(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("startup recovery failed")
		return
	}
	if n > 0 {
		logging.Info().Int("count", n).Msg("recovered interrupted conversations")
	}
}

// Close stops background work and releases resources in reverse order of
// construction.
func (a *app) Close() {
	if a.resume != nil {
		a.resume.Close()
	}
	if a.mcp != nil {
		a.mcp.Close()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// loadConfig loads configuration for workDir and applies flag overrides.
func loadConfig(workDir string) (*types.Config, error) {
	cfg, err := config.Load(workDir)
	if err != nil {
		return nil, err
	}
	config.ApplyDefaults(cfg)
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func initLogging(cfg *types.LogConfig) error {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(cfg.Level)
	lc.Pretty = cfg.Pretty
	lc.LogToFile = cfg.File
	lc.LogDir = cfg.Dir
	return logging.Init(lc)
}
