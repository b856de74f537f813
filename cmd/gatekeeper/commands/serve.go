package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/gatekeeper/internal/logging"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gatekeeper server",
	Long: `Start gatekeeper as an HTTP server.

On startup, conversations left generating or waiting for permission by a
previous run are recovered before requests are accepted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default from config, 4096)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (default from config, 127.0.0.1)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Directory to load project config from")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(workDir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveHostname != "" {
		cfg.Server.Hostname = serveHostname
	}

	if err := initLogging(cfg.Log); err != nil {
		return err
	}
	defer logging.Close()

	logStartup(workDir, cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.recoverInterrupted(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("server shutdown")
	}
	return nil
}

func logStartup(workDir, backend string) {
	ev := logging.Info().
		Str("version", Version).
		Str("directory", workDir).
		Str("storage", backend)
	if path := logging.GetLogFilePath(); path != "" {
		ev = ev.Str("logFile", path)
	}
	ev.Msg("starting gatekeeper")
}
