package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benaskins/verifyd/internal/api"
	"github.com/benaskins/verifyd/internal/debugsvc"
	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/journal"
	"github.com/benaskins/verifyd/internal/logging"
	"github.com/benaskins/verifyd/internal/metrics"
	"github.com/benaskins/verifyd/internal/orchestrator"
	"github.com/benaskins/verifyd/internal/protocol"
	"github.com/benaskins/verifyd/internal/settings"
	"github.com/benaskins/verifyd/internal/task"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the editor protocol on stdio",
	Long:  "Speak JSON-RPC with the editor on stdin/stdout. This is what editors launch; running verifyd with no subcommand does the same.",
	RunE:  runServe,
}

var (
	settingsPath string
	logLevel     string
	metricsAddr  string
)

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&settingsPath, "settings", "", "Settings file to load and watch (overrides config)")
		cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
		cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Optional TCP address for the admin API and metrics (e.g. 127.0.0.1:9464)")
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if settingsPath != "" {
		cfg.Settings = settingsPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logger.Close()

	logger.Info("verifyd starting", "version", version, "state_dir", cfg.StateDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	m := metrics.New()

	// The mediator needs the orchestrator and the supervisor needs the
	// mediator's observer; med is assigned before any traffic flows.
	var med *protocol.Mediator

	jrnl, err := journal.Open(cfg.Journal)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer jrnl.Close()

	var (
		backendMu   sync.Mutex
		lastBackend string
	)
	sup := engine.New(logger.Logger,
		engine.WithStateDir(cfg.StateDir),
		engine.WithObserver(func(tr engine.Transition) {
			if med != nil {
				med.OnTransition(tr)
			}
			backendMu.Lock()
			e, ok := journal.FromTransition(tr, lastBackend)
			if ok {
				lastBackend = tr.Backend
			}
			backendMu.Unlock()
			if ok {
				if err := jrnl.Log(e); err != nil {
					logger.Warn("journal write failed", "error", err)
				}
			}
		}),
	)

	orch := orchestrator.New(sup, logger.Logger,
		orchestrator.WithUpdateHook(func(u task.Update) {
			if med != nil {
				med.OnUpdate(u)
			}
			backend := ""
			if p := sup.Profile(); p != nil {
				backend = p.Name
			}
			if e, ok := journal.FromUpdate(u, backend); ok {
				if err := jrnl.Log(e); err != nil {
					logger.Warn("journal write failed", "error", err)
				}
			}
		}),
		orchestrator.WithEventHook(func(uri string, ev engine.Event) {
			if med != nil {
				med.OnEvent(uri, ev)
			}
		}),
	)

	dbg := debugsvc.New(cfg.DebugSocket, logger.Logger)
	defer dbg.Close()

	med = protocol.New(orch, logger.Logger,
		protocol.WithDebugger(dbg),
		protocol.WithMetrics(m),
		protocol.WithLevelSetter(logger.SetLevel),
		protocol.WithVersion(version),
	)

	if cfg.Settings != "" {
		s, err := settings.Load(cfg.Settings)
		if err != nil {
			logger.Error("settings file rejected, verification is disabled", "path", cfg.Settings, "error", err)
			orch.RejectSettings(err)
		} else if err := orch.ApplySettings(ctx, s); err != nil {
			logger.Error("applying settings", "error", err)
		}
		go func() {
			err := settings.Watch(ctx, cfg.Settings, logger.Logger, func(s *settings.Settings, err error) {
				if err != nil {
					logger.Error("settings reload failed, verification is disabled", "error", err)
					orch.RejectSettings(err)
					return
				}
				if err := orch.ApplySettings(ctx, s); err != nil {
					logger.Error("applying reloaded settings", "error", err)
				}
			})
			if err != nil {
				logger.Error("settings watcher stopped", "error", err)
			}
		}()
	}

	// Remove stale socket
	os.Remove(cfg.AdminSocket)
	srv := api.NewServer(orch, sup, ctx, api.WithMetrics(m), api.WithJournal(cfg.Journal))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(cfg.AdminSocket)
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := srv.ListenTCP(cfg.MetricsAddr); err != nil {
				logger.Error("TCP API error", "error", err)
			}
		}()
	}

	protoCh := make(chan error, 1)
	go func() {
		protoCh <- med.Serve(ctx, protocol.Stdio())
	}()

	logger.Info("verifyd ready", "admin_socket", cfg.AdminSocket)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-protoCh:
		if err != nil {
			logger.Error("protocol error", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("API server error", "error", err)
		}
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", "error", err)
	}
	srv.Shutdown(shutdownCtx)
	os.Remove(cfg.AdminSocket)

	logger.Info("verifyd stopped")
	return nil
}

// discardLogger is used by short-lived client commands that build a supervisor.
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
