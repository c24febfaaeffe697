package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"clihub/internal/ports"
	"clihub/internal/realtime"
	"clihub/internal/session"
	"clihub/internal/shell"
	"clihub/internal/store"
	"clihub/internal/watcher"
)

// shutdownTimeout covers a stop that joins an in-flight interrupt ladder,
// plus slack.
var shutdownTimeout = session.DefaultTimings.Longest() + time.Second

var (
	servePort      int
	serveStaticDir string
	serveShell     string
	serveNoWatch   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session server",
	Long: `Start the HTTP and WebSocket server.

On SIGINT or SIGTERM every live session is stopped, process trees
included, before the server exits.

Examples:
  clihub serve
  clihub serve --port 9000 --static ./web/dist`,
	RunE: runServe,
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (default 8420)")
		c.Flags().StringVar(&serveStaticDir, "static", "", "Directory of UI assets to serve")
		c.Flags().StringVar(&serveShell, "shell", "", "Shell used to run commands (default $SHELL)")
		c.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not watch workspace manifests")
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if cmd.Flags().Changed("static") {
		cfg.StaticDir = serveStaticDir
	}
	if cmd.Flags().Changed("shell") {
		cfg.Shell = serveShell
	}
	if serveNoWatch {
		cfg.Watch = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.NewLogger()
	resolver := shell.NewResolver(context.Background(), cfg.Shell)
	logger.Info("resolved shell", "shell", resolver.Path, "family", resolver.Family.String())

	st, err := store.Open(cfg.StorePath(), logger)
	if err != nil {
		return err
	}

	// The realtime server receives session and watcher events; both are
	// created before it, so route their callbacks through this variable.
	var rtServer *realtime.Server

	mgr := session.NewManager(resolver, logger,
		session.WithScrollback(cfg.ScrollbackBytes),
		session.WithEventSink(session.SinkFuncs{
			Data: func(id string, data []byte) {
				if rtServer != nil {
					rtServer.TerminalData(id, data)
				}
			},
			Exit: func(id string, code int) {
				if rtServer != nil {
					rtServer.ProcessExit(id, code)
				}
			},
		}))

	var fileWatch *watcher.Watcher
	if cfg.Watch {
		fileWatch = watcher.New(logger, func(workspaceID string) {
			if rtServer != nil {
				rtServer.OnWorkspaceChanged(workspaceID)
			}
		})
	}

	rtServer = realtime.New(realtime.Config{
		Sessions:  mgr,
		Ports:     ports.NewReclaimer(logger),
		Store:     st,
		Watcher:   fileWatch,
		StaticDir: cfg.StaticDir,
		Logger:    logger,
	})
	if err := rtServer.WatchWorkspaces(); err != nil {
		logger.Warn("watching workspaces", "error", err)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rtServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("clihub listening", "port", cfg.Port, "static", cfg.StaticDir, "store", st.Path())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		shutdown(logger, mgr, rtServer, fileWatch, httpServer)
		return err
	}

	shutdown(logger, mgr, rtServer, fileWatch, httpServer)
	return nil
}

func shutdown(logger *slog.Logger, mgr *session.Manager, rt *realtime.Server, fw *watcher.Watcher, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if fw != nil {
		fw.Shutdown()
	}
	if err := mgr.Shutdown(ctx); err != nil {
		logger.Warn("sessions did not stop in time", "error", err)
	}
	rt.Close()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}
