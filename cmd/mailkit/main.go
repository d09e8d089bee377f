// Command mailkit serves the template pipeline over HTTP, or over MCP on
// stdio with --mcp-stdio.
//
//	mailkit --config mailkit.yaml --addr :8080 --log-level debug
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

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/mailkit/stationery"
)

var version = "dev"

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "YAML configuration file")
		addr       = pflag.String("addr", "", "listen address (overrides config)")
		dbPath     = pflag.String("db", "", "SQLite database path (overrides config)")
		logLevel   = pflag.String("log-level", "", "debug | info | warn | error (overrides config)")
		mcpStdio   = pflag.Bool("mcp-stdio", false, "serve MCP on stdin/stdout instead of HTTP")
		noSnap     = pflag.Bool("no-snapshots", false, "disable snapshot rendering (no Chrome)")
	)
	pflag.Parse()

	cfg := &stationery.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = stationery.LoadConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "mailkit: %v\n", err)
			os.Exit(1)
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *noSnap {
		cfg.SnapshotsDisabled = true
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := stationery.New(*cfg, logger)
	if err != nil {
		logger.Error("mailkit: init", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if *mcpStdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "mailkit", Version: version}, nil)
		svc.RegisterMCP(srv)
		logger.Info("mailkit: serving MCP on stdio")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			logger.Error("mailkit: mcp", "error", err)
			os.Exit(1)
		}
		return
	}

	eff := svc.Config()
	srv := &http.Server{
		Addr:              eff.Addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Saves render in Chrome: allow the whole pipeline to finish.
		WriteTimeout: eff.SaveTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("mailkit: listening", "addr", eff.Addr, "public_url", eff.PublicURL, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mailkit: server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("mailkit: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("mailkit: shutdown", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// stderr: stdout carries MCP frames in --mcp-stdio mode.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
