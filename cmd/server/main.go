package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/vmsched/internal/config"
	"github.com/me/vmsched/internal/logging"
	"github.com/me/vmsched/internal/runner"
	"github.com/me/vmsched/internal/server"
	"github.com/me/vmsched/internal/store"
	"github.com/me/vmsched/internal/vm"
	"github.com/me/vmsched/internal/vm/bytecode"
	"github.com/me/vmsched/internal/vm/replay"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "Database path (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	noRunner := flag.Bool("no-runner", false, "Only queue verifications, do not run them")
	checkpoint := flag.Bool("checkpoint", false, "Persist every suspend state to the database")
	maxSpawns := flag.Uint("max-spawns", 256, "Largest scenario the server generates (spawns)")
	maxWrites := flag.Uint("max-writes", 1024, "Largest scenario the server generates (writes)")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Server.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.Server.LogFormat = *logFormat
	}
	if *debug {
		cfg.Server.LogLevel = "debug"
	}
	if *checkpoint {
		cfg.Verifier.Checkpoint = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	level, _ := logging.ParseLevel(cfg.Server.LogLevel)
	logger := logging.NewLogger(level, cfg.Server.LogFormat)

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.Server.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.Server.DBPath)

	reg := vm.NewRegistry(logger, bytecode.NewLoader(), replay.NewLoader())

	var run runner.Runner
	var loop *runner.Loop
	if !*noRunner {
		loop = runner.NewLoop(st, reg, cfg.TxVerify(), runner.Config{
			PollInterval: cfg.Runner.PollInterval,
			Checkpoint:   cfg.Verifier.Checkpoint,
		}, logger)
		run = loop
	}

	srv := server.New(cfg.Server, st, run, logger, server.WithScenarioLimits(server.ScenarioLimits{
		MaxSpawns: uint32(*maxSpawns),
		MaxWrites: uint32(*maxWrites),
	}))

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.StartRunner(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop the runner before the HTTP server.
	if loop != nil {
		if err := loop.Stop(); err != nil {
			logger.Error("runner stop error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
