package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jmswain/foreman/internal/api"
	"github.com/jmswain/foreman/internal/config"
	"github.com/jmswain/foreman/internal/doctor"
	"github.com/jmswain/foreman/internal/events"
	"github.com/jmswain/foreman/internal/journal"
	"github.com/jmswain/foreman/internal/lock"
	"github.com/jmswain/foreman/internal/log"
	"github.com/jmswain/foreman/internal/ports"
	"github.com/jmswain/foreman/internal/spawn"
	"github.com/jmswain/foreman/internal/tui/watch"
	"github.com/jmswain/foreman/internal/worker"
)

const version = "0.1.0"

const defaultConfigPath = "foreman.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("foreman version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`foreman - worker process orchestrator for workflow job runs

Usage:
  foreman <command> [flags]

Commands:
  start     Run the orchestrator in the foreground
  doctor    Validate configuration and launcher setup
  watch     Live worker monitor TUI
  version   Show version information
  help      Show this help message

Use 'foreman <command> --help' for command-specific flags.
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("foreman starting", "version", version, "config", *configPath)

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	alloc, err := ports.NewAllocator(cfg.Workers.PortRange.Min, cfg.Workers.PortRange.Max)
	if err != nil {
		logger.Error("invalid port range", "error", err)
		return 1
	}

	specs := make([]spawn.LaunchSpec, 0, len(cfg.Workers.Launchers))
	for _, l := range cfg.Workers.Launchers {
		specs = append(specs, spawn.LaunchSpec{
			Name:    l.Name,
			Command: l.Command,
			Args:    l.Args,
			Env:     l.Env,
		})
	}
	spawner := spawn.New(specs, log.WithComponent("spawn"))

	bus := events.NewBus(256)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		db, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return 1
		}
		defer db.Close()
		jr = journal.New(db)
		go jr.Run(ctx, bus, cfg.Journal.Retention)
		logger.Info("journal enabled", "path", cfg.Journal.Path, "retention", cfg.Journal.Retention)
	}

	// The registry pointer is late-bound so route handlers can reach it.
	var reg *worker.Registry
	routes := buildRoutes(func() *worker.Registry { return reg })
	reg = worker.NewRegistry(alloc, spawner, bus, routes, worker.Options{
		StartupTimeout: cfg.Workers.StartupTimeout,
		RequestTimeout: cfg.Workers.RequestTimeout,
		GracePeriod:    cfg.Workers.GracePeriod,
	}, log.WithComponent("worker"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		var journalReader api.JournalReader
		if jr != nil {
			journalReader = jr
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.APIKey,
		}, reg, bus, journalReader, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("admin API enabled", "listen", cfg.API.Listen)
	}

	logger.Info("foreman running (press Ctrl+C to stop)",
		"ports", fmt.Sprintf("%d-%d", cfg.Workers.PortRange.Min, cfg.Workers.PortRange.Max),
		"launchers", len(specs))

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Workers.GracePeriod+10*time.Second)
	defer shutdownCancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		exitCode = 1
	}
	cancel()

	logger.Info("foreman stopped")
	return exitCode
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output report in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		printDoctorResult(result)
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func printDoctorResult(r *doctor.Result) {
	for _, e := range r.Errors {
		fmt.Printf("ERROR   [%s] %s: %s\n", e.Category, e.Field, e.Message)
	}
	for _, w := range r.Warnings {
		fmt.Printf("WARNING [%s] %s: %s\n", w.Category, w.Field, w.Message)
	}
	if r.Valid {
		fmt.Printf("Configuration OK (%d warnings)\n", len(r.Warnings))
	} else {
		fmt.Printf("Configuration INVALID: %d errors, %d warnings\n", len(r.Errors), len(r.Warnings))
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8490", "Foreman admin API URL")
	apiKey := fs.String("api-key", os.Getenv("FOREMAN_API_KEY"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	m := watch.New(*apiURL, *apiKey)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
