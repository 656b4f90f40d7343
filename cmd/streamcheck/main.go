package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cgast/streamcheck/internal/config"
	"github.com/cgast/streamcheck/pkg/report"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: loading config: %v\n", err)
		cfg = config.DefaultConfig()
	}
	logger := newLogger(cfg)

	args := os.Args[2:]
	switch os.Args[1] {
	case "validate":
		err = handleValidate(args, os.Stdout)
	case "run":
		err = handleRun(args, cfg, logger, os.Stdout)
	case "reports":
		err = handleReports(args, cfg, os.Stdout)
	case "show":
		err = handleShow(args, cfg, os.Stdout)
	case "serve":
		err = handleServe(args, cfg, logger)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}

	var ue *usageError
	switch {
	case errors.As(err, &ue):
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: streamcheck <command> [args...]")
	fmt.Println("  streamcheck validate <scenario.yaml>...")
	fmt.Println("  streamcheck run [--timeout=d] [--trace] [--var key=value ...] <scenario.yaml>...")
	fmt.Println("  streamcheck reports [--limit=n] [--export=file]")
	fmt.Println("  streamcheck show <run-id>")
	fmt.Println("  streamcheck serve [--addr=host:port]")
}

func configPath() string {
	if p := os.Getenv("STREAMCHECK_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

// newLogger writes text logs to stderr at the configured level.
func newLogger(cfg config.Config) *slog.Logger {
	lvl, err := cfg.Level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore opens the report database, creating its directory if needed.
func openStore(cfg config.Config) (*report.BoltStore, error) {
	path := cfg.Reports.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create report dir: %w", err)
		}
	}
	store, err := report.NewBoltStore(path, cfg.Reports.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("open report store %s: %w", path, err)
	}
	return store, nil
}
