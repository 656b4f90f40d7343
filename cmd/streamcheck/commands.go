package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"github.com/cgast/streamcheck/internal/config"
	"github.com/cgast/streamcheck/internal/inspector"
	"github.com/cgast/streamcheck/pkg/events"
	"github.com/cgast/streamcheck/pkg/report"
	"github.com/cgast/streamcheck/pkg/scenario"
	"github.com/cgast/streamcheck/pkg/verify"
)

// usageError is a command-line mistake. main exits with status 2 for it.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// parseFlags parses args into fs, reporting failures as usage errors.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return &usageError{err: fmt.Errorf("%s: %w", fs.Name(), err)}
	}
	return nil
}

// runOptions are the flags accepted by `streamcheck run`.
type runOptions struct {
	timeout    time.Duration
	hasTimeout bool
	trace      bool
	vars       map[string]string
	files      []string
}

func parseRunArgs(args []string) (runOptions, error) {
	flagSet := flag.NewFlagSet("run", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	timeout := flagSet.Duration("timeout", 0, "Per-run deadline (overrides verify.default_timeout)")
	trace := flagSet.Bool("trace", false, "Print the event trace of every run")
	vars := flagSet.StringArray("var", nil, "Scenario variable as key=value")

	if err := parseFlags(flagSet, args); err != nil {
		return runOptions{}, err
	}

	opts := runOptions{
		timeout:    *timeout,
		hasTimeout: flagSet.Changed("timeout"),
		trace:      *trace,
		vars:       make(map[string]string, len(*vars)),
		files:      flagSet.Args(),
	}
	for _, kv := range *vars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return opts, usagef("invalid --var %q (expected key=value)", kv)
		}
		opts.vars[k] = v
	}
	return opts, nil
}

// handleValidate implements `streamcheck validate <scenario.yaml>...`.
func handleValidate(args []string, out io.Writer) error {
	if len(args) == 0 {
		return usagef("usage: streamcheck validate <scenario.yaml>...")
	}

	failed := 0
	for _, path := range args {
		sc, err := scenario.LoadScenario(path, nil)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", filepath.Base(path), err)
			failed++
			continue
		}

		vr := scenario.ValidateScenario(sc)
		if vr.Valid() {
			fmt.Fprintf(out, "Scenario %q is valid.\n", sc.Name)
			continue
		}
		failed++
		fmt.Fprintf(out, "Scenario %q has %d error(s):\n", filepath.Base(path), len(vr.Errors))
		for _, e := range vr.Errors {
			fmt.Fprintf(out, "  - %s: %s\n", e.Field, e.Message)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenario(s) invalid", failed, len(args))
	}
	return nil
}

// handleRun implements `streamcheck run [flags] <scenario.yaml>...`.
func handleRun(args []string, cfg config.Config, logger *slog.Logger, out io.Writer) error {
	opts, err := parseRunArgs(args)
	if err != nil {
		return err
	}
	if len(opts.files) == 0 {
		return usagef("usage: streamcheck run [--timeout=d] [--trace] [--var key=value ...] <scenario.yaml>...")
	}

	timeout, err := cfg.Timeout()
	if err != nil {
		return err
	}
	if opts.hasTimeout {
		timeout = opts.timeout
	}

	bus := events.NewMemoryBusWithHistory(cfg.Events.HistorySize)
	runnerOpts := []verify.Option{
		verify.WithLogger(logger),
		verify.WithEventBus(bus),
		verify.WithDefaultTimeout(timeout),
	}
	if cfg.Reports.Persist {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		runnerOpts = append(runnerOpts, verify.WithRecorder(store))
	}
	runner := verify.NewRunner(runnerOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return runScenarios(ctx, runner, bus, opts, out)
}

func runScenarios(ctx context.Context, runner *verify.Runner, bus *events.MemoryBus, opts runOptions, out io.Writer) error {
	failed := 0
	for _, path := range opts.files {
		sc, err := scenario.LoadScenario(path, opts.vars)
		if err != nil {
			fmt.Fprintf(out, "ERROR %s: %v\n", filepath.Base(path), err)
			failed++
			continue
		}

		result, err := scenario.Run(ctx, runner, sc)
		var ve *verify.VerificationError
		switch {
		case err == nil:
			fmt.Fprintf(out, "PASS  %s (%s, run %s)\n", sc.Name, result.Duration.Round(time.Microsecond), result.RunID)
		case errors.As(err, &ve):
			failed++
			fmt.Fprintf(out, "FAIL  %s (%s, run %s)\n", sc.Name, result.State, result.RunID)
			for _, f := range ve.Failures {
				fmt.Fprintf(out, "      [%s] %s\n", f.Kind, indent(f.Error(), "      "))
			}
		default:
			failed++
			fmt.Fprintf(out, "ERROR %s: %v\n", filepath.Base(path), err)
		}

		if opts.trace && result.RunID != "" && bus != nil {
			printTrace(out, bus.RunHistory(result.RunID))
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d scenario(s) failed", failed, len(opts.files))
	}
	return nil
}

func printTrace(out io.Writer, history []events.Event) {
	for _, e := range history {
		fmt.Fprintf(out, "      %s %-16s %v\n", e.Timestamp.Format("15:04:05.000000"), e.Type, e.Data)
	}
}

// indent continues multi-line failure messages (cmp diffs) under their header.
func indent(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}

// handleReports implements `streamcheck reports [--limit=n] [--export=file]`.
func handleReports(args []string, cfg config.Config, out io.Writer) error {
	flagSet := flag.NewFlagSet("reports", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	limit := flagSet.Int("limit", 20, "Maximum reports to list, 0 for all")
	export := flagSet.String("export", "", "Write the listed reports as JSON to this file")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return usagef("usage: streamcheck reports [--limit=n] [--export=file]")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reports, err := store.List(*limit)
	if err != nil {
		return fmt.Errorf("list reports: %w", err)
	}

	if *export != "" {
		if err := exportReports(*export, reports); err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported %d report(s) to %s\n", len(reports), *export)
		return nil
	}

	if len(reports) == 0 {
		fmt.Fprintln(out, "No reports recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSCRIPT\tSTATE\tRESULT\tFAILURES\tSTARTED\tDURATION")
	for _, r := range reports {
		verdict := "pass"
		if !r.Passed {
			verdict = "fail"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%dms\n",
			r.RunID, r.Script, r.State, verdict, len(r.Failures),
			r.Started.Local().Format(time.DateTime), r.DurationMS)
	}
	return w.Flush()
}

// exportReports replaces path atomically, so a reader never sees a partial file.
func exportReports(path string, reports []report.Report) error {
	if reports == nil {
		reports = []report.Report{}
	}
	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reports: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("export reports to %s: %w", path, err)
	}
	return nil
}

// handleShow implements `streamcheck show <run-id>`.
func handleShow(args []string, cfg config.Config, out io.Writer) error {
	if len(args) != 1 {
		return usagef("usage: streamcheck show <run-id>")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.Get(args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	fmt.Fprintln(out, string(data))
	return nil
}

// handleServe implements `streamcheck serve [--addr=host:port]`: the
// inspector API over the report store, running posted scenarios.
func handleServe(args []string, cfg config.Config, logger *slog.Logger) error {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	addr := flagSet.String("addr", cfg.Inspector.Addr, "Listen address")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return usagef("usage: streamcheck serve [--addr=host:port]")
	}

	timeout, err := cfg.Timeout()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewMemoryBusWithHistory(cfg.Events.HistorySize)
	runner := verify.NewRunner(
		verify.WithLogger(logger),
		verify.WithEventBus(bus),
		verify.WithDefaultTimeout(timeout),
		verify.WithRecorder(store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(os.Stderr, "Inspector running at http://%s\n", *addr)
	return inspector.New(bus, store, runner, logger).Serve(ctx, *addr)
}
