// Package main is the command-line entry point for the anomaly detection engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anomaly-engine/internal/anomaly"
	"anomaly-engine/internal/config"
	"anomaly-engine/internal/engine"
	apperrors "anomaly-engine/internal/errors"
	"anomaly-engine/internal/logging"
	"anomaly-engine/internal/render"
	"anomaly-engine/internal/rules"
	"anomaly-engine/internal/scan"
	"anomaly-engine/internal/startup"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "scan":
		code = runScan(ctx, os.Args[2:])
	case "anomalies":
		code = runAnomalies(ctx, os.Args[2:])
	case "investigate":
		code = runInvestigate(ctx, os.Args[2:])
	case "report":
		code = runReport(ctx, os.Args[2:])
	case "rules":
		code = runRules(ctx, os.Args[2:])
	case "check":
		code = runCheck(ctx, os.Args[2:])
	case "version", "-version", "--version", "-v":
		fmt.Printf("anomaly-engine %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		code = 1
	}
	stop()
	os.Exit(code)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: anomaly-engine <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  scan         Refresh baselines and run every active rule\n")
	fmt.Fprintf(os.Stderr, "  anomalies    List anomalies, or show one with -id\n")
	fmt.Fprintf(os.Stderr, "  investigate  Record an investigation outcome for an anomaly\n")
	fmt.Fprintf(os.Stderr, "  report       Summarise recent anomalies and evaluate KPI alerts\n")
	fmt.Fprintf(os.Stderr, "  rules        List, enable or disable detection rules\n")
	fmt.Fprintf(os.Stderr, "  check        Run pre-flight diagnostics\n")
	fmt.Fprintf(os.Stderr, "  version      Show version and exit\n\n")
	fmt.Fprintf(os.Stderr, "Every command accepts -config <path> (default $ANOMALY_CONFIG_PATH or %s).\n", config.DefaultPath)
}

func configPathFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("ANOMALY_CONFIG_PATH")
	if def == "" {
		def = config.DefaultPath
	}
	return fs.String("config", def, "Path to the configuration file")
}

// setup loads the configuration and installs the process-wide logger.
func setup(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	apperrors.SetProductionMode(cfg.Engine.SanitizeErrors)
	return cfg, logger, nil
}

func openEngine(ctx context.Context, path string) (*engine.Engine, error) {
	cfg, logger, err := setup(path)
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, cfg, logger)
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(err)
	}
	return 0
}

func runScan(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	asJSON := fs.Bool("json", false, "Print the scan report as JSON")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, *cfgPath)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	report, err := e.RunFullScan(ctx)
	if errors.Is(err, scan.ErrScanRunning) || report == nil {
		return fail(err)
	}

	if *asJSON {
		if code := printJSON(report); code != 0 {
			return code
		}
	} else {
		fmt.Print(render.ScanReport(report))
	}
	if err != nil || report.Status == scan.StatusFailed {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func runAnomalies(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("anomalies", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	id := fs.String("id", "", "Show a single anomaly with its evidence")
	entityType := fs.String("entity-type", "", "Filter by entity type")
	severity := fs.String("severity", "", "Filter by severity (low, medium, high, critical)")
	status := fs.String("status", "", "Filter by status (pending, confirmed, false_positive, resolved)")
	ruleName := fs.String("rule", "", "Filter by rule name")
	days := fs.Int("days", 0, "Only anomalies detected in the last N days")
	limit := fs.Int("limit", 50, "Maximum number of anomalies")
	offset := fs.Int("offset", 0, "Number of anomalies to skip")
	asJSON := fs.Bool("json", false, "Print as JSON")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, *cfgPath)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	if *id != "" {
		a, err := e.GetAnomaly(ctx, *id)
		if err != nil {
			return fail(err)
		}
		if *asJSON {
			return printJSON(a)
		}
		fmt.Print(render.Anomaly(a))
		return 0
	}

	f := anomaly.Filter{
		EntityType: *entityType,
		Severity:   rules.Severity(*severity),
		Limit:      *limit,
		Offset:     *offset,
	}
	if *status != "" {
		st, err := anomaly.ParseStatus(*status)
		if err != nil {
			return fail(err)
		}
		f.Status = st
	}
	if *ruleName != "" {
		r, err := e.Rules().Get(*ruleName)
		if err != nil {
			return fail(err)
		}
		f.RuleID = r.ID
	}
	if *days > 0 {
		f.From = time.Now().UTC().AddDate(0, 0, -*days)
	}

	list, err := e.ListAnomalies(ctx, f)
	if err != nil {
		return fail(err)
	}
	if *asJSON {
		return printJSON(list)
	}
	fmt.Print(render.Anomalies(list))
	return 0
}

func runInvestigate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("investigate", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	id := fs.String("id", "", "Anomaly ID (required)")
	status := fs.String("status", "", "New status: confirmed, false_positive or resolved (required)")
	notes := fs.String("notes", "", "Investigation notes to append")
	_ = fs.Parse(args)

	if *id == "" || *status == "" {
		fmt.Fprintf(os.Stderr, "Usage: anomaly-engine investigate -id <id> -status <status> [-notes <text>]\n")
		return 1
	}
	st, err := anomaly.ParseStatus(*status)
	if err != nil {
		return fail(err)
	}

	e, err := openEngine(ctx, *cfgPath)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	updated, err := e.UpdateInvestigation(ctx, *id, st, *notes)
	if err != nil {
		return fail(err)
	}
	fmt.Print(render.Anomaly(updated))
	return 0
}

func runReport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	days := fs.Int("days", 0, "Window in days (default alerting.window_days)")
	asJSON := fs.Bool("json", false, "Print as JSON")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, *cfgPath)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	summary, err := e.GenerateReport(ctx, *days)
	if err != nil {
		return fail(err)
	}
	if *asJSON {
		return printJSON(summary)
	}
	fmt.Print(render.Summary(summary))
	return 0
}

func runRules(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("rules", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	category := fs.String("category", "", "Only rules in this category")
	enable := fs.String("enable", "", "Activate the named rule")
	disable := fs.String("disable", "", "Deactivate the named rule")
	_ = fs.Parse(args)

	e, err := openEngine(ctx, *cfgPath)
	if err != nil {
		return fail(err)
	}
	defer e.Close()

	if *enable != "" {
		if _, err := e.Rules().SetActive(ctx, *enable, true); err != nil {
			return fail(err)
		}
	}
	if *disable != "" {
		if _, err := e.Rules().SetActive(ctx, *disable, false); err != nil {
			return fail(err)
		}
	}

	fmt.Print(render.Rules(e.Rules().List(rules.ListOptions{Category: rules.Category(*category)})))
	return 0
}

func runCheck(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	_ = fs.Parse(args)

	cfg, logger, err := setup(*cfgPath)
	if err != nil {
		return fail(err)
	}

	startup.PrintBanner(version)
	d := startup.NewDiagnostics(cfg, *cfgPath, logger)
	fmt.Print(render.Diagnostics(d.RunAll(ctx)))
	if d.HasErrors() {
		return 1
	}
	return 0
}
