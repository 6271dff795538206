package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"snapwh/internal/config"
	"snapwh/internal/pipeline"
	"snapwh/internal/records"
	"snapwh/internal/storage"

	// register every warehouse backend; the config picks one.
	_ "snapwh/internal/storage/all"
)

// main is the entry point of the daily snapshot loader. It loads the config,
// wires logging and metrics, and runs ingest plus merge for one date.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, appDeps{})
	stop()
	os.Exit(code)
}

// appDeps are the side-effecting seams of runMain. Nil fields use the real
// implementation.
type appDeps struct {
	getenv        func(string) string
	loadDotEnv    func(path string) error
	openWarehouse func(ctx context.Context, cfg storage.Config) (storage.Warehouse, error)
	initMetrics   func(ctx context.Context, job string, m config.Metrics, logf func(string, ...any)) (func(), error)
	now           func() time.Time
}

func (d appDeps) withDefaults() appDeps {
	if d.getenv == nil {
		d.getenv = os.Getenv
	}
	if d.loadDotEnv == nil {
		d.loadDotEnv = config.LoadDotEnv
	}
	if d.openWarehouse == nil {
		d.openWarehouse = storage.Open
	}
	if d.initMetrics == nil {
		d.initMetrics = initMetrics
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// runMain returns the process exit code: 0 ok, 1 run failure, 2 usage or
// config error.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	deps = deps.withDefaults()

	fs := flag.NewFlagSet("snapload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cfgPath        = fs.String("config", "", "loader config path (.json, .yaml or .yml); empty uses defaults plus env")
		envFile        = fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
		dateFlg        = fs.String("date", "", "processing date YYYY-MM-DD (default today)")
		metricsBackend = fs.String("metrics-backend", "", "metrics backend: pushgateway, datadog or none (overrides METRICS_BACKEND)")
		pushGatewayURL = fs.String("pushgateway-url", "", "Pushgateway base URL (overrides PUSHGATEWAY_URL)")
		validate       = fs.Bool("validate", false, "validate the configuration and exit")
		verbose        = fs.Bool("v", false, "enable debug logs")
	)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: snapload [-config path] [-date YYYY-MM-DD] [-validate] [-v] [file.json ...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	var date time.Time
	if *dateFlg != "" {
		d, err := time.Parse(time.DateOnly, *dateFlg)
		if err != nil {
			fmt.Fprintf(stderr, "usage: -date must be YYYY-MM-DD: %v\n", err)
			return 2
		}
		date = d
	}

	if err := deps.loadDotEnv(*envFile); err != nil {
		fmt.Fprintf(stderr, "env: %v\n", err)
		return 2
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}
	if cfg, err = config.ApplyEnv(cfg, deps.getenv); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}
	if *metricsBackend != "" {
		cfg.Metrics.Backend = *metricsBackend
	}
	if *pushGatewayURL != "" {
		cfg.Metrics.PushgatewayURL = *pushGatewayURL
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", displayPath(*cfgPath))
		return 2
	}
	if *validate {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", displayPath(*cfgPath))
		return 0
	}

	logger, err := newLogger(cfg.Log.Level, *verbose, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()
	stdLog, err := zap.NewStdLogAt(logger, zapcore.InfoLevel)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 2
	}
	sugar := logger.Sugar()

	files := fs.Args()
	if len(files) == 0 {
		if files, err = pipeline.ResolveFiles(cfg.Input); err != nil {
			fmt.Fprintf(stderr, "input: %v\n", err)
			return 2
		}
	}
	sugar.Debugw("pipeline",
		"storage", cfg.Storage.Kind,
		"files", len(files),
		"date", *dateFlg,
		"metrics", cfg.Metrics.Backend,
	)

	cleanup, err := deps.initMetrics(ctx, cfg.Job, cfg.Metrics, stdLog.Printf)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	wh, err := deps.openWarehouse(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fmt.Fprintf(stderr, "open storage: %v\n", err)
		return 1
	}
	defer wh.Close()

	start := deps.now()
	r := &pipeline.Runner{Warehouse: wh, Config: cfg, Logger: stdLog}
	rep, err := r.Run(ctx, pipeline.Request{Files: files, Date: date})
	if rep.ParseErrors > 0 {
		sugar.Warnw("malformed payload files", "count", rep.ParseErrors)
	}
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "ok")
	printCounts(stdout, rep.Merge.Counts)
	sugar.Debugw("completed",
		"run_id", rep.Merge.RunID,
		"date_key", rep.DateKey,
		"duration", time.Since(start).Truncate(time.Millisecond).String(),
	)
	return 0
}

// printCounts writes one line per entity in merge order.
func printCounts(w io.Writer, counts records.Counts) {
	for _, e := range records.Entities {
		c := counts[e]
		fmt.Fprintf(w, "%s inserted=%d updated=%d\n", e, c.Inserted, c.Updated)
	}
}

// newLogger builds a JSON zap logger on w. verbose forces debug level.
func newLogger(level string, verbose bool, w io.Writer) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	if verbose {
		lvl.SetLevel(zapcore.DebugLevel)
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), lvl)
	return zap.New(core).Named("snapload"), nil
}

func displayPath(p string) string {
	if p == "" {
		return "(defaults)"
	}
	return p
}
