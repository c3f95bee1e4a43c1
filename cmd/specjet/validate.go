package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/specjet-api/specjet-sub000/pkg/batch"
	"github.com/specjet-api/specjet-sub000/pkg/config"
	"github.com/specjet-api/specjet-sub000/pkg/contract"
	"github.com/specjet-api/specjet-sub000/pkg/gate"
	"github.com/specjet-api/specjet-sub000/pkg/lifecycle"
	"github.com/specjet-api/specjet-sub000/pkg/observability"
	"github.com/specjet-api/specjet-sub000/pkg/resilience"
	"github.com/specjet-api/specjet-sub000/pkg/results"
	"github.com/specjet-api/specjet-sub000/pkg/schema"
	"github.com/specjet-api/specjet-sub000/pkg/transport"
	"github.com/specjet-api/specjet-sub000/pkg/validation"
)

type validateFlags struct {
	configFile string
	jsonOutput bool
	watch      bool
	verbose    bool
	logJSON    bool
	noColor    bool
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		f            validateFlags
		contractPath string
		baseURL      string
		conc         int
		delay        time.Duration
		rps          float64
		timeout      time.Duration
		retries      int
		gateExpr     string
		constraint   string
		discover     bool
	)
	cmd.StringVar(&contractPath, "contract", "", "Path to the OpenAPI contract (YAML or JSON)")
	cmd.StringVar(&baseURL, "base-url", "", "Base URL of the API under test")
	cmd.StringVar(&f.configFile, "config", "", "YAML config file overlaid on SPECJET_* environment variables")
	cmd.IntVar(&conc, "concurrency", 0, "Endpoints validated concurrently per batch")
	cmd.DurationVar(&delay, "delay", 0, "Pause between batches")
	cmd.Float64Var(&rps, "rps", 0, "Requests per second across the run")
	cmd.DurationVar(&timeout, "timeout", 0, "Per-request timeout")
	cmd.IntVar(&retries, "retries", 0, "Retries for transient failures")
	cmd.StringVar(&gateExpr, "gate", "", "CEL pass/fail expression (default: "+gate.DefaultExpression+")")
	cmd.StringVar(&constraint, "contract-version", "", "Semver constraint the contract version must satisfy")
	cmd.BoolVar(&discover, "discover", false, "Fill missing parameters from contract examples")
	cmd.BoolVar(&f.jsonOutput, "json", false, "Write a canonical JSON report to stdout")
	cmd.BoolVar(&f.watch, "watch", false, "Re-run whenever the contract file changes")
	cmd.BoolVar(&f.verbose, "verbose", false, "Report every attempt as it completes")
	cmd.BoolVar(&f.logJSON, "log-json", false, "Emit logs as JSON")
	cmd.BoolVar(&f.noColor, "no-color", false, "Disable coloured output")

	if err := cmd.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitPass
		}
		return exitRuntime
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRuntime
	}
	if f.configFile != "" {
		if err := cfg.LoadFile(f.configFile); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitRuntime
		}
	}
	cmd.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "contract":
			cfg.Contract = contractPath
		case "base-url":
			cfg.BaseURL = baseURL
		case "concurrency":
			cfg.Concurrency = conc
		case "delay":
			cfg.Delay = delay
		case "rps":
			cfg.RequestsPerSecond = rps
		case "timeout":
			cfg.Timeout = timeout
		case "retries":
			cfg.MaxRetries = retries
		case "gate":
			cfg.Gate = gateExpr
		case "contract-version":
			cfg.ContractVersion = constraint
		case "discover":
			cfg.DiscoverParams = discover
		}
	})
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRuntime
	}
	if f.noColor {
		color.NoColor = true
	}

	logger := newLogger(stderr, cfg.SlogLevel(), f.logJSON)
	manager := lifecycle.NewManager(lifecycle.WithLogger(logger))
	signals := lifecycle.NewSignalLifecycle(manager)
	if err := signals.Start(); err != nil {
		logger.Warn("signal handlers not installed", "error", err)
	}
	defer signals.Stop()
	defer signals.RecoverAndCleanup()

	ctx := context.Background()
	defer manager.Cleanup(context.WithoutCancel(ctx))

	a, err := newApp(ctx, cfg, f, manager, logger, stdout, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRuntime
	}

	if f.watch {
		if err := watchContract(ctx, manager, cfg.Contract, defaultDebounce, logger, func(ctx context.Context) {
			if _, err := a.runOnce(ctx); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			}
		}); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitRuntime
		}
		return exitPass
	}

	pass, err := a.runOnce(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRuntime
	}
	if !pass {
		return exitFail
	}
	return exitPass
}

func newLogger(w io.Writer, level slog.Level, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app holds what stays fixed across runs in watch mode.
type app struct {
	cfg       *config.Config
	flags     validateFlags
	manager   *lifecycle.Manager
	logger    *slog.Logger
	client    transport.Transport
	checker   *schema.Checker
	telemetry *observability.Provider
	gate      *gate.Gate
	stdout    io.Writer
	stderr    io.Writer

	progressMu sync.Mutex
}

func newApp(ctx context.Context, cfg *config.Config, f validateFlags, manager *lifecycle.Manager, logger *slog.Logger, stdout, stderr io.Writer) (*app, error) {
	g, err := gate.Compile(cfg.Gate)
	if err != nil {
		return nil, err
	}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "specjet",
		ServiceVersion: version,
		Environment:    "ci",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        cfg.Telemetry,
		Insecure:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if _, err := manager.Register(telemetry, telemetry.Shutdown, "telemetry"); err != nil {
		return nil, err
	}

	opts := []transport.Option{
		transport.WithTimeout(cfg.Timeout),
		transport.WithLogger(logger),
	}
	for name, value := range cfg.Headers {
		opts = append(opts, transport.WithHeader(name, value))
	}
	switch {
	case cfg.JWTSecret != "":
		src, err := transport.NewJWTSource([]byte(cfg.JWTSecret), cfg.JWTSubject, 15*time.Minute)
		if err != nil {
			return nil, err
		}
		opts = append(opts, transport.WithTokenSource(src))
	case cfg.BearerToken != "":
		opts = append(opts, transport.WithTokenSource(transport.StaticToken(cfg.BearerToken)))
	}
	client, err := transport.NewHTTPClient(cfg.BaseURL, opts...)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		flags:     f,
		manager:   manager,
		logger:    logger,
		client:    client,
		checker:   schema.NewChecker(schema.WithLogger(logger)),
		telemetry: telemetry,
		gate:      g,
		stdout:    stdout,
		stderr:    stderr,
	}, nil
}

// runOnce loads the contract and validates every endpoint in a fresh
// resource scope. It reports whether the gate passed.
func (a *app) runOnce(ctx context.Context) (pass bool, err error) {
	err = a.manager.Run(ctx, func(ctx context.Context, scope *lifecycle.Scope) error {
		c, err := contract.Load(a.cfg.Contract)
		if err != nil {
			return err
		}
		if a.cfg.ContractVersion != "" {
			if err := c.CheckVersion(a.cfg.ContractVersion); err != nil {
				return err
			}
		}

		runID := uuid.NewString()
		logger := a.logger.With("run_id", runID)

		vopts := []validation.Option{validation.WithChecker(a.checker), validation.WithLogger(logger)}
		if a.cfg.DiscoverParams {
			vopts = append(vopts, validation.WithDiscoverer(validation.ExampleDiscoverer{}))
		}
		ev := validation.NewEndpointValidator(a.client, vopts...)
		if err := ev.Initialize(c); err != nil {
			return err
		}
		var v validation.Validator = ev
		if a.flags.verbose {
			v = validation.NewProgressValidator(ev, func(r *validation.Result) {
				a.progressMu.Lock()
				defer a.progressMu.Unlock()
				printAttempt(a.stderr, r)
			})
		}

		limiter, err := a.limiter(scope)
		if err != nil {
			return err
		}

		targets := batch.TargetsFrom(c)
		for i := range targets {
			targets[i].Options = validation.Options{PathParams: a.cfg.PathParams}
		}

		agg := results.NewAggregator()
		out, err := batch.NewProcessor(v, batch.WithLogger(logger)).ProcessEndpoints(ctx, targets, batch.Options{
			Concurrency:       a.cfg.Concurrency,
			Delay:             a.cfg.Delay,
			RequestsPerSecond: a.cfg.RequestsPerSecond,
			CircuitBreaker: resilience.BreakerConfig{
				FailureThreshold: a.cfg.BreakerThreshold,
				ResetTimeout:     a.cfg.BreakerReset,
			},
			RunID:     runID,
			Retry:     resilience.NewRetryHandler(resilience.RetryConfig{MaxRetries: a.cfg.MaxRetries, BaseDelay: a.cfg.RetryBaseDelay}).WithLogger(logger),
			Limiter:   limiter,
			Telemetry: a.telemetry,
		})
		if err != nil {
			return err
		}
		agg.Add(out...)

		stats := agg.Statistics()
		pass, err = a.gate.Evaluate(stats)
		if err != nil {
			return err
		}

		rep := &report{
			RunID:      runID,
			Contract:   contractInfo{Title: c.Title, Version: c.Version, Path: a.cfg.Contract},
			BaseURL:    a.cfg.BaseURL,
			Results:    agg.Results(),
			Statistics: stats,
			Gate:       gateOutcome{Expression: a.gate.Expression(), Passed: pass},
		}
		if a.flags.jsonOutput {
			return writeJSON(a.stdout, rep)
		}
		writeConsole(a.stdout, rep)
		return nil
	})
	return pass, err
}

// limiter returns the Redis limiter when configured, else nil so the
// processor uses its in-process bucket. The Redis bucket is keyed by target,
// so concurrent runs and CI shards draw from one budget.
func (a *app) limiter(scope *lifecycle.Scope) (resilience.Limiter, error) {
	if a.cfg.RedisAddr == "" {
		return nil, nil
	}
	client := resilience.NewRedisClient(a.cfg.RedisAddr, "", 0)
	if _, err := scope.Register(client, func(context.Context) error { return client.Close() }, "redis"); err != nil {
		_ = client.Close()
		return nil, err
	}
	return resilience.NewRedisLimiter(client, a.cfg.BucketKey(), a.cfg.RequestsPerSecond), nil
}
