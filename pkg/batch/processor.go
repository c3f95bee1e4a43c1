// Package batch drives endpoint validations through the resilience
// primitives under bounded concurrency.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/specjet-api/specjet-sub000/pkg/contract"
	"github.com/specjet-api/specjet-sub000/pkg/fault"
	"github.com/specjet-api/specjet-sub000/pkg/issue"
	"github.com/specjet-api/specjet-sub000/pkg/resilience"
	"github.com/specjet-api/specjet-sub000/pkg/validation"
)

// Target is one endpoint to validate.
type Target struct {
	Path    string
	Method  string
	Options validation.Options
}

// TargetsFrom lists every endpoint of a contract in contract order.
func TargetsFrom(c *contract.Contract) []Target {
	targets := make([]Target, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		targets = append(targets, Target{Path: ep.Path, Method: ep.Method})
	}
	return targets
}

// Telemetry receives per-endpoint spans and breaker transitions.
// *observability.Provider implements it.
type Telemetry interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
	RecordBreakerTransition(ctx context.Context, from, to string)
}

// Options configure one run.
type Options struct {
	Concurrency       int           `validate:"gte=1"`
	Delay             time.Duration `validate:"gte=0"`
	RequestsPerSecond float64       `validate:"gt=0"`
	CircuitBreaker    resilience.BreakerConfig

	// RunID identifies the run in logs and telemetry. Generated when empty.
	RunID string

	// Retry re-invokes transient failures. Nil disables retries.
	Retry *resilience.RetryHandler `validate:"-"`
	// Limiter overrides the per-run in-process token bucket.
	Limiter resilience.Limiter `validate:"-"`
	// Progress is called once per final result, never concurrently.
	Progress func(*validation.Result) `validate:"-"`
	// BatchStarted is called before each batch with its index and size.
	BatchStarted func(batch, size int) `validate:"-"`
	Telemetry    Telemetry             `validate:"-"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency:       3,
		RequestsPerSecond: 10,
		CircuitBreaker: resilience.BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			SuccessThreshold: 3,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Processor runs batches of endpoint validations.
type Processor struct {
	validator validation.Validator
	clock     func() time.Time
	sleep     func(context.Context, time.Duration) error
	logger    *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger.With("component", "batch")
		}
	}
}

// WithClock overrides the clock and the inter-batch sleeper.
func WithClock(clock func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(p *Processor) {
		if clock != nil {
			p.clock = clock
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// NewProcessor creates a processor over v.
func NewProcessor(v validation.Validator, opts ...Option) *Processor {
	p := &Processor{
		validator: v,
		clock:     time.Now,
		sleep:     sleepContext,
		logger:    slog.Default().With("component", "batch"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessEndpoints validates every target and returns exactly one result
// per target, in submission order. The error is non-nil only for invalid
// options or a missing validator.
//
// Batches of opts.Concurrency run one after another. A started batch runs
// to completion even if ctx is cancelled; targets in batches that were not
// started get a batch_processing_error result.
func (p *Processor) ProcessEndpoints(ctx context.Context, targets []Target, opts Options) ([]*validation.Result, error) {
	if p.validator == nil {
		return nil, fault.New(fault.KindStructural, fault.CodeNotInitialized, "process endpoints", errors.New("nil validator"))
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fault.New(fault.KindStructural, fault.CodeInvalidOptions, "process endpoints", err)
	}

	r := p.newRun(ctx, opts)
	results := make([]*validation.Result, len(targets))
	batches := (len(targets) + opts.Concurrency - 1) / opts.Concurrency
	start := p.clock()

	r.logger.InfoContext(ctx, "run started",
		"endpoints", len(targets),
		"batches", batches,
		"concurrency", opts.Concurrency,
		"rps", opts.RequestsPerSecond,
	)

	for b := 0; b < batches; b++ {
		lo := b * opts.Concurrency
		hi := min(lo+opts.Concurrency, len(targets))

		if b > 0 && opts.Delay > 0 {
			if err := p.sleep(ctx, opts.Delay); err != nil {
				r.cancelRemaining(results, targets, lo, err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			r.cancelRemaining(results, targets, lo, err)
			break
		}

		if opts.BatchStarted != nil {
			opts.BatchStarted(b, hi-lo)
		}
		r.runBatch(ctx, results, targets, lo, hi)
	}

	r.logger.InfoContext(ctx, "run finished",
		"endpoints", len(targets),
		"duration_ms", p.clock().Sub(start).Milliseconds(),
		"breaker", r.breaker.State().String(),
	)
	return results, nil
}

type run struct {
	*Processor
	id      string
	opts    Options
	limiter resilience.Limiter
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger

	progressMu sync.Mutex
}

func (p *Processor) newRun(ctx context.Context, opts Options) *run {
	id := opts.RunID
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{
		Processor: p,
		id:        id,
		opts:      opts,
		limiter:   opts.Limiter,
		logger:    p.logger.With("run_id", id),
	}
	if r.limiter == nil {
		r.limiter = resilience.NewRateLimiter(opts.RequestsPerSecond)
	}

	cfg := opts.CircuitBreaker
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to resilience.State) {
		r.logger.WarnContext(ctx, "circuit breaker transition", "from", from.String(), "to", to.String())
		if opts.Telemetry != nil {
			opts.Telemetry.RecordBreakerTransition(ctx, from.String(), to.String())
		}
		if userHook != nil {
			userHook(from, to)
		}
	}
	r.breaker = resilience.NewCircuitBreaker(cfg)
	return r
}

// runBatch validates targets[lo:hi] concurrently. The batch is detached
// from ctx cancellation so that it always completes.
func (r *run) runBatch(ctx context.Context, results []*validation.Result, targets []Target, lo, hi int) {
	batchCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(hi - lo)
	for i := lo; i < hi; i++ {
		g.Go(func() error {
			res := r.process(batchCtx, targets[i])
			results[i] = res
			r.report(res)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) report(res *validation.Result) {
	if r.opts.Progress == nil {
		return
	}
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("progress callback panicked", "endpoint", res.Key(), "panic", rec)
		}
	}()
	r.opts.Progress(res)
}

func (r *run) cancelRemaining(results []*validation.Result, targets []Target, from int, cause error) {
	r.logger.Warn("run cancelled", "remaining", len(targets)-from, "error", cause)
	for i := from; i < len(targets); i++ {
		err := fault.New(fault.KindBatch, fault.CodeRunCancelled, key(targets[i]), cause)
		results[i] = r.batchError(targets[i], err)
		r.report(results[i])
	}
}

// process runs one target: limiter, then breaker around retry around the
// validator. It never panics and always returns a result.
func (r *run) process(ctx context.Context, t Target) (res *validation.Result) {
	name := key(t)
	var err error
	if r.opts.Telemetry != nil {
		var finish func(error)
		ctx, finish = r.opts.Telemetry.TrackOperation(ctx, "specjet.validate_endpoint",
			attribute.String("specjet.run_id", r.id),
			attribute.String("http.method", t.Method),
			attribute.String("specjet.endpoint", t.Path),
		)
		defer func() { finish(err) }()
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "endpoint panicked", "endpoint", name, "panic", rec, "stack", string(debug.Stack()))
			err = fault.New(fault.KindBatch, fault.CodeBatchPanic, name, fmt.Errorf("panic: %v", rec))
			res = r.batchError(t, err)
		}
	}()

	err = r.limiter.Acquire(ctx)
	var last *validation.Result
	if err == nil {
		attempt := func(ctx context.Context) error {
			out, err := r.validator.ValidateEndpoint(ctx, t.Path, t.Method, t.Options)
			if err != nil {
				return err
			}
			last = out
			return outcomeError(name, out)
		}
		op := attempt
		if r.opts.Retry != nil {
			op = func(ctx context.Context) error { return r.opts.Retry.Do(ctx, name, attempt) }
		}
		err = r.breaker.Execute(ctx, op)
	}

	var exhausted *resilience.ExhaustedError
	switch {
	case err == nil:
		return last
	case errors.Is(err, resilience.ErrCircuitOpen):
		return r.newResult(t, nil, []issue.Issue{issue.New(issue.TypeCircuitBreakerOpen, "",
			"circuit breaker is open; request not sent",
			map[string]any{"code": string(fault.CodeCircuitOpen)})}, err)
	case errors.As(err, &exhausted):
		return r.exhaustedResult(t, last, exhausted)
	case last != nil && outcomeError(name, last) != nil:
		return last
	default:
		return r.batchError(t, err)
	}
}

// outcomeError turns a result that the breaker and retry handler must see
// as a failure into an error: transport failures and 429/5xx responses.
func outcomeError(name string, res *validation.Result) error {
	if res.Cause != nil && fault.KindOf(res.Cause) == fault.KindTransport {
		return res.Cause
	}
	if s := res.Status(); fault.RetryableStatus(s) {
		return &fault.Error{Kind: fault.KindHTTPStatus, Code: fault.CodeHTTPStatus, Op: name, Status: s}
	}
	return nil
}

func (r *run) exhaustedResult(t Target, last *validation.Result, exhausted *resilience.ExhaustedError) *validation.Result {
	failed := issue.New(issue.TypeValidationFailed, "",
		fmt.Sprintf("failed after %d attempts: %v", exhausted.Attempts, exhausted.Err),
		map[string]any{
			"code":     string(exhausted.Code()),
			"attempts": exhausted.Attempts,
			"cause":    string(fault.CodeOf(exhausted.Err)),
		})
	if last == nil {
		return r.newResult(t, nil, []issue.Issue{failed}, exhausted)
	}
	issues := append(append([]issue.Issue{}, last.Issues...), failed)
	res := r.newResult(t, last.StatusCode, issues, exhausted)
	res.Metadata = last.Metadata
	return res
}

func (r *run) batchError(t Target, err error) *validation.Result {
	return r.newResult(t, nil, []issue.Issue{issue.New(issue.TypeBatchProcessingError, "",
		err.Error(), map[string]any{"code": string(fault.CodeOf(err))})}, err)
}

func (r *run) newResult(t Target, status *int, issues []issue.Issue, cause error) *validation.Result {
	res := validation.NewResult(t.Path, t.Method, status, issues, r.clock())
	res.Cause = cause
	return res
}

func key(t Target) string {
	return strings.ToUpper(t.Method) + " " + t.Path
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
