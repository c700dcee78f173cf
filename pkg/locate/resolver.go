// Package locate implements element resolution: one capture per cycle,
// detectors tried in priority order, first match wins, bounded backoff
// between cycles until the timeout elapses
package locate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
	"github.com/devicelab-dev/optics-runner/pkg/util/call"
)

type (
	// Resolver finds elements on screen
	Resolver struct {
		backoff  BackoffConfig
		tracer   trace.Tracer
		outcomes metric.Int64Counter
		log      *slog.Logger
	}

	// BackoffConfig bounds the wait between cycles
	BackoffConfig struct {
		Initial    time.Duration
		Max        time.Duration
		Multiplier float64
	}

	// Request is one resolution
	Request struct {
		Descriptor core.ElementDescriptor
		Timeout    time.Duration // Zero runs exactly one cycle
		Source     core.ScreenSource
		Detectors  []core.Detector // Priority order
		Observer   Observer
	}

	// Observer is told about every outcome as it is recorded
	Observer func(core.StrategyOutcome)

	// Option configures a Resolver
	Option func(*Resolver)
)

const instrumentation = "github.com/devicelab-dev/optics-runner/pkg/locate"

// DefaultBackoff is the wait policy between resolution cycles
var DefaultBackoff = BackoffConfig{
	Initial:    200 * time.Millisecond,
	Max:        2 * time.Second,
	Multiplier: 1.5,
}

// WithBackoff overrides the wait policy
func WithBackoff(cfg BackoffConfig) Option {
	return func(r *Resolver) {
		r.backoff = cfg
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.log = l
	}
}

// WithTracer sets the tracer
func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) {
		r.tracer = t
	}
}

// NewResolver creates a Resolver using the global OpenTelemetry providers
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		backoff: DefaultBackoff,
		tracer:  otel.Tracer(instrumentation),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	counter, err := otel.Meter(instrumentation).Int64Counter(
		"optics.resolve.outcomes",
		metric.WithDescription("Detector outcomes recorded during element resolution"),
	)
	if err == nil {
		r.outcomes = counter
	}
	return r
}

// Resolve finds req.Descriptor. It returns the first Found match of the
// highest-priority detector in the first cycle that finds anything, an
// ElementNotFoundError when the timeout elapses, or the cancellation
// cause if ctx ends first
func (r *Resolver) Resolve(ctx context.Context, req Request) (*core.Match, error) {
	if req.Descriptor.IsZero() {
		return nil, core.ErrInvalidArgument.WithMessage("empty element descriptor")
	}
	if len(req.Detectors) == 0 {
		return nil, core.ErrConfiguration.WithMessage("no detectors enabled")
	}
	if req.Source == nil {
		return nil, core.ErrConfiguration.WithMessage("no screen source bound")
	}

	ctx, span := r.tracer.Start(ctx, "locate.resolve",
		trace.WithAttributes(
			attribute.String("locate.element", req.Descriptor.Name()),
			attribute.Int("locate.index", req.Descriptor.Index()),
			attribute.Int("locate.detectors", len(req.Detectors)),
			attribute.Int64("locate.timeout_ms", req.Timeout.Milliseconds()),
		),
	)
	defer span.End()

	m, err := r.resolve(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "element not resolved")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("locate.strategy", m.Strategy),
		attribute.Int64("locate.capture_id", int64(m.CaptureID)),
	)
	return m, nil
}

func (r *Resolver) resolve(parent context.Context, req Request) (*core.Match, error) {
	ctx := parent
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, req.Timeout)
		defer cancel()
	}

	capReq := captureFor(req.Source, req.Detectors)
	bo := r.newBackOff()

	start := time.Now()
	var outcomes []core.StrategyOutcome
	record := func(o core.StrategyOutcome) {
		outcomes = append(outcomes, o)
		r.count(ctx, o)
		if req.Observer != nil {
			req.Observer(o)
		}
	}

	cycle := 0
	for {
		cycle++
		state, err := call.Race(ctx, func() (*core.ScreenState, error) {
			return req.Source.Capture(ctx, capReq)
		})
		if parent.Err() != nil {
			return nil, core.TimeoutFromContext(parent)
		}

		if err != nil {
			reason := fmt.Sprintf("capture failed: %v", err)
			for _, det := range req.Detectors {
				record(core.StrategyOutcome{
					Detector: det.Name(),
					Cycle:    cycle,
					Kind:     core.OutcomeErrored,
					Reason:   reason,
					Err:      err,
				})
			}
		} else {
			for _, det := range req.Detectors {
				o := r.attempt(ctx, det, req.Descriptor, state, cycle)
				record(o)
				if o.Kind == core.OutcomeFound {
					r.log.Debug("element resolved",
						slog.String("element", req.Descriptor.Name()),
						logger.Strategy(det.Name()),
						slog.Int("cycle", cycle))
					return o.Match, nil
				}
			}
		}

		if parent.Err() != nil {
			return nil, core.TimeoutFromContext(parent)
		}
		if req.Timeout <= 0 || ctx.Err() != nil {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if dl, ok := ctx.Deadline(); ok {
			wait = min(wait, time.Until(dl))
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		if parent.Err() != nil {
			return nil, core.TimeoutFromContext(parent)
		}
		if ctx.Err() != nil {
			break
		}
	}

	r.log.Debug("element not found",
		slog.String("element", req.Descriptor.Name()),
		slog.Int("cycles", cycle))
	return nil, &core.ElementNotFoundError{
		Descriptor: req.Descriptor,
		Outcomes:   outcomes,
		Cycles:     cycle,
		Elapsed:    time.Since(start),
	}
}

func (r *Resolver) attempt(
	ctx context.Context, det core.Detector, desc core.ElementDescriptor,
	state *core.ScreenState, cycle int,
) core.StrategyOutcome {
	started := time.Now()
	o := core.StrategyOutcome{
		Detector:  det.Name(),
		Cycle:     cycle,
		CaptureID: state.CaptureID,
	}

	targets := desc.TargetsFor(det)
	if len(targets) == 0 {
		o.Kind = core.OutcomeNotFound
		o.Reason = "no target this detector can handle"
		return finish(o, started)
	}

	var candidates []core.Match
	var errs []error
	for _, t := range targets {
		ms, err := call.Race(ctx, func() ([]core.Match, error) {
			return det.Locate(ctx, t, state)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		for _, m := range ms {
			m.Strategy = det.Name()
			m.Target = t
			m.CaptureID = state.CaptureID
			if m.Timestamp.IsZero() {
				m.Timestamp = state.CapturedAt
			}
			candidates = append(candidates, m)
		}
	}

	if len(candidates) == 0 {
		if len(errs) > 0 {
			o.Kind = core.OutcomeErrored
			o.Err = errors.Join(errs...)
			o.Reason = o.Err.Error()
			return finish(o, started)
		}
		o.Kind = core.OutcomeNotFound
		return finish(o, started)
	}

	idx := desc.Index()
	if idx >= len(candidates) {
		o.Kind = core.OutcomeErrored
		o.Err = core.ErrIndexOutOfRange.
			WithMessagef("index %d out of range, %d candidate(s)", idx, len(candidates)).
			WithDetails(map[string]any{"index": idx, "candidates": len(candidates)})
		o.Reason = o.Err.Error()
		return finish(o, started)
	}

	m := candidates[idx]
	o.Kind = core.OutcomeFound
	o.Match = &m
	return finish(o, started)
}

func finish(o core.StrategyOutcome, started time.Time) core.StrategyOutcome {
	o.Elapsed = time.Since(started)
	return o
}

func (r *Resolver) count(ctx context.Context, o core.StrategyOutcome) {
	if r.outcomes == nil {
		return
	}
	r.outcomes.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("detector", o.Detector),
		attribute.String("outcome", o.Kind.String()),
	))
}

func (r *Resolver) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoff.Initial
	bo.MaxInterval = r.backoff.Max
	bo.Multiplier = r.backoff.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// captureFor asks for the union of what the detectors need, limited to
// what the source can provide
func captureFor(src core.ScreenSource, dets []core.Detector) core.CaptureRequest {
	var need core.CaptureRequest
	for _, d := range dets {
		need = need.Merge(d.Needs())
	}
	provides := src.Provides()
	return core.CaptureRequest{
		Screenshot: need.Screenshot && provides.Screenshot,
		Source:     need.Source && provides.Source,
	}
}
