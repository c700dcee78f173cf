// Package executor runs keywords against a session: parameter expansion,
// element resolution, driver actions, control flow and the events that
// report each invocation
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/data"
	"github.com/devicelab-dev/optics-runner/pkg/events"
	"github.com/devicelab-dev/optics-runner/pkg/expr"
	"github.com/devicelab-dev/optics-runner/pkg/locate"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
)

type (
	// Session is what the Runner needs from a live session
	Session interface {
		ID() string
		Config() *config.SessionConfig
		Logger() *slog.Logger
		Publish(typ events.Type, data map[string]any)
		NewResult(keyword string, params []string) *core.ExecutionResult

		Resolve(ctx context.Context, desc core.ElementDescriptor, timeout time.Duration, obs locate.Observer) (*core.Match, error)
		ElementTimeout() time.Duration
		Perform(ctx context.Context, a core.Action, m *core.Match) error
		Capture(ctx context.Context, req core.CaptureRequest) (*core.ScreenState, error)

		Var(name string) (any, bool)
		SetVar(name string, v any)
	}

	// Runner executes keywords for exactly one session. It is not safe for
	// concurrent use; run it on the session worker
	Runner struct {
		sess      Session
		reader    *data.Reader
		artifacts string
		maxDepth  int
		tracer    trace.Tracer
		runs      metric.Int64Counter
		log       *slog.Logger
	}

	// Options configures a Runner
	Options struct {
		// ArtifactsDir receives diagnostic screenshots of failed keywords.
		// Empty disables them
		ArtifactsDir string

		// Reader serves read_data, defaults to one rooted at the project
		Reader *data.Reader

		// MaxDepth bounds module nesting
		MaxDepth int

		Tracer trace.Tracer
	}

	// Phase is the progress of one invocation
	Phase string

	invocation struct {
		ctx     context.Context
		keyword *keyword
		result  *core.ExecutionResult
		args    []string
		depth   int
		phase   Phase
		span    trace.Span
	}
)

const (
	PhasePending   Phase = "pending"
	PhaseResolving Phase = "resolving"
	PhaseActing    Phase = "acting"
	PhaseCompleted Phase = "completed"
)

const (
	instrumentation = "github.com/devicelab-dev/optics-runner/pkg/executor"

	DefaultMaxDepth = 32
	diagnoseTimeout = 5 * time.Second
)

var varPattern = regexp.MustCompile(`\$\{\s*([^}]*?)\s*\}`)

// NewRunner creates a Runner bound to sess
func NewRunner(sess Session, opts Options) *Runner {
	if opts.Reader == nil {
		opts.Reader = data.NewReader(sess.Config().ProjectPath)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentation)
	}
	r := &Runner{
		sess:      sess,
		reader:    opts.Reader,
		artifacts: opts.ArtifactsDir,
		maxDepth:  opts.MaxDepth,
		tracer:    opts.Tracer,
		log:       sess.Logger(),
	}
	counter, err := otel.Meter(instrumentation).Int64Counter(
		"optics.keyword.executions",
		metric.WithDescription("Keyword invocations by keyword and status"),
	)
	if err == nil {
		r.runs = counter
	}
	return r
}

// Execute runs one keyword. Failures never escape as errors: they are
// reported in the result with FAILURE for missing elements and failed
// assertions and ERROR for everything else
func (r *Runner) Execute(ctx context.Context, keyword string, params []string) *core.ExecutionResult {
	return r.invoke(ctx, nil, keyword, params)
}

func (r *Runner) invoke(ctx context.Context, parent *invocation, name string, params []string) *core.ExecutionResult {
	inv := &invocation{
		result: r.sess.NewResult(name, params),
		phase:  PhasePending,
	}
	if parent != nil {
		inv.result.ParentID = parent.result.ExecutionID
		inv.depth = parent.depth + 1
	}

	ctx, span := r.tracer.Start(ctx, "executor.keyword",
		trace.WithAttributes(
			attribute.String("optics.keyword", name),
			attribute.String("optics.execution_id", inv.result.ExecutionID),
			attribute.Int("optics.depth", inv.depth),
		),
	)
	defer span.End()
	inv.ctx, inv.span = ctx, span

	r.sess.Publish(events.ActionStarted, map[string]any{
		"execution_id": inv.result.ExecutionID,
		"parent_id":    inv.result.ParentID,
		"keyword":      name,
		"params":       params,
	})

	out, err := r.dispatch(inv, name, params)
	res := inv.result.Complete(out, err)
	failedIn := inv.phase
	inv.enter(PhaseCompleted)

	if err != nil && inv.keyword != nil && !inv.keyword.control {
		res.Screenshot = r.diagnose(ctx, res)
	}
	r.finish(inv, failedIn)
	return res
}

func (r *Runner) dispatch(inv *invocation, name string, params []string) (any, error) {
	k, ok := lookup(name)
	if !ok {
		return nil, core.ErrUnknownKeyword.
			WithMessagef("unknown keyword %q", name).
			WithDetails(map[string]any{"keyword": name})
	}
	inv.keyword = k
	inv.result.Keyword = k.name

	if inv.depth > r.maxDepth {
		return nil, errInvalid("module nesting deeper than %d", r.maxDepth)
	}
	if err := k.checkArity(len(params)); err != nil {
		return nil, err
	}

	args := params
	if !k.control {
		n := min(k.bind, len(params))
		rest, err := r.expand(inv.ctx, params[n:])
		if err != nil {
			return nil, err
		}
		args = append(append(make([]string, 0, len(params)), params[:n]...), rest...)
	}
	inv.args = args
	if err := inv.ctx.Err(); err != nil {
		return nil, core.TimeoutFromContext(inv.ctx)
	}
	return k.run(r, inv)
}

func (r *Runner) finish(inv *invocation, failedIn Phase) {
	res := inv.result
	payload := map[string]any{
		"execution_id": res.ExecutionID,
		"parent_id":    res.ParentID,
		"keyword":      res.Keyword,
		"status":       res.Status.String(),
		"duration_ms":  res.Duration.Milliseconds(),
	}
	if res.Error != nil {
		payload["error"] = res.Error
		payload["phase"] = string(failedIn)
	}
	if res.Screenshot != "" {
		payload["screenshot"] = res.Screenshot
	}
	r.sess.Publish(events.ActionCompleted, payload)

	inv.span.SetAttributes(attribute.String("optics.status", res.Status.String()))
	if res.Err != nil {
		inv.span.RecordError(res.Err)
		inv.span.SetStatus(codes.Error, res.Error.Code)
	}
	if r.runs != nil {
		r.runs.Add(context.WithoutCancel(inv.ctx), 1, metric.WithAttributes(
			attribute.String("keyword", res.Keyword),
			attribute.String("status", res.Status.String()),
		))
	}

	attrs := []any{
		logger.ExecutionID(res.ExecutionID),
		logger.Keyword(res.Keyword),
		logger.Status(res.Status),
		logger.Duration(res.Duration),
	}
	if res.Err != nil {
		r.log.Warn("Keyword did not succeed", append(attrs, logger.Error(res.Err))...)
		return
	}
	r.log.Debug("Keyword completed", attrs...)
}

func (inv *invocation) enter(p Phase) {
	if inv.phase == p {
		return
	}
	inv.phase = p
	inv.span.AddEvent(string(p))
}

func (inv *invocation) arg(i int) string {
	if i < len(inv.args) {
		return inv.args[i]
	}
	return ""
}

// diagnose saves a screenshot of the screen a keyword failed on and
// returns its path. Rejected parameters never touched the screen
func (r *Runner) diagnose(ctx context.Context, res *core.ExecutionResult) string {
	if r.artifacts == "" ||
		errors.Is(res.Err, core.ErrSessionTerminated) ||
		errors.Is(res.Err, core.ErrInvalidArgument) {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnoseTimeout)
	defer cancel()

	st, err := r.sess.Capture(ctx, core.CaptureRequest{Screenshot: true})
	if err != nil {
		r.log.Debug("Diagnostic screenshot unavailable", logger.Error(err))
		return ""
	}
	path, err := r.saveScreenshot(res.ExecutionID, st.Screenshot)
	if err != nil {
		r.log.Warn("Failed to save diagnostic screenshot", logger.Error(err))
		return ""
	}
	return path
}

func (r *Runner) saveScreenshot(name string, img []byte) (string, error) {
	dir := filepath.Join(r.artifacts, r.sess.ID())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	path := filepath.Join(dir, name+".png")
	if err := os.WriteFile(path, img, 0o600); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

// expand replaces ${name} references with session variables or, failing
// that, with the first identifier of a project element
func (r *Runner) expand(ctx context.Context, params []string) ([]string, error) {
	res := make([]string, len(params))
	for i, p := range params {
		s, err := r.expandOne(ctx, p)
		if err != nil {
			return nil, err
		}
		res[i] = s
	}
	return res, nil
}

func (r *Runner) expandOne(ctx context.Context, s string) (string, error) {
	var firstErr error
	out := varPattern.ReplaceAllStringFunc(s, func(ref string) string {
		if firstErr != nil {
			return ref
		}
		name := varPattern.FindStringSubmatch(ref)[1]
		v, ok, err := r.lookup(ctx, name)
		switch {
		case err != nil:
			firstErr = err
		case ok:
			return expr.Format(v)
		default:
			if ids, found := r.sess.Config().Elements[name]; found && len(ids) > 0 {
				return ids[0]
			}
			firstErr = core.ErrInvalidArgument.
				WithMessagef("unknown variable %q", name).
				WithDetails(map[string]any{"variable": name})
		}
		return ref
	})
	return out, firstErr
}

// lookup reads a variable for substitution and evaluation. A data
// sequence holding exactly one value stands for that value
func (r *Runner) lookup(ctx context.Context, name string) (any, bool, error) {
	v, ok := r.sess.Var(name)
	if !ok {
		return nil, false, nil
	}
	seq, isSeq := v.(*data.Sequence)
	if !isSeq {
		return v, true, nil
	}
	values, err := seq.Values(ctx)
	if err != nil {
		return nil, true, err
	}
	if len(values) == 1 {
		return values[0], true, nil
	}
	return values, true, nil
}

// lookupList reads a variable as run_loop iterates it: data sequences are
// always lists, whatever their length
func (r *Runner) lookupList(ctx context.Context, name string) (any, bool, error) {
	v, ok := r.sess.Var(name)
	if !ok {
		return nil, false, nil
	}
	if seq, isSeq := v.(*data.Sequence); isSeq {
		values, err := seq.Values(ctx)
		if err != nil {
			return nil, true, err
		}
		return values, true, nil
	}
	return v, true, nil
}

// eval evaluates src with session variables in scope. A data source that
// fails to load is reported instead of the resulting unknown variable
func (r *Runner) eval(ctx context.Context, src string) (any, error) {
	return r.evalWith(ctx, src, nil)
}

// evalWith is eval with locals shadowing session variables
func (r *Runner) evalWith(ctx context.Context, src string, locals map[string]any) (any, error) {
	var loadErr error
	env := expr.EnvFunc(func(name string) (any, bool) {
		if v, ok := locals[name]; ok {
			return v, true
		}
		v, ok, err := r.lookup(ctx, name)
		if err != nil {
			if loadErr == nil {
				loadErr = err
			}
			return nil, false
		}
		return v, ok
	})
	v, err := expr.Eval(src, env)
	if loadErr != nil {
		return nil, loadErr
	}
	return v, err
}

func errInvalid(format string, args ...any) *core.ExecutionError {
	return core.ErrInvalidArgument.WithMessagef(format, args...)
}
