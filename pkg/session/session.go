// Package session implements the Session Runtime and Registry. A session
// exclusively owns its drivers, screen source and detectors; every unit
// of work runs on its single worker, one at a time, in submission order
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/detector/xpath"
	"github.com/devicelab-dev/optics-runner/pkg/events"
	"github.com/devicelab-dev/optics-runner/pkg/locate"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
	"github.com/devicelab-dev/optics-runner/pkg/store"
	"github.com/devicelab-dev/optics-runner/pkg/util/call"
)

type (
	// Session is one live automation context
	Session struct {
		id        string
		cfg       *config.SessionConfig
		createdAt time.Time

		drivers   []core.ActionDriver
		screen    *trackedSource
		owned     []owned
		detectors []core.Detector
		resolver  *locate.Resolver
		events    events.Publisher
		store     store.Store
		log       *slog.Logger
		onLost    func()

		ctx        context.Context
		cancel     context.CancelCauseFunc
		queue      chan *job
		done       chan struct{}
		maxPending int32
		pending    atomic.Int32
		started    sync.Once
		closeOnce  sync.Once

		mu     sync.RWMutex
		status core.SessionStatus
		vars   map[string]any
	}

	// Task is one unit of work executed by the session worker. The context
	// ends on timeout, caller cancellation or session termination
	Task func(ctx context.Context) *core.ExecutionResult

	// Info is the externally visible summary of a session
	Info struct {
		ID               string             `json:"session_id"`
		Status           core.SessionStatus `json:"status"`
		CreatedAt        time.Time          `json:"created_at"`
		DriverSources    []string           `json:"driver_sources"`
		DetectionSources []string           `json:"detection_sources"`
		ScreenSource     string             `json:"screen_source"`
		ProjectPath      string             `json:"project_path,omitempty"`
		Pending          int                `json:"pending"`
		Variables        []string           `json:"variables,omitempty"`
	}

	job struct {
		ctx     context.Context
		timeout time.Duration
		task    Task
		record  bool
		done    chan *core.ExecutionResult
	}

	owned struct {
		name  string
		close func() error
	}
)

const storeTimeout = 5 * time.Second

func newSession(
	id string, cfg *config.SessionConfig, drivers []core.ActionDriver,
	screen core.ScreenSource, detectors []core.Detector, owned []owned,
	deps deps,
) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())

	vars := make(map[string]any, len(cfg.Variables))
	for k, v := range cfg.Variables {
		vars[k] = v
	}

	return &Session{
		id:         id,
		cfg:        cfg,
		createdAt:  time.Now(),
		drivers:    drivers,
		screen:     &trackedSource{ScreenSource: screen},
		owned:      owned,
		detectors:  detectors,
		resolver:   deps.resolver,
		events:     deps.events,
		store:      deps.store,
		log:        deps.log.With(logger.SessionID(id)),
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan *job, cfg.MaxPending),
		done:       make(chan struct{}),
		maxPending: int32(cfg.MaxPending),
		status:     core.SessionCreated,
		vars:       vars,
	}
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Config returns the effective configuration
func (s *Session) Config() *config.SessionConfig { return s.cfg }

// CreatedAt returns the creation time
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Logger returns a logger carrying the session id
func (s *Session) Logger() *slog.Logger { return s.log }

// Done is closed once the session has stopped accepting work
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current lifecycle state
func (s *Session) Status() core.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Info summarizes the session
func (s *Session) Info() Info {
	s.mu.RLock()
	status := s.status
	vars := make([]string, 0, len(s.vars))
	for k := range s.vars {
		vars = append(vars, k)
	}
	s.mu.RUnlock()
	sort.Strings(vars)

	drivers := make([]string, len(s.drivers))
	for i, d := range s.drivers {
		drivers[i] = d.Name()
	}
	dets := make([]string, len(s.detectors))
	for i, d := range s.detectors {
		dets[i] = d.Name()
	}
	return Info{
		ID:               s.id,
		Status:           status,
		CreatedAt:        s.createdAt,
		DriverSources:    drivers,
		DetectionSources: dets,
		ScreenSource:     s.screen.Name(),
		ProjectPath:      s.cfg.ProjectPath,
		Pending:          int(s.pending.Load()),
		Variables:        vars,
	}
}

// Publish sends an event on the session's stream
func (s *Session) Publish(typ events.Type, data map[string]any) {
	if s.events != nil {
		s.events.Publish(s.id, events.New(typ, data))
	}
}

// NewResult starts an ExecutionResult for this session
func (s *Session) NewResult(keyword string, params []string) *core.ExecutionResult {
	return &core.ExecutionResult{
		ExecutionID: uuid.NewString(),
		SessionID:   s.id,
		Keyword:     keyword,
		Params:      params,
		StartedAt:   time.Now(),
	}
}

// Submit queues task and waits for its result. The task runs with the
// given timeout once it reaches the front of the queue; its result is
// appended to the execution log. Submissions beyond max_pending waiting
// jobs fail immediately with SessionBusyError
func (s *Session) Submit(ctx context.Context, timeout time.Duration, task Task) (*core.ExecutionResult, error) {
	return s.enqueue(ctx, timeout, task, true)
}

// Do runs fn on the session worker without recording it in the log
func (s *Session) Do(
	ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (any, error),
) (any, error) {
	res, err := s.enqueue(ctx, timeout, func(ctx context.Context) *core.ExecutionResult {
		r := s.NewResult("", nil)
		data, err := fn(ctx)
		return r.Complete(data, err)
	}, false)
	if err != nil {
		return nil, err
	}
	return res.Data, res.Err
}

func (s *Session) enqueue(ctx context.Context, timeout time.Duration, task Task, record bool) (*core.ExecutionResult, error) {
	j := &job{
		ctx:     ctx,
		timeout: timeout,
		task:    task,
		record:  record,
		done:    make(chan *core.ExecutionResult, 1),
	}

	s.mu.RLock()
	if s.status.IsTerminal() {
		s.mu.RUnlock()
		return nil, s.terminatedError()
	}
	if !s.reserve() {
		s.mu.RUnlock()
		return nil, core.ErrSessionBusy.
			WithMessagef("session %s has %d jobs waiting", s.id, s.maxPending).
			WithDetails(map[string]any{"session_id": s.id, "max_pending": s.maxPending})
	}
	s.queue <- j
	s.mu.RUnlock()

	select {
	case res := <-j.done:
		return res, nil
	case <-ctx.Done():
		return nil, core.TimeoutFromContext(ctx)
	case <-s.done:
		select {
		case res := <-j.done:
			return res, nil
		default:
			return nil, s.terminatedError()
		}
	}
}

func (s *Session) reserve() bool {
	for {
		n := s.pending.Load()
		if n >= s.maxPending {
			return false
		}
		if s.pending.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Session) start() {
	s.started.Do(func() {
		s.setStatus(core.SessionRunning)
		go s.run()
	})
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.queue:
			s.pending.Add(-1)
			s.execute(j)
		}
	}
}

func (s *Session) execute(j *job) {
	if j.ctx.Err() != nil || s.ctx.Err() != nil {
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if j.timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, j.timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(j.ctx, cancel)
	defer stop()
	defer cancel()

	s.setStatus(core.SessionRunning)
	res := s.safeRun(ctx, j.task)
	s.setStatus(core.SessionIdle)

	if j.record {
		s.appendLog(res)
	}
	j.done <- res
}

func (s *Session) safeRun(ctx context.Context, task Task) (res *core.ExecutionResult) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("Session task panicked", slog.Any("panic", p))
			res = s.NewResult("", nil).Complete(nil,
				core.NewExecutionError(core.ErrCategoryDriver, "panic", fmt.Sprintf("task panicked: %v", p)),
			)
		}
	}()
	res = task(ctx)
	if res == nil {
		res = s.NewResult("", nil).Complete(nil, nil)
	}
	return res
}

func (s *Session) appendLog(res *core.ExecutionResult) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.Append(ctx, s.id, res); err != nil {
		s.log.Warn("Failed to append execution log",
			logger.ExecutionID(res.ExecutionID), logger.Error(err))
	}
}

// Executions returns the execution log in append order
func (s *Session) Executions(ctx context.Context) ([]*core.ExecutionResult, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.List(ctx, s.id)
}

func (s *Session) setStatus(status core.SessionStatus) {
	s.mu.Lock()
	if s.status == status || s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = status
	s.mu.Unlock()

	s.Publish(events.SessionStatusChanged, map[string]any{
		"from": prev.String(),
		"to":   status.String(),
	})
}

func (s *Session) terminatedError() error {
	return core.ErrSessionTerminated.
		WithMessagef("session %s is terminated", s.id).
		WithDetails(map[string]any{"session_id": s.id})
}

// Var returns a session variable
func (s *Session) Var(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// SetVar binds a session variable. Only the session worker mutates
// variables
func (s *Session) SetVar(name string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = v
}

// Vars returns a copy of every variable
func (s *Session) Vars() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.vars)
}

// Resolve locates desc on the current screen using the session's
// detectors in priority order
func (s *Session) Resolve(
	ctx context.Context, desc core.ElementDescriptor, timeout time.Duration, obs locate.Observer,
) (*core.Match, error) {
	return s.resolver.Resolve(ctx, locate.Request{
		Descriptor: desc,
		Timeout:    timeout,
		Source:     s.screen,
		Detectors:  s.detectors,
		Observer:   obs,
	})
}

// ElementTimeout returns the configured resolution timeout
func (s *Session) ElementTimeout() time.Duration {
	return s.cfg.Timeout()
}

// Perform runs action on the first driver that accepts it. A match from
// an older capture than the latest is rejected as stale. When every
// driver fails with a connection error the session terminates itself
func (s *Session) Perform(ctx context.Context, a core.Action, m *core.Match) error {
	if m != nil {
		if latest := s.screen.Latest(); m.CaptureID != latest {
			return core.ErrStaleMatch.
				WithMessagef("match from capture %d is stale, latest capture is %d", m.CaptureID, latest).
				WithDetails(map[string]any{"capture_id": m.CaptureID, "latest": latest})
		}
	}

	var (
		errs []error
		lost int
	)
	for _, d := range s.drivers {
		err := call.RaceErr(ctx, func() error {
			return d.Perform(ctx, a, m)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return core.TimeoutFromContext(ctx)
		}
		s.log.Warn("Driver action failed",
			slog.String("driver", d.Name()),
			slog.String("action", a.Kind.String()),
			logger.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		if core.CategoryOf(err) == core.ErrCategoryConnection {
			lost++
		}
	}

	if lost == len(s.drivers) && lost > 0 {
		s.log.Error("Every driver lost its connection, terminating session")
		s.lostConnection()
		return core.ErrDeviceDisconnected.
			WithCause(errors.Join(errs...)).
			WithMessage("every driver lost its connection")
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

func (s *Session) lostConnection() {
	if s.onLost != nil {
		go s.onLost()
	}
}

// Capture takes one snapshot from the screen source
func (s *Session) Capture(ctx context.Context, req core.CaptureRequest) (*core.ScreenState, error) {
	if !s.screen.Provides().Satisfies(req) {
		return nil, core.ErrConfiguration.WithMessagef("screen source %s cannot provide %+v", s.screen.Name(), req)
	}
	return call.Race(ctx, func() (*core.ScreenState, error) {
		return s.screen.Capture(ctx, req)
	})
}

// Screenshot captures the current screen image on the session worker
func (s *Session) Screenshot(ctx context.Context, timeout time.Duration) ([]byte, error) {
	v, err := s.Do(ctx, timeout, func(ctx context.Context) (any, error) {
		st, err := s.Capture(ctx, core.CaptureRequest{Screenshot: true})
		if err != nil {
			return nil, err
		}
		return st.Screenshot, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Source captures the raw UI tree on the session worker
func (s *Session) Source(ctx context.Context, timeout time.Duration) (string, error) {
	v, err := s.Do(ctx, timeout, func(ctx context.Context) (any, error) {
		st, err := s.Capture(ctx, core.CaptureRequest{Source: true})
		if err != nil {
			return nil, err
		}
		return st.Source, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Elements lists the interactive elements of the current UI tree
func (s *Session) Elements(ctx context.Context, timeout time.Duration) ([]core.InteractiveElement, error) {
	src, err := s.Source(ctx, timeout)
	if err != nil {
		return nil, err
	}
	tree, err := xpath.Parse(src)
	if err != nil {
		return nil, core.ErrDriver.WithCause(err).WithMessage("cannot parse UI tree")
	}
	return tree.Interactive(), nil
}

// terminate stops the worker, fails queued work and releases every owned
// resource. Only the Registry calls it
func (s *Session) terminate(ctx context.Context, retention time.Duration) error {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return s.terminatedError()
	}
	prev := s.status
	s.status = core.SessionTerminated
	s.mu.Unlock()

	s.cancel(s.terminatedError())
	s.started.Do(func() { close(s.done) })
	select {
	case <-s.done:
	case <-ctx.Done():
		s.log.Warn("Session worker did not stop before deadline")
	}

	err := s.release()

	s.Publish(events.SessionStatusChanged, map[string]any{
		"from": prev.String(),
		"to":   core.SessionTerminated.String(),
	})
	s.Publish(events.SessionTerminated, map[string]any{"reason": "terminated"})

	if s.store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if xerr := s.store.Expire(sctx, s.id, retention); xerr != nil {
			s.log.Warn("Failed to expire execution log", logger.Error(xerr))
		}
	}
	return err
}

// release closes every owned driver and source, regardless of earlier
// failures
func (s *Session) release() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, o := range s.owned {
			if err := o.close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", o.name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// trackedSource records the latest capture id so stale matches can be
// rejected before acting
type trackedSource struct {
	core.ScreenSource
	latest atomic.Uint64
}

func (t *trackedSource) Capture(ctx context.Context, req core.CaptureRequest) (*core.ScreenState, error) {
	st, err := t.ScreenSource.Capture(ctx, req)
	if err == nil && st != nil {
		t.latest.Store(st.CaptureID)
	}
	return st, err
}

// Latest returns the id of the most recent capture
func (t *trackedSource) Latest() uint64 {
	return t.latest.Load()
}
