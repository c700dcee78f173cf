package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/events"
	"github.com/devicelab-dev/optics-runner/pkg/locate"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
	"github.com/devicelab-dev/optics-runner/pkg/store"
)

type (
	// Registry owns every live session of the process
	Registry struct {
		opts Options
		deps deps

		mu         sync.Mutex
		sessions   map[string]*Session
		tombstones map[string]time.Time
	}

	// Options configures a Registry
	Options struct {
		Factories *Factories
		Bus       *events.Bus
		Store     store.Store
		Resolver  *locate.Resolver
		Logger    *slog.Logger

		// Base is merged under every creation request
		Base *config.SessionConfig

		// Retention is how long terminated ids keep answering
		// SessionTerminatedError instead of SessionNotFoundError
		Retention time.Duration

		// StopTimeout bounds how long termination waits for the worker
		StopTimeout time.Duration
	}

	deps struct {
		resolver *locate.Resolver
		events   events.Publisher
		store    store.Store
		log      *slog.Logger
	}
)

const DefaultStopTimeout = 10 * time.Second

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.Factories == nil {
		opts.Factories = DefaultFactories()
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(events.Options{})
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Resolver == nil {
		opts.Resolver = locate.NewResolver()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retention == 0 {
		opts.Retention = config.DefaultTerminatedRetention
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Registry{
		opts: opts,
		deps: deps{
			resolver: opts.Resolver,
			events:   opts.Bus,
			store:    opts.Store,
			log:      opts.Logger,
		},
		sessions:   map[string]*Session{},
		tombstones: map[string]time.Time{},
	}
}

// Bus returns the event bus sessions publish to
func (r *Registry) Bus() *events.Bus { return r.opts.Bus }

// Store returns the execution log store
func (r *Registry) Store() store.Store { return r.opts.Store }

// Create validates cfg, builds the session's exclusive resources and
// registers it. On any failure everything built so far is closed and no
// session is registered
func (r *Registry) Create(ctx context.Context, cfg *config.SessionConfig) (string, error) {
	merged := config.Merge(r.opts.Base, cfg).WithDefaults()
	if err := merged.Validate(); err != nil {
		return "", err
	}
	if err := r.opts.Factories.Check(merged); err != nil {
		return "", err
	}

	id := uuid.NewString()
	s, err := r.build(ctx, id, merged)
	if err != nil {
		return "", err
	}

	r.opts.Bus.Open(id)
	s.onLost = func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.StopTimeout)
		defer cancel()
		if err := r.Terminate(ctx, id); err != nil && !errors.Is(err, core.ErrSessionTerminated) {
			s.log.Warn("Self-termination failed", logger.Error(err))
		}
	}

	r.mu.Lock()
	r.sweepLocked(time.Now())
	r.sessions[id] = s
	r.mu.Unlock()

	s.Publish(events.SessionCreated, map[string]any{
		"driver_sources":    merged.DriverSources,
		"detection_sources": merged.DetectionSources,
		"screen_source":     s.screen.Name(),
	})
	s.start()

	s.log.Info("Session created",
		slog.Any("drivers", merged.DriverSources),
		slog.Any("detectors", merged.DetectionSources),
		slog.String("screen", s.screen.Name()))
	return id, nil
}

func (r *Registry) build(ctx context.Context, id string, cfg *config.SessionConfig) (_ *Session, err error) {
	var own []owned
	defer func() {
		if err == nil {
			return
		}
		for i := len(own) - 1; i >= 0; i-- {
			if cerr := own[i].close(); cerr != nil {
				r.opts.Logger.Warn("Failed to close partially built session resource",
					slog.String("resource", own[i].name), logger.Error(cerr))
			}
		}
	}()

	drivers := make([]core.ActionDriver, 0, len(cfg.DriverSources))
	for _, name := range cfg.DriverSources {
		d, derr := r.opts.Factories.Drivers[key(name)](ctx, cfg)
		if derr != nil {
			return nil, creationError("driver", name, derr)
		}
		own = append(own, owned{name: "driver " + d.Name(), close: d.Close})
		drivers = append(drivers, d)
	}

	screen, serr := r.screenSource(ctx, cfg, drivers)
	if serr != nil {
		return nil, serr
	}
	if !isDriver(drivers, screen) {
		own = append(own, owned{name: "source " + screen.Name(), close: screen.Close})
	}

	detectors := make([]core.Detector, 0, len(cfg.DetectionSources))
	for _, name := range cfg.DetectionSources {
		d, derr := r.opts.Factories.Detectors[key(name)](ctx, cfg)
		if derr != nil {
			return nil, creationError("detector", name, derr)
		}
		if !screen.Provides().Satisfies(d.Needs()) {
			return nil, core.ErrConfiguration.WithMessagef(
				"detector %s cannot run on screen source %s", d.Name(), screen.Name(),
			)
		}
		detectors = append(detectors, d)
	}

	return newSession(id, cfg, drivers, screen, detectors, own, r.deps), nil
}

func (r *Registry) screenSource(
	ctx context.Context, cfg *config.SessionConfig, drivers []core.ActionDriver,
) (core.ScreenSource, error) {
	name := key(cfg.ScreenSource)
	for _, d := range drivers {
		src, ok := d.(core.ScreenSource)
		if ok && (name == "" || key(d.Name()) == name) {
			return src, nil
		}
	}
	if name == "" {
		return nil, core.ErrConfiguration.WithMessage(
			"no driver can capture the screen; set screen_source to a capture source",
		)
	}
	f, ok := r.opts.Factories.Sources[name]
	if !ok {
		return nil, core.ErrConfiguration.WithMessagef("screen source %q cannot capture", cfg.ScreenSource)
	}
	src, err := f(ctx, cfg)
	if err != nil {
		return nil, creationError("screen source", name, err)
	}
	return src, nil
}

// Get returns a live session
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	return nil, r.missingLocked(id)
}

// Terminate stops a session and releases its resources. The id answers
// SessionTerminatedError for the retention window afterwards
func (r *Registry) Terminate(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		err := r.missingLocked(id)
		r.mu.Unlock()
		return err
	}
	delete(r.sessions, id)
	now := time.Now()
	r.sweepLocked(now)
	r.tombstones[id] = now.Add(r.opts.Retention)
	r.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, r.opts.StopTimeout)
	defer cancel()
	err := s.terminate(stopCtx, r.opts.Retention)
	s.log.Info("Session terminated", logger.Error(err))
	if err != nil {
		return fmt.Errorf("release session %s: %w", id, err)
	}
	return nil
}

// List returns a summary of every live session, oldest first
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].createdAt.Before(sessions[j].createdAt)
	})
	res := make([]Info, len(sessions))
	for i, s := range sessions {
		res[i] = s.Info()
	}
	return res
}

// Shutdown terminates every live session concurrently and clears the
// registry
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			err := r.Terminate(ctx, id)
			if errors.Is(err, core.ErrSessionTerminated) || errors.Is(err, core.ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	r.mu.Lock()
	clear(r.sessions)
	clear(r.tombstones)
	r.mu.Unlock()
	return err
}

func (r *Registry) missingLocked(id string) error {
	if until, ok := r.tombstones[id]; ok {
		if time.Now().Before(until) {
			return core.ErrSessionTerminated.
				WithMessagef("session %s is terminated", id).
				WithDetails(map[string]any{"session_id": id})
		}
		delete(r.tombstones, id)
	}
	return core.ErrSessionNotFound.
		WithMessagef("session %s not found", id).
		WithDetails(map[string]any{"session_id": id})
}

// sweepLocked forgets every tombstone whose retention has passed, so ids
// that are never looked up again do not accumulate
func (r *Registry) sweepLocked(now time.Time) {
	for id, until := range r.tombstones {
		if !now.Before(until) {
			delete(r.tombstones, id)
		}
	}
}

func creationError(kind, name string, err error) error {
	var ee *core.ExecutionError
	if errors.As(err, &ee) {
		return ee.WithMessagef("create %s %s: %s", kind, name, ee.Message)
	}
	return core.ErrConfiguration.WithCause(err).WithMessagef("create %s %s: %v", kind, name, err)
}

func isDriver(drivers []core.ActionDriver, src core.ScreenSource) bool {
	for _, d := range drivers {
		if s, ok := d.(core.ScreenSource); ok && s == src {
			return true
		}
	}
	return false
}
