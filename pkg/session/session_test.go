package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/driver/mock"
	"github.com/devicelab-dev/optics-runner/pkg/events"
	"github.com/devicelab-dev/optics-runner/pkg/locate"
)

type testEnv struct {
	registry *Registry
	bus      *events.Bus

	mu      sync.Mutex
	mocks   map[string]*mock.Driver
	blocker *blockingDetector
}

// blockingDetector never finds anything and blocks until its context ends
type blockingDetector struct {
	calls  atomic.Int32
	called chan struct{}
	once   sync.Once
}

func (d *blockingDetector) Name() string                  { return "blocking" }
func (d *blockingDetector) Needs() core.CaptureRequest    { return core.CaptureRequest{Source: true} }
func (d *blockingDetector) Supports(core.TargetKind) bool { return true }
func (d *blockingDetector) Locate(ctx context.Context, _ core.Target, _ *core.ScreenState) ([]core.Match, error) {
	d.calls.Add(1)
	d.once.Do(func() { close(d.called) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func newEnv(t *testing.T, mocks map[string]mock.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		bus:     events.NewBus(events.Options{BufferSize: 64}),
		mocks:   map[string]*mock.Driver{},
		blocker: &blockingDetector{called: make(chan struct{})},
	}

	f := DefaultFactories()
	for name, cfg := range mocks {
		cfg.Name = name
		f.Drivers[name] = func(context.Context, *config.SessionConfig) (core.ActionDriver, error) {
			d := mock.New(cfg)
			env.mu.Lock()
			env.mocks[name] = d
			env.mu.Unlock()
			return d, nil
		}
	}
	f.Drivers["broken"] = func(context.Context, *config.SessionConfig) (core.ActionDriver, error) {
		return nil, core.ErrDeviceDisconnected.WithMessage("device unreachable")
	}
	f.Detectors["blocking"] = func(context.Context, *config.SessionConfig) (core.Detector, error) {
		return env.blocker, nil
	}

	env.registry = NewRegistry(Options{
		Factories: f,
		Bus:       env.bus,
		Resolver: locate.NewResolver(locate.WithBackoff(locate.BackoffConfig{
			Initial:    5 * time.Millisecond,
			Max:        10 * time.Millisecond,
			Multiplier: 1.5,
		})),
		Retention:   100 * time.Millisecond,
		StopTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { _ = env.registry.Shutdown(context.Background()) })
	return env
}

func (e *testEnv) mock(name string) *mock.Driver {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mocks[name]
}

func (e *testEnv) create(t *testing.T, cfg *config.SessionConfig) *Session {
	t.Helper()
	id, err := e.registry.Create(context.Background(), cfg)
	require.NoError(t, err)
	s, err := e.registry.Get(id)
	require.NoError(t, err)
	return s
}

func mockConfig(drivers ...string) *config.SessionConfig {
	if len(drivers) == 0 {
		drivers = []string{"mock"}
	}
	return &config.SessionConfig{
		DriverSources:    drivers,
		DetectionSources: []string{"xpath"},
	}
}

func ok(s *Session) Task {
	return func(context.Context) *core.ExecutionResult {
		return s.NewResult("log", nil).Complete(nil, nil)
	}
}

func TestCreate_Validation(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	ctx := context.Background()

	_, err := env.registry.Create(ctx, &config.SessionConfig{DetectionSources: []string{"xpath"}})
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	_, err = env.registry.Create(ctx, &config.SessionConfig{DriverSources: []string{"mock"}})
	assert.True(t, errors.Is(err, core.ErrConfiguration))

	_, err = env.registry.Create(ctx, &config.SessionConfig{
		DriverSources:    []string{"teleport"},
		DetectionSources: []string{"xpath"},
	})
	assert.True(t, errors.Is(err, core.ErrConfiguration))
	assert.Contains(t, err.Error(), "teleport")

	_, err = env.registry.Create(ctx, &config.SessionConfig{
		DriverSources:    []string{"mock"},
		DetectionSources: []string{"ocr"},
	})
	assert.True(t, errors.Is(err, core.ErrConfiguration), "ocr without api key")

	assert.Empty(t, env.registry.List())
}

func TestCreate_FailureClosesBuiltResources(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})

	_, err := env.registry.Create(context.Background(), mockConfig("mock", "broken"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDeviceDisconnected))

	d := env.mock("mock")
	require.NotNil(t, d)
	assert.True(t, d.Closed())
	assert.Empty(t, env.registry.List())
}

func TestCreate_NoCaptureSource(t *testing.T) {
	env := newEnv(t, nil)
	_, err := env.registry.Create(context.Background(), &config.SessionConfig{
		DriverSources:    []string{"hardware"},
		DetectionSources: []string{"xpath"},
		Hardware:         config.HardwareConfig{ActionURL: "http://127.0.0.1:1"},
	})
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestCreate_DetectorNeedsUnavailablePart(t *testing.T) {
	env := newEnv(t, nil)
	_, err := env.registry.Create(context.Background(), &config.SessionConfig{
		DriverSources:    []string{"hardware"},
		DetectionSources: []string{"xpath"},
		ScreenSource:     "camera",
		Hardware: config.HardwareConfig{
			ActionURL:  "http://127.0.0.1:1",
			CameraAddr: "127.0.0.1:1",
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConfiguration))
	assert.Contains(t, err.Error(), "xpath")
}

func TestLifecycle(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	ctx := context.Background()

	_, err := env.registry.Get("missing")
	assert.True(t, errors.Is(err, core.ErrSessionNotFound))
	assert.True(t, errors.Is(env.registry.Terminate(ctx, "missing"), core.ErrSessionNotFound))

	s := env.create(t, mockConfig())
	id := s.ID()
	assert.Equal(t, core.SessionRunning, s.Status())
	require.Len(t, env.registry.List(), 1)
	assert.Equal(t, id, env.registry.List()[0].ID)

	require.NoError(t, env.registry.Terminate(ctx, id))
	assert.Equal(t, core.SessionTerminated, s.Status())
	assert.True(t, env.mock("mock").Closed())
	assert.Equal(t, 1, env.mock("mock").CloseCount())

	_, err = env.registry.Get(id)
	assert.True(t, errors.Is(err, core.ErrSessionTerminated))
	assert.True(t, errors.Is(env.registry.Terminate(ctx, id), core.ErrSessionTerminated))

	_, err = s.Submit(ctx, time.Second, ok(s))
	assert.True(t, errors.Is(err, core.ErrSessionTerminated))

	assert.Eventually(t, func() bool {
		_, err := env.registry.Get(id)
		return errors.Is(err, core.ErrSessionNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmit_Serialized(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	s := env.create(t, mockConfig())
	ctx := context.Background()

	var (
		inFlight atomic.Int32
		overlap  atomic.Bool
		wg       sync.WaitGroup
	)
	for range 10 {
		wg.Go(func() {
			res, err := s.Submit(ctx, 5*time.Second, func(context.Context) *core.ExecutionResult {
				if inFlight.Add(1) > 1 {
					overlap.Store(true)
				}
				defer inFlight.Add(-1)

				n, _ := s.Var("counter")
				count, _ := n.(int)
				time.Sleep(2 * time.Millisecond)
				s.SetVar("counter", count+1)
				return s.NewResult("evaluate", nil).Complete(count+1, nil)
			})
			assert.NoError(t, err)
			assert.Equal(t, core.StatusSuccess, res.Status)
		})
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	v, _ := s.Var("counter")
	assert.Equal(t, 10, v)

	log, err := s.Executions(ctx)
	require.NoError(t, err)
	assert.Len(t, log, 10)
}

func TestSubmit_Busy(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	cfg := mockConfig()
	cfg.MaxPending = 1
	s := env.create(t, cfg)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup

	wg.Go(func() {
		_, err := s.Submit(ctx, 5*time.Second, func(context.Context) *core.ExecutionResult {
			close(started)
			<-release
			return nil
		})
		assert.NoError(t, err)
	})
	<-started

	wg.Go(func() {
		_, err := s.Submit(ctx, 5*time.Second, ok(s))
		assert.NoError(t, err)
	})
	assert.Eventually(t, func() bool {
		return s.Info().Pending == 1
	}, time.Second, time.Millisecond)

	_, err := s.Submit(ctx, 5*time.Second, ok(s))
	assert.True(t, errors.Is(err, core.ErrSessionBusy))

	close(release)
	wg.Wait()

	_, err = s.Submit(ctx, 5*time.Second, ok(s))
	assert.NoError(t, err)
}

func TestSubmit_TimeoutKeepsSessionUsable(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	cfg := mockConfig()
	cfg.DetectionSources = []string{"blocking"}
	s := env.create(t, cfg)
	ctx := context.Background()

	desc := core.NewDescriptor("Login", 0, core.Target{Kind: core.TargetText, Value: "Login"})
	res, err := s.Submit(ctx, 50*time.Millisecond, func(ctx context.Context) *core.ExecutionResult {
		r := s.NewResult("press_element", []string{"Login"})
		_, err := s.Resolve(ctx, desc, 10*time.Second, nil)
		return r.Complete(nil, err)
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, res.Status)
	assert.True(t, errors.Is(res.Err, core.ErrTimeout))

	res, err = s.Submit(ctx, time.Second, ok(s))
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, res.Status)
}

func TestTerminate_DuringResolution(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	cfg := mockConfig()
	cfg.DetectionSources = []string{"blocking"}
	s := env.create(t, cfg)
	ctx := context.Background()

	type outcome struct {
		res *core.ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		desc := core.NewDescriptor("Login", 0, core.Target{Kind: core.TargetText, Value: "Login"})
		res, err := s.Submit(ctx, time.Minute, func(ctx context.Context) *core.ExecutionResult {
			r := s.NewResult("press_element", []string{"Login"})
			_, err := s.Resolve(ctx, desc, time.Minute, nil)
			return r.Complete(nil, err)
		})
		done <- outcome{res, err}
	}()

	<-env.blocker.called
	require.NoError(t, env.registry.Terminate(ctx, s.ID()))

	select {
	case o := <-done:
		if o.err != nil {
			assert.True(t, errors.Is(o.err, core.ErrSessionTerminated))
		} else {
			assert.True(t, errors.Is(o.res.Err, core.ErrSessionTerminated))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resolution did not abort on termination")
	}

	assert.True(t, env.mock("mock").Closed())
	_, err := s.Submit(ctx, time.Second, ok(s))
	assert.True(t, errors.Is(err, core.ErrSessionTerminated))
	_, err = env.registry.Get(s.ID())
	assert.True(t, errors.Is(err, core.ErrSessionTerminated))
}

func TestSubmit_PanicBecomesError(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	s := env.create(t, mockConfig())

	res, err := s.Submit(context.Background(), time.Second, func(context.Context) *core.ExecutionResult {
		panic("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, res.Status)
	assert.Contains(t, res.Error.Message, "boom")

	res, err = s.Submit(context.Background(), time.Second, ok(s))
	require.NoError(t, err)
	assert.Equal(t, core.StatusSuccess, res.Status)
}

func TestPerform_StaleMatch(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	s := env.create(t, mockConfig())
	ctx := context.Background()

	desc := core.NewDescriptor("Mock Element", 0, core.Target{Kind: core.TargetText, Value: "Mock Element"})
	_, err := s.Do(ctx, time.Second, func(ctx context.Context) (any, error) {
		m, err := s.Resolve(ctx, desc, 0, nil)
		if err != nil {
			return nil, err
		}
		if err := s.Perform(ctx, core.Action{Kind: core.ActionTap}, m); err != nil {
			return nil, err
		}
		if _, err := s.Capture(ctx, core.CaptureRequest{Source: true}); err != nil {
			return nil, err
		}
		return nil, s.Perform(ctx, core.Action{Kind: core.ActionTap}, m)
	})
	assert.True(t, errors.Is(err, core.ErrStaleMatch))

	actions := env.mock("mock").Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, core.Point{X: 200, Y: 225}, actions[0].Point)
}

func TestPerform_FallsBackToNextDriver(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{
		"primary": {FailOnAction: 1},
		"backup":  {},
	})
	cfg := mockConfig("primary", "backup")
	s := env.create(t, cfg)

	_, err := s.Do(context.Background(), time.Second, func(ctx context.Context) (any, error) {
		return nil, s.Perform(ctx, core.Action{Kind: core.ActionTap, Point: core.Point{X: 5, Y: 6}}, nil)
	})
	require.NoError(t, err)
	assert.Empty(t, env.mock("primary").Actions())
	require.Len(t, env.mock("backup").Actions(), 1)
	assert.Equal(t, "primary", s.Info().ScreenSource)
}

func TestPerform_AllDriversLostTerminates(t *testing.T) {
	lost := core.ErrDeviceDisconnected.WithMessage("usb unplugged")
	env := newEnv(t, map[string]mock.Config{
		"primary": {FailOnAction: 1, FailWith: lost},
		"backup":  {FailOnAction: 1, FailWith: lost},
	})
	s := env.create(t, mockConfig("primary", "backup"))

	_, err := s.Do(context.Background(), time.Second, func(ctx context.Context) (any, error) {
		return nil, s.Perform(ctx, core.Action{Kind: core.ActionTap}, nil)
	})
	assert.True(t, errors.Is(err, core.ErrDeviceDisconnected))

	assert.Eventually(t, func() bool {
		_, err := env.registry.Get(s.ID())
		return errors.Is(err, core.ErrSessionTerminated)
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, env.mock("primary").Closed())
	assert.True(t, env.mock("backup").Closed())
}

func TestPerform_SingleFailureKeepsSession(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {FailOnAction: 1}})
	s := env.create(t, mockConfig())

	_, err := s.Do(context.Background(), time.Second, func(ctx context.Context) (any, error) {
		return nil, s.Perform(ctx, core.Action{Kind: core.ActionTap}, nil)
	})
	assert.True(t, errors.Is(err, core.ErrDriver))

	_, err = env.registry.Get(s.ID())
	assert.NoError(t, err)
}

func TestStateRetrieval(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	s := env.create(t, mockConfig())
	ctx := context.Background()

	img, err := s.Screenshot(ctx, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, img)

	src, err := s.Source(ctx, time.Second)
	require.NoError(t, err)
	assert.Contains(t, src, "Mock Element")

	elems, err := s.Elements(ctx, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, elems)
	var found bool
	for _, e := range elems {
		if e.Text == "Mock Element" {
			found = true
			assert.Equal(t, core.Bounds{X: 100, Y: 200, Width: 200, Height: 50}, e.Bounds)
		}
	}
	assert.True(t, found)

	log, err := s.Executions(ctx)
	require.NoError(t, err)
	assert.Empty(t, log, "state retrieval is not logged")
}

func TestEvents(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	s := env.create(t, mockConfig())
	ctx := context.Background()

	sub, err := env.bus.Subscribe(s.ID(), events.SubscribeOptions{})
	require.NoError(t, err)

	_, err = s.Submit(ctx, time.Second, ok(s))
	require.NoError(t, err)
	require.NoError(t, env.registry.Terminate(ctx, s.ID()))

	var got []string
	for ev := range sub.C() {
		if ev.Type == events.SessionStatusChanged {
			got = append(got, "status:"+ev.Data["to"].(string))
			continue
		}
		got = append(got, string(ev.Type))
	}
	assert.Equal(t, []string{"status:idle", "status:terminated", string(events.SessionTerminated)}, got)
	assert.False(t, sub.Lagged())
}

func TestVariablesFromConfig(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	cfg := mockConfig()
	cfg.Variables = map[string]string{"user": "alice"}
	s := env.create(t, cfg)

	v, found := s.Var("user")
	assert.True(t, found)
	assert.Equal(t, "alice", v)

	vars := s.Vars()
	vars["user"] = "mallory"
	v, _ = s.Var("user")
	assert.Equal(t, "alice", v)
	assert.Equal(t, []string{"user"}, s.Info().Variables)
}

func TestShutdown(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"a": {}, "b": {}})
	ctx := context.Background()

	sa := env.create(t, mockConfig("a"))
	sb := env.create(t, mockConfig("b"))
	require.NoError(t, env.registry.Shutdown(ctx))

	assert.Empty(t, env.registry.List())
	assert.Equal(t, core.SessionTerminated, sa.Status())
	assert.Equal(t, core.SessionTerminated, sb.Status())
	assert.True(t, env.mock("a").Closed())
	assert.True(t, env.mock("b").Closed())
}

func TestTerminate_RacesSubmit(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	ctx := context.Background()

	for range 25 {
		s := env.create(t, mockConfig())
		var wg sync.WaitGroup
		for range 8 {
			wg.Go(func() {
				for range 5 {
					_, err := s.Submit(ctx, time.Second, ok(s))
					if err != nil {
						assert.True(t,
							errors.Is(err, core.ErrSessionTerminated) || errors.Is(err, core.ErrSessionBusy),
							"unexpected error: %v", err)
					}
				}
			})
		}
		require.NoError(t, env.registry.Terminate(ctx, s.ID()))
		wg.Wait()

		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("worker still running after termination")
		}
		_, err := s.Submit(ctx, time.Second, ok(s))
		assert.True(t, errors.Is(err, core.ErrSessionTerminated))
	}
}

func TestTombstonesSweptOnCreateAndTerminate(t *testing.T) {
	env := newEnv(t, map[string]mock.Config{"mock": {}})
	ctx := context.Background()
	bury := func(id string, until time.Time) {
		env.registry.mu.Lock()
		env.registry.tombstones[id] = until
		env.registry.mu.Unlock()
	}
	buried := func() []string {
		env.registry.mu.Lock()
		defer env.registry.mu.Unlock()
		ids := make([]string, 0, len(env.registry.tombstones))
		for id := range env.registry.tombstones {
			ids = append(ids, id)
		}
		return ids
	}

	bury("expired-1", time.Now().Add(-time.Second))
	bury("expired-2", time.Now().Add(-time.Millisecond))
	bury("recent", time.Now().Add(time.Minute))
	s := env.create(t, mockConfig())
	assert.ElementsMatch(t, []string{"recent"}, buried(), "expired ids are dropped without being looked up")

	bury("expired-3", time.Now().Add(-time.Second))
	require.NoError(t, env.registry.Terminate(ctx, s.ID()))
	assert.ElementsMatch(t, []string{"recent", s.ID()}, buried())

	_, err := env.registry.Get(s.ID())
	assert.True(t, errors.Is(err, core.ErrSessionTerminated))
}
