package locate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// fakeSource hands out increasing capture ids
type fakeSource struct {
	captures atomic.Uint64
	provides core.CaptureRequest
	fail     func(n uint64) error
	block    chan struct{}
	last     atomic.Value // core.CaptureRequest
}

func newFakeSource() *fakeSource {
	return &fakeSource{provides: core.CaptureRequest{Screenshot: true, Source: true}}
}

func (s *fakeSource) Name() string                  { return "fake" }
func (s *fakeSource) Provides() core.CaptureRequest { return s.provides }
func (s *fakeSource) Close() error                  { return nil }

func (s *fakeSource) Capture(ctx context.Context, req core.CaptureRequest) (*core.ScreenState, error) {
	s.last.Store(req)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	n := s.captures.Add(1)
	if s.fail != nil {
		if err := s.fail(n); err != nil {
			return nil, err
		}
	}
	return &core.ScreenState{CaptureID: n, CapturedAt: time.Now()}, nil
}

// scriptedDetector answers per capture id from a script
type scriptedDetector struct {
	name     string
	kinds    map[core.TargetKind]bool
	needs    core.CaptureRequest
	mu       sync.Mutex
	calls    []uint64
	behavior func(capture uint64) ([]core.Match, error)
}

func detector(name string, behavior func(capture uint64) ([]core.Match, error)) *scriptedDetector {
	return &scriptedDetector{
		name:     name,
		kinds:    map[core.TargetKind]bool{core.TargetXPath: true, core.TargetText: true, core.TargetImage: true},
		needs:    core.CaptureRequest{Source: true},
		behavior: behavior,
	}
}

func (d *scriptedDetector) Name() string                    { return d.name }
func (d *scriptedDetector) Needs() core.CaptureRequest      { return d.needs }
func (d *scriptedDetector) Supports(k core.TargetKind) bool { return d.kinds[k] }

func (d *scriptedDetector) Locate(
	_ context.Context, _ core.Target, state *core.ScreenState,
) ([]core.Match, error) {
	d.mu.Lock()
	d.calls = append(d.calls, state.CaptureID)
	d.mu.Unlock()
	return d.behavior(state.CaptureID)
}

func (d *scriptedDetector) Calls() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint64(nil), d.calls...)
}

func found(x, y int) func(uint64) ([]core.Match, error) {
	return func(uint64) ([]core.Match, error) {
		return []core.Match{core.NewMatch(core.Bounds{X: x, Y: y, Width: 10, Height: 10}, 1)}, nil
	}
}

func notFound(uint64) ([]core.Match, error) {
	return nil, nil
}

var errDetector = errors.New("malformed descriptor")

func errored(uint64) ([]core.Match, error) {
	return nil, errDetector
}

func foundFrom(capture uint64) func(uint64) ([]core.Match, error) {
	return func(n uint64) ([]core.Match, error) {
		if n < capture {
			return nil, nil
		}
		return found(0, 0)(n)
	}
}

var fastBackoff = WithBackoff(BackoffConfig{
	Initial:    5 * time.Millisecond,
	Max:        10 * time.Millisecond,
	Multiplier: 1.5,
})

func textDescriptor(text string) core.ElementDescriptor {
	return core.NewDescriptor(text, 0, core.Target{Kind: core.TargetText, Value: text})
}
