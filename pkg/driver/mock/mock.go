// Package mock provides a mock driver for testing without a real device.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Name is the driver source name.
const Name = "mock"

// DefaultSource is the UI tree reported when none is configured.
const DefaultSource = `<?xml version="1.0" encoding="UTF-8"?>
<hierarchy rotation="0">
  <android.widget.FrameLayout class="android.widget.FrameLayout" bounds="[0,0][1080,2400]" enabled="true">
    <android.widget.Button class="android.widget.Button" text="Mock Element" resource-id="mock-element" bounds="[100,200][300,250]" clickable="true" enabled="true"/>
  </android.widget.FrameLayout>
</hierarchy>`

// Driver is a mock implementation of core.ActionDriver and
// core.ScreenSource for testing.
type Driver struct {
	// Configuration
	Config Config

	mu         sync.Mutex
	screenshot []byte
	source     string
	actions    []Recorded
	actionN    int
	captures   atomic.Uint64
	closed     atomic.Bool
	closeCount atomic.Int32
}

// Config configures mock driver behavior.
type Config struct {
	// Name overrides the driver name, for multi-driver setups.
	Name string
	// FailOnAction makes action N fail (1-indexed). 0 = never fail.
	FailOnAction int
	// FailWith is the error returned by failing actions.
	FailWith error
	// ActionDelay adds artificial delay per action.
	ActionDelay time.Duration
	// CaptureDelay adds artificial delay per capture.
	CaptureDelay time.Duration
	// Screenshot and Source are the initial screen contents.
	Screenshot []byte
	Source     string
}

// Recorded is an action the driver received.
type Recorded struct {
	Action core.Action
	Point  core.Point
	Match  *core.Match
}

var (
	_ core.ActionDriver = (*Driver)(nil)
	_ core.ScreenSource = (*Driver)(nil)
)

// New creates a new mock driver.
func New(cfg Config) *Driver {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.Screenshot == nil {
		cfg.Screenshot = blankPNG
	}
	return &Driver{Config: cfg, screenshot: cfg.Screenshot, source: cfg.Source}
}

// FromFiles creates a mock driver whose screen is read from fixture files.
// Empty paths keep the defaults.
func FromFiles(screenshotPath, sourcePath string) (*Driver, error) {
	var cfg Config
	if screenshotPath != "" {
		data, err := os.ReadFile(screenshotPath)
		if err != nil {
			return nil, fmt.Errorf("mock screenshot: %w", err)
		}
		cfg.Screenshot = data
	}
	if sourcePath != "" {
		data, err := os.ReadFile(sourcePath)
		if err != nil {
			return nil, fmt.Errorf("mock source: %w", err)
		}
		cfg.Source = string(data)
	}
	return New(cfg), nil
}

func (d *Driver) Name() string { return d.Config.Name }

// SetScreen replaces what later captures return.
func (d *Driver) SetScreen(screenshot []byte, source string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if screenshot != nil {
		d.screenshot = screenshot
	}
	d.source = source
}

// Perform records the action.
func (d *Driver) Perform(ctx context.Context, a core.Action, m *core.Match) error {
	if d.closed.Load() {
		return core.ErrDeviceDisconnected.WithMessage("mock driver closed")
	}
	if err := sleep(ctx, d.Config.ActionDelay); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.actionN++

	// Check if this action should fail
	if d.Config.FailOnAction > 0 && d.actionN == d.Config.FailOnAction {
		if d.Config.FailWith != nil {
			return d.Config.FailWith
		}
		return core.ErrDriver.WithMessagef("mock failure on action %d (%s)", d.actionN, a.Kind)
	}

	d.actions = append(d.actions, Recorded{Action: a, Point: a.TargetPoint(m), Match: m})
	return nil
}

// Actions returns the recorded actions.
func (d *Driver) Actions() []Recorded {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Recorded(nil), d.actions...)
}

// Provides reports both screenshot and source.
func (d *Driver) Provides() core.CaptureRequest {
	return core.CaptureRequest{Screenshot: true, Source: true}
}

// Capture returns the current mock screen.
func (d *Driver) Capture(ctx context.Context, req core.CaptureRequest) (*core.ScreenState, error) {
	if d.closed.Load() {
		return nil, core.ErrDeviceDisconnected.WithMessage("mock driver closed")
	}
	if err := sleep(ctx, d.Config.CaptureDelay); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	st := &core.ScreenState{CaptureID: d.captures.Add(1), CapturedAt: time.Now()}
	if req.Screenshot {
		st.Screenshot = d.screenshot
	}
	if req.Source {
		st.Source = d.source
	}
	return st, nil
}

// Captures returns how many captures were taken.
func (d *Driver) Captures() uint64 {
	return d.captures.Load()
}

// Close marks the driver closed.
func (d *Driver) Close() error {
	d.closeCount.Add(1)
	d.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	return d.closed.Load()
}

// CloseCount returns how many times Close was called.
func (d *Driver) CloseCount() int {
	return int(d.closeCount.Load())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return core.TimeoutFromContext(ctx)
	}
}

// blankPNG is a 1x1 transparent image.
var blankPNG = func() []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	return buf.Bytes()
}()
