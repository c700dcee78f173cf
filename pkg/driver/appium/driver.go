package appium

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Name is the driver source name.
const Name = "appium"

const (
	defaultLongPress = time.Second
	defaultSwipe     = 500 * time.Millisecond
)

// Driver is both an ActionDriver and a ScreenSource over one Appium
// session.
type Driver struct {
	client   *Client
	captures atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

var (
	_ core.ActionDriver = (*Driver)(nil)
	_ core.ScreenSource = (*Driver)(nil)
)

// NewDriver connects to the Appium server and opens a session.
func NewDriver(ctx context.Context, serverURL string, capabilities map[string]interface{}) (*Driver, error) {
	client := NewClient(serverURL)
	if err := client.Connect(ctx, capabilities); err != nil {
		return nil, err
	}
	return &Driver{client: client}, nil
}

func (d *Driver) Name() string { return Name }

// Client exposes the underlying WebDriver client.
func (d *Driver) Client() *Client {
	return d.client
}

// Perform executes an action. When m is given the action lands on the
// match point plus the action offset.
func (d *Driver) Perform(ctx context.Context, a core.Action, m *core.Match) error {
	p := a.TargetPoint(m)
	switch a.Kind {
	case core.ActionTap:
		for range a.Times() {
			if err := d.client.Tap(ctx, p.X, p.Y); err != nil {
				return err
			}
		}
		return nil

	case core.ActionLongPress:
		dur := a.Duration
		if dur <= 0 {
			dur = defaultLongPress
		}
		return d.client.LongPress(ctx, p.X, p.Y, int(dur.Milliseconds()))

	case core.ActionSwipe:
		dur := a.Duration
		if dur <= 0 {
			dur = defaultSwipe
		}
		return d.client.Swipe(ctx, p.X, p.Y, a.End.X, a.End.Y, int(dur.Milliseconds()))

	case core.ActionType:
		if m != nil {
			if err := d.client.Tap(ctx, p.X, p.Y); err != nil {
				return err
			}
		}
		return d.client.SendKeys(ctx, a.Text)

	case core.ActionClear:
		if m != nil {
			if err := d.client.Tap(ctx, p.X, p.Y); err != nil {
				return err
			}
		}
		id, err := d.client.ActiveElement(ctx)
		if err != nil {
			return err
		}
		return d.client.ClearElement(ctx, id)

	case core.ActionKey:
		return d.client.PressKeyCode(ctx, a.KeyCode)

	case core.ActionLaunchApp:
		return d.client.LaunchApp(ctx, a.AppID)

	case core.ActionTerminateApp:
		return d.client.TerminateApp(ctx, a.AppID)
	}
	return core.ErrInvalidArgument.WithMessagef("appium cannot perform %s", a.Kind)
}

// Provides reports that both screenshot and page source are available.
func (d *Driver) Provides() core.CaptureRequest {
	return core.CaptureRequest{Screenshot: true, Source: true}
}

// Capture fetches the requested parts of the current screen.
func (d *Driver) Capture(ctx context.Context, req core.CaptureRequest) (*core.ScreenState, error) {
	state := &core.ScreenState{CapturedAt: time.Now()}
	if req.Screenshot {
		img, err := d.client.Screenshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("screenshot: %w", err)
		}
		state.Screenshot = img
	}
	if req.Source {
		src, err := d.client.Source(ctx)
		if err != nil {
			return nil, fmt.Errorf("page source: %w", err)
		}
		state.Source = src
	}
	state.CaptureID = d.captures.Add(1)
	return state, nil
}

// Close ends the Appium session.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.closeErr = d.client.Disconnect(ctx)
	})
	return d.closeErr
}
