// Package hardware drives devices without instrumenting them: a coordinate
// input device behind a small HTTP API performs touches and key presses
// and a camera behind a TCP socket captures the screen
package hardware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// InputName is the driver source name of the input device
const InputName = "hardware"

const (
	defaultLongPress = time.Second
	defaultSwipe     = 500 * time.Millisecond
)

// InputDevice is an ActionDriver for a coordinate based input device.
// It exposes /tap, /swipe, /type and /key
type InputDevice struct {
	baseURL string
	client  *http.Client
}

var _ core.ActionDriver = (*InputDevice)(nil)

// NewInputDevice creates an input device client
func NewInputDevice(baseURL string, client *http.Client) *InputDevice {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &InputDevice{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}
}

func (d *InputDevice) Name() string { return InputName }

type (
	tapRequest struct {
		X          int   `json:"x"`
		Y          int   `json:"y"`
		Repeat     int   `json:"repeat,omitempty"`
		DurationMS int64 `json:"duration_ms,omitempty"`
	}

	swipeRequest struct {
		StartX     int   `json:"start_x"`
		StartY     int   `json:"start_y"`
		EndX       int   `json:"end_x"`
		EndY       int   `json:"end_y"`
		DurationMS int64 `json:"duration_ms"`
	}

	typeRequest struct {
		Text string `json:"text"`
	}

	keyRequest struct {
		KeyCode int `json:"keycode"`
	}
)

// Perform sends the action to the device. Typing into an element taps
// it first. App lifecycle and clearing are not available on hardware
func (d *InputDevice) Perform(ctx context.Context, a core.Action, m *core.Match) error {
	p := a.TargetPoint(m)
	switch a.Kind {
	case core.ActionTap:
		return d.post(ctx, "/tap", tapRequest{X: p.X, Y: p.Y, Repeat: a.Times()})
	case core.ActionLongPress:
		dur := a.Duration
		if dur <= 0 {
			dur = defaultLongPress
		}
		return d.post(ctx, "/tap", tapRequest{X: p.X, Y: p.Y, Repeat: 1, DurationMS: dur.Milliseconds()})
	case core.ActionSwipe:
		dur := a.Duration
		if dur <= 0 {
			dur = defaultSwipe
		}
		return d.post(ctx, "/swipe", swipeRequest{
			StartX: p.X, StartY: p.Y,
			EndX: a.End.X, EndY: a.End.Y,
			DurationMS: dur.Milliseconds(),
		})
	case core.ActionType:
		if m != nil {
			if err := d.post(ctx, "/tap", tapRequest{X: p.X, Y: p.Y, Repeat: 1}); err != nil {
				return err
			}
		}
		return d.post(ctx, "/type", typeRequest{Text: a.Text})
	case core.ActionKey:
		return d.post(ctx, "/key", keyRequest{KeyCode: a.KeyCode})
	}
	return core.ErrInvalidArgument.WithMessagef("hardware input cannot perform %s", a.Kind)
}

// Close releases idle connections
func (d *InputDevice) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *InputDevice) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return core.TimeoutFromContext(ctx)
		}
		return core.ErrDeviceDisconnected.
			WithMessagef("input device %s", path).
			WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return core.ErrDriver.WithMessagef("input device %s returned %d: %s",
			path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
