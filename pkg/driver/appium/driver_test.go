package appium

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

func newTestDriver(t *testing.T, rec *recorder) *Driver {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		switch r.URL.Path {
		case "/session":
			writeJSON(w, map[string]interface{}{
				"value": map[string]interface{}{
					"sessionId":    "drv",
					"capabilities": map[string]interface{}{"platformName": "Android"},
				},
			})
		case "/session/drv/screenshot":
			writeJSON(w, map[string]interface{}{"value": base64.StdEncoding.EncodeToString([]byte("png"))})
		case "/session/drv/source":
			writeJSON(w, map[string]interface{}{"value": "<hierarchy/>"})
		case "/session/drv/element/active":
			writeJSON(w, map[string]interface{}{"value": map[string]interface{}{w3cElementKey: "e1"}})
		default:
			writeJSON(w, map[string]interface{}{"value": nil})
		}
	}))
	t.Cleanup(server.Close)

	d, err := NewDriver(context.Background(), server.URL, map[string]interface{}{"platformName": "Android"})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
	return d
}

func TestDriver_TapRepeatAndOffset(t *testing.T) {
	rec := &recorder{}
	d := newTestDriver(t, rec)

	m := core.NewMatch(core.Bounds{X: 100, Y: 100, Width: 50, Height: 50}, 1)
	err := d.Perform(context.Background(), core.Action{Kind: core.ActionTap, Repeat: 2, Offset: core.Point{X: 10, Y: -5}}, &m)
	if err != nil {
		t.Fatalf("Perform failed: %v", err)
	}

	calls := rec.calls("/session/drv/actions")
	if len(calls) != 2 {
		t.Fatalf("Expected 2 taps, got %d", len(calls))
	}
	move := calls[0]["actions"].([]interface{})[0].(map[string]interface{})["actions"].([]interface{})[0].(map[string]interface{})
	if move["x"] != 135.0 || move["y"] != 120.0 {
		t.Errorf("Expected tap at (135,120), got (%v,%v)", move["x"], move["y"])
	}
}

func TestDriver_TypeAndClear(t *testing.T) {
	rec := &recorder{}
	d := newTestDriver(t, rec)
	ctx := context.Background()
	m := core.NewMatch(core.Bounds{X: 0, Y: 0, Width: 10, Height: 10}, 1)

	if err := d.Perform(ctx, core.Action{Kind: core.ActionType, Text: "hi"}, &m); err != nil {
		t.Fatalf("type failed: %v", err)
	}
	if err := d.Perform(ctx, core.Action{Kind: core.ActionClear}, &m); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	// tap + keys, then tap before clear
	if n := len(rec.calls("/session/drv/actions")); n != 3 {
		t.Errorf("Expected 3 action calls, got %d", n)
	}
	if n := len(rec.calls("/session/drv/element/e1/clear")); n != 1 {
		t.Errorf("Expected clear on active element, got %d calls", n)
	}
}

func TestDriver_OtherActions(t *testing.T) {
	rec := &recorder{}
	d := newTestDriver(t, rec)
	ctx := context.Background()

	actions := []core.Action{
		{Kind: core.ActionSwipe, Point: core.Point{X: 10, Y: 10}, End: core.Point{X: 10, Y: 500}},
		{Kind: core.ActionLongPress, Point: core.Point{X: 5, Y: 5}},
		{Kind: core.ActionKey, KeyCode: 4},
		{Kind: core.ActionLaunchApp, AppID: "com.app"},
		{Kind: core.ActionTerminateApp, AppID: "com.app"},
	}
	for _, a := range actions {
		if err := d.Perform(ctx, a, nil); err != nil {
			t.Errorf("%s failed: %v", a.Kind, err)
		}
	}
	if n := len(rec.calls("/session/drv/appium/device/press_keycode")); n != 1 {
		t.Errorf("Expected press_keycode call, got %d", n)
	}

	err := d.Perform(ctx, core.Action{Kind: core.ActionKind(99)}, nil)
	if !errors.Is(err, core.ErrInvalidArgument) {
		t.Errorf("Expected invalid argument for unknown action, got %v", err)
	}
}

func TestDriver_Capture(t *testing.T) {
	rec := &recorder{}
	d := newTestDriver(t, rec)
	ctx := context.Background()

	st, err := d.Capture(ctx, core.CaptureRequest{Source: true})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if st.Source != "<hierarchy/>" || st.Screenshot != nil {
		t.Errorf("Expected source only, got %+v", st)
	}
	if len(rec.calls("/session/drv/screenshot")) != 0 {
		t.Error("Screenshot should not be fetched when not requested")
	}

	st2, err := d.Capture(ctx, core.CaptureRequest{Screenshot: true, Source: true})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if string(st2.Screenshot) != "png" {
		t.Errorf("Unexpected screenshot %q", st2.Screenshot)
	}
	if st2.CaptureID <= st.CaptureID {
		t.Errorf("Capture ids must increase: %d then %d", st.CaptureID, st2.CaptureID)
	}
}

func TestDriver_CloseOnce(t *testing.T) {
	rec := &recorder{}
	d := newTestDriver(t, rec)

	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
	if n := len(rec.calls("/session/drv")); n != 1 {
		t.Errorf("Expected one DELETE, got %d", n)
	}
}
