package mock

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

func TestDriver_RecordsActions(t *testing.T) {
	d := New(Config{})
	m := core.NewMatch(core.Bounds{X: 100, Y: 200, Width: 200, Height: 50}, 1)

	if err := d.Perform(context.Background(), core.Action{Kind: core.ActionTap}, &m); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	acts := d.Actions()
	if len(acts) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(acts))
	}
	if acts[0].Point != (core.Point{X: 200, Y: 225}) {
		t.Errorf("Expected tap at (200,225), got %+v", acts[0].Point)
	}
}

func TestDriver_FailOnAction(t *testing.T) {
	d := New(Config{FailOnAction: 2})
	ctx := context.Background()

	if err := d.Perform(ctx, core.Action{Kind: core.ActionTap}, nil); err != nil {
		t.Fatalf("first action should succeed: %v", err)
	}
	if err := d.Perform(ctx, core.Action{Kind: core.ActionTap}, nil); !errors.Is(err, core.ErrDriver) {
		t.Errorf("second action should fail with driver error, got %v", err)
	}

	lost := New(Config{FailOnAction: 1, FailWith: core.ErrDeviceDisconnected})
	if err := lost.Perform(ctx, core.Action{Kind: core.ActionTap}, nil); !errors.Is(err, core.ErrDeviceDisconnected) {
		t.Errorf("expected configured error, got %v", err)
	}
}

func TestDriver_Capture(t *testing.T) {
	d := New(Config{})
	st, err := d.Capture(context.Background(), core.CaptureRequest{Screenshot: true})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if st.Source != "" {
		t.Error("source should not be included when not requested")
	}
	if _, err := png.Decode(bytes.NewReader(st.Screenshot)); err != nil {
		t.Errorf("default screenshot should be a valid PNG: %v", err)
	}

	d.SetScreen(nil, "<hierarchy/>")
	st2, err := d.Capture(context.Background(), core.CaptureRequest{Source: true})
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if st2.Source != "<hierarchy/>" || st2.CaptureID != 2 {
		t.Errorf("unexpected capture %+v", st2)
	}
}

func TestDriver_DelayHonoursContext(t *testing.T) {
	d := New(Config{CaptureDelay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Capture(ctx, core.CaptureRequest{Screenshot: true})
	if !errors.Is(err, core.ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
}

func TestDriver_Close(t *testing.T) {
	d := New(Config{})
	_ = d.Close()
	_ = d.Close()
	if !d.Closed() || d.CloseCount() != 2 {
		t.Errorf("expected closed with 2 calls, got %v/%d", d.Closed(), d.CloseCount())
	}
	if err := d.Perform(context.Background(), core.Action{}, nil); !errors.Is(err, core.ErrDeviceDisconnected) {
		t.Errorf("expected disconnected after close, got %v", err)
	}
}

func TestFromFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.xml")
	if err := os.WriteFile(src, []byte("<hierarchy><x/></hierarchy>"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := FromFiles("", src)
	if err != nil {
		t.Fatalf("FromFiles failed: %v", err)
	}
	st, _ := d.Capture(context.Background(), core.CaptureRequest{Source: true})
	if st.Source != "<hierarchy><x/></hierarchy>" {
		t.Errorf("unexpected source %q", st.Source)
	}

	if _, err := FromFiles(filepath.Join(dir, "missing.png"), ""); err == nil {
		t.Error("expected error for missing screenshot")
	}
}
