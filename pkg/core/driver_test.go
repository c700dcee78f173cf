package core

import (
	"bytes"
	"image"
	"image/png"
	"testing"
)

func TestBounds_Center(t *testing.T) {
	b := Bounds{X: 100, Y: 200, Width: 50, Height: 30}
	if got := b.Center(); got != (Point{X: 125, Y: 215}) {
		t.Errorf("Center() = %+v, want (125, 215)", got)
	}
}

func TestBounds_Contains(t *testing.T) {
	b := Bounds{X: 10, Y: 10, Width: 20, Height: 20}
	tests := []struct {
		p    Point
		want bool
	}{
		{Point{10, 10}, true},
		{Point{29, 29}, true},
		{Point{30, 30}, false},
		{Point{9, 15}, false},
	}
	for _, tt := range tests {
		if got := b.Contains(tt.p); got != tt.want {
			t.Errorf("Contains(%+v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestAction_TargetPoint(t *testing.T) {
	m := NewMatch(Bounds{X: 0, Y: 0, Width: 100, Height: 100}, 1)
	a := Action{Kind: ActionTap, Point: Point{5, 5}, Offset: Point{10, -10}}

	if got := a.TargetPoint(&m); got != (Point{60, 40}) {
		t.Errorf("TargetPoint(match) = %+v, want (60, 40)", got)
	}
	if got := a.TargetPoint(nil); got != (Point{5, 5}) {
		t.Errorf("TargetPoint(nil) = %+v, want (5, 5)", got)
	}
	if a.Times() != 1 {
		t.Errorf("Times() = %d, want 1", a.Times())
	}
}

func TestCaptureRequest(t *testing.T) {
	shot := CaptureRequest{Screenshot: true}
	src := CaptureRequest{Source: true}
	both := shot.Merge(src)

	if !both.Screenshot || !both.Source {
		t.Errorf("Merge() = %+v, want both parts", both)
	}
	if !both.Satisfies(shot) || !both.Satisfies(src) {
		t.Error("union should satisfy each part")
	}
	if shot.Satisfies(src) {
		t.Error("screenshot-only source should not satisfy a source request")
	}
}

func TestScreenState_Size(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 32, 16))); err != nil {
		t.Fatal(err)
	}
	s := &ScreenState{CaptureID: 1, Screenshot: buf.Bytes()}

	w, h, err := s.Size()
	if err != nil {
		t.Fatalf("Size() error: %v", err)
	}
	if w != 32 || h != 16 {
		t.Errorf("Size() = %dx%d, want 32x16", w, h)
	}

	empty := &ScreenState{CaptureID: 2}
	if _, err := empty.Image(); err == nil {
		t.Error("Image() should fail without a screenshot")
	}
}

func TestDescriptor_Immutable(t *testing.T) {
	targets := []Target{{Kind: TargetXPath, Value: "//a"}}
	d := NewDescriptor("link", 0, targets...)
	targets[0].Value = "//b"

	if d.Targets()[0].Value != "//a" {
		t.Error("descriptor should copy its targets")
	}
	d.Targets()[0].Value = "//c"
	if d.Targets()[0].Value != "//a" {
		t.Error("Targets() should return a copy")
	}
	if d2 := d.WithIndex(3); d2.Index() != 3 || d.Index() != 0 {
		t.Error("WithIndex() should not modify the original")
	}
}
