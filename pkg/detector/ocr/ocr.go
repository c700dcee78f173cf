// Package ocr locates text on the screenshot through a text recognizer
package ocr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Name is the detection source name
const Name = "ocr"

type (
	// TextRecognizer reads words from an image
	TextRecognizer interface {
		Recognize(ctx context.Context, img []byte) ([]Word, error)
	}

	// Word is one recognized token in reading order
	Word struct {
		Text       string
		Bounds     core.Bounds
		Confidence float64
	}

	// Detector matches text targets against recognized words
	Detector struct {
		rec           TextRecognizer
		minConfidence float64

		mu      sync.Mutex
		lastID  uint64
		lastOK  bool
		lastRes []Word
	}
)

var _ core.Detector = (*Detector)(nil)

// New creates an OCR detector. Words below minConfidence are ignored
func New(rec TextRecognizer, minConfidence float64) *Detector {
	return &Detector{rec: rec, minConfidence: minConfidence}
}

func (d *Detector) Name() string { return Name }

// Needs reports that only the screenshot is required
func (d *Detector) Needs() core.CaptureRequest {
	return core.CaptureRequest{Screenshot: true}
}

// Supports reports text targets
func (d *Detector) Supports(k core.TargetKind) bool {
	return k == core.TargetText
}

// Locate returns every phrase containing the target text in reading order
func (d *Detector) Locate(ctx context.Context, t core.Target, state *core.ScreenState) ([]core.Match, error) {
	if len(state.Screenshot) == 0 {
		return nil, fmt.Errorf("capture %d has no screenshot", state.CaptureID)
	}
	words, err := d.words(ctx, state)
	if err != nil {
		return nil, err
	}
	return FindPhrase(words, t.Value), nil
}

// words recognizes the capture once; later targets in the same cycle reuse it
func (d *Detector) words(ctx context.Context, state *core.ScreenState) ([]Word, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastOK && d.lastID == state.CaptureID {
		return d.lastRes, nil
	}
	words, err := d.rec.Recognize(ctx, state.Screenshot)
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}
	kept := words[:0:0]
	for _, w := range words {
		if w.Confidence >= d.minConfidence && strings.TrimSpace(w.Text) != "" {
			kept = append(kept, w)
		}
	}
	d.lastID, d.lastOK, d.lastRes = state.CaptureID, true, kept
	return kept, nil
}

// FindPhrase matches text against runs of words on the same line. A run
// matches when its joined text contains text, case-insensitively, starting
// in the run's first word
func FindPhrase(words []Word, text string) []core.Match {
	needle := strings.ToLower(strings.Join(strings.Fields(text), " "))
	if needle == "" {
		return nil
	}

	var res []core.Match
	for i := 0; i < len(words); i++ {
		first := strings.ToLower(strings.TrimSpace(words[i].Text))
		var sb strings.Builder
		bounds := words[i].Bounds
		conf := words[i].Confidence
		for j := i; j < len(words); j++ {
			if j > i {
				if !sameLine(words[j-1].Bounds, words[j].Bounds) {
					break
				}
				sb.WriteByte(' ')
				bounds = union(bounds, words[j].Bounds)
				conf = min(conf, words[j].Confidence)
			}
			sb.WriteString(strings.TrimSpace(words[j].Text))
			joined := sb.String()
			lower := strings.ToLower(joined)
			if idx := strings.Index(lower, needle); idx >= 0 && idx < len(first) {
				m := core.NewMatch(bounds, conf)
				m.Text = joined
				res = append(res, m)
				i = j
				break
			}
			if len(lower) >= len(first)+len(needle) {
				break
			}
		}
	}
	return res
}

func sameLine(a, b core.Bounds) bool {
	top, bottom := max(a.Y, b.Y), min(a.Y+a.Height, b.Y+b.Height)
	overlap := bottom - top
	return overlap > 0 && overlap*2 >= min(a.Height, b.Height)
}

func union(a, b core.Bounds) core.Bounds {
	x1, y1 := min(a.X, b.X), min(a.Y, b.Y)
	x2, y2 := max(a.X+a.Width, b.X+b.Width), max(a.Y+a.Height, b.Y+b.Height)
	return core.Bounds{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}
