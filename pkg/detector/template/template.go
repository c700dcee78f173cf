// Package template locates image templates on the screenshot using
// normalized cross-correlation at one or more scales
package template

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// Name is the detection source name
const Name = "template"

// TemplateDir is searched for relative template paths not found
// directly under the project root
const TemplateDir = "input_templates"

const (
	DefaultThreshold = 0.85
	DefaultCacheSize = 64
)

type (
	// Config tunes template matching
	Config struct {
		Root      string    // Project path templates are relative to
		Threshold float64   // Minimum correlation in [0,1]
		Scales    []float64 // Template scale factors tried in order
		CacheSize int       // Decoded templates kept in memory
	}

	// Detector matches image targets against the screenshot
	Detector struct {
		cfg   Config
		cache *lru.Cache[string, *image.Gray]

		mu         sync.Mutex
		lastID     uint64
		lastScreen *image.Gray
	}
)

var _ core.Detector = (*Detector)(nil)

// New creates a template detector
func New(cfg Config) (*Detector, error) {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold > 1 {
		return nil, core.ErrConfiguration.WithMessagef("template threshold %.2f above 1", cfg.Threshold)
	}
	if len(cfg.Scales) == 0 {
		cfg.Scales = []float64{1}
	}
	for _, s := range cfg.Scales {
		if s <= 0 {
			return nil, core.ErrConfiguration.WithMessagef("template scale %.2f must be positive", s)
		}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *image.Gray](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, cache: cache}, nil
}

func (d *Detector) Name() string { return Name }

// Needs reports that only the screenshot is required
func (d *Detector) Needs() core.CaptureRequest {
	return core.CaptureRequest{Screenshot: true}
}

// Supports reports image targets
func (d *Detector) Supports(k core.TargetKind) bool {
	return k == core.TargetImage
}

// Locate returns occurrences of the template in reading order
func (d *Detector) Locate(ctx context.Context, t core.Target, state *core.ScreenState) ([]core.Match, error) {
	if len(state.Screenshot) == 0 {
		return nil, fmt.Errorf("capture %d has no screenshot", state.CaptureID)
	}
	tmpl, err := d.template(t.Value)
	if err != nil {
		return nil, err
	}
	screen, err := d.screen(state)
	if err != nil {
		return nil, err
	}

	var found []scored
	for _, s := range d.cfg.Scales {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found = append(found, search(screen, scaleGray(tmpl, s), d.cfg.Threshold)...)
	}
	found = suppress(found)

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i].rect.Min, found[j].rect.Min
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})

	res := make([]core.Match, 0, len(found))
	for _, f := range found {
		res = append(res, core.NewMatch(core.Bounds{
			X:      f.rect.Min.X,
			Y:      f.rect.Min.Y,
			Width:  f.rect.Dx(),
			Height: f.rect.Dy(),
		}, math.Min(f.score, 1)))
	}
	return res, nil
}

func (d *Detector) screen(state *core.ScreenState) (*image.Gray, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastScreen != nil && d.lastID == state.CaptureID {
		return d.lastScreen, nil
	}
	img, err := state.Image()
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	g := toGray(img)
	d.lastID, d.lastScreen = state.CaptureID, g
	return g, nil
}

func (d *Detector) template(ref string) (*image.Gray, error) {
	name, err := d.resolvePath(ref)
	if err != nil {
		return nil, err
	}
	if g, ok := d.cache.Get(name); ok {
		return g, nil
	}
	data, err := d.readFile(name)
	if err != nil {
		return nil, core.ErrInvalidArgument.
			WithMessagef("template %q not readable", ref).
			WithCause(err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, core.ErrInvalidArgument.
			WithMessagef("template %q is not an image", ref).
			WithCause(err)
	}
	g := toGray(img)
	d.cache.Add(name, g)
	return g, nil
}

// resolvePath returns the template's path relative to the project root,
// trying TemplateDir when the file is not directly under the root.
// Absolute paths and paths leaving the root are rejected
func (d *Detector) resolvePath(ref string) (string, error) {
	name := filepath.Clean(filepath.FromSlash(ref))
	if !filepath.IsLocal(name) {
		return "", core.ErrInvalidArgument.
			WithMessagef("template %q must be a relative path inside the project", ref).
			WithDetails(map[string]any{"template": ref, "root": d.root()})
	}
	if _, err := os.Stat(filepath.Join(d.root(), name)); errors.Is(err, os.ErrNotExist) {
		alt := filepath.Join(TemplateDir, name)
		if _, err := os.Stat(filepath.Join(d.root(), alt)); err == nil {
			return alt, nil
		}
	}
	return name, nil
}

// readFile reads name without following symlinks out of the root
func (d *Detector) readFile(name string) ([]byte, error) {
	f, err := os.OpenInRoot(d.root(), name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (d *Detector) root() string {
	if d.cfg.Root == "" {
		return "."
	}
	return d.cfg.Root
}
