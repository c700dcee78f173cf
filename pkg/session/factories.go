package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/detector/ocr"
	"github.com/devicelab-dev/optics-runner/pkg/detector/template"
	"github.com/devicelab-dev/optics-runner/pkg/detector/xpath"
	"github.com/devicelab-dev/optics-runner/pkg/driver/appium"
	"github.com/devicelab-dev/optics-runner/pkg/driver/hardware"
	"github.com/devicelab-dev/optics-runner/pkg/driver/mock"
)

type (
	// DriverFactory builds an exclusive ActionDriver for one session.
	// Drivers that can also capture are reused as the screen source
	DriverFactory func(ctx context.Context, cfg *config.SessionConfig) (core.ActionDriver, error)

	// SourceFactory builds a capture-only ScreenSource
	SourceFactory func(ctx context.Context, cfg *config.SessionConfig) (core.ScreenSource, error)

	// DetectorFactory builds a Detector
	DetectorFactory func(ctx context.Context, cfg *config.SessionConfig) (core.Detector, error)

	// Factories maps source names from session configs to builders
	Factories struct {
		Drivers   map[string]DriverFactory
		Sources   map[string]SourceFactory
		Detectors map[string]DetectorFactory
	}
)

// DefaultFactories registers every built-in driver, source and detector
func DefaultFactories() *Factories {
	return &Factories{
		Drivers: map[string]DriverFactory{
			appium.Name:        newAppium,
			hardware.InputName: newHardwareInput,
			mock.Name:          newMock,
		},
		Sources: map[string]SourceFactory{
			hardware.CameraName: newCamera,
		},
		Detectors: map[string]DetectorFactory{
			xpath.Name:    newXPath,
			ocr.Name:      newOCR,
			template.Name: newTemplate,
		},
	}
}

// Check reports unknown source names as a ConfigurationError
func (f *Factories) Check(cfg *config.SessionConfig) error {
	var problems []string
	for _, name := range cfg.DriverSources {
		if _, ok := f.Drivers[key(name)]; !ok {
			problems = append(problems, fmt.Sprintf(
				"unknown driver source %q (available: %s)", name, names(f.Drivers),
			))
		}
	}
	for _, name := range cfg.DetectionSources {
		if _, ok := f.Detectors[key(name)]; !ok {
			problems = append(problems, fmt.Sprintf(
				"unknown detection source %q (available: %s)", name, names(f.Detectors),
			))
		}
	}
	if s := cfg.ScreenSource; s != "" {
		_, isSource := f.Sources[key(s)]
		isDriver := contains(cfg.DriverSources, s)
		if !isSource && !isDriver {
			problems = append(problems, fmt.Sprintf(
				"screen source %q is neither a capture source nor a configured driver", s,
			))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return core.ErrConfiguration.
		WithMessage(strings.Join(problems, "; ")).
		WithDetails(map[string]any{"problems": problems})
}

func newAppium(ctx context.Context, cfg *config.SessionConfig) (core.ActionDriver, error) {
	if cfg.Appium.URL == "" {
		return nil, core.ErrConfiguration.WithMessage("appium driver requires appium.url")
	}
	return appium.NewDriver(ctx, cfg.Appium.URL, cfg.Appium.Capabilities)
}

func newHardwareInput(_ context.Context, cfg *config.SessionConfig) (core.ActionDriver, error) {
	if cfg.Hardware.ActionURL == "" {
		return nil, core.ErrConfiguration.WithMessage("hardware driver requires hardware.action_url")
	}
	return hardware.NewInputDevice(cfg.Hardware.ActionURL, nil), nil
}

func newMock(_ context.Context, cfg *config.SessionConfig) (core.ActionDriver, error) {
	if cfg.Mock.Screenshot == "" && cfg.Mock.Source == "" {
		return mock.New(mock.Config{}), nil
	}
	d, err := mock.FromFiles(resolve(cfg, cfg.Mock.Screenshot), resolve(cfg, cfg.Mock.Source))
	if err != nil {
		return nil, core.ErrConfiguration.WithCause(err).WithMessage("mock fixtures: " + err.Error())
	}
	return d, nil
}

func newCamera(_ context.Context, cfg *config.SessionConfig) (core.ScreenSource, error) {
	if cfg.Hardware.CameraAddr == "" {
		return nil, core.ErrConfiguration.WithMessage("camera source requires hardware.camera_addr")
	}
	return hardware.NewCamera(cfg.Hardware.CameraAddr), nil
}

func newXPath(context.Context, *config.SessionConfig) (core.Detector, error) {
	return xpath.New(), nil
}

func newOCR(_ context.Context, cfg *config.SessionConfig) (core.Detector, error) {
	if cfg.OCR.APIKey == "" {
		return nil, core.ErrConfiguration.WithMessage("ocr detector requires ocr.api_key")
	}
	rec := ocr.NewGoogleVision(cfg.OCR.Endpoint, cfg.OCR.APIKey, cfg.OCR.Language, nil)
	return ocr.New(rec, cfg.OCR.MinConfidence), nil
}

func newTemplate(_ context.Context, cfg *config.SessionConfig) (core.Detector, error) {
	return template.New(template.Config{
		Root:      cfg.ProjectPath,
		Threshold: cfg.Template.Threshold,
		Scales:    cfg.Template.Scales,
		CacheSize: cfg.Template.CacheSize,
	})
}

func resolve(cfg *config.SessionConfig, path string) string {
	if path == "" || cfg.ProjectPath == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.ProjectPath, path)
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if key(n) == key(name) {
			return true
		}
	}
	return false
}

func names[V any](m map[string]V) string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Strings(res)
	return strings.Join(res, ", ")
}
