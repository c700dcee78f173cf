// Package config handles configuration for optics-runner
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/flow"
)

// SessionConfig represents a project configuration (config.yaml) or a
// session creation request
type SessionConfig struct {
	// Sources, in priority order
	DriverSources    []string `yaml:"driver_sources" json:"driver_sources"`
	DetectionSources []string `yaml:"detection_sources" json:"detection_sources"`
	ScreenSource     string   `yaml:"screen_source" json:"screen_source,omitempty"` // Defaults to the first driver that can capture

	ProjectPath string `yaml:"project_path" json:"project_path,omitempty"`

	// Source settings
	Appium   AppiumConfig   `yaml:"appium" json:"appium"`
	Hardware HardwareConfig `yaml:"hardware" json:"hardware"`
	Mock     MockConfig     `yaml:"mock" json:"mock"`
	OCR      OCRConfig      `yaml:"ocr" json:"ocr"`
	Template TemplateConfig `yaml:"template" json:"template"`

	// Execution settings
	ElementTimeout float64 `yaml:"element_timeout" json:"element_timeout,omitempty"` // Seconds
	MaxPending     int     `yaml:"max_pending" json:"max_pending,omitempty"`

	// Project definitions
	Elements  map[string]flow.Identifiers   `yaml:"elements" json:"elements,omitempty"`
	Modules   map[string]flow.Module        `yaml:"modules" json:"modules,omitempty"`
	Variables map[string]string             `yaml:"variables" json:"variables,omitempty"`
	APIs      map[string]flow.APICollection `yaml:"apis" json:"apis,omitempty"`
}

// AppiumConfig holds the WebDriver server connection
type AppiumConfig struct {
	URL          string         `yaml:"url" json:"url,omitempty"`
	Capabilities map[string]any `yaml:"capabilities" json:"capabilities,omitempty"`
}

// HardwareConfig holds the coordinate input and camera capture devices
type HardwareConfig struct {
	ActionURL  string `yaml:"action_url" json:"action_url,omitempty"`
	CameraAddr string `yaml:"camera_addr" json:"camera_addr,omitempty"` // host:port
}

// MockConfig points the mock source at fixture files
type MockConfig struct {
	Screenshot string `yaml:"screenshot" json:"screenshot,omitempty"`
	Source     string `yaml:"source" json:"source,omitempty"`
}

// OCRConfig selects and configures the text recognizer
type OCRConfig struct {
	Endpoint      string  `yaml:"endpoint" json:"endpoint,omitempty"`
	APIKey        string  `yaml:"api_key" json:"api_key,omitempty"`
	Language      string  `yaml:"language" json:"language,omitempty"`
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence,omitempty"`
}

// TemplateConfig tunes image template matching
type TemplateConfig struct {
	Threshold float64   `yaml:"threshold" json:"threshold,omitempty"`
	Scales    []float64 `yaml:"scales" json:"scales,omitempty"`
	CacheSize int       `yaml:"cache_size" json:"cache_size,omitempty"`
}

const (
	DefaultElementTimeout    = 10.0
	DefaultMaxPending        = 16
	DefaultAppiumURL         = "http://127.0.0.1:4723"
	DefaultTemplateThreshold = 0.85
	DefaultTemplateCacheSize = 64
	DefaultOCREndpoint       = "https://vision.googleapis.com/v1/images:annotate"
	MaxPendingLimit          = 1024
)

// Load loads a session configuration from a file
func Load(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	var cfg SessionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory and
// merges the project's definition files into it
func LoadFromDir(dir string) (*SessionConfig, error) {
	cfg, err := loadConfigFile(dir)
	if err != nil {
		return nil, err
	}

	defs, err := flow.ParseDirectory(dir)
	if err != nil {
		return nil, err
	}
	merged := &flow.Definitions{Elements: cfg.Elements, Modules: cfg.Modules, APIs: cfg.APIs}
	if err := merged.Merge(defs); err != nil {
		return nil, err
	}
	cfg.Elements = merged.Elements
	cfg.Modules = merged.Modules
	cfg.APIs = merged.APIs
	if cfg.ProjectPath == "" {
		cfg.ProjectPath = dir
	}
	return cfg, nil
}

func loadConfigFile(dir string) (*SessionConfig, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return empty config
	return &SessionConfig{}, nil
}

// WithDefaults returns a copy with zero-valued settings filled in
func (c *SessionConfig) WithDefaults() *SessionConfig {
	res := *c
	if res.ElementTimeout == 0 {
		res.ElementTimeout = DefaultElementTimeout
	}
	if res.MaxPending == 0 {
		res.MaxPending = DefaultMaxPending
	}
	if res.Appium.URL == "" {
		res.Appium.URL = DefaultAppiumURL
	}
	if res.Template.Threshold == 0 {
		res.Template.Threshold = DefaultTemplateThreshold
	}
	if res.Template.CacheSize == 0 {
		res.Template.CacheSize = DefaultTemplateCacheSize
	}
	if len(res.Template.Scales) == 0 {
		res.Template.Scales = []float64{1.0}
	}
	if res.OCR.Endpoint == "" {
		res.OCR.Endpoint = DefaultOCREndpoint
	}
	return &res
}

// Validate checks the configuration, returning a ConfigurationError
func (c *SessionConfig) Validate() error {
	var problems []string
	if len(c.DriverSources) == 0 {
		problems = append(problems, "at least one driver source is required")
	}
	if len(c.DetectionSources) == 0 {
		problems = append(problems, "at least one detection source is required")
	}
	if dup := firstDuplicate(c.DriverSources); dup != "" {
		problems = append(problems, fmt.Sprintf("driver source %q listed twice", dup))
	}
	if dup := firstDuplicate(c.DetectionSources); dup != "" {
		problems = append(problems, fmt.Sprintf("detection source %q listed twice", dup))
	}
	if c.ElementTimeout < 0 {
		problems = append(problems, "element_timeout must not be negative")
	}
	if c.MaxPending < 0 || c.MaxPending > MaxPendingLimit {
		problems = append(problems, fmt.Sprintf("max_pending must be between 0 and %d", MaxPendingLimit))
	}
	if c.Template.Threshold < 0 || c.Template.Threshold > 1 {
		problems = append(problems, "template threshold must be between 0 and 1")
	}
	for _, s := range c.Template.Scales {
		if s <= 0 {
			problems = append(problems, "template scales must be positive")
			break
		}
	}
	if c.ProjectPath != "" {
		if info, err := os.Stat(c.ProjectPath); err != nil || !info.IsDir() {
			problems = append(problems, fmt.Sprintf("project_path %q is not a directory", c.ProjectPath))
		}
	}
	if err := c.Definitions().Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) == 0 {
		return nil
	}
	return core.ErrConfiguration.
		WithMessage("invalid session configuration: " + strings.Join(problems, "; ")).
		WithDetails(map[string]any{"problems": problems})
}

// Timeout returns the element resolution timeout
func (c *SessionConfig) Timeout() time.Duration {
	return time.Duration(c.ElementTimeout * float64(time.Second))
}

// Merge returns base with every non-zero field of override applied.
// Maps are merged key by key
func Merge(base, override *SessionConfig) *SessionConfig {
	if base == nil {
		base = &SessionConfig{}
	}
	res := *base
	if override == nil {
		return &res
	}
	if len(override.DriverSources) > 0 {
		res.DriverSources = override.DriverSources
	}
	if len(override.DetectionSources) > 0 {
		res.DetectionSources = override.DetectionSources
	}
	if override.ScreenSource != "" {
		res.ScreenSource = override.ScreenSource
	}
	if override.ProjectPath != "" {
		res.ProjectPath = override.ProjectPath
	}
	if override.Appium.URL != "" {
		res.Appium.URL = override.Appium.URL
	}
	res.Appium.Capabilities = mergeMap(base.Appium.Capabilities, override.Appium.Capabilities)
	if override.Hardware.ActionURL != "" {
		res.Hardware.ActionURL = override.Hardware.ActionURL
	}
	if override.Hardware.CameraAddr != "" {
		res.Hardware.CameraAddr = override.Hardware.CameraAddr
	}
	if override.Mock != (MockConfig{}) {
		res.Mock = override.Mock
	}
	if override.OCR != (OCRConfig{}) {
		res.OCR = override.OCR
	}
	if override.Template.Threshold != 0 {
		res.Template.Threshold = override.Template.Threshold
	}
	if len(override.Template.Scales) > 0 {
		res.Template.Scales = override.Template.Scales
	}
	if override.Template.CacheSize != 0 {
		res.Template.CacheSize = override.Template.CacheSize
	}
	if override.ElementTimeout != 0 {
		res.ElementTimeout = override.ElementTimeout
	}
	if override.MaxPending != 0 {
		res.MaxPending = override.MaxPending
	}
	res.Elements = mergeMap(base.Elements, override.Elements)
	res.Modules = mergeMap(base.Modules, override.Modules)
	res.Variables = mergeMap(base.Variables, override.Variables)
	res.APIs = mergeMap(base.APIs, override.APIs)
	return &res
}

// Definitions returns the project definitions carried by the configuration
func (c *SessionConfig) Definitions() *flow.Definitions {
	return &flow.Definitions{
		SourcePath: c.ProjectPath,
		Elements:   c.Elements,
		Modules:    c.Modules,
		APIs:       c.APIs,
	}
}

func mergeMap[V any](base, override map[string]V) map[string]V {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	res := make(map[string]V, len(base)+len(override))
	maps.Copy(res, base)
	maps.Copy(res, override)
	return res
}

func firstDuplicate(names []string) string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if seen[key] {
			return n
		}
		seen[key] = true
	}
	return ""
}
