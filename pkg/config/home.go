package config

import (
	"os"
	"path/filepath"
	"sync"
)

const envHome = "OPTICS_RUNNER_HOME"

var (
	homeOnce sync.Once
	homeDir  string
)

// GetHome returns the optics-runner home directory: $OPTICS_RUNNER_HOME,
// else <home> when the binary lives in <home>/bin, else the working
// directory. The result is cached for the life of the process
func GetHome() string {
	homeOnce.Do(func() {
		homeDir = resolveHome()
	})
	return homeDir
}

// GetArtifactsDir returns <home>/artifacts, the default location for
// diagnostic screenshots of local runs
func GetArtifactsDir() string {
	return filepath.Join(GetHome(), "artifacts")
}

func resolveHome() string {
	if env := os.Getenv(envHome); env != "" {
		return env
	}

	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		if dir := filepath.Dir(exe); filepath.Base(dir) == "bin" {
			return filepath.Dir(dir)
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// ResetHome drops the cached home directory
func ResetHome() {
	homeOnce = sync.Once{}
	homeDir = ""
}
