// Package cli provides the command-line interface for optics-runner.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Value:   "info",
		EnvVars: []string{"OPTICS_LOG_LEVEL"},
	},
	&cli.StringFlag{
		Name:    "log-file",
		Usage:   "Write JSON logs to this file instead of stderr",
		EnvVars: []string{"OPTICS_LOG_FILE"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable debug logging",
		EnvVars: []string{"OPTICS_VERBOSE"},
	},
}

// NewApp builds the command tree.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "optics-runner",
		Usage:   "Vision-assisted UI automation runner",
		Version: Version,
		Description: `optics-runner locates UI elements through page-source, OCR and image
detection and drives devices through Appium, hardware rigs or a mock.

Examples:
  optics-runner serve --port 8000
  optics-runner run ./project login -V user=alice
  optics-runner keywords --json`,
		Flags: GlobalFlags,
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			keywordsCommand,
		},
	}
}

// Execute runs the CLI.
func Execute() {
	if err := NewApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// logLevel resolves the effective level from the global flags.
func logLevel(c *cli.Context) string {
	if c.Bool("verbose") {
		return "debug"
	}
	return c.String("log-level")
}
