package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/core"
	"github.com/devicelab-dev/optics-runner/pkg/executor"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
	"github.com/devicelab-dev/optics-runner/pkg/session"
)

// ErrRunFailed is returned when the module finishes with FAILURE or ERROR.
var ErrRunFailed = errors.New("run failed")

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run one module of a project in a local session",
	ArgsUsage: "<project-dir> <module>",
	Description: `Loads config.yaml and the definition files of a project, opens a
session in-process and runs the module through run_module.

Examples:
  optics-runner run ./project login
  optics-runner run ./project checkout -V user=alice -V item=42
  optics-runner run ./project smoke --driver mock --detector xpath --json`,
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "driver",
			Usage: "Driver sources in priority order, overrides the project",
		},
		&cli.StringSliceFlag{
			Name:  "detector",
			Usage: "Detection sources in priority order, overrides the project",
		},
		&cli.StringSliceFlag{
			Name:    "var",
			Aliases: []string{"V"},
			Usage:   "Session variable KEY=VALUE (repeatable)",
		},
		&cli.Float64Flag{
			Name:  "element-timeout",
			Usage: "Seconds to wait for an element, overrides the project",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Deadline for the whole module",
			Value: 10 * time.Minute,
		},
		&cli.StringFlag{
			Name:  "artifacts-dir",
			Usage: "Directory for diagnostic screenshots (default <home>/artifacts)",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print the result as JSON",
		},
	},
	Action: runModule,
}

func runModule(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected <project-dir> <module>, got %d argument(s)", c.NArg())
	}
	dir, module := c.Args().Get(0), c.Args().Get(1)

	vars, err := parseVars(c.StringSlice("var"))
	if err != nil {
		return err
	}

	if err := logger.Init(c.String("log-file"), logLevel(c)); err != nil {
		return err
	}
	defer logger.Close()

	project, err := config.LoadFromDir(dir)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	cfg := config.Merge(project, &config.SessionConfig{
		DriverSources:    c.StringSlice("driver"),
		DetectionSources: c.StringSlice("detector"),
		ElementTimeout:   c.Float64("element-timeout"),
		Variables:        vars,
	})

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runLocal(ctx, cfg, module, c.Duration("timeout"), c.String("artifacts-dir"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(c.App.Writer, res, 0)
	}

	if !res.Status.IsSuccess() {
		return fmt.Errorf("%w: module %s finished with %s", ErrRunFailed, module, res.Status)
	}
	return nil
}

// runLocal opens a throwaway session for cfg and runs module on it.
func runLocal(
	ctx context.Context, cfg *config.SessionConfig, module string, timeout time.Duration, artifacts string,
) (*core.ExecutionResult, error) {
	reg := session.NewRegistry(session.Options{Logger: slog.Default()})
	defer func() {
		if err := reg.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to terminate local session", logger.Error(err))
		}
	}()

	id, err := reg.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sess, err := reg.Get(id)
	if err != nil {
		return nil, err
	}

	if artifacts == "" {
		artifacts = config.GetArtifactsDir()
	}
	runner := executor.NewRunner(sess, executor.Options{ArtifactsDir: artifacts})
	return sess.Submit(ctx, timeout, func(ctx context.Context) *core.ExecutionResult {
		return runner.Execute(ctx, "run_module", []string{module})
	})
}

// printResult writes one line per invocation, nested steps indented.
func printResult(w io.Writer, res *core.ExecutionResult, depth int) {
	indent := strings.Repeat("  ", depth)
	line := fmt.Sprintf("%s%-7s %s", indent, res.Status, res.Keyword)
	if len(res.Params) > 0 {
		line += " " + strings.Join(res.Params, ", ")
	}
	line += fmt.Sprintf(" (%s)", res.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintln(w, line)

	if res.Error != nil && (depth == 0 || !hasSteps(res)) {
		_, _ = fmt.Fprintf(w, "%s  %s: %s\n", indent, res.Error.Code, res.Error.Message)
	}
	if res.Screenshot != "" {
		_, _ = fmt.Fprintf(w, "%s  screenshot: %s\n", indent, res.Screenshot)
	}

	if steps, ok := res.Data.([]*core.ExecutionResult); ok {
		for _, step := range steps {
			printResult(w, step, depth+1)
		}
	}
}

func hasSteps(res *core.ExecutionResult) bool {
	steps, ok := res.Data.([]*core.ExecutionResult)
	return ok && len(steps) > 0
}

// parseVars parses KEY=VALUE pairs; the value may itself contain '='.
func parseVars(pairs []string) (map[string]string, error) {
	result := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected KEY=VALUE", p)
		}
		result[key] = value
	}
	return result, nil
}
