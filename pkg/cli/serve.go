package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/optics-runner/pkg/config"
	"github.com/devicelab-dev/optics-runner/pkg/events"
	"github.com/devicelab-dev/optics-runner/pkg/logger"
	"github.com/devicelab-dev/optics-runner/pkg/server"
	"github.com/devicelab-dev/optics-runner/pkg/session"
	"github.com/devicelab-dev/optics-runner/pkg/store"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Serve the session API over HTTP",
	Description: `Starts the REST, SSE and WebSocket API. Flags override OPTICS_*
environment variables, which override the defaults.

Examples:
  optics-runner serve
  optics-runner serve --port 9000 --store redis --redis-addr localhost:6379
  optics-runner serve --project ./project --replay-buffer 256`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "host",
			Usage: "Interface to listen on",
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "TCP port to listen on",
		},
		&cli.StringFlag{
			Name:  "store",
			Usage: "Execution log backend (memory, redis)",
		},
		&cli.StringFlag{
			Name:  "redis-addr",
			Usage: "Redis address for the redis store",
		},
		&cli.Float64Flag{
			Name:  "rate-limit",
			Usage: "Requests per second across all clients (0 disables)",
		},
		&cli.IntFlag{
			Name:  "rate-burst",
			Usage: "Burst size for the rate limiter",
		},
		&cli.DurationFlag{
			Name:  "default-timeout",
			Usage: "Per-keyword timeout when a request sets none",
		},
		&cli.IntFlag{
			Name:  "replay-buffer",
			Usage: "Events retained per session for late subscribers",
		},
		&cli.StringFlag{
			Name:  "artifacts-dir",
			Usage: "Directory for diagnostic screenshots of failed keywords",
		},
		&cli.StringFlag{
			Name:  "project",
			Usage: "Project directory whose config and definitions every session starts from",
		},
	},
	Action: runServe,
}

func runServe(c *cli.Context) error {
	cfg, err := serverConfig(c)
	if err != nil {
		return err
	}

	var base *config.SessionConfig
	if dir := c.String("project"); dir != "" {
		if base, err = config.LoadFromDir(dir); err != nil {
			return err
		}
	}

	if err := logger.Init(cfg.LogFile, cfg.LogLevel); err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, base)
}

// serverConfig layers flags over the environment over the defaults.
func serverConfig(c *cli.Context) (*config.ServerConfig, error) {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if c.IsSet("log-level") || c.Bool("verbose") {
		cfg.LogLevel = logLevel(c)
	}
	if c.IsSet("log-file") {
		cfg.LogFile = c.String("log-file")
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("store") {
		cfg.Store = c.String("store")
	}
	if c.IsSet("redis-addr") {
		cfg.RedisAddr = c.String("redis-addr")
	}
	if c.IsSet("rate-limit") {
		cfg.RateLimit = c.Float64("rate-limit")
	}
	if c.IsSet("rate-burst") {
		cfg.RateBurst = c.Int("rate-burst")
	}
	if c.IsSet("default-timeout") {
		cfg.DefaultTimeout = c.Duration("default-timeout")
	}
	if c.IsSet("replay-buffer") {
		cfg.ReplayBufferSize = c.Int("replay-buffer")
	}
	if c.IsSet("artifacts-dir") {
		cfg.ArtifactsDir = c.String("artifacts-dir")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve runs the API until ctx is cancelled, then terminates every
// session and closes the store.
func serve(ctx context.Context, cfg *config.ServerConfig, base *config.SessionConfig) error {
	st, err := store.New(ctx, cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus(events.Options{
		BufferSize: cfg.EventBufferSize,
		ReplaySize: cfg.ReplayBufferSize,
	})
	reg := session.NewRegistry(session.Options{
		Bus:       bus,
		Store:     st,
		Base:      base,
		Retention: cfg.TerminatedRetention,
		Logger:    slog.Default(),
	})
	srv := server.New(reg, cfg, slog.Default())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		err := reg.Shutdown(shutdownCtx)
		bus.Close()
		return errors.Join(err, st.Close())
	})

	return g.Wait()
}
