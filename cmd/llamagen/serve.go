package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamagen/internal/api"
	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/engine/toy"
	"github.com/samcharles93/llamagen/internal/logger"
)

type serveSettings struct {
	addr        string
	readTimeout time.Duration
	parallel    int64
	maxLoaded   int64
	ttl         time.Duration
	rateLimit   float64
	burst       int64
}

func serveCmd() *cli.Command {
	var s serveSettings

	flags := loadFlags()
	flags = append(flags, requestFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Sources:     env("ADDR"),
			Destination: &s.addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &s.readTimeout,
		},
		&cli.Int64Flag{
			Name:        "parallel",
			Aliases:     []string{"np"},
			Usage:       "concurrent sessions per loaded model",
			Value:       1,
			Sources:     env("PARALLEL"),
			Destination: &s.parallel,
		},
		&cli.Int64Flag{
			Name:        "max-loaded",
			Usage:       "models kept in memory at once",
			Value:       1,
			Destination: &s.maxLoaded,
		},
		&cli.DurationFlag{
			Name:        "model-ttl",
			Usage:       "unload a model this long after it was loaded",
			Value:       30 * time.Minute,
			Destination: &s.ttl,
		},
		&cli.Float64Flag{
			Name:        "rate-limit",
			Usage:       "generation requests per second (0 = unlimited)",
			Destination: &s.rateLimit,
		},
		&cli.Int64Flag{
			Name:        "burst",
			Usage:       "rate limiter burst",
			Value:       4,
			Destination: &s.burst,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the completions HTTP API",
		Flags: flags,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			applyServeConfig(cmd, fileConfig, &s)
			return withConfig(ctx, cmd)
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			defaults, err := requestDefaults(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			defaultModel := modelPath
			if defaultModel == "" && modelsPath == "" {
				if b, _ := engine.Normalize(backend); b == engine.Toy {
					defaultModel = toy.BuiltinModel
				}
			}

			provider, err := api.NewCachedPoolProvider(api.ProviderConfig{
				DefaultModelPath: defaultModel,
				ModelsPath:       modelsPath,
				Backend:          backend,
				Engine:           engineConfig(),
				Options:          sessionOptions(log.WithGroup("session")),
				Parallel:         int(s.parallel),
				MaxLoaded:        int(s.maxLoaded),
				TTL:              s.ttl,
				Logger:           log.WithGroup("provider"),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := provider.Close(closeCtx); err != nil {
					log.Warn("unloading models", "error", err)
				}
			}()

			server := api.NewServer(provider, api.ServerConfig{
				Defaults:  defaults,
				RateLimit: s.rateLimit,
				Burst:     int(s.burst),
				Logger:    log.WithGroup("api"),
			})

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting server", "address", s.addr, "backend", backend, "model", defaultModel, "parallel", s.parallel)
			sc := echo.StartConfig{
				Address: s.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = s.readTimeout
					return nil
				},
			}
			if err := sc.Start(ctx, e); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return cli.Exit(fmt.Sprintf("error: serve: %v", err), 1)
			}
			return nil
		},
	}
}
