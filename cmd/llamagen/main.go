package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamagen/internal/logger"
)

// fileConfig holds the parsed config file for subcommand Before hooks.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:  "llamagen",
		Usage: "Token generation over llama.cpp models",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fileConfig = cfg
			setString(cmd, "log-level", cfg.LogLevel, &logLevel)
			setString(cmd, "log-format", cfg.LogFormat, &logFormat)

			level := logLevel
			if debug {
				level = "debug"
			}
			log, err := logger.ForFormat(logFormat, os.Stderr, logger.ParseLevel(level), isTerminal(os.Stderr))
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			serveCmd(),
			benchCmd(),
			inspectCmd(),
			modelsCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withConfig applies the config file before a model command runs and
// registers the engine backends.
func withConfig(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyConfig(cmd, fileConfig)
	registerBackends(logger.FromContext(ctx))
	return ctx, nil
}
