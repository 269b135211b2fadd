package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamagen/internal/inference"
	"github.com/samcharles93/llamagen/internal/logger"
)

func runCmd() *cli.Command {
	var (
		prompt     string
		streamFlag string
		rawOutput  bool
		verbose    bool
		showStats  bool
		cpuProfile string
		memProfile string
	)

	flags := loadFlags()
	flags = append(flags, requestFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (omit for interactive mode)",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, smooth, quiet)",
			Value:       string(streamInstant),
			Destination: &streamFlag,
		},
		&cli.BoolFlag{
			Name:        "raw-output",
			Usage:       "escape control characters in generated text",
			Destination: &rawOutput,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "write fragments as they are generated (false prints the text once finished)",
			Value:       true,
			Destination: &verbose,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Usage:       "print generation stats to stderr",
			Value:       true,
			Destination: &showStats,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
		&cli.StringFlag{
			Name:        "memprofile",
			Usage:       "write memory profile to file",
			Destination: &memProfile,
		},
	)

	return &cli.Command{
		Name:   "run",
		Usage:  "Generate text from a prompt or an interactive session",
		Flags:  flags,
		Before: withConfig,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			mode, err := parseStreamMode(streamFlag)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defaults, err := requestDefaults(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}
			if memProfile != "" {
				defer writeHeapProfile(memProfile)
			}

			path, err := resolveModelPath(modelPath, modelsPath, backend, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}

			session, err := inference.Open(backend, path, engineConfig(), sessionOptions(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = session.Close() }()

			r := &runner{
				session:  session,
				defaults: defaults,
				out:      newFragmentWriter(os.Stdout, mode, rawOutput),
				stdout:   os.Stdout,
				stderr:   os.Stderr,
				verbose:  verbose,
				stats:    showStats,
			}

			if prompt != "" {
				if err := r.once(ctx, prompt); err != nil {
					return cli.Exit(fmt.Sprintf("error: generation: %v", err), 1)
				}
				return nil
			}

			_, _ = fmt.Fprintln(os.Stderr, "Interactive mode. Type /exit to quit.")
			tty := rawModeSupported && stdinIsTTY()
			return r.repl(ctx, newLineReader(os.Stdin, os.Stdout, int(os.Stdin.Fd()), tty))
		},
	}
}

// runner drives generations for the run command.
type runner struct {
	session  *inference.Session
	defaults inference.Request
	out      *fragmentWriter
	stdout   io.Writer
	stderr   io.Writer
	verbose  bool
	stats    bool
}

// once runs a single generation. Ctrl+C cancels it and keeps the partial text.
func (r *runner) once(ctx context.Context, prompt string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	req := r.defaults
	req.Prompt = prompt
	req.Verbose = r.verbose

	res, err := r.session.Generate(ctx, &req, r.out.Write)
	if partial, ok := inference.PartialResult(err); ok && errors.Is(err, inference.ErrCancelled) {
		res, err = partial, nil
	}
	if err != nil {
		_, _ = r.out.Finish()
		return err
	}
	if !req.Verbose {
		r.out.Write(res.Text)
	}
	text, werr := r.out.Finish()
	if werr != nil {
		return fmt.Errorf("write output: %w", werr)
	}
	if !strings.HasSuffix(text, "\n") {
		_, _ = fmt.Fprintln(r.stdout)
	}
	if r.stats {
		s := res.Stats
		_, _ = fmt.Fprintf(r.stderr, "Stats: %.2f TPS (%d tokens in %s, prompt %d tokens in %s, stop=%s)\n",
			s.TPS, s.TokensGenerated, s.Duration, s.PromptTokens, s.PromptDuration, s.StopReason)
	}
	return nil
}

// repl treats every input line as an independent prompt.
func (r *runner) repl(ctx context.Context, lr *lineReader) error {
	for {
		line, err := lr.ReadLine("> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: read input: %v", err), 1)
		}
		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		if err := r.once(ctx, input); err != nil {
			_, _ = fmt.Fprintln(r.stderr, "error: generation:", err)
			if errors.Is(err, inference.ErrSessionPoisoned) || errors.Is(err, inference.ErrEval) {
				return cli.Exit("error: session is no longer usable", 1)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func writeHeapProfile(path string) {
	f, err := os.Create(path)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
		return
	}
	defer func() { _ = f.Close() }()
	if err := pprof.WriteHeapProfile(f); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
	}
}
