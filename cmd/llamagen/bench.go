package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamagen/internal/inference"
	"github.com/samcharles93/llamagen/internal/logger"
)

const benchPrompt = "The quick brown fox jumps over the lazy dog. Once upon a time"

func benchCmd() *cli.Command {
	var (
		prompt     string
		warmupRuns int64
		benchRuns  int64
	)

	flags := loadFlags()
	flags = append(flags, requestFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt to benchmark with",
			Value:       benchPrompt,
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "untimed warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "timed runs",
			Value:       3,
			Destination: &benchRuns,
		},
	)

	return &cli.Command{
		Name:   "bench",
		Usage:  "Benchmark generation throughput",
		Flags:  flags,
		Before: withConfig,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			if benchRuns < 1 {
				return cli.Exit("error: --runs must be at least 1", 1)
			}

			req, err := requestDefaults(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			req.Prompt = prompt

			path, err := resolveModelPath(modelPath, modelsPath, backend, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}

			loadStart := time.Now()
			session, err := inference.Open(backend, path, engineConfig(), sessionOptions(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = session.Close() }()
			loadDuration := time.Since(loadStart)

			fmt.Println("=== llamagen Benchmark ===")
			fmt.Printf("Model:    %s\n", path)
			fmt.Printf("Backend:  %s\n", backend)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("Threads:  %d\n", threads)
			fmt.Printf("Load:     %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Tokens:   %d (%s)\n", req.MaxTokens, req.Mode)
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			for i := range warmupRuns {
				if _, err := session.Generate(ctx, &req, nil); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			results := make([]inference.Stats, 0, benchRuns)
			for i := range benchRuns {
				res, err := session.Generate(ctx, &req, nil)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: run %d: %v", i+1, err), 1)
				}
				results = append(results, res.Stats)
			}

			printBenchResults(os.Stdout, results)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024), float64(mem.Sys)/(1024*1024))
			return nil
		},
	}
}

func promptTPS(s inference.Stats) float64 {
	if s.PromptDuration <= 0 {
		return 0
	}
	return float64(s.PromptTokens) / s.PromptDuration.Seconds()
}

func printBenchResults(w io.Writer, results []inference.Stats) {
	_, _ = fmt.Fprintln(w, "=== Results ===")
	_, _ = fmt.Fprintf(w, "%-6s %10s %10s %10s %8s %-10s\n", "Run", "Prompt", "Gen", "Duration", "Tokens", "Stop")
	_, _ = fmt.Fprintf(w, "%-6s %10s %10s %10s %8s %-10s\n", "---", "tps", "tps", "", "", "")

	var sumPrompt, sumGen float64
	for i, s := range results {
		p := promptTPS(s)
		sumPrompt += p
		sumGen += s.TPS
		_, _ = fmt.Fprintf(w, "%-6d %10.2f %10.2f %10s %8d %-10s\n",
			i+1, p, s.TPS, s.Duration.Round(time.Millisecond), s.TokensGenerated, s.StopReason)
	}
	if len(results) == 0 {
		return
	}
	n := float64(len(results))
	_, _ = fmt.Fprintf(w, "\n%-6s %10.2f %10.2f\n", "Avg", sumPrompt/n, sumGen/n)
}
