package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamagen/internal/gguf"
)

func modelsCmd() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List .gguf models in the models directory",
		Flags: modelFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			applyConfig(cmd, fileConfig)
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := strings.TrimSpace(modelsPath)
			if dir == "" {
				dir = strings.TrimSpace(os.Getenv(envModelsDir))
			}
			if dir == "" {
				return cli.Exit(fmt.Sprintf("error: --models-path is required unless %s is set", envModelsDir), 1)
			}
			models, err := discoverModels(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			listModels(os.Stdout, dir, models)
			return nil
		},
	}
}

func listModels(w io.Writer, dir string, models []string) {
	if len(models) == 0 {
		_, _ = fmt.Fprintf(w, "No .gguf models found in %s\n", dir)
		return
	}

	_, _ = fmt.Fprintf(w, "Models in %s:\n\n", dir)
	for _, path := range models {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		meta, err := gguf.Probe(path)
		if err != nil {
			_, _ = fmt.Fprintf(w, "  %-40s  (unreadable: %v)\n", name, err)
			continue
		}
		arch := meta.Architecture()
		if arch == "" {
			arch = "unknown"
		}
		_, _ = fmt.Fprintf(w, "  %-40s  %10s  %-12s  ctx %d\n", name, formatModelSize(meta.Size), arch, meta.ContextLength())
	}
	_, _ = fmt.Fprintf(w, "\n%d model(s) found\n", len(models))
}

func formatModelSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
