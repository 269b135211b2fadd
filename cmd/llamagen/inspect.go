package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/gguf"
)

// describer is implemented by backends that can report their own view of
// the model.
type describer interface {
	Describe() string
	Meta() map[string]string
}

func inspectCmd() *cli.Command {
	var (
		showKV      bool
		showTensors bool
		tensorLimit int64
		native      bool
	)

	flags := append(modelFlags(),
		&cli.BoolFlag{
			Name:        "kv",
			Usage:       "print every metadata key",
			Value:       true,
			Destination: &showKV,
		},
		&cli.BoolFlag{
			Name:        "tensors",
			Usage:       "print the tensor table",
			Destination: &showTensors,
		},
		&cli.Int64Flag{
			Name:        "limit",
			Usage:       "maximum tensors to print (0 = all)",
			Value:       20,
			Destination: &tensorLimit,
		},
		&cli.BoolFlag{
			Name:        "native",
			Usage:       "also load the model (vocab only) and print what llama.cpp reports",
			Destination: &native,
		},
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect GGUF model metadata",
		ArgsUsage: "[model.gguf]",
		Flags:     flags,
		Before:    withConfig,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				p, err := resolveModelPath(modelPath, modelsPath, engine.LlamaCPP, os.Stdin, os.Stderr)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
				}
				path = p
			}

			meta, err := gguf.Probe(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			printMetadata(os.Stdout, meta, showKV, showTensors, int(tensorLimit))

			if !native {
				return nil
			}
			cfg := engineConfig()
			cfg.VocabOnly = true
			h, err := engine.Open(engine.LlamaCPP, path, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = h.Close() }()
			if d, ok := h.(describer); ok {
				printNative(os.Stdout, d, h.VocabSize())
			}
			return nil
		},
	}
}

func printMetadata(w io.Writer, meta *gguf.Metadata, showKV, showTensors bool, limit int) {
	_, _ = fmt.Fprintf(w, "File:       %s (%s)\n", meta.Path, formatModelSize(meta.Size))
	_, _ = fmt.Fprintf(w, "Version:    %d\n", meta.Header.Version)
	if name := meta.Name(); name != "" {
		_, _ = fmt.Fprintf(w, "Name:       %s\n", name)
	}
	if arch := meta.Architecture(); arch != "" {
		_, _ = fmt.Fprintf(w, "Arch:       %s\n", arch)
	}
	if n := meta.ContextLength(); n > 0 {
		_, _ = fmt.Fprintf(w, "Context:    %d\n", n)
	}
	if n := meta.VocabSize(); n > 0 {
		_, _ = fmt.Fprintf(w, "Vocab:      %d\n", n)
	}
	_, _ = fmt.Fprintf(w, "Tensors:    %d (%s params)\n", meta.Header.TensorCount, formatCount(meta.Parameters()))
	_, _ = fmt.Fprintf(w, "KV entries: %d\n", meta.Header.KVCount)

	if showKV {
		_, _ = fmt.Fprintln(w, "\nMetadata:")
		for _, k := range meta.Keys() {
			v := meta.KV[k]
			_, _ = fmt.Fprintf(w, "  %-48s %-7s %s\n", k, v.Type, v.Format())
		}
	}

	if showTensors {
		_, _ = fmt.Fprintln(w, "\nTensors:")
		for i, t := range meta.Tensors {
			if limit > 0 && i >= limit {
				_, _ = fmt.Fprintf(w, "  ... %d more\n", len(meta.Tensors)-limit)
				break
			}
			dims := make([]string, len(t.Dims))
			for j, d := range t.Dims {
				dims[j] = fmt.Sprint(d)
			}
			_, _ = fmt.Fprintf(w, "  %-48s %-6s [%s]\n", t.Name, t.Type, strings.Join(dims, ", "))
		}
	}
}

func printNative(w io.Writer, d describer, vocab int) {
	_, _ = fmt.Fprintln(w, "\nllama.cpp:")
	_, _ = fmt.Fprintf(w, "  %s (vocab %d)\n", d.Describe(), vocab)
	meta := d.Meta()
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "  %-48s %s\n", k, meta[k])
	}
}

func formatCount(n uint64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.2fK", float64(n)/1e3)
	default:
		return fmt.Sprint(n)
	}
}
