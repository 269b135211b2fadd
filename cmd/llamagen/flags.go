package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/engine/llamacpp"
	"github.com/samcharles93/llamagen/internal/engine/toy"
	"github.com/samcharles93/llamagen/internal/inference"
	"github.com/samcharles93/llamagen/internal/logger"
	"github.com/samcharles93/llamagen/internal/logits"
)

const envPrefix = "LLAMAGEN_"

func env(name string) cli.ValueSourceChain {
	return cli.EnvVars(envPrefix + name)
}

var (
	modelPath  string
	modelsPath string
	backend    string
	libPath    string
	configFile string

	// Load-time parameters.
	ctxSize   int64
	gpuLayers int64
	seed      int64
	f16KV     bool
	logitsAll bool
	vocabOnly bool
	useMmap   bool
	useMlock  bool
	embedding bool

	// Runtime parameters.
	threads         int64
	contextCap      int64
	maxPromptTokens int64
	topK            int64
	tailFreeZ       float64
	typicalP        float64
	topP            float64

	logLevel  string
	logFormat string
	debug     bool
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .gguf file (or \"builtin\" with --backend toy)",
			Sources:     env("MODEL"),
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .gguf models",
			Sources:     env("MODELS_DIR"),
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "inference backend (auto, llamacpp, toy)",
			Value:       engine.Auto,
			Sources:     env("BACKEND"),
			Destination: &backend,
		},
		&cli.StringFlag{
			Name:        "lib-path",
			Usage:       "directory containing the llama.cpp shared libraries",
			Sources:     env("LIB_PATH"),
			Destination: &libPath,
		},
	}
}

// engineFlags are applied when the model is loaded.
func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "ctx-size",
			Aliases:     []string{"n-ctx", "c"},
			Usage:       "context window in tokens",
			Value:       512,
			Sources:     env("CTX_SIZE"),
			Destination: &ctxSize,
		},
		&cli.Int64Flag{
			Name:        "gpu-layers",
			Aliases:     []string{"ngl"},
			Usage:       "number of layers to offload to the GPU",
			Sources:     env("GPU_LAYERS"),
			Destination: &gpuLayers,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "RNG seed (-1 = random)",
			Value:       -1,
			Sources:     env("SEED"),
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "f16-kv",
			Usage:       "store the KV cache in half precision",
			Value:       true,
			Destination: &f16KV,
		},
		&cli.BoolFlag{
			Name:        "logits-all",
			Usage:       "compute logits for every evaluated token",
			Destination: &logitsAll,
		},
		&cli.BoolFlag{
			Name:        "vocab-only",
			Usage:       "load the vocabulary only (no evaluation)",
			Destination: &vocabOnly,
		},
		&cli.BoolFlag{
			Name:        "mmap",
			Usage:       "memory-map the model file",
			Value:       true,
			Destination: &useMmap,
		},
		&cli.BoolFlag{
			Name:        "mlock",
			Usage:       "lock the model in RAM",
			Destination: &useMlock,
		},
		&cli.BoolFlag{
			Name:        "embedding",
			Usage:       "create the context in embedding mode",
			Destination: &embedding,
		},
	}
}

// runtimeFlags shape every generation of a session.
func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "evaluation threads",
			Value:       inference.DefaultThreads,
			Sources:     env("THREADS"),
			Destination: &threads,
		},
		&cli.Int64Flag{
			Name:        "context-cap",
			Usage:       "highest position generated tokens are evaluated at",
			Value:       inference.DefaultContextCap,
			Destination: &contextCap,
		},
		&cli.Int64Flag{
			Name:        "max-prompt-tokens",
			Usage:       "prompt token limit",
			Value:       inference.DefaultMaxPromptTokens,
			Destination: &maxPromptTokens,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k"},
			Usage:       "top-k sampling parameter",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "tfs-z",
			Aliases:     []string{"tail-free-z"},
			Usage:       "tail free sampling parameter (1.0 = disabled)",
			Value:       1,
			Destination: &tailFreeZ,
		},
		&cli.Float64Flag{
			Name:        "typical-p",
			Usage:       "locally typical sampling parameter (1.0 = disabled)",
			Value:       1,
			Destination: &typicalP,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "top-p sampling parameter",
			Value:       0.95,
			Destination: &topP,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     env("LOG_LEVEL"),
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       logger.FormatAuto,
			Sources:     env("LOG_FORMAT"),
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default ~/.config/llamagen/config.yaml)",
			Sources:     env("CONFIG"),
			Destination: &configFile,
		},
	}
}

func loadFlags() []cli.Flag {
	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags, engineFlags()...)
	return append(flags, runtimeFlags()...)
}

func engineConfig() engine.Config {
	return engine.Config{
		ContextWindow:   int(ctxSize),
		GPULayers:       int(gpuLayers),
		Seed:            seed,
		HalfPrecisionKV: f16KV,
		LogitsAll:       logitsAll,
		VocabOnly:       vocabOnly,
		UseMmap:         useMmap,
		UseMlock:        useMlock,
		Embedding:       embedding,
	}
}

func sessionOptions(log logger.Logger) inference.Options {
	return inference.Options{
		Threads:         int(threads),
		ContextCap:      int(contextCap),
		MaxPromptTokens: int(maxPromptTokens),
		HistoryCapacity: inference.DefaultHistoryCapacity,
		Sampling: logits.Config{
			TopK:      int(topK),
			TailFreeZ: float32(tailFreeZ),
			TypicalP:  float32(typicalP),
			TopP:      float32(topP),
			MinKeep:   1,
			Seed:      -1,
		},
		Logger: log,
	}
}

// registerBackends makes both engines available to engine.Open.
func registerBackends(log logger.Logger) {
	engine.Register(llamacpp.Backend{
		LibPath: libPath,
		Threads: int(threads),
		Silent:  !debug && logLevel != "debug",
	})
	engine.Register(toy.Backend{})
	log.Debug("backends registered", "backends", engine.Registered())
}

var (
	maxTokens     int64
	repeatPenalty float64
	greedy        bool
	mode          string
	temperature   float64
)

// requestFlags set the per-call defaults.
func requestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n", "num-tokens"},
			Usage:       "number of tokens to generate (1-2000)",
			Value:       100,
			Destination: &maxTokens,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "penalty applied to tokens already in the history",
			Value:       1.1,
			Destination: &repeatPenalty,
		},
		&cli.BoolFlag{
			Name:        "greedy",
			Usage:       "always pick the highest scoring token",
			Destination: &greedy,
		},
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "sampling mode (greedy, stochastic)",
			Value:       "stochastic",
			Destination: &mode,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp"},
			Usage:       "sampling temperature",
			Value:       0.8,
			Destination: &temperature,
		},
	}
}

// requestDefaults resolves the request flags into the per-call template.
func requestDefaults(cmd *cli.Command) (inference.Request, error) {
	mt := int(maxTokens)
	opts := inference.RequestOptions{
		MaxTokens:     &mt,
		RepeatPenalty: &repeatPenalty,
		Mode:          &mode,
		Temperature:   &temperature,
	}
	if cmd.IsSet("greedy") {
		opts.Greedy = &greedy
	}
	return inference.ResolveRequest(opts, inference.DefaultRequest(""))
}
