package inference

import (
	"github.com/samcharles93/llamagen/internal/logger"
	"github.com/samcharles93/llamagen/internal/logits"
)

const (
	// MaxOutputTokens is the largest accepted Request.MaxTokens.
	MaxOutputTokens = 2000

	DefaultThreads         = 4
	DefaultContextCap      = 500
	DefaultMaxPromptTokens = 512
	DefaultHistoryCapacity = 10000
)

// Options are the per-session tunables.
type Options struct {
	// Threads is passed to every Evaluate call.
	Threads int
	// ContextCap is the highest position a generated token is evaluated at.
	// Once the history grows past it, every new token is evaluated at
	// ContextCap and overwrites the previous one.
	ContextCap int
	// MaxPromptTokens bounds the tokenizer output buffer.
	MaxPromptTokens int
	// HistoryCapacity bounds prompt plus generated tokens.
	HistoryCapacity int
	Sampling        logits.Config
	Logger          logger.Logger
}

func DefaultOptions() Options {
	return Options{
		Threads:         DefaultThreads,
		ContextCap:      DefaultContextCap,
		MaxPromptTokens: DefaultMaxPromptTokens,
		HistoryCapacity: DefaultHistoryCapacity,
		Sampling:        logits.DefaultConfig(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Threads <= 0 {
		o.Threads = d.Threads
	}
	if o.ContextCap <= 0 {
		o.ContextCap = d.ContextCap
	}
	if o.MaxPromptTokens <= 0 {
		o.MaxPromptTokens = d.MaxPromptTokens
	}
	if o.HistoryCapacity <= 0 {
		o.HistoryCapacity = d.HistoryCapacity
	}
	if o.Sampling == (logits.Config{}) {
		o.Sampling = d.Sampling
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	return o
}
