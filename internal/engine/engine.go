// Package engine describes the narrow surface the generation loop needs from
// an inference engine: a model context that evaluates tokens and exposes
// logits, and a tokenizer.
package engine

// Token is a vocabulary id.
type Token = int32

// Config holds the load-time parameters of a model context.
type Config struct {
	ContextWindow   int   `yaml:"context_window" json:"context_window"`
	GPULayers       int   `yaml:"gpu_layers" json:"gpu_layers"`
	Seed            int64 `yaml:"seed" json:"seed"`
	HalfPrecisionKV bool  `yaml:"f16_kv" json:"f16_kv"`
	LogitsAll       bool  `yaml:"logits_all" json:"logits_all"`
	VocabOnly       bool  `yaml:"vocab_only" json:"vocab_only"`
	UseMmap         bool  `yaml:"use_mmap" json:"use_mmap"`
	UseMlock        bool  `yaml:"use_mlock" json:"use_mlock"`
	Embedding       bool  `yaml:"embedding" json:"embedding"`
}

// DefaultConfig mirrors llama.cpp's context defaults.
func DefaultConfig() Config {
	return Config{
		ContextWindow:   512,
		Seed:            -1,
		HalfPrecisionKV: true,
		UseMmap:         true,
	}
}

// Context is a loaded model plus its rolling evaluation state.
type Context interface {
	// VocabSize is fixed for the lifetime of the context.
	VocabSize() int
	// Evaluate feeds tokens starting at position pos.
	Evaluate(tokens []Token, pos, threads int) error
	// Logits returns the scores of the last evaluated token. The slice is
	// owned by the context and valid until the next Evaluate.
	Logits() []float32
	EOS() Token
	TokenToText(tok Token) string
	// Close releases the context. Calls after the first are no-ops.
	Close() error
}

// Tokenizer converts text to token ids.
type Tokenizer interface {
	// Tokenize writes ids into dst and returns the count. When dst is too
	// small it returns the negated number of ids required.
	Tokenize(text string, dst []Token, addBOS bool) int
}

// Handle is what a Backend hands out.
type Handle interface {
	Context
	Tokenizer
}
