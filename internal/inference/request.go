package inference

import (
	"math"

	"github.com/samcharles93/llamagen/internal/logits"
)

// Request describes one generation call. It is not modified during the call.
type Request struct {
	Prompt        string
	MaxTokens     int
	RepeatPenalty float32
	Mode          logits.Mode
	Temperature   float32
	// Verbose streams fragments to the StreamFunc and ends the stream with a
	// blank line when the model emits EOS.
	Verbose bool
}

// RequestOptions holds caller overrides; nil fields keep the defaults.
type RequestOptions struct {
	Prompt        string
	MaxTokens     *int
	RepeatPenalty *float64
	Greedy        *bool
	Mode          *string
	Temperature   *float64
	Verbose       *bool
}

// DefaultRequest is what a bare prompt resolves to.
func DefaultRequest(prompt string) Request {
	return Request{
		Prompt:        prompt,
		MaxTokens:     100,
		RepeatPenalty: 1.1,
		Mode:          logits.Stochastic,
		Temperature:   0.8,
	}
}

// ResolveRequest applies opts over defaults. Validation happens in Generate.
func ResolveRequest(opts RequestOptions, defaults Request) (Request, error) {
	req := defaults
	req.Prompt = opts.Prompt

	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.RepeatPenalty != nil {
		req.RepeatPenalty = float32(*opts.RepeatPenalty)
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	if opts.Mode != nil {
		m, err := logits.ParseMode(*opts.Mode)
		if err != nil {
			return req, invalidf("%v", err)
		}
		req.Mode = m
	}
	if opts.Greedy != nil {
		if *opts.Greedy {
			req.Mode = logits.Greedy
		} else if opts.Mode == nil {
			req.Mode = logits.Stochastic
		}
	}
	if opts.Verbose != nil {
		req.Verbose = *opts.Verbose
	}
	return req, nil
}

// Validate checks the request against the session limits.
func (r Request) Validate(o Options) error {
	if r.MaxTokens < 1 || r.MaxTokens > MaxOutputTokens {
		return invalidf("max tokens %d outside [1, %d]", r.MaxTokens, MaxOutputTokens)
	}
	if math.IsNaN(float64(r.RepeatPenalty)) || r.RepeatPenalty <= 0 {
		return invalidf("repeat penalty must be > 0, got %v", r.RepeatPenalty)
	}
	if math.IsNaN(float64(r.Temperature)) || math.IsInf(float64(r.Temperature), 0) {
		return invalidf("temperature must be finite, got %v", r.Temperature)
	}
	if r.Mode != logits.Greedy && r.Mode != logits.Stochastic {
		return invalidf("unknown mode %v", r.Mode)
	}
	if o.MaxPromptTokens+r.MaxTokens > o.HistoryCapacity {
		return invalidf("max tokens %d with prompt limit %d exceeds history capacity %d",
			r.MaxTokens, o.MaxPromptTokens, o.HistoryCapacity)
	}
	return nil
}
