package inference

import (
	"context"
	"time"

	"github.com/samcharles93/llamagen/internal/engine"
)

// StreamFunc receives each text fragment as it is produced.
type StreamFunc func(fragment string)

// Engine is anything that can serve generation requests.
type Engine interface {
	Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error)
	Close() error
}

// StopReason explains why a generation ended.
type StopReason string

const (
	StopEOS       StopReason = "eos"
	StopMaxTokens StopReason = "max_tokens"
	StopCancelled StopReason = "cancelled"
	StopError     StopReason = "error"
)

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	PromptDuration  time.Duration
	Duration        time.Duration
	TPS             float64
	StopReason      StopReason
}

type Result struct {
	Text   string
	Tokens []engine.Token
	Stats  Stats
}
