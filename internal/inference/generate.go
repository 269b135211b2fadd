package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/logits"
)

// endOfStream is written to the verbose stream when the model emits EOS.
const endOfStream = "\n\n"

type generation struct {
	s      *Session
	req    *Request
	stream StreamFunc

	history []engine.Token
	text    strings.Builder
	res     Result
	start   time.Time
	genAt   time.Time
}

func (s *Session) generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	g := &generation{
		s:       s,
		req:     req,
		stream:  stream,
		history: s.history[:0],
		start:   time.Now(),
	}
	if err := g.ingestPrompt(ctx); err != nil {
		return g.fail(err)
	}
	if err := g.decode(ctx); err != nil {
		return g.fail(err)
	}
	return g.finish(), nil
}

// ingestPrompt tokenizes the prompt and feeds it one token per position.
func (g *generation) ingestPrompt(ctx context.Context) error {
	s := g.s
	n, err := s.safeTokenize(g.req.Prompt)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%w: prompt needs %d tokens, limit is %d", ErrTokenization, -n, len(s.prompt))
	}
	if n == 0 {
		return fmt.Errorf("%w: tokenizer returned %d tokens", ErrTokenization, n)
	}

	g.history = append(g.history, s.prompt[:n]...)
	g.res.Stats.PromptTokens = n

	for i, tok := range s.prompt[:n] {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}
		if err := s.safeEvaluate(tok, i); err != nil {
			return err
		}
	}
	g.res.Stats.PromptDuration = time.Since(g.start)
	return nil
}

func (g *generation) decode(ctx context.Context) error {
	s, req := g.s, g.req
	eos := s.handle.EOS()
	g.genAt = time.Now()
	g.res.Stats.StopReason = StopMaxTokens

	for step := 0; step < req.MaxTokens; step++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err)
		}

		if err := s.cands.Rebuild(s.handle.Logits()); err != nil {
			return &engine.EvalError{Pos: len(g.history) - 1, Err: err}
		}
		logits.ApplyRepeatPenalty(s.cands, g.history, req.RepeatPenalty)
		id := s.sampler.Sample(s.cands, req.Mode, req.Temperature)

		if id == eos {
			g.emit(endOfStream)
			g.res.Stats.StopReason = StopEOS
			return nil
		}

		frag := s.handle.TokenToText(id)
		g.text.WriteString(frag)
		g.emit(frag)

		g.history = append(g.history, id)
		g.res.Tokens = append(g.res.Tokens, id)

		pos := min(len(g.history)-1, s.opts.ContextCap)
		if err := s.safeEvaluate(id, pos); err != nil {
			return err
		}
	}
	return nil
}

func (g *generation) emit(fragment string) {
	if g.req.Verbose && g.stream != nil {
		g.stream(fragment)
	}
}

func (g *generation) finish() *Result {
	g.res.Text = g.text.String()
	g.res.Stats.TokensGenerated = len(g.res.Tokens)
	if !g.genAt.IsZero() {
		g.res.Stats.Duration = time.Since(g.genAt)
		if secs := g.res.Stats.Duration.Seconds(); secs > 0 {
			g.res.Stats.TPS = float64(g.res.Stats.TokensGenerated) / secs
		}
	}
	g.s.history = g.history[:0]

	g.s.log.Debug("generation finished",
		"prompt_tokens", g.res.Stats.PromptTokens,
		"tokens", g.res.Stats.TokensGenerated,
		"stop", g.res.Stats.StopReason,
		"tps", fmt.Sprintf("%.2f", g.res.Stats.TPS),
	)
	return &g.res
}

func (g *generation) fail(err error) (*Result, error) {
	switch {
	case errors.Is(err, ErrCancelled):
		g.res.Stats.StopReason = StopCancelled
	case errors.Is(err, engine.ErrEval):
		g.res.Stats.StopReason = StopError
		g.s.poisoned.Store(true)
		g.s.log.Error("evaluation failed, session disabled", "error", err)
	default:
		// Tokenization failures leave the context untouched.
		g.s.history = g.history[:0]
		return nil, err
	}
	return nil, &GenerateError{Partial: g.finish(), Err: err}
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
