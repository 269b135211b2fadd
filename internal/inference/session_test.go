package inference

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/logits"
)

func greedyRequest(prompt string, max int) *Request {
	return &Request{
		Prompt:        prompt,
		MaxTokens:     max,
		RepeatPenalty: 1,
		Mode:          logits.Greedy,
	}
}

func newTestSession(t *testing.T, e *scriptedEngine, opts Options) *Session {
	t.Helper()
	s, err := NewSession(e, opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGenerateStopsAtEOS(t *testing.T) {
	t.Parallel()
	e := newScripted(16, []engine.Token{1, 8, 9}).pick(5, 6, 7, 2)
	s := newTestSession(t, e, Options{})

	res, err := s.Generate(context.Background(), greedyRequest("a b", 10), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != " w5 w6 w7" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Stats.StopReason != StopEOS || res.Stats.TokensGenerated != 3 || res.Stats.PromptTokens != 3 {
		t.Fatalf("stats = %+v", res.Stats)
	}

	want := []evalCall{
		{Token: 1, Pos: 0}, {Token: 8, Pos: 1}, {Token: 9, Pos: 2},
		{Token: 5, Pos: 3}, {Token: 6, Pos: 4}, {Token: 7, Pos: 5},
	}
	if diff := cmp.Diff(want, e.calls()); diff != "" {
		t.Fatalf("evaluate calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]engine.Token{5, 6, 7}, res.Tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
}

func TestGenerateSingleStep(t *testing.T) {
	t.Parallel()
	e := newScripted(16, []engine.Token{1, 4}).pick(7, 7, 7)
	s := newTestSession(t, e, Options{})

	res, err := s.Generate(context.Background(), greedyRequest("Hello", 1), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if e.logitCalls() != 1 {
		t.Fatalf("decode steps = %d, want 1", e.logitCalls())
	}
	if got := len(e.calls()); got != 3 {
		t.Fatalf("evaluate calls = %d, want 3", got)
	}
	if res.Stats.StopReason != StopMaxTokens || res.Stats.TokensGenerated != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}
}

func TestGenerateInvalidParameters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
	}{
		{name: "zero tokens", req: Request{Prompt: "x", MaxTokens: 0, RepeatPenalty: 1}},
		{name: "too many tokens", req: Request{Prompt: "x", MaxTokens: 2001, RepeatPenalty: 1}},
		{name: "zero penalty", req: Request{Prompt: "x", MaxTokens: 5, RepeatPenalty: 0}},
		{name: "negative penalty", req: Request{Prompt: "x", MaxTokens: 5, RepeatPenalty: -1}},
		{name: "nan penalty", req: Request{Prompt: "x", MaxTokens: 5, RepeatPenalty: float32(math.NaN())}},
		{name: "nan temperature", req: Request{Prompt: "x", MaxTokens: 5, RepeatPenalty: 1, Temperature: float32(math.NaN())}},
		{name: "bad mode", req: Request{Prompt: "x", MaxTokens: 5, RepeatPenalty: 1, Mode: logits.Mode(9)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newScripted(8, []engine.Token{1}).pick(3)
			s := newTestSession(t, e, Options{})

			req := tt.req
			_, err := s.Generate(context.Background(), &req, nil)
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("expected ErrInvalidParameter, got %v", err)
			}
			if e.tokenizeCalls != 0 || len(e.calls()) != 0 {
				t.Fatalf("engine touched: tokenize=%d evals=%d", e.tokenizeCalls, len(e.calls()))
			}

			// The session stays usable.
			if _, err := s.Generate(context.Background(), greedyRequest("x", 1), nil); err != nil {
				t.Fatalf("follow-up generate: %v", err)
			}
		})
	}
}

func TestGenerateHistoryCapacity(t *testing.T) {
	t.Parallel()
	e := newScripted(8, []engine.Token{1})
	s := newTestSession(t, e, Options{MaxPromptTokens: 512, HistoryCapacity: 600})

	_, err := s.Generate(context.Background(), greedyRequest("x", 100), nil)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestGenerateTokenizationError(t *testing.T) {
	t.Parallel()
	for _, n := range []int{-5, 0} {
		e := newScripted(8, nil)
		e.tokenizeN = &n
		s := newTestSession(t, e, Options{})

		_, err := s.Generate(context.Background(), greedyRequest("hello", 4), nil)
		if !errors.Is(err, ErrTokenization) {
			t.Fatalf("n=%d: expected ErrTokenization, got %v", n, err)
		}
		if len(e.calls()) != 0 {
			t.Fatalf("n=%d: evaluate called %d times", n, len(e.calls()))
		}
		if s.Poisoned() {
			t.Fatalf("n=%d: tokenization error poisoned the session", n)
		}
	}
}

func TestGenerateTokenizerPanic(t *testing.T) {
	t.Parallel()
	e := newScripted(8, nil)
	e.tokenizePanic = true
	s := newTestSession(t, e, Options{})

	_, err := s.Generate(context.Background(), greedyRequest("hello", 4), nil)
	if !errors.Is(err, ErrTokenization) || !strings.Contains(err.Error(), "panic in Tokenize") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGeneratePromptOverflow(t *testing.T) {
	t.Parallel()
	prompt := make([]engine.Token, 10)
	e := newScripted(8, prompt)
	s := newTestSession(t, e, Options{MaxPromptTokens: 4})

	_, err := s.Generate(context.Background(), greedyRequest("long", 1), nil)
	if !errors.Is(err, ErrTokenization) {
		t.Fatalf("expected ErrTokenization, got %v", err)
	}
}

func TestGeneratePositionClamp(t *testing.T) {
	t.Parallel()
	e := newScripted(16, []engine.Token{1, 3, 4}).pick(5, 6, 7, 8, 9, 10)
	s := newTestSession(t, e, Options{ContextCap: 4})

	if _, err := s.Generate(context.Background(), greedyRequest("p", 6), nil); err != nil {
		t.Fatalf("generate: %v", err)
	}

	var got []int
	for _, c := range e.calls()[3:] {
		got = append(got, c.Pos)
	}
	want := []int{3, 4, 4, 4, 4, 4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("generated positions (-want +got):\n%s", diff)
	}
}

func TestGenerateVerboseStream(t *testing.T) {
	t.Parallel()
	e := newScripted(16, []engine.Token{1}).pick(5, 6, 2)
	s := newTestSession(t, e, Options{})

	var frags []string
	req := greedyRequest("p", 10)
	req.Verbose = true
	res, err := s.Generate(context.Background(), req, func(f string) { frags = append(frags, f) })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if diff := cmp.Diff([]string{" w5", " w6", "\n\n"}, frags); diff != "" {
		t.Fatalf("stream (-want +got):\n%s", diff)
	}
	if res.Text != " w5 w6" {
		t.Fatalf("text = %q", res.Text)
	}

	frags = nil
	e2 := newScripted(16, []engine.Token{1}).pick(5, 2)
	s2 := newTestSession(t, e2, Options{})
	if _, err := s2.Generate(context.Background(), greedyRequest("p", 10), func(f string) { frags = append(frags, f) }); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(frags) != 0 {
		t.Fatalf("non-verbose request streamed %v", frags)
	}
}

func TestGenerateCancelled(t *testing.T) {
	t.Parallel()
	e := newScripted(16, []engine.Token{1}).pick(5, 6, 7, 8)
	s := newTestSession(t, e, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := greedyRequest("p", 10)
	req.Verbose = true
	_, err := s.Generate(ctx, req, func(string) { cancel() })
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	partial, ok := PartialResult(err)
	if !ok {
		t.Fatalf("no partial result in %v", err)
	}
	if partial.Text != " w5" || partial.Stats.StopReason != StopCancelled {
		t.Fatalf("partial = %q, %+v", partial.Text, partial.Stats)
	}
	if s.Poisoned() {
		t.Fatalf("cancellation poisoned the session")
	}

	e.script, e.step = nil, 0
	e.pick(9)
	res, err := s.Generate(context.Background(), greedyRequest("p", 1), nil)
	if err != nil || res.Text != " w9" {
		t.Fatalf("follow-up = %v, %v", res, err)
	}
}

func TestGenerateEvalErrorPoisons(t *testing.T) {
	t.Parallel()
	e := newScripted(16, []engine.Token{1, 3}).pick(5, 6, 7)
	e.failEvalAt = 4 // second generated token
	s := newTestSession(t, e, Options{})

	_, err := s.Generate(context.Background(), greedyRequest("p", 10), nil)
	if !errors.Is(err, ErrEval) {
		t.Fatalf("expected ErrEval, got %v", err)
	}
	var ee *engine.EvalError
	if !errors.As(err, &ee) || ee.Pos != 3 {
		t.Fatalf("expected EvalError at pos 3, got %#v", err)
	}
	partial, ok := PartialResult(err)
	if !ok || partial.Text != " w5 w6" || partial.Stats.StopReason != StopError {
		t.Fatalf("partial = %+v, %v", partial, ok)
	}
	if !s.Poisoned() {
		t.Fatalf("session should be poisoned")
	}
	if _, err := s.Generate(context.Background(), greedyRequest("p", 1), nil); !errors.Is(err, ErrSessionPoisoned) {
		t.Fatalf("expected ErrSessionPoisoned, got %v", err)
	}
}

func TestGenerateRepeatPenaltyChangesChoice(t *testing.T) {
	t.Parallel()
	l := make([]float32, 8)
	l[5], l[6] = 2.0, 1.9

	run := func(penalty float32) engine.Token {
		e := newScripted(8, []engine.Token{1, 5})
		e.script = [][]float32{l}
		s := newTestSession(t, e, Options{})
		req := greedyRequest("p", 1)
		req.RepeatPenalty = penalty
		res, err := s.Generate(context.Background(), req, nil)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		return res.Tokens[0]
	}

	if got := run(1); got != 5 {
		t.Fatalf("penalty 1 picked %d, want 5", got)
	}
	if got := run(1.1); got != 6 {
		t.Fatalf("penalty 1.1 picked %d, want 6", got)
	}
}

func TestGenerateFreshHistoryPerCall(t *testing.T) {
	t.Parallel()
	l := make([]float32, 8)
	l[5], l[6] = 2.0, 1.9
	e := newScripted(8, []engine.Token{1})
	e.script = [][]float32{l, l, l}
	s := newTestSession(t, e, Options{})

	req := greedyRequest("p", 1)
	req.RepeatPenalty = 1.1
	for i := 0; i < 3; i++ {
		res, err := s.Generate(context.Background(), req, nil)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if res.Tokens[0] != 5 {
			t.Fatalf("call %d picked %d; history leaked across calls", i, res.Tokens[0])
		}
	}
}

func TestSessionBusy(t *testing.T) {
	t.Parallel()
	e := newScripted(8, []engine.Token{1}).pick(3, 4)
	s := newTestSession(t, e, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := greedyRequest("p", 2)
		req.Verbose = true
		var once sync.Once
		_, _ = s.Generate(context.Background(), req, func(string) {
			once.Do(func() {
				close(started)
				<-release
			})
		})
	}()

	<-started
	_, err := s.Generate(context.Background(), greedyRequest("p", 1), nil)
	close(release)
	wg.Wait()
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
}

func TestSessionCloseOnce(t *testing.T) {
	t.Parallel()
	e := newScripted(8, []engine.Token{1})
	s, err := NewSession(e, Options{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	if e.closeCalls != 1 {
		t.Fatalf("handle closed %d times", e.closeCalls)
	}
	if _, err := s.Generate(context.Background(), greedyRequest("p", 1), nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestNewSessionRejectsEmptyVocab(t *testing.T) {
	t.Parallel()
	if _, err := NewSession(newScripted(0, nil), Options{}); err == nil {
		t.Fatalf("expected error for empty vocabulary")
	}
	if _, err := NewSession(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil handle")
	}
}

func TestGenerateStats(t *testing.T) {
	t.Parallel()
	e := newScripted(8, []engine.Token{1}).pick(3, 4, 5)
	s := newTestSession(t, e, Options{})

	before := time.Now()
	res, err := s.Generate(context.Background(), greedyRequest("p", 3), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Stats.Duration < 0 || res.Stats.Duration > time.Since(before) {
		t.Fatalf("duration out of range: %v", res.Stats.Duration)
	}
	if res.Stats.TokensGenerated != 3 {
		t.Fatalf("tokens = %d", res.Stats.TokensGenerated)
	}
}
