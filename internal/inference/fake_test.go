package inference

import (
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/llamagen/internal/engine"
)

type evalCall struct {
	Token engine.Token
	Pos   int
}

// scriptedEngine returns pre-baked logits, one vector per Logits call.
type scriptedEngine struct {
	mu sync.Mutex

	vocab  int
	eos    engine.Token
	prompt []engine.Token
	// tokenizeN overrides the tokenizer result when non-nil.
	tokenizeN     *int
	tokenizePanic bool

	script  [][]float32
	step    int
	current []float32
	// rewind restarts the script on every Tokenize, so each generation
	// sees the same logits.
	rewind bool

	failEvalAt int // 1-based evaluate call that fails; 0 never

	evals         []evalCall
	tokenizeCalls int
	closeCalls    int
}

func newScripted(vocab int, prompt []engine.Token) *scriptedEngine {
	return &scriptedEngine{
		vocab:   vocab,
		eos:     2,
		prompt:  prompt,
		current: make([]float32, vocab),
	}
}

// peak builds a logit vector whose argmax is tok.
func peak(vocab int, tok engine.Token) []float32 {
	l := make([]float32, vocab)
	l[tok] = 10
	return l
}

func (e *scriptedEngine) pick(tokens ...engine.Token) *scriptedEngine {
	for _, t := range tokens {
		e.script = append(e.script, peak(e.vocab, t))
	}
	return e
}

func (e *scriptedEngine) VocabSize() int { return e.vocab }

func (e *scriptedEngine) EOS() engine.Token { return e.eos }

func (e *scriptedEngine) Evaluate(tokens []engine.Token, pos, threads int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tokens {
		e.evals = append(e.evals, evalCall{Token: t, Pos: pos})
	}
	if e.failEvalAt > 0 && len(e.evals) == e.failEvalAt {
		return errors.New("device lost")
	}
	return nil
}

func (e *scriptedEngine) Logits() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.step < len(e.script) {
		copy(e.current, e.script[e.step])
	} else {
		copy(e.current, peak(e.vocab, e.eos))
	}
	e.step++
	return e.current
}

func (e *scriptedEngine) TokenToText(tok engine.Token) string {
	return fmt.Sprintf(" w%d", tok)
}

func (e *scriptedEngine) Tokenize(text string, dst []engine.Token, addBOS bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokenizeCalls++
	if e.rewind {
		e.step = 0
	}
	if e.tokenizePanic {
		panic("tokenizer exploded")
	}
	if e.tokenizeN != nil {
		return *e.tokenizeN
	}
	if len(e.prompt) > len(dst) {
		return -len(e.prompt)
	}
	return copy(dst, e.prompt)
}

func (e *scriptedEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeCalls++
	return nil
}

func (e *scriptedEngine) calls() []evalCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]evalCall(nil), e.evals...)
}

func (e *scriptedEngine) logitCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.step
}

var _ engine.Handle = (*scriptedEngine)(nil)
