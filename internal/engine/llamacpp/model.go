package llamacpp

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"

	"github.com/samcharles93/llamagen/internal/engine"
)

const seqID = llama.SeqId(0)

// Model is a loaded llama.cpp model with a single-sequence context.
type Model struct {
	mu     sync.Mutex
	cfg    engine.Config
	model  llama.Model
	vocab  llama.Vocab
	lctx   llama.Context
	mem    llama.Memory
	hasCtx bool
	nVocab int
	nCtx   int
	logits []float32
	piece  []byte
	batch  []llama.Token
	closed bool
}

func (m *Model) VocabSize() int { return m.nVocab }

func (m *Model) EOS() engine.Token { return engine.Token(llama.VocabEOS(m.vocab)) }

// ContextSize returns the context length llama.cpp allocated.
func (m *Model) ContextSize() int { return m.nCtx }

// Evaluate decodes tokens starting at pos. Cached state at pos and beyond is
// dropped first, so evaluating at an earlier position overwrites it.
func (m *Model) Evaluate(tokens []engine.Token, pos, threads int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fail := func(err error) error {
		return &engine.EvalError{Pos: pos, Tokens: len(tokens), Err: err}
	}
	switch {
	case m.closed:
		return fail(engine.ErrClosed)
	case !m.hasCtx:
		return fail(errors.New("model loaded with vocab_only"))
	case len(tokens) == 0:
		return fail(errors.New("no tokens"))
	case pos < 0:
		return fail(errors.New("negative position"))
	case m.nCtx > 0 && pos+len(tokens) > m.nCtx:
		return fail(fmt.Errorf("context window %d exceeded", m.nCtx))
	}

	llama.MemorySeqRm(m.mem, seqID, llama.Pos(pos), -1)

	m.batch = m.batch[:0]
	for _, t := range tokens {
		m.batch = append(m.batch, llama.Token(t))
	}
	ret, err := llama.Decode(m.lctx, llama.BatchGetOne(m.batch))
	if err != nil {
		return fail(err)
	}
	if ret != 0 {
		return fail(fmt.Errorf("decode returned %d", ret))
	}

	lg, err := llama.GetLogitsIth(m.lctx, -1, m.nVocab)
	if err != nil {
		return fail(err)
	}
	copy(m.logits, lg)
	return nil
}

func (m *Model) Logits() []float32 { return m.logits }

func (m *Model) TokenToText(tok engine.Token) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.piece == nil {
		m.piece = make([]byte, 64)
	}
	n := llama.TokenToPiece(m.vocab, llama.Token(tok), m.piece, 0, false)
	if n < 0 {
		m.piece = make([]byte, -n)
		n = llama.TokenToPiece(m.vocab, llama.Token(tok), m.piece, 0, false)
	}
	if n <= 0 {
		return ""
	}
	return string(m.piece[:n])
}

func (m *Model) Tokenize(text string, dst []engine.Token, addBOS bool) int {
	tokens := llama.Tokenize(m.vocab, text, addBOS, false)
	if len(tokens) > len(dst) {
		return -len(tokens)
	}
	for i, t := range tokens {
		dst[i] = engine.Token(t)
	}
	return len(tokens)
}

// Describe returns llama.cpp's one-line model description.
func (m *Model) Describe() string {
	return llama.ModelDesc(m.model)
}

// Meta returns the model metadata as llama.cpp reports it.
func (m *Model) Meta() map[string]string {
	count := llama.ModelMetaCount(m.model)
	out := make(map[string]string, count)
	for i := range count {
		key, ok := llama.ModelMetaKeyByIndex(m.model, i)
		if !ok {
			continue
		}
		// Token tables are huge and not useful to print.
		if strings.HasPrefix(key, "tokenizer.ggml.") && key != "tokenizer.ggml.model" {
			continue
		}
		if val, ok := llama.ModelMetaValStrByIndex(m.model, i); ok {
			out[key] = val
		}
	}
	return out
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.hasCtx {
		llama.Free(m.lctx)
	}
	llama.ModelFree(m.model)
	return nil
}

var _ engine.Handle = (*Model)(nil)
