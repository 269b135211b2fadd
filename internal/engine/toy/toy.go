// Package toy is a deterministic, dependency free engine backend. It pairs a
// whitespace word tokenizer with a tiny bigram LM so the generation loop can
// run end to end without model weights.
package toy

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/samcharles93/llamagen/internal/engine"
)

const (
	UnkToken engine.Token = 0
	BOSToken engine.Token = 1
	EOSToken engine.Token = 2

	hiddenSize = 16
)

// BuiltinModel is the path that selects the built-in vocabulary.
const BuiltinModel = "builtin"

var builtinWords = strings.Fields(`
the a an and or but of to in on at for with from by is was are were be been
it this that these those he she they we you i my your our their model token
text cat dog sat mat ran fast slow red blue green hello world tell me story
once upon time there lived small large quiet loud day night sun moon . , !`)

// Backend opens toy models. Path is either BuiltinModel or a text file whose
// whitespace separated words form the vocabulary.
type Backend struct{}

func (Backend) Name() string { return engine.Toy }

func (Backend) Open(path string, cfg engine.Config) (engine.Handle, error) {
	words := builtinWords
	if path != "" && path != BuiltinModel {
		w, err := readVocab(path)
		if err != nil {
			return nil, &engine.LoadError{Path: path, Err: err}
		}
		words = w
	}
	return New(words, cfg), nil
}

func readVocab(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var words []string
	sc := bufio.NewScanner(f)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		words = append(words, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, errors.New("empty vocabulary")
	}
	return words, nil
}

// Model implements engine.Handle.
type Model struct {
	mu     sync.Mutex
	cfg    engine.Config
	lm     *LM
	vocab  []string
	index  map[string]engine.Token
	logits []float32
	nPast  int
	evals  int
	closed bool
}

// New builds a model over the given words. Ids 0..2 are reserved for the
// unknown, BOS and EOS markers.
func New(words []string, cfg engine.Config) *Model {
	vocab := make([]string, 0, len(words)+3)
	vocab = append(vocab, "<unk>", "<s>", "</s>")
	index := make(map[string]engine.Token, len(words))
	for _, w := range words {
		if _, ok := index[w]; ok {
			continue
		}
		index[w] = engine.Token(len(vocab))
		vocab = append(vocab, w)
	}

	seed := cfg.Seed
	if seed < 0 {
		seed = 0
	}
	return &Model{
		cfg:    cfg,
		lm:     NewLM(len(vocab), hiddenSize, seed),
		vocab:  vocab,
		index:  index,
		logits: make([]float32, len(vocab)),
	}
}

// LM exposes the underlying weights, mostly so tests can bias them.
func (m *Model) LM() *LM { return m.lm }

func (m *Model) VocabSize() int { return len(m.vocab) }

func (m *Model) EOS() engine.Token { return EOSToken }

// Position returns the position following the last evaluated token.
func (m *Model) Position() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nPast
}

// Evaluations counts successful Evaluate calls.
func (m *Model) Evaluations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evals
}

func (m *Model) Evaluate(tokens []engine.Token, pos, threads int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fail := func(err error) error {
		return &engine.EvalError{Pos: pos, Tokens: len(tokens), Err: err}
	}
	switch {
	case m.closed:
		return fail(engine.ErrClosed)
	case m.cfg.VocabOnly:
		return fail(errors.New("model loaded with vocab_only"))
	case len(tokens) == 0:
		return fail(errors.New("no tokens"))
	case pos < 0:
		return fail(errors.New("negative position"))
	case m.cfg.ContextWindow > 0 && pos+len(tokens) > m.cfg.ContextWindow:
		return fail(fmt.Errorf("context window %d exceeded", m.cfg.ContextWindow))
	}
	for _, tok := range tokens {
		if tok < 0 || int(tok) >= len(m.vocab) {
			return fail(fmt.Errorf("token %d out of range", tok))
		}
	}

	m.lm.Forward(int(tokens[len(tokens)-1]), m.logits)
	m.nPast = pos + len(tokens)
	m.evals++
	return nil
}

func (m *Model) Logits() []float32 { return m.logits }

func (m *Model) TokenToText(tok engine.Token) string {
	if tok <= EOSToken || int(tok) >= len(m.vocab) {
		return ""
	}
	return " " + m.vocab[tok]
}

func (m *Model) Tokenize(text string, dst []engine.Token, addBOS bool) int {
	words := strings.Fields(text)
	n := len(words)
	if addBOS {
		n++
	}
	if n > len(dst) {
		return -n
	}

	i := 0
	if addBOS {
		dst[i] = BOSToken
		i++
	}
	for _, w := range words {
		id, ok := m.index[w]
		if !ok {
			id = UnkToken
		}
		dst[i] = id
		i++
	}
	return n
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ engine.Handle = (*Model)(nil)
