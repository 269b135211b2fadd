package toy

import "math/rand"

// mat is a dense row-major matrix.
type mat struct {
	r, c int
	data []float32
}

func newMat(r, c int) mat {
	return mat{r: r, c: c, data: make([]float32, r*c)}
}

func (m mat) row(i int) []float32 {
	return m.data[i*m.c : (i+1)*m.c]
}

func (m *mat) fillRand(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.data {
		m.data[i] = rng.Float32()*2 - 1
	}
}

// LM is a single-layer bigram model: an embedding lookup followed by a
// projection back to vocabulary logits. It only looks at the last token.
type LM struct {
	Vocab  int
	Hidden int

	emb  mat // [Vocab x Hidden]
	w    mat // [Hidden x Vocab]
	Bias []float32
}

// NewLM builds a model whose weights are derived from seed.
func NewLM(vocab, hidden int, seed int64) *LM {
	m := &LM{
		Vocab:  vocab,
		Hidden: hidden,
		emb:    newMat(vocab, hidden),
		w:      newMat(hidden, vocab),
		Bias:   make([]float32, vocab),
	}
	m.emb.fillRand(seed + 11)
	m.w.fillRand(seed + 23)
	return m
}

// Forward writes the logits following tok into dst, which must hold Vocab
// entries. Out of range tokens wrap modulo Vocab.
func (m *LM) Forward(tok int, dst []float32) {
	if tok < 0 || tok >= m.Vocab {
		tok %= m.Vocab
		if tok < 0 {
			tok += m.Vocab
		}
	}
	h := m.emb.row(tok)
	for j := 0; j < m.Vocab; j++ {
		var sum float32
		for i := 0; i < m.Hidden; i++ {
			sum += h[i] * m.w.row(i)[j]
		}
		dst[j] = sum + m.Bias[j]
	}
}
