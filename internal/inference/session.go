package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/logger"
	"github.com/samcharles93/llamagen/internal/logits"
)

// Session owns one model context and the buffers used to drive it. A session
// serves one generation at a time; concurrent calls fail with ErrSessionBusy.
type Session struct {
	mu      sync.Mutex
	handle  engine.Handle
	opts    Options
	log     logger.Logger
	sampler *logits.Sampler
	cands   *logits.Candidates
	prompt  []engine.Token
	history []engine.Token

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	poisoned  atomic.Bool
}

// Open loads path with the named backend and wraps it in a Session. When the
// sampling seed is unset the context seed is used.
func Open(backend, path string, cfg engine.Config, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if opts.Sampling.Seed < 0 {
		opts.Sampling.Seed = cfg.Seed
	}

	h, err := engine.Open(backend, path, cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(h, opts)
	if err != nil {
		_ = h.Close()
		return nil, &engine.LoadError{Path: path, Err: err}
	}
	s.log = s.log.With("model", path)
	s.log.Debug("session opened", "vocab", h.VocabSize(), "ctx", cfg.ContextWindow, "threads", s.opts.Threads)
	return s, nil
}

// NewSession wraps an already opened handle. The session takes ownership of
// the handle and closes it in Close.
func NewSession(h engine.Handle, opts Options) (*Session, error) {
	if h == nil {
		return nil, errors.New("nil engine handle")
	}
	opts = opts.withDefaults()
	vocab := h.VocabSize()
	if vocab <= 0 {
		return nil, fmt.Errorf("vocabulary size %d", vocab)
	}
	return &Session{
		handle:  h,
		opts:    opts,
		log:     opts.Logger,
		sampler: logits.NewSampler(opts.Sampling),
		cands:   logits.NewCandidates(vocab),
		prompt:  make([]engine.Token, opts.MaxPromptTokens),
		history: make([]engine.Token, 0, opts.HistoryCapacity),
	}, nil
}

// VocabSize is fixed for the session's lifetime.
func (s *Session) VocabSize() int { return s.cands.Vocab() }

// Options returns the effective session options.
func (s *Session) Options() Options { return s.opts }

// Sampler exposes the sampling pipeline, mostly for introspection.
func (s *Session) Sampler() *logits.Sampler { return s.sampler }

// Poisoned reports whether an evaluation failure disabled the session.
func (s *Session) Poisoned() bool { return s.poisoned.Load() }

// Generate runs one generation over req.Prompt. Each call starts from an
// empty history. On cancellation or evaluation failure the returned error is
// a *GenerateError carrying the partial result.
func (s *Session) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, invalidf("request is required")
	}
	if err := req.Validate(s.opts); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if s.poisoned.Load() {
		return nil, ErrSessionPoisoned
	}

	if !s.mu.TryLock() {
		return nil, ErrSessionBusy
	}
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.generate(ctx, req, stream)
}

// Close releases the model context. It waits for an in-flight generation and
// is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeErr = s.handle.Close()
		s.cands = logits.NewCandidates(0)
		s.history = nil
		s.log.Debug("session closed")
	})
	return s.closeErr
}

func (s *Session) safeEvaluate(tok engine.Token, pos int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &engine.EvalError{Pos: pos, Tokens: 1, Err: fmt.Errorf("panic in Evaluate: %v", rec)}
		}
	}()
	if err := s.handle.Evaluate([]engine.Token{tok}, pos, s.opts.Threads); err != nil {
		var ee *engine.EvalError
		if errors.As(err, &ee) {
			return err
		}
		return &engine.EvalError{Pos: pos, Tokens: 1, Err: err}
	}
	return nil
}

func (s *Session) safeTokenize(text string) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in Tokenize: %v", ErrTokenization, rec)
		}
	}()
	return s.handle.Tokenize(text, s.prompt, true), nil
}

var _ Engine = (*Session)(nil)
