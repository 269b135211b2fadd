package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/logger"
)

// OpenFunc creates one session. Pools call it at startup and to replace
// sessions disabled by an evaluation failure.
type OpenFunc func() (*Session, error)

// Pool hands out a fixed number of independent sessions over the same model,
// so that several generations can run concurrently.
type Pool struct {
	open     OpenFunc
	log      logger.Logger
	sessions chan *Session
	size     int
	alive    atomic.Int32

	// mu orders the closed check in Generate with wg.Add and Close.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
	// done is closed by Close or when the last session is lost.
	done     chan struct{}
	stopOnce sync.Once
}

// NewPool opens n sessions in parallel. If any open fails the ones that
// succeeded are closed again.
func NewPool(ctx context.Context, n int, open OpenFunc, log logger.Logger) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pool size must be > 0, got %d", n)
	}
	if log == nil {
		log = logger.Discard()
	}

	opened := make([]*Session, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := open()
			if err != nil {
				return err
			}
			opened[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range opened {
			if s != nil {
				_ = s.Close()
			}
		}
		return nil, err
	}

	p := &Pool{
		open:     open,
		log:      log,
		sessions: make(chan *Session, n),
		size:     n,
		done:     make(chan struct{}),
	}
	for _, s := range opened {
		p.sessions <- s
	}
	p.alive.Store(int32(n))
	return p, nil
}

// OpenPool is NewPool over Open.
func OpenPool(ctx context.Context, n int, backend, path string, cfg engine.Config, opts Options) (*Pool, error) {
	log := opts.Logger
	return NewPool(ctx, n, func() (*Session, error) {
		return Open(backend, path, cfg, opts)
	}, log)
}

// Size is the configured number of sessions.
func (p *Pool) Size() int { return p.size }

// Available is the number of idle sessions.
func (p *Pool) Available() int { return len(p.sessions) }

// Generate waits for an idle session and runs req on it.
func (p *Pool) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	p.mu.Lock()
	if err := p.unusable(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	var s *Session
	select {
	case s = <-p.sessions:
	case <-p.done:
		return nil, p.unusable()
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	}
	defer p.release(s)

	return s.Generate(ctx, req, stream)
}

func (p *Pool) unusable() error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if p.alive.Load() == 0 {
		return fmt.Errorf("%w: no usable sessions", ErrPoolClosed)
	}
	return nil
}

func (p *Pool) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Pool) release(s *Session) {
	if !s.Poisoned() {
		p.sessions <- s
		return
	}

	if err := s.Close(); err != nil {
		p.log.Warn("closing disabled session", "error", err)
	}
	if p.closed.Load() {
		p.lose()
		return
	}
	fresh, err := p.open()
	if err != nil {
		left := p.lose()
		p.log.Error("replacing disabled session", "error", err, "alive", left)
		return
	}
	p.sessions <- fresh
}

// lose drops a session for good. Waiters are released once none are left.
func (p *Pool) lose() int32 {
	left := p.alive.Add(-1)
	if left == 0 {
		p.stop()
	}
	return left
}

// Close wakes waiting callers, waits for running generations and closes
// every session.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return nil
	}
	p.stop()
	p.mu.Unlock()
	p.wg.Wait()

	var errs []error
	for {
		select {
		case s := <-p.sessions:
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errors.Join(errs...)
		}
	}
}

var _ Engine = (*Pool)(nil)
