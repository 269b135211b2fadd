package inference

import (
	"errors"
	"fmt"

	"github.com/samcharles93/llamagen/internal/engine"
)

var (
	// ErrLoad aliases engine.ErrLoad so callers only need this package.
	ErrLoad = engine.ErrLoad
	// ErrEval aliases engine.ErrEval.
	ErrEval = engine.ErrEval

	ErrInvalidParameter = errors.New("invalid parameter")
	ErrTokenization     = errors.New("tokenization failed")
	ErrCancelled        = errors.New("generation cancelled")
	ErrSessionBusy      = errors.New("session is busy")
	ErrSessionClosed    = errors.New("session is closed")
	// ErrSessionPoisoned is returned once an evaluation failure has left the
	// context in an unknown state. The session must be recreated.
	ErrSessionPoisoned = errors.New("session must be recreated after an evaluation failure")
	ErrPoolClosed      = errors.New("pool is closed")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// GenerateError carries the text produced before a generation failed or was
// cancelled.
type GenerateError struct {
	Partial *Result
	Err     error
}

func (e *GenerateError) Error() string {
	if e.Partial == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (after %d tokens)", e.Err, e.Partial.Stats.TokensGenerated)
}

func (e *GenerateError) Unwrap() error { return e.Err }

// PartialResult extracts the partial output from err, if any.
func PartialResult(err error) (*Result, bool) {
	var ge *GenerateError
	if errors.As(err, &ge) && ge.Partial != nil {
		return ge.Partial, true
	}
	return nil, false
}
