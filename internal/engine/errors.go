package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrLoad marks failures to construct a model context.
	ErrLoad = errors.New("model load failed")
	// ErrEval marks failures inside Evaluate.
	ErrEval = errors.New("model evaluation failed")
	// ErrClosed is returned by contexts used after Close.
	ErrClosed = errors.New("model context closed")
)

// LoadError reports why a model could not be opened.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error { return []error{ErrLoad, e.Err} }

// EvalError reports a failed evaluation at a given position.
type EvalError struct {
	Pos    int
	Tokens int
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %d token(s) at pos %d: %v", e.Tokens, e.Pos, e.Err)
}

func (e *EvalError) Unwrap() []error { return []error{ErrEval, e.Err} }
