package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type streamMode string

const (
	streamInstant streamMode = "instant"
	streamSmooth  streamMode = "smooth"
	streamQuiet   streamMode = "quiet"
)

func parseStreamMode(s string) (streamMode, error) {
	switch m := streamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", streamInstant:
		return streamInstant, nil
	case streamSmooth, streamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (expected instant, smooth, or quiet)", s)
	}
}

// fragmentWriter prints generated fragments. Smooth mode batches fragments
// and flushes when the batch grows or the interval passes; quiet mode prints
// nothing until Finish.
type fragmentWriter struct {
	mode streamMode
	out  *bufio.Writer
	raw  bool

	mu        sync.Mutex
	pending   strings.Builder
	all       strings.Builder
	lastFlush time.Time
	interval  time.Duration
	batchSize int
	now       func() time.Time
	err       error
}

func newFragmentWriter(w io.Writer, mode streamMode, raw bool) *fragmentWriter {
	return &fragmentWriter{
		mode:      mode,
		out:       bufio.NewWriterSize(w, 4096),
		raw:       raw,
		interval:  50 * time.Millisecond,
		batchSize: 64,
		now:       time.Now,
	}
}

// Write has the shape of inference.StreamFunc. The first output error is
// kept and reported by Finish.
func (w *fragmentWriter) Write(fragment string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.all.WriteString(fragment)
	if w.mode == streamQuiet {
		return
	}
	w.pending.WriteString(fragment)
	if w.mode == streamSmooth && w.pending.Len() < w.batchSize && w.now().Sub(w.lastFlush) < w.interval {
		return
	}
	if err := w.flushPending(); err != nil && w.err == nil {
		w.err = err
	}
}

// Finish flushes what is left and returns everything written so far.
func (w *fragmentWriter) Finish() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.mode == streamQuiet {
		w.pending.WriteString(w.all.String())
	}
	err := w.flushPending()
	if w.err != nil {
		err = w.err
		w.err = nil
	}
	text := w.all.String()
	w.all.Reset()
	return text, err
}

func (w *fragmentWriter) flushPending() error {
	if w.pending.Len() == 0 {
		return nil
	}
	text := w.pending.String()
	w.pending.Reset()
	if w.raw {
		text = escapeRaw(text)
	}
	if _, err := w.out.WriteString(text); err != nil {
		return err
	}
	w.lastFlush = w.now()
	return w.out.Flush()
}

// escapeRaw makes control characters visible; newlines are kept.
func escapeRaw(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || strconv.IsPrint(r) {
			b.WriteRune(r)
			continue
		}
		q := strconv.QuoteRune(r)
		b.WriteString(q[1 : len(q)-1])
	}
	return b.String()
}
