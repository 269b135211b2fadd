package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/llamagen/internal/inference"
)

// sseWriter writes server-sent events. Headers are only committed on the
// first event, so a request rejected before any output still gets a plain
// JSON error response.
type sseWriter struct {
	c       *echo.Context
	w       io.Writer
	flush   func()
	started bool
	err     error

	// pending holds the last fragment back by one so the end-of-stream
	// marker emitted on EOS never reaches the client.
	pending    string
	hasPending bool
	send       func(fragment string) error
}

func newSSEWriter(c *echo.Context, send func(w *sseWriter, fragment string) error) (*sseWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	s := &sseWriter{c: c, w: res, flush: flusher.Flush}
	s.send = func(fragment string) error { return send(s, fragment) }
	return s, nil
}

func (s *sseWriter) begin() {
	if s.started {
		return
	}
	s.started = true
	h := s.c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.c.Response().WriteHeader(http.StatusOK)
}

// event writes one SSE frame. An empty name writes a bare data frame.
func (s *sseWriter) event(name string, v any) error {
	if s.err != nil {
		return s.err
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.err = err
		return err
	}
	s.begin()
	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
			s.err = err
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		s.err = err
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) done() {
	if s.err != nil {
		return
	}
	s.begin()
	_, s.err = fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flush()
}

// stream is the inference.StreamFunc side of the writer.
func (s *sseWriter) stream(fragment string) {
	if s.hasPending {
		_ = s.send(s.pending)
	}
	s.pending, s.hasPending = fragment, true
}

// settle flushes or drops the held-back fragment once generation returned.
func (s *sseWriter) settle(reason inference.StopReason) {
	if s.hasPending && reason != inference.StopEOS {
		_ = s.send(s.pending)
	}
	s.pending, s.hasPending = "", false
}
