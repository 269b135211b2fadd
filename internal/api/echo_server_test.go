package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/inference"
	"github.com/samcharles93/llamagen/internal/logits"
)

type testProvider struct {
	engine inference.Engine
	models []string
	err    error
}

func (p testProvider) WithEngine(ctx context.Context, modelID string, fn func(eng inference.Engine, model string) error) error {
	if p.err != nil {
		return p.err
	}
	name := modelID
	if name == "" {
		name = "test-model"
	}
	return fn(p.engine, name)
}

func (p testProvider) ListModels() ([]string, error) {
	return p.models, nil
}

// testEngine replays fragments the way a session does: each one is streamed
// when verbose, followed by the end-of-stream marker on EOS.
type testEngine struct {
	mu        sync.Mutex
	fragments []string
	stop      inference.StopReason
	err       error
	seen      *inference.Request
}

func (e *testEngine) Generate(ctx context.Context, req *inference.Request, stream inference.StreamFunc) (*inference.Result, error) {
	e.mu.Lock()
	r := *req
	e.seen = &r
	e.mu.Unlock()

	res := &inference.Result{Stats: inference.Stats{PromptTokens: 3, StopReason: e.stop}}
	for i, f := range e.fragments {
		if req.Verbose && stream != nil {
			stream(f)
		}
		res.Text += f
		res.Tokens = append(res.Tokens, engine.Token(10+i))
	}
	res.Stats.TokensGenerated = len(res.Tokens)
	if e.err != nil {
		return nil, e.err
	}
	if e.stop == inference.StopEOS && req.Verbose && stream != nil {
		stream("\n\n")
	}
	return res, nil
}

func (e *testEngine) Close() error { return nil }

func (e *testEngine) lastRequest() inference.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.seen
}

func newTestEcho(eng inference.Engine, cfg ServerConfig) *echo.Echo {
	server := NewServer(testProvider{engine: eng, models: []string{"alpha", "beta"}}, cfg)
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, frame := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(frame) == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(frame, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			default:
				t.Fatalf("unexpected SSE line %q", line)
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestCompletionsSync(t *testing.T) {
	t.Parallel()

	eng := &testEngine{fragments: []string{" hello", " world"}, stop: inference.StopEOS}
	e := newTestEcho(eng, ServerConfig{})

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi","max_tokens":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var resp CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "cmpl-") || resp.Object != "text_completion" || resp.Model != "test-model" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Text != " hello world" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("unexpected finish reason: %v", resp.Choices[0].FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}

	want := inference.Request{Prompt: "hi", MaxTokens: 5, RepeatPenalty: 1.1, Mode: logits.Stochastic, Temperature: 0.8}
	if diff := cmp.Diff(want, eng.lastRequest()); diff != "" {
		t.Fatalf("engine request (-want +got):\n%s", diff)
	}
}

func TestCompletionsStream(t *testing.T) {
	t.Parallel()

	eng := &testEngine{fragments: []string{" hello", " world"}, stop: inference.StopEOS}
	e := newTestEcho(eng, ServerConfig{})

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if !eng.lastRequest().Verbose {
		t.Fatalf("streaming request must be verbose")
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) < 2 || events[len(events)-1].Data != "[DONE]" {
		t.Fatalf("stream not terminated with [DONE]: %+v", events)
	}

	var text strings.Builder
	var last CompletionResponse
	for _, ev := range events[:len(events)-1] {
		if err := json.Unmarshal([]byte(ev.Data), &last); err != nil {
			t.Fatalf("decode chunk %q: %v", ev.Data, err)
		}
		text.WriteString(last.Choices[0].Text)
	}
	if text.String() != " hello world" {
		t.Fatalf("streamed text = %q", text.String())
	}
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != "stop" {
		t.Fatalf("final chunk missing finish reason: %+v", last)
	}
	if last.Usage == nil || last.Usage.CompletionTokens != 2 {
		t.Fatalf("final chunk usage = %+v", last.Usage)
	}
}

func TestCompletionsLengthFinish(t *testing.T) {
	t.Parallel()

	eng := &testEngine{fragments: []string{" a", " b"}, stop: inference.StopMaxTokens}
	e := newTestEcho(eng, ServerConfig{})

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi","stream":true}`)
	events := parseSSE(t, rec.Body.String())
	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		var chunk CompletionResponse
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		text.WriteString(chunk.Choices[0].Text)
		if chunk.Choices[0].FinishReason != nil && *chunk.Choices[0].FinishReason != "length" {
			t.Fatalf("finish reason = %q", *chunk.Choices[0].FinishReason)
		}
	}
	if text.String() != " a b" {
		t.Fatalf("streamed text = %q", text.String())
	}
}

func TestCompletionsErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		engineErr   error
		providerErr error
		body        string
		wantStatus  int
		wantType    string
	}{
		{name: "empty prompt", body: `{"prompt":"  "}`, wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{name: "bad json", body: `{"prompt":`, wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{name: "invalid parameter", engineErr: fmt.Errorf("%w: max tokens", inference.ErrInvalidParameter), wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{name: "tokenization", engineErr: inference.ErrTokenization, wantStatus: http.StatusBadRequest, wantType: "invalid_request_error"},
		{name: "cancelled", engineErr: fmt.Errorf("%w: %w", inference.ErrCancelled, context.Canceled), wantStatus: http.StatusRequestTimeout, wantType: "request_cancelled"},
		{name: "eval", engineErr: &engine.EvalError{Pos: 3, Err: fmt.Errorf("decode failed")}, wantStatus: http.StatusInternalServerError, wantType: "server_error"},
		{name: "model not found", providerErr: fmt.Errorf("%w: %q", ErrModelNotFound, "x"), wantStatus: http.StatusNotFound, wantType: "not_found_error"},
		{name: "pool closed", providerErr: inference.ErrPoolClosed, wantStatus: http.StatusServiceUnavailable, wantType: "service_unavailable"},
		{name: "load", providerErr: &engine.LoadError{Path: "m.gguf", Err: fmt.Errorf("bad file")}, wantStatus: http.StatusInternalServerError, wantType: "server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			eng := &testEngine{err: tt.engineErr}
			server := NewServer(testProvider{engine: eng, err: tt.providerErr}, ServerConfig{})
			e := echo.New()
			server.Register(e)

			body := tt.body
			if body == "" {
				body = `{"prompt":"hi"}`
			}
			for _, path := range []string{"/v1/completions", "/v1/generate"} {
				rec := doJSON(t, e, http.MethodPost, path, body)
				if rec.Code != tt.wantStatus {
					t.Fatalf("%s: status %d, want %d body=%s", path, rec.Code, tt.wantStatus, rec.Body.String())
				}
				var eb errorBody
				if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
					t.Fatalf("%s: decode error body: %v", path, err)
				}
				if eb.Error.Type != tt.wantType {
					t.Fatalf("%s: error type %q, want %q", path, eb.Error.Type, tt.wantType)
				}
			}
		})
	}
}

func TestGenerateNative(t *testing.T) {
	t.Parallel()

	eng := &testEngine{fragments: []string{" x", " y", " z"}, stop: inference.StopMaxTokens}
	e := newTestEcho(eng, ServerConfig{})

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","greedy":true,"max_tokens":3,"repeat_penalty":1.3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Text != " x y z" || resp.Stats.StopReason != "max_tokens" || resp.Stats.TokensGenerated != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if diff := cmp.Diff([]int32{10, 11, 12}, resp.Tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}

	got := eng.lastRequest()
	if got.Mode != logits.Greedy || got.MaxTokens != 3 || got.RepeatPenalty != 1.3 {
		t.Fatalf("engine request = %+v", got)
	}
}

func TestGenerateRejectsUnknownMode(t *testing.T) {
	t.Parallel()
	e := newTestEcho(&testEngine{}, ServerConfig{})
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","mode":"beam"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestGenerateStreamEvents(t *testing.T) {
	t.Parallel()

	eng := &testEngine{fragments: []string{" x", " y"}, stop: inference.StopEOS}
	e := newTestEcho(eng, ServerConfig{})

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","stream":true}`)
	events := parseSSE(t, rec.Body.String())

	var names []string
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	if diff := cmp.Diff([]string{"token", "token", "done"}, names); diff != "" {
		t.Fatalf("event names (-want +got):\n%s", diff)
	}
	var done GenerateResponse
	if err := json.Unmarshal([]byte(events[2].Data), &done); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if done.Text != " x y" || done.Stats.StopReason != "eos" {
		t.Fatalf("done event = %+v", done)
	}
}

func TestGenerateStreamPartialError(t *testing.T) {
	t.Parallel()

	partial := &inference.Result{Text: " x y", Tokens: []engine.Token{10, 11}, Stats: inference.Stats{TokensGenerated: 2, StopReason: inference.StopCancelled}}
	eng := &testEngine{
		fragments: []string{" x", " y"},
		err:       &inference.GenerateError{Partial: partial, Err: fmt.Errorf("%w: %w", inference.ErrCancelled, context.Canceled)},
	}
	e := newTestEcho(eng, ServerConfig{})

	rec := doJSON(t, e, http.MethodPost, "/v1/generate", `{"prompt":"hi","stream":true}`)
	events := parseSSE(t, rec.Body.String())
	if len(events) != 3 || events[2].Name != "error" {
		t.Fatalf("unexpected events: %+v", events)
	}
	var resp GenerateResponse
	if err := json.Unmarshal([]byte(events[2].Data), &resp); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if resp.Text != " x y" || resp.Error == nil || resp.Error.Type != "request_cancelled" {
		t.Fatalf("error event = %+v", resp)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	eng := &testEngine{fragments: []string{" ok"}, stop: inference.StopEOS}
	e := newTestEcho(eng, ServerConfig{RateLimit: 0.001, Burst: 1})

	if rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi"}`); rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hi"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	// Read-only routes are not limited.
	if rec := doJSON(t, e, http.MethodGet, "/v1/models", ""); rec.Code != http.StatusOK {
		t.Fatalf("models: got %d", rec.Code)
	}
}

func TestHealthAndModels(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&testEngine{}, ServerConfig{})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("models status: %d", rec.Code)
	}
	var list ModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	var ids []string
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	if diff := cmp.Diff([]string{"alpha", "beta"}, ids); diff != "" {
		t.Fatalf("model ids (-want +got):\n%s", diff)
	}
}
