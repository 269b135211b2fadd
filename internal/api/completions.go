package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/llamagen/internal/inference"
)

// generation is the outcome of one engine call.
type generation struct {
	model string
	res   *inference.Result
}

func (s *Server) run(ctx context.Context, modelID string, req *inference.Request, stream inference.StreamFunc, g *generation) error {
	return s.provider.WithEngine(ctx, modelID, func(eng inference.Engine, model string) error {
		g.model = model
		res, err := eng.Generate(ctx, req, stream)
		g.res = res
		return err
	})
}

func finishReason(r inference.StopReason) string {
	switch r {
	case inference.StopEOS:
		return "stop"
	case inference.StopMaxTokens:
		return "length"
	default:
		return string(r)
	}
}

func (s *Server) handleCompletions(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model provider not configured")
	}
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return writeBadRequest(c, "prompt is required")
	}

	streaming := req.Stream != nil && *req.Stream
	ireq, err := inference.ResolveRequest(inference.RequestOptions{
		Prompt:        req.Prompt,
		MaxTokens:     req.MaxTokens,
		RepeatPenalty: req.RepeatPenalty,
		Temperature:   req.Temperature,
		Verbose:       &streaming,
	}, s.defaults)
	if err != nil {
		return writeErr(c, err)
	}

	id := "cmpl-" + uuid.NewString()
	created := s.clock().Unix()
	if streaming {
		return s.streamCompletion(c, &req, &ireq, id, created)
	}

	var g generation
	if err := s.run(c.Request().Context(), req.Model, &ireq, nil, &g); err != nil {
		s.log.Warn("completion failed", "id", id, "model", req.Model, "error", err)
		return writeErr(c, err)
	}
	s.log.Info("completion", "id", id, "model", g.model, "tokens", g.res.Stats.TokensGenerated, "stop", g.res.Stats.StopReason)

	reason := finishReason(g.res.Stats.StopReason)
	return writeJSON(c, http.StatusOK, CompletionResponse{
		ID:      id,
		Object:  "text_completion",
		Created: created,
		Model:   g.model,
		Choices: []CompletionChoice{{
			Text:         g.res.Text,
			FinishReason: &reason,
		}},
		Usage: &CompletionUsage{
			PromptTokens:     g.res.Stats.PromptTokens,
			CompletionTokens: g.res.Stats.TokensGenerated,
			TotalTokens:      g.res.Stats.PromptTokens + g.res.Stats.TokensGenerated,
		},
	})
}

func (s *Server) streamCompletion(c *echo.Context, req *CompletionRequest, ireq *inference.Request, id string, created int64) error {
	var g generation
	chunk := func(text string, reason *string) CompletionResponse {
		return CompletionResponse{
			ID:      id,
			Object:  "text_completion",
			Created: created,
			Model:   g.model,
			Choices: []CompletionChoice{{Text: text, FinishReason: reason}},
		}
	}
	w, err := newSSEWriter(c, func(w *sseWriter, fragment string) error {
		return w.event("", chunk(fragment, nil))
	})
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	err = s.run(c.Request().Context(), req.Model, ireq, w.stream, &g)
	if err != nil {
		s.log.Warn("completion failed", "id", id, "model", req.Model, "error", err)
		if !w.started {
			return writeErr(c, err)
		}
		if partial, ok := inference.PartialResult(err); ok {
			w.settle(partial.Stats.StopReason)
		}
		_ = w.event("", errorBody{Error: apiError(err)})
		w.done()
		return nil
	}

	w.settle(g.res.Stats.StopReason)
	reason := finishReason(g.res.Stats.StopReason)
	final := chunk("", &reason)
	final.Usage = &CompletionUsage{
		PromptTokens:     g.res.Stats.PromptTokens,
		CompletionTokens: g.res.Stats.TokensGenerated,
		TotalTokens:      g.res.Stats.PromptTokens + g.res.Stats.TokensGenerated,
	}
	_ = w.event("", final)
	w.done()
	s.log.Info("completion", "id", id, "model", g.model, "tokens", g.res.Stats.TokensGenerated, "stop", g.res.Stats.StopReason, "stream", true)
	return nil
}
