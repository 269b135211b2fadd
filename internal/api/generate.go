package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/llamagen/internal/inference"
)

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model provider not configured")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
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
		Greedy:        req.Greedy,
		Mode:          req.Mode,
		Temperature:   req.Temperature,
		Verbose:       &streaming,
	}, s.defaults)
	if err != nil {
		return writeErr(c, err)
	}

	id := "gen-" + uuid.NewString()
	if streaming {
		return s.streamGenerate(c, &req, &ireq, id)
	}

	var g generation
	if err := s.run(c.Request().Context(), req.Model, &ireq, nil, &g); err != nil {
		s.log.Warn("generate failed", "id", id, "model", req.Model, "error", err)
		return writeErr(c, err)
	}
	s.log.Info("generate", "id", id, "model", g.model, "tokens", g.res.Stats.TokensGenerated, "stop", g.res.Stats.StopReason)
	return writeJSON(c, http.StatusOK, generateResponse(id, g.model, g.res))
}

func (s *Server) streamGenerate(c *echo.Context, req *GenerateRequest, ireq *inference.Request, id string) error {
	w, err := newSSEWriter(c, func(w *sseWriter, fragment string) error {
		return w.event("token", TokenEvent{Text: fragment})
	})
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	var g generation
	err = s.run(c.Request().Context(), req.Model, ireq, w.stream, &g)
	if err != nil {
		s.log.Warn("generate failed", "id", id, "model", req.Model, "error", err)
		if !w.started {
			return writeErr(c, err)
		}
		resp := GenerateResponse{ID: id, Model: g.model}
		if partial, ok := inference.PartialResult(err); ok {
			w.settle(partial.Stats.StopReason)
			resp = generateResponse(id, g.model, partial)
		}
		e := apiError(err)
		resp.Error = &e
		_ = w.event("error", resp)
		return nil
	}

	w.settle(g.res.Stats.StopReason)
	_ = w.event("done", generateResponse(id, g.model, g.res))
	return nil
}

func generateResponse(id, model string, res *inference.Result) GenerateResponse {
	tokens := res.Tokens
	if tokens == nil {
		tokens = []int32{}
	}
	return GenerateResponse{
		ID:     id,
		Model:  model,
		Text:   res.Text,
		Tokens: tokens,
		Stats: GenerateStats{
			PromptTokens:     res.Stats.PromptTokens,
			TokensGenerated:  res.Stats.TokensGenerated,
			PromptDurationMS: float64(res.Stats.PromptDuration) / float64(time.Millisecond),
			DurationMS:       float64(res.Stats.Duration) / float64(time.Millisecond),
			TPS:              res.Stats.TPS,
			StopReason:       string(res.Stats.StopReason),
		},
	}
}
