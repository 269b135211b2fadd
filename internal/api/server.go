package api

import (
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/llamagen/internal/inference"
	"github.com/samcharles93/llamagen/internal/logger"
	"github.com/samcharles93/llamagen/internal/version"
)

type ServerConfig struct {
	// Defaults fill in fields a request leaves unset.
	Defaults inference.Request
	// RateLimit is the sustained number of generation requests per second.
	// Zero disables limiting.
	RateLimit float64
	Burst     int
	Logger    logger.Logger
}

type Server struct {
	provider Provider
	defaults inference.Request
	limiter  *rate.Limiter
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(provider Provider, cfg ServerConfig) *Server {
	if cfg.Defaults.MaxTokens == 0 {
		cfg.Defaults = inference.DefaultRequest("")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	s := &Server{
		provider: provider,
		defaults: cfg.Defaults,
		log:      cfg.Logger,
		clock:    time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(int(cfg.RateLimit), 1)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/models", s.handleListModels)
	e.POST("/v1/completions", s.handleCompletions, s.rateLimit)
	e.POST("/v1/generate", s.handleGenerate, s.rateLimit)
}

// rateLimit rejects generation requests above the configured rate with 429.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			c.Response().Header().Set("Retry-After", "1")
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok", "version": version.String()})
}

func (s *Server) handleListModels(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model provider not configured")
	}
	ids, err := s.provider.ListModels()
	if err != nil {
		return writeErr(c, err)
	}

	created := s.clock().Unix()
	list := ModelList{Object: "list", Data: make([]Model, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, Model{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "local",
		})
	}
	return writeJSON(c, http.StatusOK, list)
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
