package logits

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Mode selects the terminal choice rule.
type Mode int

const (
	// Greedy picks the highest logit and ignores every filter.
	Greedy Mode = iota
	// Stochastic runs the filter pipeline, applies temperature and draws.
	Stochastic
)

func (m Mode) String() string {
	switch m {
	case Greedy:
		return "greedy"
	case Stochastic:
		return "stochastic"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "greedy" or "stochastic" (also "sample").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "greedy", "argmax":
		return Greedy, nil
	case "stochastic", "sample", "sampling":
		return Stochastic, nil
	default:
		return Greedy, fmt.Errorf("unknown sampling mode %q", s)
	}
}

// Config configures the stochastic pipeline.
type Config struct {
	TopK      int
	TailFreeZ float32
	TypicalP  float32
	TopP      float32
	MinKeep   int
	// Seed seeds the draw. Negative values pick a time based seed.
	Seed int64
}

// DefaultConfig returns the pipeline used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		TopK:      40,
		TailFreeZ: 1.0,
		TypicalP:  1.0,
		TopP:      0.95,
		MinKeep:   1,
		Seed:      -1,
	}
}

// Stage is one named filter of the stochastic pipeline.
type Stage struct {
	Name  string
	Apply func(*Candidates)
}

// Sampler picks the next token from a candidate table.
type Sampler struct {
	cfg    Config
	rng    *rand.Rand
	stages []Stage
}

// NewSampler returns a sampler with the filter stages in their fixed order:
// top-k, tail-free, typical, top-p.
func NewSampler(cfg Config) *Sampler {
	if cfg.MinKeep <= 0 {
		cfg.MinKeep = 1
	}
	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	s := &Sampler{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
	s.stages = []Stage{
		{Name: "top_k", Apply: func(c *Candidates) { TopK(c, s.cfg.TopK, s.cfg.MinKeep) }},
		{Name: "tail_free", Apply: func(c *Candidates) { TailFree(c, s.cfg.TailFreeZ, s.cfg.MinKeep) }},
		{Name: "typical", Apply: func(c *Candidates) { Typical(c, s.cfg.TypicalP, s.cfg.MinKeep) }},
		{Name: "top_p", Apply: func(c *Candidates) { TopP(c, s.cfg.TopP, s.cfg.MinKeep) }},
	}
	return s
}

// Config returns the effective configuration.
func (s *Sampler) Config() Config { return s.cfg }

// StageNames lists the filter stages in application order.
func (s *Sampler) StageNames() []string {
	names := make([]string, len(s.stages))
	for i, st := range s.stages {
		names[i] = st.Name
	}
	return names
}

// Sample chooses a token id. Greedy ignores temperature and filters.
func (s *Sampler) Sample(c *Candidates, mode Mode, temperature float32) int32 {
	if mode == Greedy {
		return Argmax(c)
	}
	for _, st := range s.stages {
		st.Apply(c)
	}
	Temperature(c, temperature)
	return Dist(c, s.rng)
}
