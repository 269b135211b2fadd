package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/inference"
	"github.com/samcharles93/llamagen/internal/logger"
)

// Provider resolves a model id to a loaded engine.
type Provider interface {
	WithEngine(ctx context.Context, modelID string, fn func(eng inference.Engine, model string) error) error
	ListModels() ([]string, error)
}

// Loader opens the engine serving path.
type Loader func(ctx context.Context, path string) (inference.Engine, error)

type ProviderConfig struct {
	DefaultModelPath string
	ModelsPath       string
	Backend          string
	Engine           engine.Config
	Options          inference.Options
	// Parallel is the number of sessions per loaded model.
	Parallel int
	// MaxLoaded bounds the number of models kept in memory.
	MaxLoaded int
	// TTL unloads a model this long after it was loaded.
	TTL    time.Duration
	Loader Loader
	Logger logger.Logger
}

// CachedPoolProvider keeps a session pool per model path. Pools are closed
// when they fall out of the cache.
type CachedPoolProvider struct {
	cfg    ProviderConfig
	log    logger.Logger
	cache  *otter.Cache[string, inference.Engine]
	loadMu sync.Mutex
	loaded atomic.Int32
}

const envModelsDir = "LLAMAGEN_MODELS_DIR"

const modelExt = ".gguf"

func NewCachedPoolProvider(cfg ProviderConfig) (*CachedPoolProvider, error) {
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	if cfg.MaxLoaded <= 0 {
		cfg.MaxLoaded = 1
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	p := &CachedPoolProvider{
		cfg: cfg,
		log: cfg.Logger,
	}
	if p.cfg.Loader == nil {
		p.cfg.Loader = p.openPool
	}

	opt := otter.Options[string, inference.Engine]{
		MaximumSize:      cfg.MaxLoaded,
		ExpiryCalculator: otter.ExpiryWriting[string, inference.Engine](cfg.TTL),
		OnDeletion:       p.eviction,
	}
	cache, err := otter.New(&opt)
	if err != nil {
		return nil, fmt.Errorf("constructing model cache: %w", err)
	}
	p.cache = cache
	return p, nil
}

func (p *CachedPoolProvider) openPool(ctx context.Context, path string) (inference.Engine, error) {
	opts := p.cfg.Options
	if opts.Logger == nil {
		opts.Logger = p.log
	}
	return inference.OpenPool(ctx, p.cfg.Parallel, p.cfg.Backend, path, p.cfg.Engine, opts)
}

func (p *CachedPoolProvider) WithEngine(ctx context.Context, modelID string, fn func(eng inference.Engine, model string) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	eng, err := p.acquire(ctx, path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", inference.ErrCancelled, err)
	}
	return fn(eng, modelName(path))
}

func (p *CachedPoolProvider) acquire(ctx context.Context, path string) (inference.Engine, error) {
	if eng, ok := p.cache.GetIfPresent(path); ok {
		return eng, nil
	}

	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if eng, ok := p.cache.GetIfPresent(path); ok {
		return eng, nil
	}

	start := time.Now()
	eng, err := p.cfg.Loader(ctx, path)
	if err != nil {
		return nil, err
	}
	p.cache.Set(path, eng)
	p.loaded.Add(1)
	p.log.Info("model loaded", "path", path, "sessions", p.cfg.Parallel, "elapsed", time.Since(start).Round(time.Millisecond))
	return eng, nil
}

func (p *CachedPoolProvider) eviction(event otter.DeletionEvent[string, inference.Engine]) {
	p.log.Info("unloading model", "path", event.Key, "cause", event.Cause, "evicted", event.WasEvicted())
	if err := event.Value.Close(); err != nil {
		p.log.Warn("unloading model", "path", event.Key, "error", err)
	}
	p.loaded.Add(-1)
}

// Loaded is the number of models currently held.
func (p *CachedPoolProvider) Loaded() int { return int(p.loaded.Load()) }

// Close unloads every model and waits for the pools to shut down.
func (p *CachedPoolProvider) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	p.cache.InvalidateAll()

	for p.loaded.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// ListModels returns model ids: the default model plus every .gguf file in the
// models directory.
func (p *CachedPoolProvider) ListModels() ([]string, error) {
	var ids []string
	if p.cfg.DefaultModelPath != "" {
		ids = append(ids, modelName(p.cfg.DefaultModelPath))
	}
	if dir := p.modelsDir(); dir != "" {
		paths, err := discoverModels(dir)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			ids = append(ids, modelName(path))
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (p *CachedPoolProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID != "" {
		if p.cfg.DefaultModelPath != "" && modelID == modelName(p.cfg.DefaultModelPath) {
			return p.defaultPath(), nil
		}
		if looksLikePath(modelID) {
			return filepath.Clean(modelID), nil
		}
		modelsDir := p.modelsDir()
		if modelsDir == "" {
			return "", fmt.Errorf("%w: %q (no models directory configured)", ErrModelNotFound, modelID)
		}
		if resolved := resolveInDir(modelsDir, modelID); resolved != "" {
			return resolved, nil
		}
		return "", fmt.Errorf("%w: %q not in %s", ErrModelNotFound, modelID, modelsDir)
	}

	if p.cfg.DefaultModelPath != "" {
		return p.defaultPath(), nil
	}
	modelsDir := p.modelsDir()
	if modelsDir == "" {
		return "", newInvalidRequest("model is required")
	}
	models, err := discoverModels(modelsDir)
	if err != nil {
		return "", err
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", fmt.Errorf("%w: no %s models in %s", ErrModelNotFound, modelExt, modelsDir)
	default:
		return "", newInvalidRequest(fmt.Sprintf("multiple models found in %s; specify model", modelsDir))
	}
}

// defaultPath leaves non-file paths such as the toy built-in model untouched.
func (p *CachedPoolProvider) defaultPath() string {
	if !looksLikePath(p.cfg.DefaultModelPath) {
		return p.cfg.DefaultModelPath
	}
	return filepath.Clean(p.cfg.DefaultModelPath)
}

func (p *CachedPoolProvider) modelsDir() string {
	if dir := strings.TrimSpace(p.cfg.ModelsPath); dir != "" {
		return dir
	}
	return strings.TrimSpace(os.Getenv(envModelsDir))
}

func modelName(path string) string {
	base := filepath.Base(path)
	if strings.HasSuffix(strings.ToLower(base), modelExt) {
		base = base[:len(base)-len(modelExt)]
	}
	return base
}

func looksLikePath(v string) bool {
	if strings.Contains(v, string(filepath.Separator)) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(v), modelExt)
}

func resolveInDir(dir, name string) string {
	cand := filepath.Join(dir, name)
	if fileExists(cand) {
		return cand
	}
	if !strings.HasSuffix(strings.ToLower(name), modelExt) {
		cand = filepath.Join(dir, name+modelExt)
		if fileExists(cand) {
			return cand
		}
	}
	return ""
}

func discoverModels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), modelExt) {
			continue
		}
		models = append(models, filepath.Join(dir, e.Name()))
	}
	return models, nil
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
