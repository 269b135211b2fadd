// Package llamacpp binds the engine interfaces to llama.cpp through yzma,
// which loads the shared libraries at runtime without cgo.
package llamacpp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"

	"github.com/samcharles93/llamagen/internal/engine"
	"github.com/samcharles93/llamagen/internal/gguf"
)

// LibPathEnv names the variable consulted when no library path is given.
const LibPathEnv = "LLAMAGEN_LIB_PATH"

var (
	initOnce sync.Once
	initErr  error
	libDir   string
)

// LibDir resolves the directory holding the llama.cpp shared libraries:
// the override, then LLAMAGEN_LIB_PATH, then ~/.llamagen/lib.
func LibDir(override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(LibPathEnv); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "lib")
	}
	return filepath.Join(home, ".llamagen", "lib")
}

// Init loads the llama.cpp libraries once per process.
func Init(libPath string, silent bool) error {
	initOnce.Do(func() {
		dir := LibDir(libPath)
		if err := llama.Load(dir); err != nil {
			initErr = fmt.Errorf("unable to load llama.cpp from %s: %w", dir, err)
			return
		}
		libDir = dir
		llama.Init()
		if silent {
			llama.LogSet(llama.LogSilent())
		} else {
			llama.LogSet(llama.LogNormal)
		}
	})
	return initErr
}

// Shutdown frees the llama.cpp backend. Only call it once every model is closed.
func Shutdown() {
	if libDir != "" {
		llama.BackendFree()
	}
}

// Backend opens GGUF models through llama.cpp.
type Backend struct {
	LibPath string
	// Threads is applied when the context is created.
	Threads int
	Silent  bool
}

func (Backend) Name() string { return engine.LlamaCPP }

func (b Backend) Open(path string, cfg engine.Config) (engine.Handle, error) {
	if err := gguf.Validate(path); err != nil {
		return nil, &engine.LoadError{Path: path, Err: err}
	}
	if err := Init(b.LibPath, b.Silent); err != nil {
		return nil, &engine.LoadError{Path: path, Err: err}
	}

	mparams := llama.ModelDefaultParams()
	mparams.NGpuLayers = int32(cfg.GPULayers)
	mparams.UseMmap = boolByte(cfg.UseMmap)
	mparams.UseMlock = boolByte(cfg.UseMlock)
	mparams.VocabOnly = boolByte(cfg.VocabOnly)

	mdl, err := llama.ModelLoadFromFile(path, mparams)
	if err != nil {
		return nil, &engine.LoadError{Path: path, Err: err}
	}

	m := &Model{
		cfg:   cfg,
		model: mdl,
		vocab: llama.ModelGetVocab(mdl),
	}
	m.nVocab = int(llama.VocabNTokens(m.vocab))
	if m.nVocab <= 0 {
		llama.ModelFree(mdl)
		return nil, &engine.LoadError{Path: path, Err: errors.New("model has an empty vocabulary")}
	}
	m.logits = make([]float32, m.nVocab)

	if cfg.VocabOnly {
		return m, nil
	}

	ctxParams := llama.ContextDefaultParams()
	if cfg.ContextWindow > 0 {
		ctxParams.NCtx = uint32(cfg.ContextWindow)
		ctxParams.NBatch = uint32(cfg.ContextWindow)
		ctxParams.NUbatch = uint32(cfg.ContextWindow)
	}
	if b.Threads > 0 {
		ctxParams.NThreads = int32(b.Threads)
		ctxParams.NThreadsBatch = int32(b.Threads)
	}
	if cfg.Embedding {
		ctxParams.Embeddings = 1
	}

	lctx, err := llama.InitFromModel(mdl, ctxParams)
	if err != nil {
		llama.ModelFree(mdl)
		return nil, &engine.LoadError{Path: path, Err: fmt.Errorf("create context: %w", err)}
	}
	m.lctx = lctx
	m.hasCtx = true
	m.nCtx = int(llama.NCtx(lctx))

	mem, err := llama.GetMemory(lctx)
	if err != nil {
		_ = m.Close()
		return nil, &engine.LoadError{Path: path, Err: fmt.Errorf("get memory: %w", err)}
	}
	m.mem = mem

	return m, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
