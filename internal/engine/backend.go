package engine

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

const (
	LlamaCPP = "llamacpp"
	Toy      = "toy"
	Auto     = "auto"
)

// Backend opens model files.
type Backend interface {
	Name() string
	Open(path string, cfg Config) (Handle, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Backend{}
)

// Register makes a backend available by name. Registering a name twice
// replaces the earlier backend.
func Register(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Name()] = b
}

// Registered lists backend names in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case LlamaCPP, Toy, Auto:
		return backend, nil
	case "llama", "llama.cpp", "yzma":
		return LlamaCPP, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, llamacpp, or toy)", backend)
	}
}

// Lookup resolves a backend name. Auto prefers llamacpp and falls back to toy.
func Lookup(name string) (Backend, error) {
	n, err := Normalize(name)
	if err != nil {
		return nil, err
	}

	registryMu.RLock()
	defer registryMu.RUnlock()

	if n == Auto {
		for _, candidate := range []string{LlamaCPP, Toy} {
			if b, ok := registry[candidate]; ok {
				return b, nil
			}
		}
		return nil, fmt.Errorf("no backend registered")
	}
	b, ok := registry[n]
	if !ok {
		return nil, fmt.Errorf("backend %q is not available", n)
	}
	return b, nil
}

// Open resolves the backend and opens path. Failures are reported as *LoadError.
func Open(backend, path string, cfg Config) (Handle, error) {
	b, err := Lookup(backend)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	h, err := b.Open(path, cfg)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &LoadError{Path: path, Err: err}
	}
	return h, nil
}
