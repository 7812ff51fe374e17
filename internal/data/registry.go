package data

import (
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Registry owns the data providers of one test run. Providers are
// singletons per canonical file path: every binding and every csv
// placeholder referencing the same file shares rows and cursors.
type Registry struct {
	fs     afero.Fs
	logger logrus.FieldLogger

	mu        sync.Mutex
	providers map[string]*Provider
}

// NewRegistry creates an empty registry over the given filesystem.
func NewRegistry(fs afero.Fs, logger logrus.FieldLogger) *Registry {
	return &Registry{
		fs:        fs,
		logger:    logger,
		providers: make(map[string]*Provider),
	}
}

// Get returns the provider for path, constructing it on first use. The
// first caller's options stick; later differing options are ignored.
func (r *Registry) Get(path string, opts Options) *Provider {
	canonical := filepath.Clean(path)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[canonical]; ok {
		return p
	}
	p := newProvider(r.fs, canonical, opts, r.logger)
	r.providers[canonical] = p
	return p
}

// Load fetches and loads a provider in one call.
func (r *Registry) Load(path string, opts Options) (*Provider, error) {
	p := r.Get(path, opts)
	if err := p.Load(); err != nil {
		return nil, err
	}
	return p, nil
}

// Len reports how many providers are registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers)
}
