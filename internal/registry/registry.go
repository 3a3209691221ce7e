package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/dmorgan81/dalleserve/internal/image"
	"github.com/dmorgan81/dalleserve/internal/log"
	"github.com/dmorgan81/dalleserve/internal/param"
	"github.com/samber/do"
)

var (
	ErrNotFound        = errors.New("model not found")
	ErrWeightsNotFound = errors.New("weights file not found")
	ErrDuplicate       = errors.New("duplicate model name")
)

type Loader interface {
	Load(ctx context.Context, path string) (image.Generator, error)
}

type Entry struct {
	Name      string
	Path      string
	Generator image.Generator
}

// Registry holds the loaded models. It is never mutated after New returns.
type Registry struct {
	names   []string
	entries map[string]*Entry
}

// New loads every model of the table in order. Any failure aborts startup.
func New(ctx context.Context, table []param.Entry, loader Loader) (*Registry, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("registry")

	r := &Registry{entries: make(map[string]*Entry, len(table))}
	for _, e := range table {
		if _, ok := r.entries[e.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, e.Name)
		}
		if _, err := os.Stat(e.Path); err != nil {
			return nil, fmt.Errorf("%w: %s (%s): %w", ErrWeightsNotFound, e.Name, e.Path, err)
		}

		log.Info("loading model", "name", e.Name, "path", e.Path)
		gen, err := loader.Load(ctx, e.Path)
		if err != nil {
			return nil, fmt.Errorf("load model %s: %w", e.Name, err)
		}

		r.names = append(r.names, e.Name)
		r.entries[e.Name] = &Entry{Name: e.Name, Path: e.Path, Generator: gen}
	}

	log.Info("models loaded", "count", len(r.names))
	return r, nil
}

func NewRegistry(i *do.Injector) (*Registry, error) {
	ctx := do.MustInvoke[context.Context](i)
	table := do.MustInvokeNamed[[]param.Entry](i, "models")
	return New(ctx, table, do.MustInvoke[Loader](i))
}

// Names returns the model names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

func (r *Registry) Get(name string) (*Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}
