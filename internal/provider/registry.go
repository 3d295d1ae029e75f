package provider

import (
	"sort"

	"github.com/vdavid/mailsync/internal/mailerr"
	"github.com/vdavid/mailsync/internal/models"
)

// Registry resolves a provider tag to its adapter.
type Registry struct {
	adapters map[models.Provider]Adapter
}

// NewRegistry registers adapters by their Provider tag. A later adapter for the
// same tag replaces an earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Get returns the adapter for p or an UnsupportedProviderError.
func (r *Registry) Get(p models.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, &mailerr.UnsupportedProviderError{Provider: string(p)}
	}
	return a, nil
}

// Providers lists the registered tags in a stable order.
func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Capabilities returns the capabilities of p, or the zero value if p is unknown.
func (r *Registry) Capabilities(p models.Provider) Capabilities {
	if a, ok := r.adapters[p]; ok {
		return a.Capabilities()
	}
	return Capabilities{}
}
