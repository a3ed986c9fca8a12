package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Router sends each request to the provider that serves its model.
// Models without a route go to the default provider.
type Router struct {
	defaultProvider string

	mu        sync.RWMutex
	providers map[string]Client
	routes    map[string]string // model -> provider
}

// NewRouter creates a router whose unlisted models use defaultProvider.
func NewRouter(defaultProvider string) *Router {
	return &Router{
		defaultProvider: defaultProvider,
		providers:       make(map[string]Client),
		routes:          make(map[string]string),
	}
}

// Register adds or replaces the client for a provider name.
func (r *Router) Register(provider string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider] = c
}

// Route pins model to provider.
func (r *Router) Route(model, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[model] = provider
}

// Provider returns the provider name serving model.
func (r *Router) Provider(model string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.routes[model]; ok {
		return p
	}
	return r.defaultProvider
}

// Chat forwards req to the provider serving req.Model.
func (r *Router) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	provider := r.Provider(req.Model)
	r.mu.RLock()
	c := r.providers[provider]
	r.mu.RUnlock()
	if c == nil {
		return nil, NewFatalError(fmt.Errorf("model %q: provider %q not configured", req.Model, provider))
	}
	return c.Chat(ctx, req)
}

// Ping checks every registered provider concurrently. The error joins
// each failure, prefixed with its provider name.
func (r *Router) Ping(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	clients := make([]Client, len(names))
	sort.Strings(names)
	for i, name := range names {
		clients[i] = r.providers[name]
	}
	r.mu.RUnlock()

	if len(names) == 0 {
		return errors.New("no model providers configured")
	}

	errs := make([]error, len(names))
	var g errgroup.Group
	for i := range names {
		g.Go(func() error {
			if err := clients[i].Ping(ctx); err != nil {
				errs[i] = fmt.Errorf("%s: %w", names[i], err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
