package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lysyi3m/rss-reader/app/database"
)

// EntryHook runs after an update committed new or updated entries.
type EntryHook interface {
	EntriesPersisted(ctx context.Context, feedURL string, result database.UpdateResult) error
}

type HookFunc func(ctx context.Context, feedURL string, result database.UpdateResult) error

func (f HookFunc) EntriesPersisted(ctx context.Context, feedURL string, result database.UpdateResult) error {
	return f(ctx, feedURL, result)
}

type registered struct {
	name string
	hook EntryHook
}

// Registry holds the hooks supplied by the caller, run in registration order.
type Registry struct {
	mu    sync.RWMutex
	hooks []registered
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(name string, hook EntryHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, registered{name: name, hook: hook})
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.hooks))
	for i, h := range r.hooks {
		names[i] = h.name
	}
	return names
}

// Notify runs every hook. A failing hook does not stop the others; all
// failures are returned joined.
func (r *Registry) Notify(ctx context.Context, feedURL string, result database.UpdateResult) error {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	hooks := make([]registered, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	var errs []error
	for _, h := range hooks {
		if err := h.hook.EntriesPersisted(ctx, feedURL, result); err != nil {
			slog.Error("Plugin failed", "plugin", h.name, "feed", feedURL, "error", err)
			errs = append(errs, fmt.Errorf("plugin %s: %w", h.name, err))
		}
	}

	return errors.Join(errs...)
}
