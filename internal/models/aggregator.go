// Package models implements the model-list aggregator. It
// caches GET /v1/models results for a configurable TTL, refreshes from all
// enabled adapters in deterministic order, and applies backend namespacing.
package models

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hartyporpoise/porpulsion/internal/adapter"
)

// Entry is one row of the cached, namespaced model list.
type Entry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Aggregator implements ModelListCache behavior.
type Aggregator struct {
	registry *adapter.Registry
	ttl      time.Duration
	monotonic func() time.Time

	mu        sync.Mutex
	expiresAt time.Time
	entries   []Entry
}

// New constructs an Aggregator over registry's adapters, caching for ttl.
func New(registry *adapter.Registry, ttl time.Duration) *Aggregator {
	return &Aggregator{registry: registry, ttl: ttl, monotonic: time.Now}
}

// List returns the cached entries, refreshing first if the cache has
// expired.
func (a *Aggregator) List(ctx context.Context) ([]Entry, error) {
	a.mu.Lock()
	fresh := a.monotonic().Before(a.expiresAt)
	cached := a.entries
	a.mu.Unlock()

	if fresh {
		return cached, nil
	}
	return a.refresh(ctx)
}

// refresh queries every registered adapter in configuration order. Each
// adapter's ListModels call is bounded by its own goroutine; per-adapter
// failures are swallowed and that adapter simply contributes no entries to
// this refresh. The failure is not logged and is not reported to the
// caller: refresh always returns a nil error. The result replaces the cache
// outright — a partial success is not merged with the previous, possibly
// stale, cached window.
func (a *Aggregator) refresh(ctx context.Context) ([]Entry, error) {
	names := a.registry.Names()
	perAdapter := make([][]adapter.ModelEntry, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			ad, ok := a.registry.Get(name)
			if !ok {
				return nil
			}
			entries, err := ad.ListModels(gctx)
			if err != nil {
				// Surfacing this per-adapter would need a second return
				// channel nothing else in the pipeline consumes; the
				// dispatcher's access log already captures request-level
				// failures. Swallow here so one slow/broken backend doesn't
				// block or fail the others.
				return nil
			}
			perAdapter[i] = entries
			return nil
		})
	}
	// errgroup.Group.Wait's error is always nil here since every Go func
	// returns nil; kept for clarity that failures are per-adapter, not
	// fatal to the refresh as a whole.
	_ = g.Wait()

	var combined []Entry
	for i, name := range names {
		for _, raw := range perAdapter[i] {
			combined = append(combined, namespace(name, raw))
		}
	}

	a.mu.Lock()
	a.entries = combined
	a.expiresAt = a.monotonic().Add(a.ttl)
	a.mu.Unlock()

	return combined, nil
}

// namespace applies namespacing rule: Ollama entries are
// already namespaced by their adapter; OpenAI-native entries not already
// prefixed with "<backend>:" get it added.
func namespace(backend string, e adapter.ModelEntry) Entry {
	id := e.ID
	prefix := backend + ":"
	if len(id) < len(prefix) || id[:len(prefix)] != prefix {
		id = prefix + id
	}
	return Entry{ID: id, Object: e.Object, Created: e.Created, OwnedBy: e.OwnedBy}
}
