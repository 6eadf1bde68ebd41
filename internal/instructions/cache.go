// Package instructions loads and memoizes the system instruction documents
// used by the pipeline stages.
package instructions

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Fallback replaces a document that could not be loaded.
const Fallback = "You are an assistant in a property appraisal pipeline. " +
	"Analyse the JSON payload you are given and respond with a single JSON object " +
	"containing the fields the task requires. Do not add prose around the object."

// Loader fetches an instruction document by name.
type Loader interface {
	Load(ctx context.Context, name string) (string, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, name string) (string, error)

func (f LoaderFunc) Load(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// Cache memoizes documents for the lifetime of the process. A failed load is
// cached as Fallback, so the loader is consulted at most once per name.
type Cache struct {
	loader Loader
	logger *slog.Logger

	mu    sync.RWMutex
	docs  map[string]string
	group singleflight.Group
}

// NewCache creates a Cache. If logger is nil, slog.Default() is used.
func NewCache(loader Loader, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		loader: loader,
		logger: logger,
		docs:   make(map[string]string),
	}
}

// Get returns the document for name, loading it on first use.
func (c *Cache) Get(ctx context.Context, name string) string {
	c.mu.RLock()
	doc, ok := c.docs[name]
	c.mu.RUnlock()
	if ok {
		return doc
	}

	v, _, _ := c.group.Do(name, func() (any, error) {
		c.mu.RLock()
		doc, ok := c.docs[name]
		c.mu.RUnlock()
		if ok {
			return doc, nil
		}

		// The result outlives this caller, so its cancellation must not
		// turn into a cached Fallback.
		doc, err := c.loader.Load(context.WithoutCancel(ctx), name)
		if err != nil || doc == "" {
			c.logger.Warn("instructions: load failed, using fallback", "name", name, "error", err)
			doc = Fallback
		}

		c.mu.Lock()
		c.docs[name] = doc
		c.mu.Unlock()
		return doc, nil
	})
	return v.(string)
}

// Forget drops a cached document so the next Get reloads it.
func (c *Cache) Forget(name string) {
	c.mu.Lock()
	delete(c.docs, name)
	c.mu.Unlock()
}
