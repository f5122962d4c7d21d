package store

import (
	"context"
	"sync"

	"mise/internal/analysis"
	"mise/internal/logging"
)

// Cache is a read-through session cache over the repository. The API
// layer and the orchestrator each own one. Every durable write fires the
// repository's observers, which evict the written id from every cache;
// the writing cache then re-caches its own fresh copy. The next read in
// any other layer is forced back to disk, so no layer can serve a stale
// snapshot after someone else writes.
type Cache struct {
	name string
	repo Repository

	mu       sync.Mutex
	sessions map[string]*analysis.Session
}

// NewCache creates a cache layer and hooks it to the repository's
// write notifications.
func NewCache(name string, repo Repository) *Cache {
	c := &Cache{
		name:     name,
		repo:     repo,
		sessions: make(map[string]*analysis.Session),
	}
	repo.AddObserver(c.onWrite)
	return c
}

var _ analysis.SessionStore = (*Cache)(nil)

// Get returns the cached session or loads it from the repository.
func (c *Cache) Get(ctx context.Context, id string) (*analysis.Session, error) {
	c.mu.Lock()
	if sess, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		logging.StoreDebug("cache %s: hit for %s", c.name, id)
		return sess, nil
	}
	c.mu.Unlock()

	sess, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[id] = sess
	c.mu.Unlock()
	logging.StoreDebug("cache %s: loaded %s from disk", c.name, id)
	return sess, nil
}

// Put writes through to the repository. The observer sweep evicts the id
// everywhere; the writer then keeps its own fresh copy.
func (c *Cache) Put(ctx context.Context, sess *analysis.Session) error {
	if err := c.repo.Put(ctx, sess); err != nil {
		return err
	}
	c.mu.Lock()
	c.sessions[sess.ID] = sess
	c.mu.Unlock()
	return nil
}

// Evict drops a session from this cache only.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// Contains reports whether the session is currently cached. Used by
// coherence checks and tests.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}

func (c *Cache) onWrite(id string) {
	c.Evict(id)
}
