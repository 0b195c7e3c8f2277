package graphstore

import "sync"

// defaultLoadedGraphs bounds how many snapshots keep their adjacency
// sets resident for path queries.
const defaultLoadedGraphs = 4

// graphCache is a small LRU of loaded per-snapshot adjacency sets.
// Loaded graphs are immutable; writers drop the entry instead of
// mutating it.
type graphCache struct {
	mu    sync.Mutex
	cap   int
	order []string
	items map[string]*memGraph
}

func newGraphCache(capacity int) *graphCache {
	return &graphCache{
		cap:   capacity,
		items: make(map[string]*memGraph, capacity),
	}
}

// get returns the cached graph for id and refreshes its recency.
func (c *graphCache) get(id string) (*memGraph, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.items[id]
	if !ok {
		return nil, false
	}

	c.touch(id)

	return g, true
}

// put inserts a graph, evicting the least recently used entry when the
// cache is full.
func (c *graphCache) put(id string, g *memGraph) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[id]; ok {
		c.items[id] = g
		c.touch(id)

		return
	}

	if len(c.items) >= c.cap && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}

	c.items[id] = g
	c.order = append(c.order, id)
}

// drop removes the entry for id, if present.
func (c *graphCache) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[id]; !ok {
		return
	}

	delete(c.items, id)
	c.remove(id)
}

// touch moves id to the most recently used position. Caller holds mu.
func (c *graphCache) touch(id string) {
	c.remove(id)
	c.order = append(c.order, id)
}

// remove deletes id from the recency order. Caller holds mu.
func (c *graphCache) remove(id string) {
	for idx, candidate := range c.order {
		if candidate == id {
			c.order = append(c.order[:idx], c.order[idx+1:]...)

			break
		}
	}
}
