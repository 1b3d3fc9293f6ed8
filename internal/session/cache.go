package session

import (
	"sort"
	"sync"

	"github.com/ska-src/srcnet-cli/internal/tokenstore"
)

// cache is the in-memory index over the token store, keyed by service name.
// It is rebuilt wholesale from the store, never hand-patched: every mutation
// goes through the store first and is then mirrored here.
type cache struct {
	mu      sync.RWMutex
	records map[string]*tokenstore.TokenRecord
}

func newCache() *cache {
	return &cache{
		records: make(map[string]*tokenstore.TokenRecord),
	}
}

// replace rebuilds the cache from a full store scan.
func (c *cache) replace(records []*tokenstore.TokenRecord) {
	next := make(map[string]*tokenstore.TokenRecord, len(records))
	for _, record := range records {
		next[record.ServiceName] = record
	}

	c.mu.Lock()
	c.records = next
	c.mu.Unlock()
}

// get returns a copy of the cached record, or nil.
func (c *cache) get(serviceName string) *tokenstore.TokenRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.records[serviceName]
	if !ok {
		return nil
	}
	return record.Clone()
}

// put mirrors a record already persisted to the store.
func (c *cache) put(record *tokenstore.TokenRecord) {
	c.mu.Lock()
	c.records[record.ServiceName] = record.Clone()
	c.mu.Unlock()
}

// delete mirrors a record removal.
func (c *cache) delete(serviceName string) {
	c.mu.Lock()
	delete(c.records, serviceName)
	c.mu.Unlock()
}

// all returns copies of every cached record, ordered by service name.
func (c *cache) all() []*tokenstore.TokenRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	records := make([]*tokenstore.TokenRecord, 0, len(c.records))
	for _, record := range c.records {
		records = append(records, record.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ServiceName < records[j].ServiceName
	})
	return records
}
