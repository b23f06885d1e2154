// Package cache implements the warm knowledge cache and the phased cache
// warmer for the CAG core. The cache is process-local, non-durable, and
// grows monotonically: entries are never evicted, only refused once the
// item cap is reached or dropped wholesale by Clear.
package cache

import (
	"sort"
	"sync"
	"time"

	"cagcore/internal/knowledge"
	"cagcore/internal/logging"
)

// Entry is the cached form of a knowledge item.
type Entry struct {
	Content       string         `json:"content"`
	Title         string         `json:"title"`
	KnowledgeType knowledge.Type `json:"knowledge_type"`
	Priority      float64        `json:"priority"`
	LoadedAt      time.Time      `json:"loaded_at"`
	SourceTag     string         `json:"source_tag"`
	AccessCount   int            `json:"access_count"`
}

// Keyed pairs an entry with its cache key.
type Keyed struct {
	Key string `json:"key"`
	Entry
}

// Stats summarizes the cache contents.
type Stats struct {
	TotalItems      int     `json:"total_items"`
	CacheLayers     int     `json:"cache_layers"`
	AveragePriority float64 `json:"average_priority"`
	MemoryEstimate  int     `json:"memory_usage_estimate"`
	Refused         int     `json:"refused"`
}

// WarmCache is the in-memory working set, keyed by "<layer>:<id>". A single
// mutex serializes writers; readers that bump access counters also take it.
type WarmCache struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	threshold float64
	maxItems  int
	refused   int
}

// New creates a warm cache. Insertion is gated by priority >= threshold;
// maxItems of 0 disables the cap.
func New(threshold float64, maxItems int) *WarmCache {
	return &WarmCache{
		entries:   make(map[string]*Entry),
		threshold: threshold,
		maxItems:  maxItems,
	}
}

// Key formats the cache key for a layer and item id.
func Key(layer knowledge.Layer, id string) string {
	return string(layer) + ":" + id
}

// Threshold returns the priority gate for insertion.
func (c *WarmCache) Threshold() float64 { return c.threshold }

// Put inserts item under the given layer if its priority clears the
// threshold. Overwrites of existing keys always succeed; inserts of new keys
// are refused once the cap is reached. Returns whether the entry is now in
// the cache.
func (c *WarmCache) Put(layer knowledge.Layer, item knowledge.Item, priority float64, sourceTag string) bool {
	if priority < c.threshold {
		return false
	}
	key := Key(layer, item.ID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxItems > 0 && len(c.entries) >= c.maxItems {
		c.refused++
		logging.CacheDebug("Cache full (%d items), refusing %s", c.maxItems, key)
		return false
	}

	c.entries[key] = &Entry{
		Content:       item.Content,
		Title:         item.Title,
		KnowledgeType: item.KnowledgeType.Normalize(),
		Priority:      priority,
		LoadedAt:      time.Now(),
		SourceTag:     sourceTag,
		AccessCount:   0,
	}
	return true
}

// Len returns the number of cached entries.
func (c *WarmCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Get returns the entry for a layer and item id, bumping its access count.
func (c *WarmCache) Get(layer knowledge.Layer, id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[Key(layer, id)]
	if !ok {
		return Entry{}, false
	}
	e.AccessCount++
	return *e, true
}

// Entries returns all entries sorted by priority, highest first.
func (c *WarmCache) Entries() []Keyed {
	return c.collect(func(string) bool { return true }, 0)
}

// ByLayer returns the entries whose keys belong to layer, sorted by
// priority.
func (c *WarmCache) ByLayer(layer knowledge.Layer) []Keyed {
	prefix := string(layer) + ":"
	return c.collect(func(key string) bool {
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}, 0)
}

// Top returns the limit highest-priority entries across all layers.
func (c *WarmCache) Top(limit int) []Keyed {
	return c.collect(func(string) bool { return true }, limit)
}

// collect snapshots matching entries sorted by priority descending,
// bumping access counters on the returned set.
func (c *WarmCache) collect(match func(string) bool, limit int) []Keyed {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Keyed, 0, len(c.entries))
	for key, e := range c.entries {
		if !match(key) {
			continue
		}
		result = append(result, Keyed{Key: key, Entry: *e})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority > result[j].Priority
		}
		return result[i].Key < result[j].Key
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	for i := range result {
		if e, ok := c.entries[result[i].Key]; ok {
			e.AccessCount++
			result[i].AccessCount = e.AccessCount
		}
	}
	return result
}

// Stats returns a summary of the cache contents.
func (c *WarmCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{TotalItems: len(c.entries), Refused: c.refused}
	if len(c.entries) == 0 {
		return stats
	}

	layers := make(map[string]bool)
	var prioritySum float64
	for key, e := range c.entries {
		for i := 0; i < len(key); i++ {
			if key[i] == ':' {
				layers[key[:i]] = true
				break
			}
		}
		prioritySum += e.Priority
		stats.MemoryEstimate += len(e.Content) + len(e.Title)
	}
	stats.CacheLayers = len(layers)
	stats.AveragePriority = prioritySum / float64(len(c.entries))
	return stats
}

// Clear discards all entries.
func (c *WarmCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.refused = 0
}
