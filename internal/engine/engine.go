// Package engine ties the knowledge client, warm cache, cache warmer, and
// context manager into the CAG query pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cagcore/internal/cache"
	"cagcore/internal/client"
	"cagcore/internal/config"
	"cagcore/internal/contextwin"
	"cagcore/internal/knowledge"
	"cagcore/internal/logging"
)

// ErrNotReady is returned when ProcessQuery is called on an engine that was
// not built through New or NewWithClient.
var ErrNotReady = errors.New("engine: not initialized")

// toolTimeout bounds each tool-registry round trip.
const toolTimeout = 30 * time.Second

// interactionCategory tags the write-back items so they never pollute the
// domain layers of later queries.
const interactionCategory = "cag_interaction"

const interactionImportance = 30

// Performance carries the per-query timing record.
type Performance struct {
	ContextLoadTime     time.Duration `json:"context_load_time"`
	TotalProcessingTime time.Duration `json:"total_processing_time"`
	CacheHit            bool          `json:"cache_hit"`
}

// Envelope is the full response record for one processed query.
type Envelope struct {
	Query                string          `json:"query"`
	SessionID            string          `json:"session_id"`
	ContextLoaded        bool            `json:"context_loaded"`
	ContextSizeTokens    int             `json:"context_size_tokens"`
	CachedKnowledgeItems int             `json:"cached_knowledge_items"`
	Performance          Performance     `json:"performance"`
	ContextLayers        map[string]bool `json:"context_layers"`
	FullContext          string          `json:"full_context"`
}

// DomainWarmStats reports a targeted domain warm.
type DomainWarmStats struct {
	Domain      string `json:"domain"`
	ItemsLoaded int    `json:"items_loaded"`
	Priority    string `json:"priority"`
	Success     bool   `json:"success"`
}

// CacheSummary is the cache inspection record.
type CacheSummary struct {
	TotalCachedItems int                `json:"total_cached_items"`
	CacheLayers      int                `json:"cache_layers"`
	AveragePriority  float64            `json:"average_priority"`
	MemoryEstimate   int                `json:"memory_usage_estimate"`
	SampleItems      []cache.Keyed      `json:"sample_items"`
	Metrics          PerformanceMetrics `json:"performance_metrics"`
}

// Engine is the CAG core entry point. One engine serves many sessions; all
// of its state is safe for concurrent ProcessQuery calls.
type Engine struct {
	cfg     *config.Config
	client  client.Client
	tool    *client.Tool
	cache   *cache.WarmCache
	warmer  *cache.Warmer
	manager *contextwin.Manager
	metrics metricsRecord
	ready   bool
}

// New builds an engine from configuration, opening the direct store or the
// tool transport as configured.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, &config.Error{Field: "config", Reason: "required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		c       client.Client
		tool    *client.Tool
		history contextwin.SessionHistory
	)
	if cfg.ToolMode() {
		tool = client.NewTool(cfg.ToolEndpoint, toolTimeout)
		c = tool
		initCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tool.Initialize(initCtx); err != nil {
			// Degraded start: queries will carry diagnostics until the
			// registry comes back.
			logging.Get(logging.CategoryEngine).Warn("Tool registry initialize failed: %v", err)
		}
		cancel()
		logging.Engine("Engine starting in tool mode against %s", cfg.ToolEndpoint)
	} else {
		direct, err := client.NewDirect(cfg.Store.DSN())
		if err != nil {
			return nil, err
		}
		c = direct
		history = direct
		logging.Engine("Engine starting in direct mode against %s:%d/%s",
			cfg.Store.Host, cfg.Store.Port, cfg.Store.DBName)
	}
	return build(cfg, c, tool, history), nil
}

// NewWithClient builds an engine over a caller-supplied client. Session
// history and tool-call accounting are wired when the concrete type
// provides them.
func NewWithClient(cfg *config.Config, c client.Client) (*Engine, error) {
	if cfg == nil {
		return nil, &config.Error{Field: "config", Reason: "required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var tool *client.Tool
	if t, ok := c.(*client.Tool); ok {
		tool = t
	}
	var history contextwin.SessionHistory
	if d, ok := c.(*client.Direct); ok {
		history = d
	}
	return build(cfg, c, tool, history), nil
}

func build(cfg *config.Config, c client.Client, tool *client.Tool, history contextwin.SessionHistory) *Engine {
	mode := knowledge.ModeDirect
	if cfg.ToolMode() {
		mode = knowledge.ModeTool
	}
	warm := cache.New(cfg.CachePriorityThreshold, cfg.MaxCacheItems)
	manager := contextwin.NewManager(c, mode, cfg.MaxContextTokens, cfg.Project)
	if history != nil {
		manager.SetSessionHistory(history)
	}
	return &Engine{
		cfg:     cfg,
		client:  c,
		tool:    tool,
		cache:   warm,
		warmer:  cache.NewWarmer(c, warm, mode, cfg.Project),
		manager: manager,
		ready:   true,
	}
}

// Close releases the underlying store connection, if any.
func (e *Engine) Close() error {
	if d, ok := e.client.(*client.Direct); ok {
		return d.Close()
	}
	return nil
}

// ProcessQuery runs the full CAG pipeline: warm the session cache if this is
// its first query, assemble the context window, and record metrics. The
// returned envelope always carries the compiled context; per-layer failures
// surface as diagnostic banners inside it, not as errors.
func (e *Engine) ProcessQuery(ctx context.Context, query, sessionID string, userCtx *cache.UserContext) (*Envelope, error) {
	if e == nil || !e.ready {
		return nil, ErrNotReady
	}
	start := time.Now()

	hit := e.warmer.Warmed(sessionID)
	if !hit {
		if _, err := e.warmer.WarmCacheForSession(ctx, sessionID, userCtx); err != nil {
			logging.Get(logging.CategoryEngine).Warn("Cache warming failed for %s: %v", sessionID, err)
		}
	}

	loadStart := time.Now()
	compiled := e.manager.LoadContextForQuery(ctx, query, sessionID)
	loadTime := time.Since(loadStart)

	env := &Envelope{
		Query:                query,
		SessionID:            sessionID,
		ContextLoaded:        true,
		ContextSizeTokens:    contextwin.EstimateTokens(compiled),
		CachedKnowledgeItems: e.cache.Len(),
		ContextLayers:        analyzeLayers(compiled),
		FullContext:          compiled,
	}
	env.Performance = Performance{
		ContextLoadTime:     loadTime,
		TotalProcessingTime: time.Since(start),
		CacheHit:            hit,
	}

	e.metrics.record(env.Performance.TotalProcessingTime, hit)
	if e.tool != nil {
		e.metrics.setToolCalls(e.tool.Calls())
	}
	logging.EngineDebug("Processed query for %s: %d tokens, hit=%v, %v",
		sessionID, env.ContextSizeTokens, hit, env.Performance.TotalProcessingTime)

	e.storeInteraction(ctx, env)
	return env, nil
}

// storeInteraction writes the query back to the knowledge store so future
// sessions can recall it. Best effort: failures are logged and swallowed.
func (e *Engine) storeInteraction(ctx context.Context, env *Envelope) {
	content := fmt.Sprintf("Query: %s\nProcessing time: %v\nContext tokens: %d",
		env.Query, env.Performance.TotalProcessingTime, env.ContextSizeTokens)
	_, err := e.client.StoreKnowledge(ctx, client.StoreRequest{
		KnowledgeType: knowledge.TypeContextual,
		Title:         "CAG Query: " + firstChars(env.Query, 50) + "...",
		Content:       content,
		Category:      interactionCategory,
		Importance:    interactionImportance,
	})
	if err != nil {
		logging.Get(logging.CategoryEngine).Warn("Interaction write-back failed: %v", err)
	}
}

// WarmDomainCache preloads knowledge matching a domain into the domain
// layer. Failures are reported through Success, never as an error.
func (e *Engine) WarmDomainCache(ctx context.Context, domain, priority string) DomainWarmStats {
	if priority == "" {
		priority = "normal"
	}
	n, err := e.warmer.WarmDomain(ctx, domain)
	if err != nil {
		logging.Get(logging.CategoryEngine).Warn("Domain warm %q failed: %v", domain, err)
		return DomainWarmStats{Domain: domain, Priority: priority}
	}
	return DomainWarmStats{Domain: domain, ItemsLoaded: n, Priority: priority, Success: true}
}

// CachedKnowledgeSummary reports cache totals plus up to five sample
// entries, optionally narrowed to one layer. An empty layer means all.
func (e *Engine) CachedKnowledgeSummary(layer knowledge.Layer) CacheSummary {
	var samples []cache.Keyed
	if layer == "" {
		samples = e.cache.Top(5)
	} else {
		samples = e.cache.ByLayer(layer)
		if len(samples) > 5 {
			samples = samples[:5]
		}
	}
	stats := e.cache.Stats()
	return CacheSummary{
		TotalCachedItems: stats.TotalItems,
		CacheLayers:      stats.CacheLayers,
		AveragePriority:  stats.AveragePriority,
		MemoryEstimate:   stats.MemoryEstimate,
		SampleItems:      samples,
		Metrics:          e.Metrics(),
	}
}

// Metrics returns a copy of the aggregate performance record.
func (e *Engine) Metrics() PerformanceMetrics {
	if e.tool != nil {
		e.metrics.setToolCalls(e.tool.Calls())
	}
	return e.metrics.snapshot()
}

// analyzeLayers reports which layers made it into the compiled context.
func analyzeLayers(compiled string) map[string]bool {
	layers := make(map[string]bool, 8)
	for _, layer := range knowledge.Layers() {
		marker := "=== " + strings.ToUpper(string(layer)) + " CONTEXT ==="
		layers[string(layer)] = strings.Contains(compiled, marker)
	}
	return layers
}

// firstChars returns the first n characters of s, rune-safe.
func firstChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
