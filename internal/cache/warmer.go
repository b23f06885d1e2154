package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cagcore/internal/client"
	"cagcore/internal/knowledge"
	"cagcore/internal/logging"
)

// UserContext seeds session-prediction warming.
type UserContext struct {
	Keywords []string
	Project  string
}

// CacheStats reports the outcome of one warming run.
type CacheStats struct {
	PhasesCompleted int           `json:"phases_completed"`
	ItemsLoaded     int           `json:"items_loaded"`
	CacheSize       int           `json:"cache_size"`
	WarmingTime     time.Duration `json:"warming_time"`
	ToolIntegrated  bool          `json:"tool_integrated,omitempty"`
}

// WarmingRecord marks a session as warmed.
type WarmingRecord struct {
	WarmedAt time.Time
	Stats    CacheStats
}

// Prediction is a pattern-predicted knowledge item.
type Prediction struct {
	Item       knowledge.Item
	Confidence float64
}

// PatternRecognizer predicts knowledge a session will need. The default
// warmer has none, in which case Phase 3 contributes nothing.
type PatternRecognizer interface {
	Predict(ctx context.Context, sessionID string) ([]Prediction, error)
}

// RecentExperiencePredictor is the stub recognizer: it returns the most
// recent experiential items at a fixed confidence. A real predictor can
// replace it without touching the warmer.
type RecentExperiencePredictor struct {
	Client client.Client
}

const stubPredictionConfidence = 0.7

func (p *RecentExperiencePredictor) Predict(ctx context.Context, sessionID string) ([]Prediction, error) {
	items, err := p.Client.SearchKnowledge(ctx, "", []knowledge.Type{knowledge.TypeExperiential}, 5)
	if err != nil {
		return nil, err
	}
	predictions := make([]Prediction, 0, len(items))
	for _, item := range items {
		predictions = append(predictions, Prediction{Item: item, Confidence: stubPredictionConfidence})
	}
	return predictions, nil
}

var _ PatternRecognizer = (*RecentExperiencePredictor)(nil)

// =============================================================================
// Warmer
// =============================================================================

// Warmer preloads the warm cache in phases: core knowledge, session
// prediction, pattern prediction, and strategic insights. Warming is
// idempotent per session.
type Warmer struct {
	client     client.Client
	scorer     *knowledge.Scorer
	classifier *knowledge.Classifier
	cache      *WarmCache
	recognizer PatternRecognizer
	project    string
	mode       knowledge.Mode

	mu       sync.Mutex
	sessions map[string]WarmingRecord
	inflight map[string]chan struct{}
}

// NewWarmer creates a warmer writing into cache through c.
func NewWarmer(c client.Client, cache *WarmCache, mode knowledge.Mode, project string) *Warmer {
	return &Warmer{
		client:     c,
		scorer:     knowledge.NewScorer(mode),
		classifier: knowledge.NewClassifier(mode),
		cache:      cache,
		project:    project,
		mode:       mode,
		sessions:   make(map[string]WarmingRecord),
		inflight:   make(map[string]chan struct{}),
	}
}

// SetPatternRecognizer installs the Phase 3 predictor.
func (w *Warmer) SetPatternRecognizer(r PatternRecognizer) {
	w.recognizer = r
}

// Warmed reports whether a session has already been warmed.
func (w *Warmer) Warmed(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[sessionID]
	return ok
}

// Record returns the warming record for a session.
func (w *Warmer) Record(sessionID string) (WarmingRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.sessions[sessionID]
	return rec, ok
}

// WarmCacheForSession runs the four warming phases for a session. Repeat
// calls for an already-warmed session short-circuit and return the original
// stats. Phases 1 and 2 run on the critical path; phases 3 and 4 run
// concurrently afterwards and are joined before return.
func (w *Warmer) WarmCacheForSession(ctx context.Context, sessionID string, userCtx *UserContext) (CacheStats, error) {
	w.mu.Lock()
	if rec, ok := w.sessions[sessionID]; ok {
		w.mu.Unlock()
		logging.CacheDebug("Cache already warmed for session %s", sessionID)
		return rec.Stats, nil
	}
	if ch, ok := w.inflight[sessionID]; ok {
		// Another caller is warming this session; wait for its result.
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return CacheStats{}, ctx.Err()
		}
		w.mu.Lock()
		rec := w.sessions[sessionID]
		w.mu.Unlock()
		return rec.Stats, nil
	}
	ch := make(chan struct{})
	w.inflight[sessionID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, sessionID)
		w.mu.Unlock()
		close(ch)
	}()

	if userCtx == nil {
		userCtx = &UserContext{Keywords: []string{"CAG", "implementation"}, Project: w.project}
	}
	if userCtx.Project == "" {
		userCtx.Project = w.project
	}

	logging.Cache("Warming cache for session %s", sessionID)
	start := time.Now()
	stats := CacheStats{ToolIntegrated: w.mode == knowledge.ModeTool}

	// Phase 1: core knowledge.
	stats.PhasesCompleted++
	if items, err := w.loadCoreKnowledge(ctx); err != nil {
		logging.Get(logging.CategoryCache).Warn("Phase 1 failed: %v", err)
	} else {
		w.preload(items, nil, "core")
		stats.ItemsLoaded += len(items)
		logging.CacheDebug("Phase 1 loaded %d core items", len(items))
	}

	// Phase 2: session prediction.
	stats.PhasesCompleted++
	if items, err := w.predictSessionKnowledge(ctx, userCtx); err != nil {
		logging.Get(logging.CategoryCache).Warn("Phase 2 failed: %v", err)
	} else {
		w.preload(items, nil, "session_prediction")
		stats.ItemsLoaded += len(items)
		logging.CacheDebug("Phase 2 loaded %d session items", len(items))
	}

	// Phases 3 and 4 run off the critical path but are joined before
	// return so ItemsLoaded reflects the true union.
	var phase3Loaded, phase4Loaded int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if w.recognizer == nil {
			return nil
		}
		predictions, err := w.recognizer.Predict(gctx, sessionID)
		if err != nil {
			logging.Get(logging.CategoryCache).Warn("Phase 3 failed: %v", err)
			return nil
		}
		items := make([]knowledge.Item, 0, len(predictions))
		for _, p := range predictions {
			items = append(items, p.Item)
		}
		w.preload(items, nil, "pattern_prediction")
		phase3Loaded = len(items)
		return nil
	})
	g.Go(func() error {
		items, err := w.loadStrategicInsights(gctx)
		if err != nil {
			logging.Get(logging.CategoryCache).Warn("Phase 4 failed: %v", err)
			return nil
		}
		strategic := knowledge.LayerStrategic
		w.preload(items, &strategic, "strategic_insights")
		phase4Loaded = len(items)
		return nil
	})
	_ = g.Wait()
	stats.PhasesCompleted += 2
	stats.ItemsLoaded += phase3Loaded + phase4Loaded
	logging.CacheDebug("Phase 3 loaded %d items, Phase 4 loaded %d items", phase3Loaded, phase4Loaded)

	stats.CacheSize = w.cache.Len()
	stats.WarmingTime = time.Since(start)
	if stats.WarmingTime <= 0 {
		stats.WarmingTime = time.Nanosecond
	}

	w.mu.Lock()
	w.sessions[sessionID] = WarmingRecord{WarmedAt: time.Now(), Stats: stats}
	w.mu.Unlock()

	logging.Cache("Cache warming complete for %s: %d items in %v", sessionID, stats.ItemsLoaded, stats.WarmingTime)
	return stats, nil
}

// WarmDomain preloads items matching domain, pinned to the domain layer.
// Returns the number of candidate items loaded.
func (w *Warmer) WarmDomain(ctx context.Context, domain string) (int, error) {
	items, err := w.client.SearchKnowledge(ctx, domain, nil, 10)
	if err != nil {
		return 0, err
	}
	layer := knowledge.LayerDomain
	w.preload(items, &layer, "domain_warm")
	logging.Cache("Domain warm %q loaded %d items", domain, len(items))
	return len(items), nil
}

// preload scores each candidate and inserts those clearing the threshold.
// pin overrides the classifier when a phase forces a layer.
func (w *Warmer) preload(items []knowledge.Item, pin *knowledge.Layer, sourceTag string) {
	for _, item := range items {
		priority := w.scorer.Score(item)
		layer := w.classifier.Classify(item)
		if pin != nil {
			layer = *pin
		}
		w.cache.Put(layer, item, priority, sourceTag)
	}
}

// loadCoreKnowledge is Phase 1. Direct mode pulls the most recent items of
// the always-hot types; tool mode asks the registry for core warming
// context.
func (w *Warmer) loadCoreKnowledge(ctx context.Context) ([]knowledge.Item, error) {
	if w.mode == knowledge.ModeTool {
		return w.client.ContextualKnowledge(ctx,
			"CAG core knowledge warming - essential system knowledge", 20)
	}
	return w.client.SearchKnowledge(ctx, "", []knowledge.Type{
		knowledge.TypeProcedural,
		knowledge.TypeTechnicalDiscovery,
		knowledge.TypeExperiential,
	}, 20)
}

// predictSessionKnowledge is Phase 2: keyword- and project-driven lookups.
func (w *Warmer) predictSessionKnowledge(ctx context.Context, userCtx *UserContext) ([]knowledge.Item, error) {
	if w.mode == knowledge.ModeTool {
		query := strings.TrimSpace(userCtx.Project + " " + strings.Join(userCtx.Keywords, " "))
		return w.client.SearchKnowledge(ctx, query, nil, 15)
	}
	if len(userCtx.Keywords) == 0 {
		return w.client.SearchKnowledge(ctx, "", nil, 10)
	}
	terms := append(append([]string{}, userCtx.Keywords...), userCtx.Project)
	return w.client.SearchKnowledge(ctx, strings.Join(terms, " "), nil, 15)
}

// loadStrategicInsights is Phase 4. Tool mode additionally filters to
// high-importance items, since importance scores are only trustworthy there.
func (w *Warmer) loadStrategicInsights(ctx context.Context) ([]knowledge.Item, error) {
	types := []knowledge.Type{knowledge.TypeProcedural, knowledge.TypeTechnicalDiscovery}
	if w.mode == knowledge.ModeTool {
		items, err := w.client.SearchKnowledge(ctx,
			"strategic insights architecture implementation", types, 8)
		if err != nil {
			return nil, err
		}
		filtered := items[:0]
		for _, item := range items {
			if item.ImportanceScore > 60 {
				filtered = append(filtered, item)
			}
		}
		return filtered, nil
	}
	return w.client.SearchKnowledge(ctx, "", types, 8)
}
