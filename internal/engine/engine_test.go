package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cagcore/internal/client"
	"cagcore/internal/config"
	"cagcore/internal/contextwin"
	"cagcore/internal/knowledge"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient serves canned items keyed by the limit argument and records
// store requests.
type fakeClient struct {
	mu           sync.Mutex
	byLimit      map[int][]knowledge.Item
	searchErr    error
	storeErr     error
	stored       []client.StoreRequest
	coreSearches int // warming phase 1 calls (limit 20)
}

func (f *fakeClient) SearchKnowledge(ctx context.Context, query string, types []knowledge.Type, limit int) ([]knowledge.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit == 20 {
		f.coreSearches++
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.byLimit[limit], nil
}

func (f *fakeClient) ContextualKnowledge(ctx context.Context, situation string, maxResults int) ([]knowledge.Item, error) {
	return nil, nil
}

func (f *fakeClient) SessionContext(ctx context.Context, maxItems int, project string) ([]knowledge.Item, error) {
	return nil, nil
}

func (f *fakeClient) StoreKnowledge(ctx context.Context, req client.StoreRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return "", f.storeErr
	}
	f.stored = append(f.stored, req)
	return "stored", nil
}

func (f *fakeClient) storedRequests() []client.StoreRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.StoreRequest(nil), f.stored...)
}

func (f *fakeClient) coreSearchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coreSearches
}

var _ client.Client = (*fakeClient)(nil)

func directConfig() *config.Config {
	cfg := config.Default()
	cfg.Store = &config.StoreConfig{Host: "localhost", Port: 5432, DBName: "kb", User: "u", SSLMode: "disable"}
	return cfg
}

func warmItems() map[int][]knowledge.Item {
	return map[int][]knowledge.Item{
		20: {{
			ID: "k1", Title: "warming phases", Content: "phase one loads core knowledge",
			KnowledgeType: knowledge.TypeProcedural, Category: "cag",
			CreatedAt: time.Now(), ImportanceScore: 70, AccessCount: 4,
		}},
		10: {{
			ID: "d1", Title: "schema notes", Content: "knowledge_items relation layout",
			KnowledgeType: knowledge.TypeTechnicalDiscovery, Category: "database",
			CreatedAt: time.Now(), ImportanceScore: 65, AccessCount: 2,
		}},
	}
}

func TestWarmThenQueryHit(t *testing.T) {
	fake := &fakeClient{byLimit: warmItems()}
	eng, err := NewWithClient(directConfig(), fake)
	require.NoError(t, err)

	first, err := eng.ProcessQuery(context.Background(), "How do I implement CAG?", "S1", nil)
	require.NoError(t, err)
	assert.False(t, first.Performance.CacheHit)
	assert.True(t, first.ContextLoaded)
	assert.GreaterOrEqual(t, first.CachedKnowledgeItems, 0)
	assert.True(t, first.ContextLayers["system"])
	assert.True(t, first.ContextLayers["project"])

	second, err := eng.ProcessQuery(context.Background(), "How do I implement CAG?", "S1", nil)
	require.NoError(t, err)
	assert.True(t, second.Performance.CacheHit)
	assert.GreaterOrEqual(t, second.CachedKnowledgeItems, first.CachedKnowledgeItems)

	m := eng.Metrics()
	assert.Equal(t, 2, m.TotalQueries)
	assert.Equal(t, 1, m.CacheHits)
	assert.Equal(t, 1, m.CacheMisses)
	assert.Greater(t, m.AverageResponseTime, time.Duration(0))
}

func TestConcurrentQueriesWarmOnce(t *testing.T) {
	fake := &fakeClient{byLimit: warmItems()}
	eng, err := NewWithClient(directConfig(), fake)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.ProcessQuery(context.Background(), "implement the warm path", "S1", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fake.coreSearchCount(), "session must be warmed exactly once")
	assert.Equal(t, 8, eng.Metrics().TotalQueries)
}

func TestEnvelopeFields(t *testing.T) {
	fake := &fakeClient{byLimit: warmItems()}
	eng, err := NewWithClient(directConfig(), fake)
	require.NoError(t, err)

	env, err := eng.ProcessQuery(context.Background(), "test the database setup", "S2", nil)
	require.NoError(t, err)

	assert.Equal(t, "test the database setup", env.Query)
	assert.Equal(t, "S2", env.SessionID)
	assert.NotEmpty(t, env.FullContext)
	assert.Equal(t, contextwin.EstimateTokens(env.FullContext), env.ContextSizeTokens)

	for _, layer := range knowledge.Layers() {
		_, present := env.ContextLayers[string(layer)]
		assert.True(t, present, "layer %s missing from context_layers", layer)
	}
	assert.False(t, env.ContextLayers["response"], "reserved layer must not be emitted")
	assert.Greater(t, env.Performance.TotalProcessingTime, time.Duration(0))
	assert.GreaterOrEqual(t, env.Performance.TotalProcessingTime, env.Performance.ContextLoadTime)
}

func TestInteractionWriteBack(t *testing.T) {
	fake := &fakeClient{byLimit: warmItems()}
	eng, err := NewWithClient(directConfig(), fake)
	require.NoError(t, err)

	long := strings.Repeat("q", 60)
	_, err = eng.ProcessQuery(context.Background(), long, "S3", nil)
	require.NoError(t, err)

	stored := fake.storedRequests()
	require.Len(t, stored, 1)
	req := stored[0]
	assert.Equal(t, knowledge.TypeContextual, req.KnowledgeType)
	assert.Equal(t, "CAG Query: "+strings.Repeat("q", 50)+"...", req.Title)
	assert.Equal(t, "cag_interaction", req.Category)
	assert.Equal(t, 30, req.Importance)
	assert.Contains(t, req.Content, "Context tokens:")
}

func TestWriteBackFailureSwallowed(t *testing.T) {
	fake := &fakeClient{byLimit: warmItems(), storeErr: client.Permanent(errors.New("schema mismatch"))}
	eng, err := NewWithClient(directConfig(), fake)
	require.NoError(t, err)

	env, err := eng.ProcessQuery(context.Background(), "anything", "S4", nil)
	require.NoError(t, err)
	assert.True(t, env.ContextLoaded)
}

func TestWarmDomainCache(t *testing.T) {
	fake := &fakeClient{byLimit: warmItems()}
	eng, err := NewWithClient(directConfig(), fake)
	require.NoError(t, err)

	stats := eng.WarmDomainCache(context.Background(), "database", "")
	assert.True(t, stats.Success)
	assert.Equal(t, "database", stats.Domain)
	assert.Equal(t, "normal", stats.Priority)
	assert.Equal(t, 1, stats.ItemsLoaded)

	summary := eng.CachedKnowledgeSummary(knowledge.LayerDomain)
	require.NotEmpty(t, summary.SampleItems)
	assert.True(t, strings.HasPrefix(summary.SampleItems[0].Key, "domain:"))
}

func TestWarmDomainCacheFailure(t *testing.T) {
	fake := &fakeClient{searchErr: client.Transient(errors.New("store down"))}
	eng, err := NewWithClient(directConfig(), fake)
	require.NoError(t, err)

	stats := eng.WarmDomainCache(context.Background(), "database", "high")
	assert.False(t, stats.Success)
	assert.Equal(t, 0, stats.ItemsLoaded)
	assert.Equal(t, "high", stats.Priority)
}

func TestCachedKnowledgeSummary(t *testing.T) {
	fake := &fakeClient{byLimit: warmItems()}
	eng, err := NewWithClient(directConfig(), fake)
	require.NoError(t, err)

	_, err = eng.ProcessQuery(context.Background(), "warm it up", "S5", nil)
	require.NoError(t, err)

	summary := eng.CachedKnowledgeSummary("")
	assert.Equal(t, summary.TotalCachedItems, eng.cache.Len())
	assert.LessOrEqual(t, len(summary.SampleItems), 5)
	assert.Equal(t, 1, summary.Metrics.TotalQueries)
}

func TestProcessQueryNotReady(t *testing.T) {
	var nilEngine *Engine
	_, err := nilEngine.ProcessQuery(context.Background(), "q", "S", nil)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = (&Engine{}).ProcessQuery(context.Background(), "q", "S", nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default() // no access path
	_, err := New(cfg)
	require.Error(t, err)
	var cerr *config.Error
	assert.ErrorAs(t, err, &cerr)
}
