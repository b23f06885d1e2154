package contextwin

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"cagcore/internal/client"
	"cagcore/internal/knowledge"
	"cagcore/internal/logging"
)

// systemPreamble is the fixed system layer. It never touches the store.
const systemPreamble = `CAG-enabled AI assistant with persistent knowledge access.
Cache-augmented generation preloads ranked knowledge for instant recall.
Strategic partnership capabilities with continuous learning and pattern recognition.`

// dynamicExhausted is emitted verbatim when the remaining budget is too
// small to justify another store round-trip.
const dynamicExhausted = "Limited space for dynamic content"

// dynamicFloorTokens is the minimum remaining budget for a dynamic fetch.
const dynamicFloorTokens = 1000

// budgetFactor is the overrun multiple that triggers truncation.
const budgetFactor = 2

// SessionHistory reads persisted conversation exchanges. Only the direct
// store provides one; tool mode reconstructs sessions from session context
// items instead.
type SessionHistory interface {
	RecentExchanges(ctx context.Context, sessionID string, limit int) ([]client.Exchange, error)
}

// CategorySearcher looks knowledge up by category tag alone. The direct
// store provides one; clients without it fall back to full-text search.
type CategorySearcher interface {
	SearchByCategory(ctx context.Context, categories []string, limit int) ([]knowledge.Item, error)
}

// Manager loads the per-layer context bodies for a query and compiles them
// into the fixed-format context window.
type Manager struct {
	client      client.Client
	history     SessionHistory
	categories  CategorySearcher
	mode        knowledge.Mode
	maxTokens   int
	allocations map[knowledge.Layer]int
	project     string
}

// NewManager creates a context manager over c with the default layer
// allocations.
func NewManager(c client.Client, mode knowledge.Mode, maxTokens int, project string) *Manager {
	m := &Manager{
		client:      c,
		mode:        mode,
		maxTokens:   maxTokens,
		allocations: knowledge.DefaultAllocations(),
		project:     project,
	}
	if cs, ok := c.(CategorySearcher); ok {
		m.categories = cs
	}
	return m
}

// SetSessionHistory installs the exchange reader for the session layer.
func (m *Manager) SetSessionHistory(h SessionHistory) {
	m.history = h
}

// LoadContextForQuery assembles the context window for a query. Layer
// failures degrade to diagnostic bodies; the compiled output always carries
// every layer that produced text, in canonical order.
func (m *Manager) LoadContextForQuery(ctx context.Context, query, sessionID string) string {
	timer := logging.StartTimer(logging.CategoryContext, "load_context_for_query")
	defer timer.Stop()

	bodies := map[knowledge.Layer]string{
		knowledge.LayerSystem: systemPreamble,
	}

	var project, session, domain, experience, strategic string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, err := m.loadProject(gctx)
		project = m.guard(knowledge.LayerProject, body, err)
		return nil
	})
	g.Go(func() error {
		body, err := m.loadSession(gctx, sessionID)
		session = m.guard(knowledge.LayerSession, body, err)
		return nil
	})
	g.Go(func() error {
		body, err := m.loadDomain(gctx, query)
		domain = m.guard(knowledge.LayerDomain, body, err)
		return nil
	})
	g.Go(func() error {
		body, err := m.loadExperience(gctx, query)
		experience = m.guard(knowledge.LayerExperience, body, err)
		return nil
	})
	g.Go(func() error {
		body, err := m.loadStrategic(gctx, query)
		strategic = m.guard(knowledge.LayerStrategic, body, err)
		return nil
	})
	_ = g.Wait()

	bodies[knowledge.LayerProject] = project
	bodies[knowledge.LayerSession] = session
	bodies[knowledge.LayerDomain] = domain
	bodies[knowledge.LayerExperience] = experience
	bodies[knowledge.LayerStrategic] = strategic

	for layer, body := range bodies {
		bodies[layer] = m.enforceBudget(layer, body)
	}

	used := 0
	for _, body := range bodies {
		used += EstimateTokens(body)
	}
	remaining := m.maxTokens - used
	if remaining < 0 {
		remaining = 0
	}
	logging.ContextDebug("Layers 1-6 used %d tokens, %d remaining for dynamic", used, remaining)

	dynBody, dynErr := m.loadDynamic(ctx, query, remaining)
	dynamic := m.guard(knowledge.LayerDynamic, dynBody, dynErr)
	bodies[knowledge.LayerDynamic] = m.enforceBudget(knowledge.LayerDynamic, dynamic)

	return compile(bodies)
}

// guard substitutes a diagnostic body when a layer loader fails, so the
// compiled context still shows the layer with an error banner.
func (m *Manager) guard(layer knowledge.Layer, body string, err error) string {
	if err == nil {
		return body
	}
	logging.Get(logging.CategoryContext).Warn("%s layer failed: %v", layer, err)
	return fmt.Sprintf("%s unavailable: %v", layerTitle(layer), err)
}

// enforceBudget truncates a layer body that overruns its allocation by more
// than the budget factor. Violations are logged, never surfaced as errors.
func (m *Manager) enforceBudget(layer knowledge.Layer, body string) string {
	alloc := m.allocations[layer]
	if alloc <= 0 {
		return body
	}
	cost := EstimateTokens(body)
	if cost <= budgetFactor*alloc {
		return body
	}
	logging.Context("Budget violation: %s layer at %d tokens exceeds 2x allocation %d, truncating", layer, cost, alloc)
	return truncateToTokens(body, alloc)
}

// compile emits the non-empty layers in canonical order with their banner
// headers.
func compile(bodies map[knowledge.Layer]string) string {
	var parts []string
	for _, layer := range knowledge.Layers() {
		body := bodies[layer]
		if body == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("=== %s CONTEXT ===", strings.ToUpper(string(layer))))
		parts = append(parts, body)
		parts = append(parts, "")
	}
	return strings.Join(parts, "\n")
}

// =============================================================================
// Layer loaders
// =============================================================================

func (m *Manager) loadProject(ctx context.Context) (string, error) {
	lines := []string{
		"Project: " + m.project,
		"Status: CAG pipeline active",
		"Focus: cache-augmented knowledge access",
	}
	if m.mode == knowledge.ModeTool {
		items, err := m.client.SessionContext(ctx, 5, m.project)
		if err != nil {
			return "", err
		}
		for _, item := range items {
			lines = append(lines, fmt.Sprintf("- %s: %s...", item.Title, snippet(item.Content, 100)))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (m *Manager) loadSession(ctx context.Context, sessionID string) (string, error) {
	if m.mode == knowledge.ModeTool {
		items, err := m.client.SessionContext(ctx, 10, "")
		if err != nil {
			return "", err
		}
		var history []string
		for _, item := range items {
			if item.KnowledgeType == knowledge.TypeContextual {
				history = append(history, fmt.Sprintf("Previous: %s...", snippet(item.Content, 100)))
			}
		}
		if len(history) > 5 {
			history = history[len(history)-5:]
		}
		if len(history) == 0 {
			return "New session - no previous history", nil
		}
		return strings.Join(history, "\n"), nil
	}

	if m.history == nil {
		return "Session history unavailable", nil
	}
	exchanges, err := m.history.RecentExchanges(ctx, sessionID, 10)
	if err != nil {
		return "", err
	}
	if len(exchanges) == 0 {
		return "No session history found", nil
	}
	lines := make([]string, 0, len(exchanges))
	for _, ex := range exchanges {
		lines = append(lines, strings.ToUpper(ex.Role)+": "+ex.Content)
	}
	return strings.Join(lines, "\n"), nil
}

func (m *Manager) loadDomain(ctx context.Context, query string) (string, error) {
	domains := QueryDomains(query, m.mode)

	var items []knowledge.Item
	var err error
	switch {
	case m.mode == knowledge.ModeTool:
		items, err = m.client.SearchKnowledge(ctx, strings.Join(domains, " OR "),
			[]knowledge.Type{knowledge.TypeProcedural, knowledge.TypeTechnicalDiscovery}, 10)
	case m.categories != nil:
		items, err = m.categories.SearchByCategory(ctx, domains, 10)
	default:
		items, err = m.client.SearchKnowledge(ctx, strings.Join(domains, " "), nil, 10)
	}
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No domain knowledge found", nil
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s...", item.KnowledgeType, item.Title, snippet(item.Content, 200)))
	}
	return strings.Join(lines, "\n"), nil
}

func (m *Manager) loadExperience(ctx context.Context, query string) (string, error) {
	var items []knowledge.Item
	var err error
	if m.mode == knowledge.ModeTool {
		items, err = m.client.ContextualKnowledge(ctx, "Experience related to: "+query, 5)
		if err == nil {
			filtered := items[:0]
			for _, item := range items {
				if item.KnowledgeType == knowledge.TypeExperiential {
					filtered = append(filtered, item)
				}
			}
			items = filtered
		}
	} else {
		items, err = m.client.SearchKnowledge(ctx, query, []knowledge.Type{knowledge.TypeExperiential}, 5)
	}
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No experience memory available", nil
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s...", item.Category, item.Title, snippet(item.Content, 150)))
	}
	return strings.Join(lines, "\n"), nil
}

func (m *Manager) loadStrategic(ctx context.Context, query string) (string, error) {
	types := []knowledge.Type{knowledge.TypeProcedural, knowledge.TypeTechnicalDiscovery}

	var items []knowledge.Item
	var err error
	if m.mode == knowledge.ModeTool {
		items, err = m.client.SearchKnowledge(ctx, "strategic insights "+query, types, 5)
		if err == nil {
			filtered := items[:0]
			for _, item := range items {
				if item.ImportanceScore > 60 {
					filtered = append(filtered, item)
				}
			}
			items = filtered
		}
	} else {
		items, err = m.client.SearchKnowledge(ctx, "", types, 5)
	}
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No strategic insights available", nil
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s...", item.KnowledgeType, item.Title, snippet(item.Content, 150)))
	}
	return strings.Join(lines, "\n"), nil
}

func (m *Manager) loadDynamic(ctx context.Context, query string, remaining int) (string, error) {
	if remaining < dynamicFloorTokens {
		return dynamicExhausted, nil
	}
	items, err := m.client.SearchKnowledge(ctx, query, nil, 3)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s...", item.KnowledgeType, item.Title, snippet(item.Content, 100)))
	}
	return strings.Join(lines, "\n"), nil
}

// snippet returns the first n characters of s, rune-safe.
func snippet(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// layerTitle capitalizes a layer name for diagnostic banners.
func layerTitle(layer knowledge.Layer) string {
	s := string(layer)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var _ CategorySearcher = (*client.Direct)(nil)
var _ SessionHistory = (*client.Direct)(nil)
