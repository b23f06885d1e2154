package contextwin

import (
	"strings"

	"cagcore/internal/knowledge"
)

// domainRule maps a domain tag to the query keywords that activate it.
type domainRule struct {
	domain   string
	keywords []string
	toolOnly bool
}

// domainRules is evaluated in order so the collected tags are deterministic.
// The mcp row only applies in tool mode, where an integration layer exists.
var domainRules = []domainRule{
	{domain: "database", keywords: []string{"database", "postgresql", "sql", "pgvector"}},
	{domain: "architecture", keywords: []string{"architecture", "design", "system", "framework"}},
	{domain: "implementation", keywords: []string{"implement", "code", "develop", "build"}},
	{domain: "configuration", keywords: []string{"config", "setup", "install", "deploy"}},
	{domain: "testing", keywords: []string{"test", "validate", "verify", "debug"}},
	{domain: "knowledge", keywords: []string{"knowledge", "learning", "pattern", "insight"}},
	{domain: "mcp", keywords: []string{"mcp", "integration", "tools", "framework"}, toolOnly: true},
}

// QueryDomains derives domain tags from a query. All matching rows are
// collected; a query matching nothing falls back to ["general"].
func QueryDomains(query string, mode knowledge.Mode) []string {
	lower := strings.ToLower(query)
	var domains []string
	for _, rule := range domainRules {
		if rule.toolOnly && mode != knowledge.ModeTool {
			continue
		}
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				domains = append(domains, rule.domain)
				break
			}
		}
	}
	if len(domains) == 0 {
		return []string{"general"}
	}
	return domains
}
