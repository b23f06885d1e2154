// Package knowledge defines the knowledge item model, the cache priority
// scorer, and the context layer classifier for the CAG core.
//
// Everything in this package is pure: no I/O, no shared state. Scoring and
// classification are deterministic functions of their inputs so that the
// cache warmer and the context manager can call them from any goroutine.
package knowledge

import "time"

// =============================================================================
// Knowledge Types
// =============================================================================

// Type is the closed set of knowledge type tags.
type Type string

const (
	TypeFactual            Type = "factual"
	TypeProcedural         Type = "procedural"
	TypeContextual         Type = "contextual"
	TypeRelational         Type = "relational"
	TypeExperiential       Type = "experiential"
	TypeTechnicalDiscovery Type = "technical_discovery"
	TypePatternRecognition Type = "pattern_recognition"
)

// knownTypes gates Normalize. Unknown tags coerce to factual.
var knownTypes = map[Type]bool{
	TypeFactual:            true,
	TypeProcedural:         true,
	TypeContextual:         true,
	TypeRelational:         true,
	TypeExperiential:       true,
	TypeTechnicalDiscovery: true,
	TypePatternRecognition: true,
}

// Normalize coerces unknown type tags to factual.
func (t Type) Normalize() Type {
	if knownTypes[t] {
		return t
	}
	return TypeFactual
}

// =============================================================================
// Context Layers
// =============================================================================

// Layer names a partition of the warm cache and a section of the compiled
// context window.
type Layer string

const (
	LayerSystem     Layer = "system"
	LayerProject    Layer = "project"
	LayerSession    Layer = "session"
	LayerDomain     Layer = "domain"
	LayerExperience Layer = "experience"
	LayerStrategic  Layer = "strategic"
	LayerDynamic    Layer = "dynamic"
	LayerResponse   Layer = "response"
)

// Layers returns all layers in canonical compilation order.
func Layers() []Layer {
	return []Layer{
		LayerSystem,
		LayerProject,
		LayerSession,
		LayerDomain,
		LayerExperience,
		LayerStrategic,
		LayerDynamic,
		LayerResponse,
	}
}

// DefaultAllocations returns the per-layer token allocations for a 128k
// context window.
func DefaultAllocations() map[Layer]int {
	return map[Layer]int{
		LayerSystem:     2000,
		LayerProject:    8000,
		LayerSession:    16000,
		LayerDomain:     32000,
		LayerExperience: 24000,
		LayerStrategic:  16000,
		LayerDynamic:    24000,
		LayerResponse:   6000,
	}
}

// =============================================================================
// Knowledge Items
// =============================================================================

// Item is the unit of cached content. ImportanceScore and AccessCount are
// optional on ingest: zero means "not provided" and the scorer substitutes
// the store defaults (50 and 1 respectively). A zero CreatedAt scores as if
// the item were created now.
type Item struct {
	ID              string    `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	Content         string    `json:"content" db:"content"`
	KnowledgeType   Type      `json:"knowledge_type" db:"knowledge_type"`
	Category        string    `json:"category" db:"category"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	ImportanceScore int       `json:"importance_score" db:"importance_score"`
	AccessCount     int       `json:"access_count" db:"access_count"`
}
