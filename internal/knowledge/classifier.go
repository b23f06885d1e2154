package knowledge

// =============================================================================
// Layer Classification
// =============================================================================

// Classifier assigns a knowledge item to the cache layer it warms into.
// Tool mode escalates high-importance items to the strategic layer before
// any type-based rule; direct mode never consults importance.
type Classifier struct {
	mode Mode
}

// NewClassifier creates a classifier for the given mode.
func NewClassifier(mode Mode) *Classifier {
	return &Classifier{mode: mode}
}

// strategicEscalation is the importance score above which tool-mode items
// are pinned to the strategic layer.
const strategicEscalation = 80

// Classify returns the layer for item. First matching rule wins.
func (c *Classifier) Classify(item Item) Layer {
	if c.mode == ModeTool && item.ImportanceScore > strategicEscalation {
		return LayerStrategic
	}
	switch item.KnowledgeType.Normalize() {
	case TypeProcedural, TypeTechnicalDiscovery:
		return LayerDomain
	case TypeExperiential:
		return LayerExperience
	case TypeContextual:
		return LayerSession
	default:
		return LayerDynamic
	}
}
